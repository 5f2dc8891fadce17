package draft

import (
	"errors"
	"sync"
)

// ErrFinalizeInFlight rejects a second approve while a finalize call for the
// same encounter is still outstanding.
var ErrFinalizeInFlight = errors.New("a finalize request is already in flight for this encounter")

// ReviewState holds the clinician-editable working copy of a clinical draft.
// Edits replace finding text only; the audit quotes stay attached so
// provenance remains visible after a finding is rewritten for clarity.
type ReviewState struct {
	mu         sync.Mutex
	draft      ClinicalDraft
	metadata   AdministrativeMetadata
	summary    string
	finalizing bool
}

// NewReviewState seeds a working copy from a drafting-service response.
func NewReviewState(resp DraftResponse) *ReviewState {
	return &ReviewState{
		draft:    resp.ClinicalDraft.Clone(),
		metadata: resp.AdministrativeMetadata,
		summary:  resp.PatientSummaryMarkdown,
	}
}

// UpdateFinding replaces the text of the finding at (category, index). All
// other fields, the audit quotes included, are preserved unchanged. An
// out-of-range index or unknown category is a no-op: review edits are keyed
// by array position and the arrays are append-only during review, so a stale
// index means the edit simply has nowhere to land. Returns whether the edit
// was applied.
func (r *ReviewState) UpdateFinding(category Category, index int, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	section := r.draft.section(category)
	if section == nil || index < 0 || index >= len(*section) {
		return false
	}
	(*section)[index].Text = text
	return true
}

// Draft returns a deep copy of the current edited draft.
func (r *ReviewState) Draft() ClinicalDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft.Clone()
}

// Metadata returns the administrative header the draft was generated under.
func (r *ReviewState) Metadata() AdministrativeMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}

// Summary returns the original patient-facing summary markdown.
func (r *ReviewState) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// BeginFinalize claims the single finalize slot for this encounter. At most
// one finalize call may be outstanding at a time.
func (r *ReviewState) BeginFinalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizing {
		return ErrFinalizeInFlight
	}
	r.finalizing = true
	return nil
}

// EndFinalize releases the finalize slot, success or failure alike.
func (r *ReviewState) EndFinalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizing = false
}

// Finalizing reports whether a finalize call is outstanding.
func (r *ReviewState) Finalizing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizing
}
