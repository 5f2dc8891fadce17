package flow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribecare/scribe-core/internal/artifact"
	"github.com/scribecare/scribe-core/internal/audit"
	"github.com/scribecare/scribe-core/internal/capture"
	"github.com/scribecare/scribe-core/internal/draft"
	"github.com/scribecare/scribe-core/internal/finalize"
	"github.com/scribecare/scribe-core/internal/patientctx"
	"github.com/scribecare/scribe-core/internal/protocol"
)

// State is the encounter flow state.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateDrafting   State = "drafting"
	StateReviewing  State = "reviewing"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
)

var (
	// ErrInvalidTransition rejects an operation not valid in the current state.
	ErrInvalidTransition = errors.New("operation not valid in current encounter state")
	// ErrNoRecording rejects draft generation before any recording exists.
	ErrNoRecording = errors.New("no recording captured for this encounter")
)

// CaptureEngine is the microphone-session surface the flow drives.
type CaptureEngine interface {
	Start(ctx context.Context, encounterID string) error
	Pause()
	Resume()
	Stop() (capture.Recording, error)
	Reset()
	SessionID() string
	Elapsed() int
}

// TranscriptionEngine is the live-transcription surface the flow drives.
// Its failures are its own: every method except Stop is advisory.
type TranscriptionEngine interface {
	Start(ctx context.Context, sessionID, language string) error
	Pause()
	Resume(ctx context.Context) error
	SetLanguage(tag string)
	Stop() string
	Reset()
	Interim() string
}

// Drafter produces a structured clinical draft from a captured encounter.
type Drafter interface {
	Generate(ctx context.Context, req draft.Request) (draft.DraftResponse, error)
}

// Finalizer turns an approved draft into a persisted report artifact.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (finalize.FinalizedReport, error)
}

// ContextProvider loads patient context ahead of draft generation.
type ContextProvider interface {
	GetContext(ctx context.Context, patientID string) (patientctx.Context, error)
}

// Publisher broadcasts encounter state transitions on the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StartParams identify the encounter a recording session belongs to.
type StartParams struct {
	EncounterID   string
	PatientID     string
	DoctorID      string
	EncounterDate string
	Language      string
}

// EncounterFlow owns the per-encounter state machine:
//
//	idle → recording ⇄ paused → drafting → reviewing → finalizing → done
//
// with drafting falling back to idle on failure (recording retained) and
// finalizing falling back to reviewing on failure (edits retained). Reset
// returns to idle from any state except finalizing.
type EncounterFlow struct {
	capture    CaptureEngine
	transcribe TranscriptionEngine
	drafter    Drafter
	finalizer  Finalizer
	contexts   ContextProvider
	artifacts  *artifact.Cache
	auditor    *audit.Store
	pub        Publisher
	logger     *slog.Logger

	draftsGenerated metric.Int64Counter
	draftsFailed    metric.Int64Counter
	reportsFinal    metric.Int64Counter

	mu            sync.Mutex
	gen           int
	state         State
	encounterID   string
	patientID     string
	doctorID      string
	encounterDate string
	language      string
	recording     *capture.Recording
	review        *draft.ReviewState
	report        *finalize.FinalizedReport
}

func NewEncounterFlow(
	captureEngine CaptureEngine,
	transcribeEngine TranscriptionEngine,
	drafter Drafter,
	finalizer Finalizer,
	contexts ContextProvider,
	artifacts *artifact.Cache,
	auditor *audit.Store,
	pub Publisher,
	logger *slog.Logger,
) *EncounterFlow {
	f := &EncounterFlow{
		capture:    captureEngine,
		transcribe: transcribeEngine,
		drafter:    drafter,
		finalizer:  finalizer,
		contexts:   contexts,
		artifacts:  artifacts,
		auditor:    auditor,
		pub:        pub,
		logger:     logger.With(slog.String("component", "encounter-flow")),
		state:      StateIdle,
	}
	f.initMetrics()
	return f
}

func (f *EncounterFlow) initMetrics() {
	meter := otel.Meter("github.com/scribecare/scribe-core/flow")
	var err error
	if f.draftsGenerated, err = meter.Int64Counter("scribe.drafts.generated"); err != nil {
		f.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	if f.draftsFailed, err = meter.Int64Counter("scribe.drafts.failed"); err != nil {
		f.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	if f.reportsFinal, err = meter.Int64Counter("scribe.reports.finalized"); err != nil {
		f.logger.Warn("failed to initialize metrics", slogError(err))
	}
}

// StartRecording opens the microphone and begins live transcription. Starting
// over an existing session discards that session's buffers. A transcription
// failure is logged and absorbed: capture proceeds without live text.
func (f *EncounterFlow) StartRecording(ctx context.Context, params StartParams) error {
	f.mu.Lock()
	switch f.state {
	case StateIdle, StateRecording, StatePaused:
	default:
		f.mu.Unlock()
		return ErrInvalidTransition
	}

	encounterID := params.EncounterID
	if encounterID == "" {
		encounterID = uuid.NewString()
	}
	f.encounterID = encounterID
	f.patientID = params.PatientID
	f.doctorID = params.DoctorID
	f.encounterDate = params.EncounterDate
	if params.Language != "" {
		f.language = params.Language
	}
	f.recording = nil
	language := f.language
	f.mu.Unlock()

	if err := f.capture.Start(ctx, encounterID); err != nil {
		return err
	}

	if err := f.transcribe.Start(ctx, f.capture.SessionID(), language); err != nil {
		f.logger.Warn("live transcription unavailable, capture continues", slogError(err))
	}

	f.mu.Lock()
	f.state = StateRecording
	f.mu.Unlock()

	f.appendEncounter(encounterID, params.PatientID, params.DoctorID)
	f.recordEvent(encounterID, audit.EventStateChanged, map[string]any{"to": StateRecording})
	f.publishState(encounterID, StateRecording, "")
	return nil
}

// Pause freezes elapsed-time accounting and stops listening. Synchronous and
// local, never blocks on I/O.
func (f *EncounterFlow) Pause() error {
	f.mu.Lock()
	if f.state != StateRecording {
		f.mu.Unlock()
		return ErrInvalidTransition
	}
	f.state = StatePaused
	encounterID := f.encounterID
	f.mu.Unlock()

	f.capture.Pause()
	f.transcribe.Pause()
	f.recordEvent(encounterID, audit.EventStateChanged, map[string]any{"to": StatePaused})
	f.publishState(encounterID, StatePaused, "")
	return nil
}

// Resume continues a paused session, re-applying the language tag.
func (f *EncounterFlow) Resume(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StatePaused {
		f.mu.Unlock()
		return ErrInvalidTransition
	}
	f.state = StateRecording
	encounterID := f.encounterID
	f.mu.Unlock()

	f.capture.Resume()
	if err := f.transcribe.Resume(ctx); err != nil {
		f.logger.Warn("live transcription unavailable after resume", slogError(err))
	}
	f.recordEvent(encounterID, audit.EventStateChanged, map[string]any{"to": StateRecording})
	f.publishState(encounterID, StateRecording, "resumed")
	return nil
}

// SetLanguage changes the recognition language for subsequent listening.
func (f *EncounterFlow) SetLanguage(tag string) {
	if tag == "" {
		return
	}
	f.mu.Lock()
	f.language = tag
	f.mu.Unlock()
	f.transcribe.SetLanguage(tag)
}

// StopRecording ends the session and materializes the Recording, including
// the merged final transcript. The flow returns to idle holding the
// Recording, ready for draft generation or a fresh start.
func (f *EncounterFlow) StopRecording(ctx context.Context) (capture.Recording, error) {
	f.mu.Lock()
	if f.state != StateRecording && f.state != StatePaused {
		f.mu.Unlock()
		return capture.Recording{}, ErrInvalidTransition
	}
	f.mu.Unlock()

	return f.stopRecording(ctx)
}

func (f *EncounterFlow) stopRecording(_ context.Context) (capture.Recording, error) {
	rec, err := f.capture.Stop()
	transcript := f.transcribe.Stop()
	if err != nil {
		// The capture session is torn down either way; stranding the flow
		// in recording would block every subsequent command.
		f.mu.Lock()
		f.state = StateIdle
		encounterID := f.encounterID
		f.mu.Unlock()
		f.publishState(encounterID, StateIdle, "recording stop failed")
		return capture.Recording{}, err
	}
	rec.FinalTranscript = transcript

	f.mu.Lock()
	f.recording = &rec
	f.state = StateIdle
	encounterID := f.encounterID
	f.mu.Unlock()

	f.recordEvent(encounterID, audit.EventStateChanged, map[string]any{
		"to":               StateIdle,
		"duration_seconds": rec.DurationSeconds,
	})
	f.publishState(encounterID, StateIdle, "recording stopped")
	return rec, nil
}

// GenerateDraft submits the captured encounter to the drafting service. A
// still-running session is stopped first. On failure the flow returns to
// idle with the Recording retained so the clinician can retry.
func (f *EncounterFlow) GenerateDraft(ctx context.Context) (draft.DraftResponse, error) {
	f.mu.Lock()
	switch f.state {
	case StateRecording, StatePaused:
		f.mu.Unlock()
		if _, err := f.stopRecording(ctx); err != nil {
			return draft.DraftResponse{}, err
		}
		f.mu.Lock()
	case StateIdle:
	default:
		f.mu.Unlock()
		return draft.DraftResponse{}, ErrInvalidTransition
	}

	if f.recording == nil {
		f.mu.Unlock()
		return draft.DraftResponse{}, ErrNoRecording
	}
	gen := f.gen
	rec := *f.recording
	encounterID := f.encounterID
	patientID := f.patientID
	doctorID := f.doctorID
	encounterDate := f.encounterDate
	language := f.language
	f.state = StateDrafting
	f.mu.Unlock()

	f.publishState(encounterID, StateDrafting, "")

	resp, err := f.callDrafter(ctx, patientID, doctorID, encounterDate, language, rec)
	if err != nil {
		f.add(f.draftsFailed, ctx)
		f.recordEvent(encounterID, audit.EventDraftFailed, map[string]any{"error": err.Error()})
		f.mu.Lock()
		if f.gen == gen && f.state == StateDrafting {
			// Back to idle; the Recording stays retrievable for a retry.
			f.state = StateIdle
		}
		f.mu.Unlock()
		f.publishState(encounterID, StateIdle, "draft generation failed")
		return draft.DraftResponse{}, err
	}

	violations := draft.UnsupportedQuotes(resp.ClinicalDraft, rec.FinalTranscript)
	for _, v := range violations {
		f.logger.Warn("draft quote not found in transcript",
			slog.String("category", string(v.Category)),
			slog.Int("index", v.Index))
		f.recordEvent(encounterID, audit.EventQuoteViolation, map[string]any{
			"category": v.Category,
			"index":    v.Index,
		})
	}

	f.mu.Lock()
	if f.gen != gen || f.state != StateDrafting {
		// The flow was reset while the drafting call was in flight.
		f.mu.Unlock()
		return draft.DraftResponse{}, ErrInvalidTransition
	}
	f.review = draft.NewReviewState(resp)
	f.state = StateReviewing
	f.mu.Unlock()

	f.add(f.draftsGenerated, ctx)
	f.recordEvent(encounterID, audit.EventDraftGenerated, map[string]any{
		"chief_complaints": len(resp.ClinicalDraft.ChiefComplaints),
		"assessments":      len(resp.ClinicalDraft.Assessments),
		"actionables":      len(resp.ClinicalDraft.Actionables),
	})
	f.publishState(encounterID, StateReviewing, "")
	return resp, nil
}

func (f *EncounterFlow) callDrafter(ctx context.Context, patientID, doctorID, encounterDate, language string, rec capture.Recording) (draft.DraftResponse, error) {
	if _, err := f.contexts.GetContext(ctx, patientID); err != nil {
		return draft.DraftResponse{}, err
	}
	return f.drafter.Generate(ctx, draft.Request{
		PatientID:     patientID,
		DoctorID:      doctorID,
		EncounterDate: encounterDate,
		Language:      language,
		Audio:         rec.AudioBlob,
		Transcript:    rec.FinalTranscript,
	})
}

// UpdateFinding edits one finding's text in the review copy. An out-of-range
// index is silently ignored. Synchronous and local.
func (f *EncounterFlow) UpdateFinding(category draft.Category, index int, text string) error {
	f.mu.Lock()
	if f.state != StateReviewing || f.review == nil {
		f.mu.Unlock()
		return ErrInvalidTransition
	}
	review := f.review
	encounterID := f.encounterID
	f.mu.Unlock()

	if review.UpdateFinding(category, index, text) {
		f.recordEvent(encounterID, audit.EventFindingEdited, map[string]any{
			"category": category,
			"index":    index,
		})
	}
	return nil
}

// Approve submits the edited draft for finalization. At most one finalize
// call per encounter may be outstanding; on failure the flow returns to
// reviewing with the edits intact.
func (f *EncounterFlow) Approve(ctx context.Context) (finalize.FinalizedReport, error) {
	f.mu.Lock()
	if f.state != StateReviewing || f.review == nil {
		f.mu.Unlock()
		return finalize.FinalizedReport{}, ErrInvalidTransition
	}
	review := f.review
	if err := review.BeginFinalize(); err != nil {
		f.mu.Unlock()
		return finalize.FinalizedReport{}, err
	}
	gen := f.gen
	encounterID := f.encounterID
	patientID := f.patientID
	doctorID := f.doctorID
	encounterDate := f.encounterDate
	f.state = StateFinalizing
	f.mu.Unlock()

	f.publishState(encounterID, StateFinalizing, "")

	report, err := f.finalizer.Finalize(ctx, finalize.Request{
		PatientID:              patientID,
		DoctorID:               doctorID,
		EncounterDate:          encounterDate,
		EditedDraft:            review.Draft(),
		PatientSummaryMarkdown: review.Summary(),
	})
	review.EndFinalize()

	if err != nil {
		f.recordEvent(encounterID, audit.EventFinalizeFailed, map[string]any{"error": err.Error()})
		f.mu.Lock()
		if f.gen == gen && f.state == StateFinalizing {
			// Edits stay in the review copy; nothing to restore.
			f.state = StateReviewing
		}
		f.mu.Unlock()
		f.publishState(encounterID, StateReviewing, "finalization failed")
		return finalize.FinalizedReport{}, err
	}

	f.artifacts.Set(encounterID, artifact.Entry{
		ReportRef:       report.ReportArtifactRef,
		SummaryMarkdown: report.PatientSummaryMarkdown,
	})

	f.mu.Lock()
	f.report = &report
	f.state = StateDone
	f.mu.Unlock()

	f.add(f.reportsFinal, ctx)
	f.recordEvent(encounterID, audit.EventReportFinal, map[string]any{
		"report_ref": report.ReportArtifactRef,
	})
	f.publishState(encounterID, StateDone, "")
	return report, nil
}

// Reset tears the encounter down and returns to idle: engines reset, the
// Recording and review copy dropped. Rejected while a finalize call is in
// flight. An already-persisted report in the artifact cache is not touched.
func (f *EncounterFlow) Reset() error {
	f.mu.Lock()
	if f.state == StateFinalizing {
		f.mu.Unlock()
		return draft.ErrFinalizeInFlight
	}
	if f.state == StateIdle && f.recording == nil && f.review == nil {
		f.mu.Unlock()
		return nil
	}
	f.gen++
	f.state = StateIdle
	f.recording = nil
	f.review = nil
	f.report = nil
	encounterID := f.encounterID
	f.encounterID = ""
	f.mu.Unlock()

	f.capture.Reset()
	f.transcribe.Reset()
	f.recordEvent(encounterID, audit.EventFlowReset, nil)
	f.publishState(encounterID, StateIdle, "reset")
	return nil
}

// State returns the current flow state.
func (f *EncounterFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// EncounterID returns the active encounter identifier, empty when idle.
func (f *EncounterFlow) EncounterID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encounterID
}

// Recording returns the retained recording, if any.
func (f *EncounterFlow) Recording() (capture.Recording, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == nil {
		return capture.Recording{}, false
	}
	return *f.recording, true
}

// Review returns the live review state, nil outside reviewing/finalizing/done.
func (f *EncounterFlow) Review() *draft.ReviewState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.review
}

// Report returns the finalized report, if the encounter reached done.
func (f *EncounterFlow) Report() (finalize.FinalizedReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report == nil {
		return finalize.FinalizedReport{}, false
	}
	return *f.report, true
}

func (f *EncounterFlow) add(counter metric.Int64Counter, ctx context.Context) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1)
}

func (f *EncounterFlow) appendEncounter(encounterID, patientID, doctorID string) {
	if f.auditor == nil {
		return
	}
	if err := f.auditor.AppendEncounter(context.Background(), encounterID, patientID, doctorID); err != nil {
		f.logger.Warn("failed to record encounter", slogError(err))
	}
}

func (f *EncounterFlow) recordEvent(encounterID, eventType string, payload map[string]any) {
	if f.auditor == nil || encounterID == "" {
		return
	}
	f.mu.Lock()
	doctorID := f.doctorID
	f.mu.Unlock()
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			f.logger.Warn("failed to encode audit payload", slogError(err))
		}
	}
	evt := audit.Event{
		EncounterID: encounterID,
		SessionID:   f.capture.SessionID(),
		DoctorID:    doctorID,
		Type:        eventType,
		Payload:     data,
	}
	if err := f.auditor.AppendEvent(context.Background(), evt); err != nil {
		f.logger.Warn("failed to record audit event", slogError(err))
	}
}

func (f *EncounterFlow) publishState(encounterID string, state State, reason string) {
	if f.pub == nil || encounterID == "" {
		return
	}
	msg := protocol.EncounterState{
		EncounterID: encounterID,
		State:       string(state),
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Warn("failed to marshal state message", slogError(err))
		return
	}
	if err := f.pub.Publish(protocol.SubjectEncounterState, data); err != nil {
		f.logger.Warn("failed to publish state message", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
