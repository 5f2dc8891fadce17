package draft

// Category names one of the three sections of a clinical draft.
type Category string

const (
	CategoryChiefComplaints Category = "chief_complaints"
	CategoryAssessments     Category = "assessments"
	CategoryActionables     Category = "actionables"
)

// Finding is one structured clinical observation together with its audit
// provenance. A non-empty ExactQuote is a verbatim excerpt of the session
// transcript the finding was extracted from; ContextualQuote widens it with
// surrounding speech for display.
type Finding struct {
	Text            string `json:"text"`
	ConditionStatus string `json:"condition_status,omitempty"`
	ExactQuote      string `json:"exact_quote,omitempty"`
	ContextualQuote string `json:"contextual_quote,omitempty"`
	ReferenceID     string `json:"reference_id,omitempty"`
}

// ClinicalDraft is the structured extraction produced by the drafting service.
type ClinicalDraft struct {
	ChiefComplaints []Finding `json:"chief_complaints"`
	Assessments     []Finding `json:"assessments"`
	Actionables     []Finding `json:"actionables"`
}

// Clone returns a deep copy so callers can hand the draft out without
// exposing the backing slices to mutation.
func (d ClinicalDraft) Clone() ClinicalDraft {
	return ClinicalDraft{
		ChiefComplaints: cloneFindings(d.ChiefComplaints),
		Assessments:     cloneFindings(d.Assessments),
		Actionables:     cloneFindings(d.Actionables),
	}
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	out := make([]Finding, len(in))
	copy(out, in)
	return out
}

// section returns the slice for a category, nil for an unknown category.
func (d *ClinicalDraft) section(category Category) *[]Finding {
	switch category {
	case CategoryChiefComplaints:
		return &d.ChiefComplaints
	case CategoryAssessments:
		return &d.Assessments
	case CategoryActionables:
		return &d.Actionables
	default:
		return nil
	}
}

// AdministrativeMetadata identifies who and when the draft is about.
type AdministrativeMetadata struct {
	PatientID     string `json:"patient_id"`
	PatientName   string `json:"patient_name,omitempty"`
	DoctorID      string `json:"doctor_id"`
	DoctorName    string `json:"doctor_name,omitempty"`
	EncounterDate string `json:"encounter_date"`
}

// DraftResponse is the full drafting-service result: the structured draft,
// the administrative header, and a patient-facing summary.
type DraftResponse struct {
	AdministrativeMetadata AdministrativeMetadata `json:"administrative_metadata"`
	ClinicalDraft          ClinicalDraft          `json:"clinical_draft"`
	PatientSummaryMarkdown string                 `json:"patient_summary_markdown"`
}
