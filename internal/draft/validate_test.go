package draft

import "testing"

func TestUnsupportedQuotesFindsViolations(t *testing.T) {
	transcript := "patient reports chest pain since monday, worse on exertion"
	d := ClinicalDraft{
		ChiefComplaints: []Finding{
			{Text: "chest pain", ExactQuote: "chest pain since monday"},
		},
		Assessments: []Finding{
			{Text: "hallucinated", ExactQuote: "shortness of breath at rest"},
		},
		Actionables: []Finding{
			{Text: "no quote attached"},
		},
	}

	violations := UnsupportedQuotes(d, transcript)
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %+v", len(violations), violations)
	}
	v := violations[0]
	if v.Category != CategoryAssessments || v.Index != 0 {
		t.Fatalf("wrong location: %+v", v)
	}
	if v.Quote != "shortness of breath at rest" {
		t.Fatalf("wrong quote: %q", v.Quote)
	}
}

func TestUnsupportedQuotesCleanDraft(t *testing.T) {
	transcript := "blood pressure well controlled on current medication"
	d := ClinicalDraft{
		Assessments: []Finding{
			{Text: "controlled hypertension", ExactQuote: "blood pressure well controlled"},
			{Text: "unsupported by design"},
		},
	}
	if got := UnsupportedQuotes(d, transcript); got != nil {
		t.Fatalf("expected no violations, got %+v", got)
	}
}
