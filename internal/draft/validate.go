package draft

import "strings"

// QuoteViolation records a finding whose exact quote could not be located
// verbatim in the session transcript.
type QuoteViolation struct {
	Category Category
	Index    int
	Quote    string
}

// UnsupportedQuotes checks every finding with a non-empty ExactQuote against
// the transcript it was generated from. The upstream service contract says
// each quote is a literal substring of the transcript; this check exists so
// violations are observable, not so they can be rejected. Findings with an
// empty quote are explicitly marked unsupported by the service and are
// skipped here.
func UnsupportedQuotes(d ClinicalDraft, transcript string) []QuoteViolation {
	var violations []QuoteViolation
	check := func(category Category, findings []Finding) {
		for i, f := range findings {
			if f.ExactQuote == "" {
				continue
			}
			if !strings.Contains(transcript, f.ExactQuote) {
				violations = append(violations, QuoteViolation{
					Category: category,
					Index:    i,
					Quote:    f.ExactQuote,
				})
			}
		}
	}
	check(CategoryChiefComplaints, d.ChiefComplaints)
	check(CategoryAssessments, d.Assessments)
	check(CategoryActionables, d.Actionables)
	return violations
}
