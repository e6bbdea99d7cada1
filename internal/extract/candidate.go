package extract

import "strings"

// Candidate holds the unvalidated fields extracted from one utterance. Any
// field may be nil. A Candidate is never modified after [Adapter.Extract]
// returns it.
type Candidate struct {
	Block        *string
	Floor        *string
	Flat         *string
	VisitorName  *string
	IDCardPrefix *string
	Category     *string
	SubCategory  *string

	// Text is the original utterance, kept so category rules can scan it.
	Text string

	// Confidence is the extractor's self-reported certainty in [0, 1]. It is
	// logged but never used for scoring.
	Confidence float64

	// Degraded is set when the extractor's output could not be used at all.
	Degraded bool

	// LowConfidence is set when the output parsed but was incomplete.
	LowConfidence bool
}

// Value returns the trimmed value of p, or "" when p is nil.
func Value(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
