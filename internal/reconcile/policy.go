package reconcile

import (
	"errors"
	"fmt"
)

// Weights are the contributions of each field to the overall confidence.
// They are normalized by their sum, so only their ratios matter.
type Weights struct {
	Block        float64
	Floor        float64
	Flat         float64
	VisitorName  float64
	IDCardPrefix float64
}

func (w Weights) sum() float64 {
	return w.Block + w.Floor + w.Flat + w.VisitorName + w.IDCardPrefix
}

// Policy holds the tunable matching thresholds and scoring weights. The
// values are heuristics; [DefaultPolicy] is a starting point, not a contract.
type Policy struct {
	// MatchThreshold is the minimum field score for a label to resolve.
	MatchThreshold float64
	// MaxEditRatio is the largest Levenshtein distance, as a fraction of the
	// longer label, still accepted as an edit-distance match.
	MaxEditRatio float64
	// PhoneticThreshold is the Jaro-Winkler floor for romanized names whose
	// Double Metaphone codes overlap.
	PhoneticThreshold float64
	// FuzzyThreshold is the Jaro-Winkler floor for romanized names without a
	// phonetic overlap.
	FuzzyThreshold float64
	// MaxSuggestions caps the suggestions attached to an issue.
	MaxSuggestions int
	// LowConfidencePenalty multiplies the overall confidence when extraction
	// was incomplete or degraded.
	LowConfidencePenalty float64

	Weights Weights
}

// DefaultPolicy returns the default matching policy.
func DefaultPolicy() Policy {
	return Policy{
		MatchThreshold:       0.75,
		MaxEditRatio:         0.2,
		PhoneticThreshold:    0.80,
		FuzzyThreshold:       0.90,
		MaxSuggestions:       5,
		LowConfidencePenalty: 0.8,
		Weights: Weights{
			Block:        0.30,
			Floor:        0.25,
			Flat:         0.25,
			VisitorName:  0.10,
			IDCardPrefix: 0.10,
		},
	}
}

// Validate reports every out-of-range value in p.
func (p Policy) Validate() error {
	var errList []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errList = append(errList, fmt.Errorf("%s must be within [0, 1], got %g", name, v))
		}
	}
	unit("match_threshold", p.MatchThreshold)
	unit("max_edit_ratio", p.MaxEditRatio)
	unit("phonetic_threshold", p.PhoneticThreshold)
	unit("fuzzy_threshold", p.FuzzyThreshold)
	unit("low_confidence_penalty", p.LowConfidencePenalty)
	if p.MatchThreshold == 0 {
		errList = append(errList, errors.New("match_threshold must be positive"))
	}
	if p.MaxSuggestions < 0 {
		errList = append(errList, fmt.Errorf("max_suggestions must not be negative, got %d", p.MaxSuggestions))
	}
	w := p.Weights
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"weights.block", w.Block},
		{"weights.floor", w.Floor},
		{"weights.flat", w.Flat},
		{"weights.visitor_name", w.VisitorName},
		{"weights.id_card_prefix", w.IDCardPrefix},
	} {
		if f.v < 0 {
			errList = append(errList, fmt.Errorf("%s must not be negative, got %g", f.name, f.v))
		}
	}
	if w.sum() <= 0 {
		errList = append(errList, errors.New("weights must not all be zero"))
	}
	return errors.Join(errList...)
}
