package domain

import "fmt"

// HybridWeights are the fixed basis-point weights combining the structural
// and sentiment probabilities into the canonical price. They must sum to
// exactly 10000.
type HybridWeights struct {
	StructuralBps int64
	SentimentBps  int64
}

// DefaultHybridWeights is the 70/30 split used unless config overrides it.
var DefaultHybridWeights = HybridWeights{StructuralBps: 7000, SentimentBps: 3000}

// Validate rejects weight pairs that do not partition 10000 bps.
func (w HybridWeights) Validate() error {
	if w.StructuralBps < 0 || w.SentimentBps < 0 {
		return fmt.Errorf("hybrid weights must be non-negative, got %d/%d", w.StructuralBps, w.SentimentBps)
	}
	if w.StructuralBps+w.SentimentBps != BpsScale {
		return fmt.Errorf("hybrid weights must sum to %d, got %d", BpsScale, w.StructuralBps+w.SentimentBps)
	}
	return nil
}

// HybridPriceBps combines a structural and a sentiment probability into the
// canonical market price, rounded half up.
//
// Formula: hybrid = round((wS*structural + wM*sentiment) / 10000)
//
// Inputs outside [0, 10000] are clamped before combining; a combined result
// outside that range means the weights are corrupt and is returned as an
// InvariantError rather than clamped into a plausible wrong number.
func HybridPriceBps(structuralBps, sentimentBps int64, w HybridWeights) (int64, error) {
	s := ClampBps(structuralBps)
	m := ClampBps(sentimentBps)

	hybrid := (w.StructuralBps*s + w.SentimentBps*m + BpsScale/2) / BpsScale
	if hybrid < 0 || hybrid > BpsScale {
		return 0, Invariantf("hybrid price %d outside [0, %d] for structural=%d sentiment=%d weights=%d/%d",
			hybrid, BpsScale, s, m, w.StructuralBps, w.SentimentBps)
	}
	return hybrid, nil
}
