// Package risk holds the ranking matrix used to bucket hazop entries.
package risk

import "fmt"

type Rank string

const (
	RankHigh   Rank = "high"
	RankMedium Rank = "medium"
	RankLow    Rank = "low"
)

const (
	FactorMin = 1
	FactorMax = 5
)

// Thresholds over the severity x likelihood product (1..25).
const (
	highThreshold   = 15
	mediumThreshold = 6
)

// CalculateRanking buckets a severity/likelihood pair. Both factors must be
// within [FactorMin, FactorMax]; call ValidateFactors first.
func CalculateRanking(severity, likelihood int) Rank {
	score := severity * likelihood
	switch {
	case score >= highThreshold:
		return RankHigh
	case score >= mediumThreshold:
		return RankMedium
	default:
		return RankLow
	}
}

func ValidateFactors(severity, likelihood int) error {
	if severity < FactorMin || severity > FactorMax {
		return fmt.Errorf("severity must be between %d and %d, got %d", FactorMin, FactorMax, severity)
	}
	if likelihood < FactorMin || likelihood > FactorMax {
		return fmt.Errorf("likelihood must be between %d and %d, got %d", FactorMin, FactorMax, likelihood)
	}
	return nil
}
