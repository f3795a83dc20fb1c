package usecase

import (
	"github.com/montanaflynn/stats"

	"github.com/opsrep/registry-stats/internal/domain"
)

// TokenSummary holds descriptive statistics over one token's monthly counts.
type TokenSummary struct {
	Token string
	Total int64
	Mean  float64
	Max   float64
}

// Summary condenses a finished pulls matrix for operator-facing output.
type Summary struct {
	MonthTotals map[string]int64
	Tokens      []TokenSummary
	GrandTotal  int64
}

// Summarize computes per-month totals across all tokens plus per-token
// mean and peak monthly pulls. Token order follows the entitlement list.
func Summarize(matrix domain.PullsMatrix, entitlements []domain.Entitlement, buckets []domain.MonthBucket) Summary {
	s := Summary{
		MonthTotals: make(map[string]int64, len(buckets)),
		Tokens:      make([]TokenSummary, 0, len(entitlements)),
	}

	for _, e := range entitlements {
		monthly := make([]float64, 0, len(buckets))
		ts := TokenSummary{Token: e.Token}
		for _, b := range buckets {
			n := matrix.Count(e.Token, b.Key)
			ts.Total += n
			s.MonthTotals[b.Key] += n
			s.GrandTotal += n
			monthly = append(monthly, float64(n))
		}
		if mean, err := stats.Mean(monthly); err == nil {
			ts.Mean = mean
		}
		if max, err := stats.Max(monthly); err == nil {
			ts.Max = max
		}
		s.Tokens = append(s.Tokens, ts)
	}
	return s
}
