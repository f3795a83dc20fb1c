// Package domain contains the core data structures and domain logic for the application.
package domain

import "time"

// Entitlement is a registry-issued access token scoping pull permissions to a
// repository. Entitlements are read-only from this tool's point of view: they
// are listed fresh on every run and never created or mutated.
type Entitlement struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

// MonthBucket is one calendar month of the reporting window. Start and End are
// the first and last calendar days of the month, at UTC midnight.
type MonthBucket struct {
	Key   string // YYYY-MM
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the bucket's calendar range,
// inclusive of both the first and the last day.
func (b MonthBucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End.AddDate(0, 0, 1))
}

// UsageEvent is a single metered download record returned by the registry's
// usage endpoint.
type UsageEvent struct {
	Date      time.Time
	Downloads int64
}

// UsageResult is the outcome of one usage fetch. Found distinguishes "the
// registry has no usage recorded for this token/range" (HTTP 404, reported as
// zero) from a successful fetch that happened to return zero downloads, so
// the two are never conflated with a failed request (which is an error).
type UsageResult struct {
	Found bool

	// Total is set when the metrics endpoint returns a pre-aggregated count
	// for the queried range.
	Total int64

	// Events is set when the metrics endpoint returns raw per-download
	// records to be bucketed by the caller.
	Events []UsageEvent
}

// PullsMatrix maps entitlement token -> month key -> download count. Every
// (token, month) cell of the reporting window is materialized, so a missing
// value reads as 0 rather than as absent data.
type PullsMatrix map[string]map[string]int64

// Init creates a zeroed row for token covering every bucket.
func (m PullsMatrix) Init(token string, buckets []MonthBucket) {
	row := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		row[b.Key] = 0
	}
	m[token] = row
}

// Add accumulates n downloads at (token, monthKey).
func (m PullsMatrix) Add(token, monthKey string, n int64) {
	row, ok := m[token]
	if !ok {
		row = make(map[string]int64)
		m[token] = row
	}
	row[monthKey] += n
}

// Count returns the download count at (token, monthKey), defaulting to 0.
func (m PullsMatrix) Count(token, monthKey string) int64 {
	return m[token][monthKey]
}
