// Package usecase contains the business logic of the application.
package usecase

import (
	"fmt"
	"time"

	"github.com/opsrep/registry-stats/internal/domain"
)

const monthKeyLayout = "2006-01"

// MonthBuckets computes the reporting window: months calendar-month buckets
// in ascending chronological order, ending with the bucket that contains now.
//
// By default the window is derived by stepping backward from now in fixed
// 30-day decrements and normalizing each step to the first day of its month.
// This intentionally reproduces the original report's arithmetic rather than
// true calendar-month stepping: near short/long month boundaries the two
// disagree about which months the window covers. Because a 30-day step can
// land in an already-collected month (stepping back from early March skips
// over most of February), stepping continues past months*30 days until the
// requested number of distinct months has been collected.
//
// exact switches to true calendar-month stepping, which guarantees
// bucket[i].End + 1 day == bucket[i+1].Start.
func MonthBuckets(now time.Time, months int, exact bool) ([]domain.MonthBucket, error) {
	if months <= 0 {
		return nil, fmt.Errorf("month count must be positive, got %d", months)
	}

	now = now.UTC()
	firsts := make([]time.Time, 0, months)
	if exact {
		first := firstOfMonth(now)
		for i := 0; i < months; i++ {
			firsts = append(firsts, first)
			first = first.AddDate(0, -1, 0)
		}
	} else {
		seen := make(map[string]bool, months)
		for i := 0; len(firsts) < months; i++ {
			first := firstOfMonth(now.AddDate(0, 0, -i*30))
			key := first.Format(monthKeyLayout)
			if seen[key] {
				continue
			}
			seen[key] = true
			firsts = append(firsts, first)
		}
	}

	// firsts is ordered newest-first; reverse into chronological order.
	buckets := make([]domain.MonthBucket, 0, months)
	for i := len(firsts) - 1; i >= 0; i-- {
		first := firsts[i]
		buckets = append(buckets, domain.MonthBucket{
			Key:   first.Format(monthKeyLayout),
			Start: first,
			End:   lastOfMonth(first),
		})
	}
	return buckets, nil
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// lastOfMonth returns the last calendar day of the month containing first:
// the first day of the following month minus one day, with the December to
// January year rollover handled explicitly.
func lastOfMonth(first time.Time) time.Time {
	year, month := first.Year(), first.Month()
	if month == time.December {
		year++
		month = time.January
	} else {
		month++
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
