package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opsrep/registry-stats/internal/domain"
	"github.com/opsrep/registry-stats/internal/gateway"
)

// Aggregator is the use case for building the monthly pulls report.
// It orchestrates entitlement listing, usage fetching and bucketing.
type Aggregator struct {
	fetcher gateway.Fetcher
	logger  zerolog.Logger
}

// Options configures one aggregation run.
type Options struct {
	Namespace string
	Repo      string
	Buckets   []domain.MonthBucket
	Shape     gateway.Shape

	// Concurrency bounds the number of in-flight usage fetches. 1 keeps the
	// strictly sequential behavior of the original report.
	Concurrency int

	// ContinueOnError skips a (token, month) pair whose fetch failed instead
	// of aborting the run; skipped pairs are reported in Result.Skipped and
	// the caller is expected to exit non-zero when any exist.
	ContinueOnError bool
}

// SkippedFetch records one usage fetch that failed in continue-on-error mode.
// Month is empty when a whole-window fetch failed for the token.
type SkippedFetch struct {
	Token string
	Month string
	Err   error
}

// Result is the outcome of one aggregation run.
type Result struct {
	Entitlements []domain.Entitlement
	Matrix       domain.PullsMatrix
	Skipped      []SkippedFetch
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(fetcher gateway.Fetcher, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Aggregate performs the main business logic: list all entitlements for the
// repository, fetch each one's usage, and accumulate download counts into the
// token-by-month matrix. Every listed token gets a fully zeroed row up front,
// so tokens with no usage still appear in the report.
//
// The matrix contents depend only on the fetched data, never on the order in
// which entitlements are processed.
func (a *Aggregator) Aggregate(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Buckets) == 0 {
		return nil, errors.New("reporting window must contain at least one month")
	}
	a.logger.Debug().Msg("starting aggregation")

	entitlements, err := a.fetcher.ListEntitlements(ctx, opts.Namespace, opts.Repo)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Entitlements: entitlements,
		Matrix:       make(domain.PullsMatrix, len(entitlements)),
	}
	for _, e := range entitlements {
		result.Matrix.Init(e.Token, opts.Buckets)
	}
	if len(entitlements) == 0 {
		a.logger.Debug().Msg("no entitlements issued for repository, report will be empty")
		return result, nil
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for _, e := range entitlements {
		e := e
		eg.Go(func() error {
			return a.fetchToken(egCtx, opts, e.Token, result, &mu)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	a.logger.Debug().Int("tokens", len(entitlements)).Int("skipped", len(result.Skipped)).Msg("aggregation complete")
	return result, nil
}

// fetchToken fetches and accumulates one token's usage. In the totals shape
// each bucket needs its own range-scoped query; in the events shape a single
// whole-window query is bucketed locally.
func (a *Aggregator) fetchToken(ctx context.Context, opts Options, token string, result *Result, mu *sync.Mutex) error {
	if opts.Shape == gateway.ShapeTotals {
		for _, b := range opts.Buckets {
			start, end := b.Start, b.End
			usage, err := a.fetcher.FetchUsage(ctx, opts.Namespace, opts.Repo, token, &start, &end)
			if err != nil {
				if skippable(err) && opts.ContinueOnError {
					a.recordSkip(result, mu, SkippedFetch{Token: token, Month: b.Key, Err: err})
					continue
				}
				return err
			}
			if !usage.Found {
				continue
			}
			mu.Lock()
			result.Matrix.Add(token, b.Key, usage.Total)
			mu.Unlock()
		}
		return nil
	}

	start := opts.Buckets[0].Start
	end := opts.Buckets[len(opts.Buckets)-1].End
	usage, err := a.fetcher.FetchUsage(ctx, opts.Namespace, opts.Repo, token, &start, &end)
	if err != nil {
		if skippable(err) && opts.ContinueOnError {
			a.recordSkip(result, mu, SkippedFetch{Token: token, Err: err})
			return nil
		}
		return err
	}
	if !usage.Found {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range usage.Events {
		if key, ok := bucketFor(opts.Buckets, ev.Date); ok {
			result.Matrix.Add(token, key, ev.Downloads)
		}
	}
	return nil
}

func (a *Aggregator) recordSkip(result *Result, mu *sync.Mutex, skip SkippedFetch) {
	a.logger.Error().Err(skip.Err).Str("token", skip.Token).Str("month", skip.Month).Msg("skipping failed usage fetch")
	mu.Lock()
	result.Skipped = append(result.Skipped, skip)
	mu.Unlock()
}

// skippable reports whether an error may be degraded to a skipped entry.
// Auth failures abort the run regardless: every remaining fetch would fail
// the same way.
func skippable(err error) bool {
	var authErr *gateway.AuthError
	return !errors.As(err, &authErr)
}

// bucketFor locates the bucket whose inclusive calendar range contains t.
// Events outside every bucket are discarded by the caller.
func bucketFor(buckets []domain.MonthBucket, t time.Time) (string, bool) {
	for _, b := range buckets {
		if b.Contains(t) {
			return b.Key, true
		}
	}
	return "", false
}
