// Package gateway provides a gateway to the registry's entitlement and
// usage-metering API, abstracting away the underlying HTTP client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/opsrep/registry-stats/internal/domain"
)

// Shape selects which response format the metrics endpoint is expected to
// return. The registry has shipped both over time.
type Shape string

const (
	// ShapeEvents: the metrics endpoint returns raw per-download records
	// with timestamps, bucketed by the caller.
	ShapeEvents Shape = "events"
	// ShapeTotals: the metrics endpoint returns one pre-aggregated total
	// for the queried range.
	ShapeTotals Shape = "totals"
)

// Fetcher defines the behavior of a gateway for fetching entitlement and
// usage information from the registry.
type Fetcher interface {
	ListEntitlements(ctx context.Context, namespace, repo string) ([]domain.Entitlement, error)
	FetchUsage(ctx context.Context, namespace, repo, token string, start, end *time.Time) (domain.UsageResult, error)
}

// RegistryGateway is the concrete implementation of the Fetcher interface,
// backed by plain HTTP calls with a bearer-token transport.
type RegistryGateway struct {
	baseURL    string
	httpClient *http.Client
	shape      Shape
	retries    int
	logger     zerolog.Logger
}

const dateLayout = "2006-01-02"

// retryBackoff is the linear backoff unit between retry attempts.
const retryBackoff = 500 * time.Millisecond

type entitlementResponse struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

type usageEventResponse struct {
	Date      string `json:"date"`
	Downloads int64  `json:"downloads"`
}

// usageTotalsResponse mirrors the nested totals shape. Absent keys decode to
// their zero values, so a sparse response reads as zero downloads.
type usageTotalsResponse struct {
	Usage struct {
		Downloads struct {
			Total int64 `json:"total"`
		} `json:"downloads"`
	} `json:"usage"`
}

// NewRegistryGateway is a constructor that creates a new instance of
// RegistryGateway. Every outbound call carries the bearer token and is
// bounded by timeout; transient failures are retried up to retries times.
func NewRegistryGateway(baseURL, token string, shape Shape, timeout time.Duration, retries int, logger zerolog.Logger) (*RegistryGateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("registry base URL must not be empty")
	}
	if shape != ShapeEvents && shape != ShapeTotals {
		return nil, fmt.Errorf("unknown metrics shape %q", shape)
	}
	if retries < 0 {
		return nil, fmt.Errorf("retry count must not be negative, got %d", retries)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: ts,
		},
	}
	return &RegistryGateway{
		baseURL:    baseURL,
		httpClient: httpClient,
		shape:      shape,
		retries:    retries,
		logger:     logger,
	}, nil
}

// ListEntitlements returns all entitlement tokens issued for the repository,
// in the order the registry reports them. An empty list is a valid result.
func (g *RegistryGateway) ListEntitlements(ctx context.Context, namespace, repo string) ([]domain.Entitlement, error) {
	endpoint := fmt.Sprintf("%s/entitlements/%s/%s/", g.baseURL, url.PathEscape(namespace), url.PathEscape(repo))
	g.logger.Debug().Str("op", "list_entitlements").Str("repository", namespace+"/"+repo).Msg("listing entitlements")

	resp, err := g.get(ctx, endpoint)
	if err != nil {
		g.logger.Error().Err(err).Str("op", "list_entitlements").Str("repository", namespace+"/"+repo).Msg("entitlement listing failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err := &NotFoundError{Resource: fmt.Sprintf("repository %s/%s", namespace, repo)}
		g.logger.Error().Err(err).Str("op", "list_entitlements").Msg("repository not found")
		return nil, err
	}

	var listed []entitlementResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("decoding entitlement list: %w", err)
	}

	entitlements := make([]domain.Entitlement, 0, len(listed))
	for _, e := range listed {
		if e.Token == "" {
			continue
		}
		entitlements = append(entitlements, domain.Entitlement{Token: e.Token, Name: e.Name})
	}
	g.logger.Debug().Int("count", len(entitlements)).Msg("entitlements listed")
	return entitlements, nil
}

// FetchUsage retrieves the download counts for one token. With a date range
// the query is scoped to [start, end]; without one the registry returns all
// recorded history. An HTTP 404 means the registry has no usage for this
// token and is reported as a not-found result, never as an error.
func (g *RegistryGateway) FetchUsage(ctx context.Context, namespace, repo, token string, start, end *time.Time) (domain.UsageResult, error) {
	endpoint := fmt.Sprintf("%s/metrics/entitlements/%s/%s/", g.baseURL, url.PathEscape(namespace), url.PathEscape(repo))
	q := url.Values{}
	q.Set("tokens", token)
	rangeDesc := "all"
	if start != nil {
		q.Set("start", start.Format(dateLayout))
	}
	if end != nil {
		q.Set("finish", end.Format(dateLayout))
	}
	if start != nil && end != nil {
		rangeDesc = start.Format(dateLayout) + ".." + end.Format(dateLayout)
	}

	logger := g.logger.With().Str("op", "fetch_usage").Str("token", token).Str("range", rangeDesc).Logger()

	resp, err := g.get(ctx, endpoint+"?"+q.Encode())
	if err != nil {
		logger.Error().Err(err).Msg("usage fetch failed")
		return domain.UsageResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.Warn().Msg("no usage recorded for token, counting as zero")
		return domain.UsageResult{Found: false}, nil
	}

	switch g.shape {
	case ShapeTotals:
		var totals usageTotalsResponse
		if err := json.NewDecoder(resp.Body).Decode(&totals); err != nil {
			return domain.UsageResult{}, fmt.Errorf("decoding usage totals: %w", err)
		}
		return domain.UsageResult{Found: true, Total: totals.Usage.Downloads.Total}, nil
	default:
		var raw []usageEventResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return domain.UsageResult{}, fmt.Errorf("decoding usage events: %w", err)
		}
		events := make([]domain.UsageEvent, 0, len(raw))
		for _, r := range raw {
			ts, err := parseEventDate(r.Date)
			if err != nil {
				logger.Warn().Str("date", r.Date).Msg("skipping usage event with unparseable date")
				continue
			}
			events = append(events, domain.UsageEvent{Date: ts, Downloads: r.Downloads})
		}
		return domain.UsageResult{Found: true, Events: events}, nil
	}
}

// parseEventDate accepts the timestamp formats the registry has used across
// API revisions.
func parseEventDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", dateLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// get performs one GET with bounded retry. 2xx and 404 responses are handed
// back to the caller with the body unread; auth failures are returned
// immediately; everything else is retried and then surfaced as UpstreamError.
func (g *RegistryGateway) get(ctx context.Context, endpoint string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &UpstreamError{Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
			g.logger.Debug().Int("attempt", attempt).Str("url", endpoint).Msg("retrying registry request")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("building registry request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = &UpstreamError{Err: err}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusNotFound:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return nil, &AuthError{Status: resp.StatusCode}
		default:
			drain(resp)
			lastErr = &UpstreamError{Status: resp.StatusCode}
		}
	}
	return nil, lastErr
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
