package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrep/registry-stats/internal/domain"
)

// setupTestGateway creates a RegistryGateway that communicates with a mock
// HTTP server. Retries default to 0 so error cases return immediately.
func setupTestGateway(t *testing.T, shape Shape, retries int, handler http.Handler) (*RegistryGateway, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw, err := NewRegistryGateway(server.URL, "test-token", shape, 5*time.Second, retries, zerolog.Nop())
	require.NoError(t, err)
	return gw, server
}

func TestNewRegistryGateway_Validation(t *testing.T) {
	_, err := NewRegistryGateway("", "tok", ShapeEvents, time.Second, 0, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewRegistryGateway("http://registry", "tok", Shape("csv"), time.Second, 0, zerolog.Nop())
	assert.Error(t, err)

	// A negative retry count would make every request loop run zero times;
	// it must be rejected at construction, not crash mid-fetch.
	_, err = NewRegistryGateway("http://registry", "tok", ShapeEvents, time.Second, -1, zerolog.Nop())
	assert.Error(t, err)
}

func TestRegistryGateway_ListEntitlements(t *testing.T) {
	testCases := []struct {
		name        string
		handlerFunc func(w http.ResponseWriter, r *http.Request)
		expected    []domain.Entitlement
		expectedErr any // pointer to the expected error type, nil for success
	}{
		{
			name: "happy path - lists tokens with bearer auth",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/entitlements/acme/widgets/", r.URL.Path)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				fmt.Fprint(w, `[{"token":"tok-a","name":"Team A"},{"token":"tok-b"}]`)
			},
			expected: []domain.Entitlement{{Token: "tok-a", Name: "Team A"}, {Token: "tok-b"}},
		},
		{
			name: "empty list is a valid result",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `[]`)
			},
			expected: []domain.Entitlement{},
		},
		{
			name: "rejected credential",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			expectedErr: new(*AuthError),
		},
		{
			name: "unknown repository",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectedErr: new(*NotFoundError),
		},
		{
			name: "upstream failure",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			expectedErr: new(*UpstreamError),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := setupTestGateway(t, ShapeEvents, 0, http.HandlerFunc(tc.handlerFunc))

			entitlements, err := gw.ListEntitlements(context.Background(), "acme", "widgets")
			if tc.expectedErr != nil {
				assert.ErrorAs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, entitlements)
		})
	}
}

func TestRegistryGateway_FetchUsage_Events(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)

	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics/entitlements/acme/widgets/", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "tok-a", q.Get("tokens"))
		assert.Equal(t, "2024-01-01", q.Get("start"))
		assert.Equal(t, "2024-06-30", q.Get("finish"))
		// One event in each timestamp format the registry has shipped.
		fmt.Fprint(w, `[
			{"date":"2024-03-05T12:00:00.000Z","downloads":4},
			{"date":"2024-03-06T08:15:00Z","downloads":2},
			{"date":"2024-03-07","downloads":1},
			{"date":"not-a-date","downloads":9}
		]`)
	}
	gw, _ := setupTestGateway(t, ShapeEvents, 0, http.HandlerFunc(handler))

	usage, err := gw.FetchUsage(context.Background(), "acme", "widgets", "tok-a", &start, &end)
	require.NoError(t, err)
	assert.True(t, usage.Found)
	require.Len(t, usage.Events, 3, "the unparseable event is skipped, not fatal")
	assert.Equal(t, int64(4), usage.Events[0].Downloads)
	assert.Equal(t, time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC), usage.Events[0].Date)
}

func TestRegistryGateway_FetchUsage_Totals(t *testing.T) {
	testCases := []struct {
		name          string
		responseBody  string
		expectedTotal int64
	}{
		{
			name:          "nested total present",
			responseBody:  `{"usage":{"downloads":{"total":42}}}`,
			expectedTotal: 42,
		},
		{
			name:          "missing keys default to zero",
			responseBody:  `{}`,
			expectedTotal: 0,
		},
		{
			name:          "partially missing keys default to zero",
			responseBody:  `{"usage":{}}`,
			expectedTotal: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := setupTestGateway(t, ShapeTotals, 0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.responseBody)
			}))

			start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
			end := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
			usage, err := gw.FetchUsage(context.Background(), "acme", "widgets", "tok-a", &start, &end)
			require.NoError(t, err)
			assert.True(t, usage.Found)
			assert.Equal(t, tc.expectedTotal, usage.Total)
			assert.Empty(t, usage.Events)
		})
	}
}

// TestRegistryGateway_FetchUsage_NotFound checks the 404-as-zero contract: a
// token with no recorded usage yields a not-found result, never an error.
func TestRegistryGateway_FetchUsage_NotFound(t *testing.T) {
	gw, _ := setupTestGateway(t, ShapeEvents, 0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	usage, err := gw.FetchUsage(context.Background(), "acme", "widgets", "tok-a", nil, nil)
	require.NoError(t, err)
	assert.False(t, usage.Found)
	assert.Zero(t, usage.Total)
	assert.Empty(t, usage.Events)
}

func TestRegistryGateway_FetchUsage_UpstreamError(t *testing.T) {
	gw, _ := setupTestGateway(t, ShapeEvents, 0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := gw.FetchUsage(context.Background(), "acme", "widgets", "tok-a", nil, nil)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusInternalServerError, upstreamErr.Status)
}

// TestRegistryGateway_Retry checks bounded retry on transient failures: a 503
// followed by a 200 succeeds, while auth failures are returned immediately.
func TestRegistryGateway_Retry(t *testing.T) {
	t.Run("recovers after transient failure", func(t *testing.T) {
		var calls int
		gw, _ := setupTestGateway(t, ShapeEvents, 2, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `[{"token":"tok-a"}]`)
		}))

		entitlements, err := gw.ListEntitlements(context.Background(), "acme", "widgets")
		require.NoError(t, err)
		assert.Len(t, entitlements, 1)
		assert.Equal(t, 2, calls)
	})

	t.Run("auth failure is not retried", func(t *testing.T) {
		var calls int
		gw, _ := setupTestGateway(t, ShapeEvents, 2, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusForbidden)
		}))

		_, err := gw.ListEntitlements(context.Background(), "acme", "widgets")
		assert.ErrorAs(t, err, new(*AuthError))
		assert.Equal(t, 1, calls)
	})
}
