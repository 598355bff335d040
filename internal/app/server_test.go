package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

// fakeFetcher serves tokens until failing is flipped.
type fakeFetcher struct {
	mu      sync.Mutex
	failing bool
}

func (f *fakeFetcher) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, method tokensource.Method) (*tokensource.Record, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return nil, &tokensource.AuthError{Method: method, Err: context.DeadlineExceeded}
	}

	now := time.Now()
	return &tokensource.Record{
		Token:      "test-token",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *tokenmanager.Manager, *Health, *fakeFetcher) {
	t.Helper()

	fetcher := &fakeFetcher{}
	manager, err := tokenmanager.New(fetcher, tokenmanager.Policy{
		RefreshInterval:           time.Minute,
		ExpiryBuffer:              time.Second,
		MaxFailuresBeforeFallback: 3,
	}, tokenmanager.WithSlot(tokenmanager.NewSlot()))
	require.NoError(t, err)

	health := NewHealth(manager)
	server := NewServer(manager, nil, health)

	ts := httptest.NewServer(server.server.Handler)
	t.Cleanup(ts.Close)
	return ts, manager, health, fetcher
}

func TestLivenessAlwaysOK(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessTracksTokenAndStartup(t *testing.T) {
	ts, manager, health, _ := newTestServer(t)

	get := func() int {
		resp, err := http.Get(ts.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusServiceUnavailable, get(), "not ready before startup")

	health.SetStarted(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(), "not ready without a token")

	require.True(t, manager.ForceRefresh(context.Background()))
	assert.Equal(t, http.StatusOK, get())
}

func TestTokenInfoEndpoint(t *testing.T) {
	ts, manager, _, _ := newTestServer(t)

	require.True(t, manager.ForceRefresh(context.Background()))

	resp, err := http.Get(ts.URL + "/v1/token/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var status struct {
		HasToken            bool    `json:"has_token"`
		SecondsUntilExpiry  float64 `json:"seconds_until_expiry"`
		ConsecutiveFailures int     `json:"consecutive_failures"`
		BackgroundRunning   bool    `json:"background_running"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

	assert.True(t, status.HasToken)
	assert.Greater(t, status.SecondsUntilExpiry, 0.0)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.BackgroundRunning)
}

func TestTokenRefreshEndpoint(t *testing.T) {
	ts, _, _, fetcher := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/token/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	fetcher.setFailing(true)

	resp, err = http.Post(ts.URL+"/v1/token/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Refreshed bool `json:"refreshed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Refreshed)
}

// logSink is a concurrency-safe writer for capturing slog output.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	sink := &logSink{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(sink, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	// The server captures slog.Default at construction, so it must be built
	// after the sink is installed.
	ts, _, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "req-abc-123", resp.Header.Get("X-Request-ID"))

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), "req-abc-123")
	}, time.Second, 10*time.Millisecond, "request log line must carry the request id")
}

func TestExtractWithoutProfilesIs404(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/extract", "application/json",
		strings.NewReader(`{"profile":"default","instructions":"x","input":"y"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReadiness(t *testing.T) {
	_, manager, health, _ := newTestServer(t)

	assert.False(t, health.IsReady())

	health.SetStarted(true)
	assert.False(t, health.IsReady(), "started but tokenless is not ready")

	require.True(t, manager.ForceRefresh(context.Background()))
	assert.True(t, health.IsReady())

	health.SetStarted(false)
	assert.False(t, health.IsReady())
}
