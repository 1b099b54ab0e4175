package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/sessionstore/internal/kv"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/session"
	"github.com/szaher/sessionstore/internal/store"
	"github.com/szaher/sessionstore/internal/telemetry"
)

type testServer struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := store.DefaultConfig()
	cfg.Security.Secret = []byte("api-test-secret")
	cfg.Security.Detector = security.DetectorConfig{Threshold: 3, Window: time.Minute, Cooldown: time.Minute}

	metrics := telemetry.NewMetrics()
	facade, err := store.NewFactory(cfg, store.WithLogger(logger), store.WithMetrics(metrics)).Build(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(facade, metrics, logger).Router(opts))
	t.Cleanup(func() {
		srv.Close()
		_ = facade.Close(context.Background())
	})
	return &testServer{t: t, srv: srv}
}

func (s *testServer) do(method, path, user string, body any, headers ...string) *http.Response {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(s.t, err)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	resp := s.do(http.MethodPut, "/v1/sessions/s1", "42", map[string]any{"title": "support"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ticket := decodeBody[store.Ticket](t, resp)
	require.NotEmpty(t, ticket.CSRFToken)
	assert.Equal(t, "support", ticket.Session.Title)

	resp = s.do(http.MethodPut, "/v1/sessions/s1", "42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, content := range []string{"A", "B", "C"} {
		resp := s.do(http.MethodPost, "/v1/sessions/s1/messages", "42",
			map[string]any{"role": "user", "content": content},
			HeaderCSRFToken, ticket.CSRFToken)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp = s.do(http.MethodGet, "/v1/sessions/s1", "42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeBody[session.Session](t, resp)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "C", sess.Messages[2].Content)
	assert.Equal(t, int64(3), sess.Messages[2].Sequence)
	assert.Empty(t, sess.Binding)

	resp = s.do(http.MethodGet, "/v1/sessions/s1", "99", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/v1/sessions/s1", "42", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "missing CSRF token")

	resp = s.do(http.MethodDelete, "/v1/sessions/s1", "42", nil, HeaderCSRFToken, ticket.CSRFToken)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodPost, "/v1/sessions/s1/messages", "42",
		map[string]any{"role": "user", "content": "late"}, HeaderCSRFToken, ticket.CSRFToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	resp := s.do(http.MethodGet, "/v1/sessions/chat-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/sessions/12345", "42", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "invalid_session_id", body["error"])

	resp = s.do(http.MethodGet, "/v1/sessions/chat-missing", "42", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ticket := decodeBody[store.Ticket](t, s.do(http.MethodPut, "/v1/sessions/chat-v", "42", nil))
	resp = s.do(http.MethodPost, "/v1/sessions/chat-v/messages", "42",
		map[string]any{"role": "robot", "content": "x"}, HeaderCSRFToken, ticket.CSRFToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnumerationReturns429(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	for i := range 3 {
		resp := s.do(http.MethodGet, fmt.Sprintf("/v1/sessions/guess-x%d", i), "42", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp := s.do(http.MethodGet, "/v1/sessions/guess-y1", "42", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	stats := decodeBody[store.Stats](t, s.do(http.MethodGet, "/stats", "", nil))
	require.Len(t, stats.FlaggedSources, 1)
	assert.Equal(t, "127.0.0.1", stats.FlaggedSources[0].Subject)
}

func TestMemoryRoutes(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	resp := s.do(http.MethodPut, "/v1/users/42/context/prefs", "42",
		map[string]any{"data": map[string]string{"theme": "dark"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/users/42/context/prefs", "42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry struct {
		Key  string            `json:"key"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "prefs", entry.Key)
	assert.Equal(t, "dark", entry.Data["theme"])

	resp = s.do(http.MethodGet, "/v1/users/42/context/prefs", "7", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(http.MethodGet, "/v1/users/42/context/missing", "42", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodPut, "/v1/agents/planner/memory/plan", "", map[string]any{"data": "step 1", "ttl_seconds": 60})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(http.MethodGet, "/v1/agents/planner/memory/plan", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPut, "/v1/knowledge/faq/hours", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(http.MethodPut, "/v1/knowledge/faq/hours", "", map[string]any{"data": "9-5"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(http.MethodGet, "/v1/knowledge/faq/hours", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryRoute(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	for _, id := range []string{"chat-h1", "chat-h2"} {
		require.Equal(t, http.StatusCreated, s.do(http.MethodPut, "/v1/sessions/"+id, "42", nil).StatusCode)
	}

	resp := s.do(http.MethodGet, "/v1/users/42/history?limit=1", "42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]map[string]any](t, resp)
	require.Len(t, body["history"], 1)

	resp = s.do(http.MethodGet, "/v1/users/42/history?limit=-1", "42", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthStatsAndMetrics(t *testing.T) {
	s := newTestServer(t, RouterOptions{APIKey: "secret"})

	resp := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderCorrelationID))
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "memory", body["store_type"])

	resp = s.do(http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(http.MethodGet, "/stats", "", nil, "Authorization", "Bearer secret", HeaderCorrelationID, "corr-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "corr-1", resp.Header.Get(HeaderCorrelationID))

	resp = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sessionstore_active_backend")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, RouterOptions{RateLimit: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodGet, "/healthz", "", nil).StatusCode)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", pool.ErrPoolTimeout), http.StatusServiceUnavailable},
		{kv.Unavailable("etcd", "get", errors.New("refused")), http.StatusServiceUnavailable},
		{store.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{session.ErrConflict, http.StatusConflict},
		{&security.EnumerationError{Subject: "x", RetryAfter: time.Second}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := classify(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestTTLSecondsOutOfRange(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	for _, secs := range []int64{-1, 9_300_000_000, math.MaxInt64} {
		resp := s.do(http.MethodPut, "/v1/sessions/chat-ttl", "42", map[string]any{"ttl_seconds": secs})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "session ttl_seconds=%d", secs)

		resp = s.do(http.MethodPut, "/v1/users/42/context/prefs", "42", map[string]any{"data": "x", "ttl_seconds": secs})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "memory ttl_seconds=%d", secs)
	}

	resp := s.do(http.MethodPut, "/v1/sessions/chat-ttl", "42", map[string]any{"ttl_seconds": 3600})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ticket := decodeBody[store.Ticket](t, resp)
	assert.WithinDuration(t, ticket.Session.CreatedAt.Add(time.Hour), ticket.Session.ExpiresAt, time.Second)
}
