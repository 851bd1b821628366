package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/api/middleware"
	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/maintenance"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	router     *gin.Engine
	store      *trace.Store
	hub        *broadcast.Hub[trace.Entry]
	controller *adaptive.Controller
	clock      *clock
}

func setupTestRouter(t *testing.T, secret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := &clock{now: time.Now()}
	store, err := trace.Open(context.Background(), trace.Config{
		Path: filepath.Join(t.TempDir(), "tracehub.db"),
	}, zap.NewNop(), trace.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	hub := broadcast.NewHub[trace.Entry](10)
	controller := adaptive.NewController(adaptive.DefaultConfig())
	tracker := stats.NewTracker(stats.DefaultConfig(), time.Now())

	coll := collector.New(collector.StreamConfig{
		Keepalive:      50 * time.Millisecond,
		DefaultTimeout: 300 * time.Millisecond,
		MaxTimeout:     time.Second,
	}, collector.Deps{
		Store:      store,
		Hub:        hub,
		Controller: controller,
		Tracker:    tracker,
	}, zap.NewNop()).WithMetrics(metrics)

	handlers := NewHandlers(Deps{
		Collector:      coll,
		Controller:     controller,
		Tracker:        tracker,
		Subscribers:    hub,
		Database:       store,
		Cleaner:        maintenance.NewReaper(store, 24*time.Hour, zap.NewNop()),
		Metrics:        metrics,
		RetentionHours: 24,
	}, zap.NewNop())

	router := gin.New()
	router.Use(monitoring.Middleware(metrics))
	RegisterRoutes(router, handlers, secret)

	return &testServer{router: router, store: store, hub: hub, controller: controller, clock: clk}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sampleTrace(corr, suffix string, ts float64, dir string) map[string]any {
	return map[string]any{
		"source_id":      "WK",
		"correlation_id": corr,
		"timestamp":      ts,
		"suffix":         suffix,
		"direction":      dir,
		"operation":      "RPC",
		"endpoint":       "/foo",
		"data":           map[string]any{"user": 7},
	}
}

func TestChainCompletenessEndToEnd(t *testing.T) {
	s := setupTestRouter(t, "")

	w := s.do(http.MethodPost, "/ingest", map[string]any{
		"traces": []any{sampleTrace("X", "a", 1000, "->")},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"accepted": 1.0, "inserted": 1.0, "duplicates": 0.0}, decode(t, w))

	w = s.do(http.MethodGet, "/traces/X", nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode(t, w)
	assert.Equal(t, 1.0, first["count"])
	assert.Equal(t, false, first["complete"])
	hint, ok := first["adaptive_hint"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cold", hint["previous_state"])
	assert.Equal(t, 45.0, hint["retry_after_seconds"])

	w = s.do(http.MethodPost, "/ingest/single", sampleTrace("X", "b", 1500, "EXIT"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["inserted"])

	w = s.do(http.MethodGet, "/traces/X", nil)
	second := decode(t, w)
	assert.Equal(t, 2.0, second["count"])
	assert.Equal(t, true, second["complete"])
	assert.NotContains(t, second, "adaptive_hint")

	traces := second["traces"].([]any)
	assert.Equal(t, "->", traces[0].(map[string]any)["direction"])
	assert.Equal(t, "<-", traces[1].(map[string]any)["direction"])
	assert.Equal(t, map[string]any{"user": 7.0}, traces[0].(map[string]any)["data"])
}

func TestIngestCountsDuplicates(t *testing.T) {
	s := setupTestRouter(t, "")
	e := sampleTrace("c1", "a", 1000, "->")

	w := s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{e, e}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"accepted": 2.0, "inserted": 1.0, "duplicates": 1.0}, decode(t, w))

	w = s.do(http.MethodPost, "/ingest/single", e)
	assert.Equal(t, false, decode(t, w)["inserted"])
}

func TestIngestValidation(t *testing.T) {
	s := setupTestRouter(t, "")

	missing := sampleTrace("c1", "a", 1000, "->")
	delete(missing, "endpoint")
	badDirection := sampleTrace("c1", "a", 1000, "sideways")

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing traces", "/ingest", map[string]any{}},
		{"missing field in batch", "/ingest", map[string]any{"traces": []any{missing}}},
		{"bad direction", "/ingest/single", badDirection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := s.do(http.MethodGet, "/correlations", nil)
	assert.Equal(t, 0.0, decode(t, w)["count"])
}

func TestIngestAcceptsZeroValues(t *testing.T) {
	s := setupTestRouter(t, "")

	zeroTS := sampleTrace("c1", "a", 0, "->")
	zeroTS["endpoint"] = "/zero"
	emptySuffix := sampleTrace("c1", "", 1000, "<-")
	w := s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{
		sampleTrace("c1", "b", 1000, "->"),
		zeroTS,
		emptySuffix,
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3.0, decode(t, w)["inserted"])

	w = s.do(http.MethodGet, "/traces/c1", nil)
	body := decode(t, w)
	assert.Equal(t, 3.0, body["count"])
	first := body["traces"].([]any)[0].(map[string]any)
	assert.Equal(t, 0.0, first["timestamp"])

	missingTS := sampleTrace("c2", "a", 1000, "->")
	delete(missingTS, "timestamp")
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/ingest/single", missingTS).Code)
}

func TestReadFaultsReturnServerError(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{sampleTrace("c1", "a", 1000, "->")}})
	require.NoError(t, s.store.Close())

	for _, path := range []string{"/traces/c1", "/recent", "/correlations"} {
		t.Run(path, func(t *testing.T) {
			w := s.do(http.MethodGet, path, nil)
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestIngestSecret(t *testing.T) {
	s := setupTestRouter(t, "s3cret")
	body := map[string]any{"traces": []any{sampleTrace("c1", "a", 1000, "->")}}

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/ingest", body).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/ingest", body, middleware.SecretHeader, "wrong").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/ingest", body, middleware.SecretHeader, "s3cret").Code)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/traces/c1", nil).Code)
}

func TestIngestGzipBody(t *testing.T) {
	s := setupTestRouter(t, "")

	raw, err := json.Marshal(map[string]any{"traces": []any{sampleTrace("c1", "a", 1000, "->")}})
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingest", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1.0, decode(t, w)["inserted"])
}

func TestRecentRateLimitBoundary(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{
		sampleTrace("c1", "a", 1000, "->"),
		sampleTrace("-", "b", 1000, "->"),
	}})

	for i := 1; i <= 30; i++ {
		w := s.do(http.MethodGet, "/recent", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		if i == 1 {
			body := decode(t, w)
			assert.Equal(t, 1.0, body["count"])
		}
	}

	w := s.do(http.MethodGet, "/recent", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Rate limit exceeded: max 30 requests/minute", decode(t, w)["error"])
}

func TestRecentLimitValidation(t *testing.T) {
	s := setupTestRouter(t, "")

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/recent?limit=1001", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/recent?limit=1000", nil).Code)
}

func TestRecentFilters(t *testing.T) {
	s := setupTestRouter(t, "")
	a := sampleTrace("c1", "a", 1000, "->")
	b := sampleTrace("c2", "b", 1000, "->")
	b["source_id"] = "WS"
	s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{a, b}})

	w := s.do(http.MethodGet, "/recent?source=WS", nil)
	body := decode(t, w)
	require.Equal(t, 1.0, body["count"])

	first := body["traces"].([]any)[0].(map[string]any)
	w = s.do(http.MethodGet, fmt.Sprintf("/recent?since_id=%d", int(first["id"].(float64))), nil)
	assert.Equal(t, 0.0, decode(t, w)["count"])
}

func TestTracingConfigETag(t *testing.T) {
	s := setupTestRouter(t, "")

	w := s.do(http.MethodGet, "/tracing/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	assert.Equal(t, `"0"`, etag)
	body := decode(t, w)
	assert.Equal(t, "adaptive", body["mode"])

	w = s.do(http.MethodGet, "/tracing/config", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = s.do(http.MethodPost, "/tracing/enable/c9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	enabled := decode(t, w)
	assert.Equal(t, "hot", enabled["state"])
	assert.Equal(t, "cold", enabled["previous_state"])
	assert.Equal(t, 300.0, enabled["ttl"])

	w = s.do(http.MethodGet, "/tracing/config", nil, "If-None-Match", etag)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"1"`, w.Header().Get("ETag"))
	hot := decode(t, w)["hot_correlations"].(map[string]any)
	assert.Contains(t, hot, "c9")
}

func TestTracingLifecycle(t *testing.T) {
	s := setupTestRouter(t, "")

	s.do(http.MethodPost, "/tracing/enable/c1", nil)

	w := s.do(http.MethodGet, "/tracing/status", nil)
	status := decode(t, w)
	assert.Equal(t, 1.0, status["count"])

	w = s.do(http.MethodGet, "/tracing/rate/c1", nil)
	assert.Equal(t, map[string]any{"correlation_id": "c1", "state": "hot", "rate": 1.0}, decode(t, w))

	w = s.do(http.MethodPost, "/tracing/disable/c1", nil)
	disabled := decode(t, w)
	assert.Equal(t, "cold", disabled["state"])
	assert.Equal(t, "hot", disabled["previous_state"])

	w = s.do(http.MethodGet, "/tracing/status", nil)
	assert.Equal(t, 0.0, decode(t, w)["count"])
}

func TestStreamSSE(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest/single", sampleTrace("X", "a", 1000, "->"))

	w := s.do(http.MethodGet, "/traces/X/stream", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: {"), body)
	assert.Contains(t, body, `"suffix":"a"`)
	assert.Contains(t, body, ": keepalive\n\n")
	assert.True(t, strings.HasSuffix(body, "data: {\"type\":\"timeout\"}\n\n"), body)

	assert.Equal(t, adaptive.StateHot, s.controller.State("X"))
	assert.Equal(t, broadcast.Stats{}, s.hub.Stats())
}

func TestStreamRejectsNegativeTimeout(t *testing.T) {
	s := setupTestRouter(t, "")
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/traces/X/stream?timeout=-1", nil).Code)
}

func TestCorrelations(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest", map[string]any{"traces": []any{
		sampleTrace("c1", "a", 1000, "->"),
		sampleTrace("c1", "b", 1000.75, "<-"),
	}})

	w := s.do(http.MethodGet, "/correlations", nil)
	body := decode(t, w)
	require.Equal(t, 1.0, body["count"])
	summary := body["correlations"].([]any)[0].(map[string]any)
	assert.Equal(t, "c1", summary["correlation_id"])
	assert.Equal(t, 2.0, summary["trace_count"])
	assert.Equal(t, 750.0, summary["duration_ms"])
}

func TestHealthStatsAndCleanup(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest/single", sampleTrace("c1", "a", 1000, "->"))

	w := s.do(http.MethodGet, "/health", nil)
	health := decode(t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "tracehub", health["service"])
	assert.Equal(t, s.store.Path(), health["db"])
	assert.Equal(t, 24.0, health["retention_hours"])

	w = s.do(http.MethodGet, "/stats", nil)
	st := decode(t, w)
	requests := st["requests"].(map[string]any)
	assert.Equal(t, 1.0, requests["ingest_total"])
	assert.Contains(t, st, "memory")
	assert.Contains(t, st, "database")
	assert.Len(t, st["top_sources"].([]any), 1)

	w = s.do(http.MethodGet, "/stats/sources", nil)
	sources := decode(t, w)
	assert.Equal(t, 300.0, sources["window_seconds"])
	assert.Len(t, sources["sources"].([]any), 1)

	w = s.do(http.MethodDelete, "/cleanup", nil)
	assert.Equal(t, map[string]any{"deleted": 0.0}, decode(t, w))

	s.clock.Advance(25 * time.Hour)
	w = s.do(http.MethodDelete, "/cleanup", nil)
	assert.Equal(t, map[string]any{"deleted": 1.0}, decode(t, w))
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestRouter(t, "")
	s.do(http.MethodPost, "/ingest/single", sampleTrace("c1", "a", 1000, "->"))

	w := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tracehub_ingest_entries_total")
}
