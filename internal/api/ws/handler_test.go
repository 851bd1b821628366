package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

type fixture struct {
	server    *httptest.Server
	collector *collector.Collector
	hub       *broadcast.Hub[trace.Entry]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := trace.Open(context.Background(), trace.Config{
		Path: filepath.Join(t.TempDir(), "tracehub.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := broadcast.NewHub[trace.Entry](10)
	coll := collector.New(collector.StreamConfig{
		Keepalive:      50 * time.Millisecond,
		DefaultTimeout: 400 * time.Millisecond,
		MaxTimeout:     time.Second,
	}, collector.Deps{
		Store:      store,
		Hub:        hub,
		Controller: adaptive.NewController(adaptive.DefaultConfig()),
		Tracker:    stats.NewTracker(stats.DefaultConfig(), time.Now()),
	}, zap.NewNop())

	router := gin.New()
	router.GET("/traces/:id/ws", NewHandler(coll, zap.NewNop()).HandleStream)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, collector: coll, hub: hub}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func entry(suffix string, ts float64, dir trace.Direction) trace.Entry {
	return trace.Entry{
		SourceID:      "WK",
		CorrelationID: "X",
		Timestamp:     ts,
		Suffix:        suffix,
		Direction:     dir,
		Operation:     "RPC",
		Endpoint:      "/foo",
	}
}

func TestStreamFrames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collector.IngestOne(ctx, entry("a", 1000, trace.DirectionEntry))

	conn := f.dial(t, "/traces/X/ws")

	var frames []Frame
	sentLive := false
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		frames = append(frames, fr)

		if fr.Type == FrameTrace && !sentLive {
			sentLive = true
			f.collector.IngestOne(ctx, entry("b", 2000, trace.DirectionExit))
		}
	}

	var suffixes []string
	keepalives := 0
	for _, fr := range frames {
		switch fr.Type {
		case FrameTrace:
			suffixes = append(suffixes, fr.Trace.Suffix)
		case FrameKeepalive:
			keepalives++
		}
	}
	assert.Equal(t, []string{"a", "b"}, suffixes)
	assert.Positive(t, keepalives)
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameTimeout, frames[len(frames)-1].Type)

	assert.Eventually(t, func() bool { return f.hub.Stats() == broadcast.Stats{} }, time.Second, 10*time.Millisecond)
}

func TestStreamClientDisconnectUnsubscribes(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t, "/traces/X/ws?timeout=1")
	require.Eventually(t, func() bool { return f.hub.Stats().TotalListeners == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.Stats() == broadcast.Stats{} }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamBadTimeout(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/traces/X/ws?timeout=soon")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseTimeout("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = parseTimeout("-5")
	assert.Error(t, err)
}
