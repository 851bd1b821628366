package collector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

type harness struct {
	collector  *Collector
	store      *trace.Store
	hub        *broadcast.Hub[trace.Entry]
	controller *adaptive.Controller
	tracker    *stats.Tracker
}

func newHarness(t *testing.T, statsCfg stats.Config) *harness {
	t.Helper()
	store, err := trace.Open(context.Background(), trace.Config{
		Path: filepath.Join(t.TempDir(), "tracehub.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:      store,
		hub:        broadcast.NewHub[trace.Entry](10),
		controller: adaptive.NewController(adaptive.DefaultConfig()),
		tracker:    stats.NewTracker(statsCfg, time.Now()),
	}
	h.collector = New(StreamConfig{
		Keepalive:      20 * time.Millisecond,
		DefaultTimeout: 200 * time.Millisecond,
		MaxTimeout:     time.Second,
	}, Deps{
		Store:      store,
		Hub:        h.hub,
		Controller: h.controller,
		Tracker:    h.tracker,
	}, zap.NewNop())
	return h
}

func entry(corr, suffix string, ts float64, dir trace.Direction) trace.Entry {
	return trace.Entry{
		SourceID:      "WK",
		CorrelationID: corr,
		Timestamp:     ts,
		Suffix:        suffix,
		Direction:     dir,
		Operation:     "RPC",
		Endpoint:      "/foo",
	}
}

func TestIngestBatchCountsDuplicates(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()

	e := entry("c1", "a", 1000, trace.DirectionEntry)
	sum := h.collector.Ingest(ctx, []trace.Entry{e, e, entry("c2", "b", 1000, trace.DirectionEntry)})

	assert.Equal(t, IngestSummary{Accepted: 3, Inserted: 2, Duplicates: 1}, sum)

	c := h.tracker.Counters()
	assert.Equal(t, int64(2), c.IngestTotal)
	assert.Equal(t, int64(1), c.IngestDeduped)

	sources := h.tracker.Sources(time.Now())
	require.Len(t, sources, 1)
	assert.Equal(t, int64(3), sources[0].Total)
}

func TestIngestNotifiesOnlyNewRows(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()
	sub := h.hub.Subscribe("c1")
	defer h.hub.Unsubscribe(sub)

	e := entry("c1", "a", 1000, trace.DirectionEntry)
	require.True(t, h.collector.IngestOne(ctx, e).Inserted())
	require.False(t, h.collector.IngestOne(ctx, e).Inserted())

	require.Len(t, sub.C(), 1)
	got := <-sub.C()
	assert.Positive(t, got.ID)
	assert.Equal(t, trace.DefaultHostname, got.Hostname)
}

func TestChainCompletenessScenario(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()

	h.collector.Ingest(ctx, []trace.Entry{entry("X", "a", 1000, trace.DirectionEntry)})

	first, err := h.collector.Chain(ctx, "X", trace.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Count)
	assert.False(t, first.Complete)
	require.NotNil(t, first.AdaptiveHint)
	assert.Equal(t, adaptive.StateCold, first.AdaptiveHint.PreviousState)
	assert.Equal(t, 45, first.AdaptiveHint.RetryAfterSeconds)
	assert.Equal(t, adaptive.StateHot, h.controller.State("X"))

	exit := entry("X", "b", 1500, trace.DirectionExit)
	h.collector.Ingest(ctx, []trace.Entry{exit})

	second, err := h.collector.Chain(ctx, "X", trace.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count)
	assert.True(t, second.Complete)
	assert.Nil(t, second.AdaptiveHint)
	assert.Equal(t, trace.DirectionEntry, second.Traces[0].Direction)
	assert.Equal(t, trace.DirectionExit, second.Traces[1].Direction)

	assert.Equal(t, int64(2), h.tracker.Counters().QueriesTotal)
}

func TestRecentRateLimited(t *testing.T) {
	h := newHarness(t, stats.Config{RecentLimit: 2})
	ctx := context.Background()
	h.collector.Ingest(ctx, []trace.Entry{entry("c1", "a", 1, trace.DirectionEntry)})

	for i := 0; i < 2; i++ {
		got, err := h.collector.Recent(ctx, trace.RecentFilter{})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
	_, err := h.collector.Recent(ctx, trace.RecentFilter{})
	assert.ErrorIs(t, err, stats.ErrRateLimited)
}

func TestCorrelationsDefaultLimit(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()
	h.collector.Ingest(ctx, []trace.Entry{
		entry("c1", "a", 1, trace.DirectionEntry),
		entry("c2", "a", 1, trace.DirectionEntry),
	})

	got, err := h.collector.Correlations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type frame struct {
	kind  string
	entry trace.Entry
}

type recordingSink struct {
	mu      sync.Mutex
	frames  []frame
	onTrace func(trace.Entry)
	failOn  string
}

func (s *recordingSink) add(f frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	if s.failOn == f.kind {
		return errors.New("client went away")
	}
	return nil
}

func (s *recordingSink) Trace(e trace.Entry) error {
	err := s.add(frame{kind: "trace", entry: e})
	if s.onTrace != nil {
		s.onTrace(e)
	}
	return err
}

func (s *recordingSink) Keepalive() error { return s.add(frame{kind: "keepalive"}) }
func (s *recordingSink) End() error       { return s.add(frame{kind: "end"}) }

func (s *recordingSink) traces() []trace.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trace.Entry
	for _, f := range s.frames {
		if f.kind == "trace" {
			out = append(out, f.entry)
		}
	}
	return out
}

func (s *recordingSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1].kind
}

func (s *recordingSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.kind == kind {
			n++
		}
	}
	return n
}

func TestStreamReplaysThenForwardsLive(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()

	h.collector.Ingest(ctx, []trace.Entry{entry("X", "a", 1000, trace.DirectionEntry)})

	var once sync.Once
	sink := &recordingSink{}
	sink.onTrace = func(e trace.Entry) {
		once.Do(func() {
			// Re-announce the replayed row, then add a genuinely new one.
			h.hub.Notify("X", e)
			h.collector.IngestOne(ctx, entry("X", "b", 2000, trace.DirectionExit))
		})
	}

	err := h.collector.Stream(ctx, "X", 150*time.Millisecond, sink)
	require.NoError(t, err)

	traces := sink.traces()
	require.Len(t, traces, 2)
	assert.Equal(t, "a", traces[0].Suffix)
	assert.Equal(t, "b", traces[1].Suffix)
	assert.Positive(t, sink.count("keepalive"))
	assert.Equal(t, "end", sink.last())

	assert.Equal(t, broadcast.Stats{}, h.hub.Stats())
	assert.Equal(t, adaptive.StateHot, h.controller.State("X"))
}

func TestStreamUnsubscribesOnSinkError(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())

	sink := &recordingSink{failOn: "keepalive"}
	err := h.collector.Stream(context.Background(), "X", time.Second, sink)
	require.Error(t, err)

	assert.Equal(t, 1, sink.count("keepalive"))
	assert.Zero(t, sink.count("end"))
	assert.Equal(t, broadcast.Stats{}, h.hub.Stats())
}

func TestStreamStopsOnCancel(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	sink := &recordingSink{}
	go func() { done <- h.collector.Stream(ctx, "X", time.Second, sink) }()

	require.Eventually(t, func() bool { return h.hub.Stats().TotalListeners == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
	assert.Equal(t, "end", sink.last())
	assert.Equal(t, broadcast.Stats{}, h.hub.Stats())
}

func TestStreamTimeoutCoversReplay(t *testing.T) {
	h := newHarness(t, stats.DefaultConfig())
	ctx := context.Background()
	h.collector.Ingest(ctx, []trace.Entry{
		entry("X", "a", 1000, trace.DirectionEntry),
		entry("X", "b", 2000, trace.DirectionEntry),
		entry("X", "c", 3000, trace.DirectionEntry),
	})

	sink := &recordingSink{onTrace: func(trace.Entry) { time.Sleep(100 * time.Millisecond) }}
	start := time.Now()
	err := h.collector.Stream(ctx, "X", 150*time.Millisecond, sink)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 280*time.Millisecond)
	assert.Less(t, len(sink.traces()), 3)
	assert.Equal(t, "end", sink.last())
	assert.Equal(t, broadcast.Stats{}, h.hub.Stats())
}

func TestStreamTimeoutBounds(t *testing.T) {
	cfg := StreamConfig{DefaultTimeout: time.Minute, MaxTimeout: time.Hour}
	assert.Equal(t, time.Minute, cfg.Timeout(0))
	assert.Equal(t, 5*time.Second, cfg.Timeout(5*time.Second))
	assert.Equal(t, time.Hour, cfg.Timeout(48*time.Hour))
}
