package stats

import (
	"errors"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
)

// ErrRateLimited is returned when the recent-traces window is full.
var ErrRateLimited = errors.New("rate limit exceeded")

// rateSpan is the span of the per-minute rates.
const rateSpan = time.Minute

// topSources is how many sources the summary lists.
const topSources = 5

// Config holds the window sizes and caps.
type Config struct {
	RecentLimit  int
	RecentWindow time.Duration
	SourceWindow time.Duration
}

// DefaultConfig returns 30 recent requests per minute and a 5 minute source window.
func DefaultConfig() Config {
	return Config{
		RecentLimit:  30,
		RecentWindow: 60 * time.Second,
		SourceWindow: 300 * time.Second,
	}
}

// Counters are cumulative for the process lifetime.
type Counters struct {
	IngestTotal      int64 `json:"ingest_total"`
	IngestDuplicates int64 `json:"ingest_duplicates"`
	IngestDeduped    int64 `json:"ingest_deduped"`
	IngestFailed     int64 `json:"ingest_failed"`
	QueriesTotal     int64 `json:"queries_total"`
	RecentRequests   int64 `json:"recent_requests_total"`
	RecentRejected   int64 `json:"recent_rejected"`
}

// SourceRate is one row of the per-source report.
type SourceRate struct {
	SourceID string `json:"source_id"`
	Total    int64  `json:"total"`
	RPM      int    `json:"rpm"`
	RP5M     int    `json:"rp5m"`
	Spammer  bool   `json:"spammer"`
}

// Snapshot is a consistent read of the tracker.
type Snapshot struct {
	StartedAt  time.Time
	Uptime     time.Duration
	Counters   Counters
	RecentRPM  int
	TopSources []SourceRate
}

// Tracker owns the request windows and the counters.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	startedAt time.Time
	counters  Counters
	recent    Window
	sources   map[string]*Window
	totals    map[string]int64
}

// NewTracker creates a tracker whose uptime starts at startedAt.
func NewTracker(cfg Config, startedAt time.Time) *Tracker {
	def := DefaultConfig()
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.SourceWindow <= 0 {
		cfg.SourceWindow = def.SourceWindow
	}
	return &Tracker{
		cfg:       cfg,
		startedAt: startedAt,
		sources:   make(map[string]*Window),
		totals:    make(map[string]int64),
	}
}

// Config returns the tracker settings.
func (t *Tracker) Config() Config { return t.cfg }

// AllowRecent admits a /recent call or returns ErrRateLimited. A rejected call
// is counted but does not occupy a slot in the window.
func (t *Tracker) AllowRecent(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters.RecentRequests++
	if t.recent.Count(now, t.cfg.RecentWindow) >= t.cfg.RecentLimit {
		t.counters.RecentRejected++
		return ErrRateLimited
	}
	t.recent.Add(now)
	return nil
}

// RecordIngest counts one submitted entry against its source and outcome.
func (t *Tracker) RecordIngest(source string, outcome trace.Outcome, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.sources[source]
	if !ok {
		w = &Window{}
		t.sources[source] = w
	}
	w.Add(now)
	t.totals[source]++

	switch outcome {
	case trace.OutcomeInserted:
		t.counters.IngestTotal++
	case trace.OutcomeRefreshed:
		t.counters.IngestDeduped++
	case trace.OutcomeDuplicate:
		t.counters.IngestDuplicates++
	case trace.OutcomeFailed:
		t.counters.IngestFailed++
	}
}

// RecordQuery counts one history read.
func (t *Tracker) RecordQuery() {
	t.mu.Lock()
	t.counters.QueriesTotal++
	t.mu.Unlock()
}

// Counters returns a copy of the cumulative counters.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Snapshot returns counters, the current /recent rate and the top sources.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	top := t.sourcesLocked(now)
	if len(top) > topSources {
		top = top[:topSources]
	}
	return Snapshot{
		StartedAt:  t.startedAt,
		Uptime:     now.Sub(t.startedAt),
		Counters:   t.counters,
		RecentRPM:  t.recent.Count(now, rateSpan),
		TopSources: top,
	}
}

// Sources reports every known source, highest one-minute rate first.
func (t *Tracker) Sources(now time.Time) []SourceRate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sourcesLocked(now)
}

func (t *Tracker) sourcesLocked(now time.Time) []SourceRate {
	out := make([]SourceRate, 0, len(t.totals))
	for id, total := range t.totals {
		rate := SourceRate{SourceID: id, Total: total}
		if w, ok := t.sources[id]; ok {
			rate.RPM = w.Count(now, rateSpan)
			rate.RP5M = w.Count(now, t.cfg.SourceWindow)
		}
		out = append(out, rate)
	}
	flagSpammers(out)

	sort.Slice(out, func(i, j int) bool {
		if out[i].RPM != out[j].RPM {
			return out[i].RPM > out[j].RPM
		}
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// flagSpammers marks sources whose one-minute rate sits more than two
// standard deviations above the mean of all sources.
func flagSpammers(rates []SourceRate) {
	if len(rates) < 3 {
		return
	}
	rpm := make([]float64, len(rates))
	for i, r := range rates {
		rpm[i] = float64(r.RPM)
	}
	mean, std := stat.MeanStdDev(rpm, nil)
	if std == 0 {
		return
	}
	for i := range rates {
		rates[i].Spammer = rpm[i] > mean+2*std
	}
}

// Trim drops window entries past their horizon. Only the maintenance
// scheduler calls it; reads count against the untrimmed windows.
func (t *Tracker) Trim(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := t.recent.Trim(now, t.cfg.RecentWindow)
	for id, w := range t.sources {
		dropped += w.Trim(now, t.cfg.SourceWindow)
		if w.Len() == 0 {
			delete(t.sources, id)
		}
	}
	return dropped
}
