package adaptive

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// State is the sampling temperature of a correlation id.
type State string

const (
	StateHot  State = "hot"
	StateWarm State = "warm"
	// StateCold is implicit: a cold id has no entry in the controller.
	StateCold State = "cold"
)

// Config holds the TTLs and sampling rates of the state machine.
type Config struct {
	HotTTL   time.Duration
	WarmTTL  time.Duration
	WarmRate float64
	ColdRate float64
}

// DefaultConfig returns the stock adaptive settings.
func DefaultConfig() Config {
	return Config{
		HotTTL:   300 * time.Second,
		WarmTTL:  1500 * time.Second,
		WarmRate: 0.1,
		ColdRate: 0.0,
	}
}

type entry struct {
	state     State
	expiresAt time.Time
	queriedAt time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for deterministic timelines in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller tracks HOT and WARM correlation ids and the config etag that
// producers poll to pick up sampling changes.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	etag    uint64
	now     func() time.Time
}

// NewController creates a controller with no tracked ids and etag 0.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the controller settings.
func (c *Controller) Config() Config { return c.cfg }

// MarkHot promotes (or refreshes) an id to HOT and returns the state it had.
// The HOT TTL is reset, never stacked. Always bumps the etag.
func (c *Controller) MarkHot(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.stateLocked(id)
	now := c.now()
	c.entries[id] = &entry{
		state:     StateHot,
		expiresAt: now.Add(c.cfg.HotTTL),
		queriedAt: now,
	}
	c.etag++
	return prev
}

// Disable forgets an id and returns the state it had. The etag only moves
// when something was actually removed.
func (c *Controller) Disable(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.stateLocked(id)
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.etag++
	}
	return prev
}

// State returns the current state of an id.
func (c *Controller) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(id)
}

func (c *Controller) stateLocked(id string) State {
	if e, ok := c.entries[id]; ok {
		return e.state
	}
	return StateCold
}

// TraceRate returns the sampling rate producers should apply to an id.
func (c *Controller) TraceRate(id string) float64 {
	return c.rateFor(c.State(id))
}

func (c *Controller) rateFor(s State) float64 {
	switch s {
	case StateHot:
		return 1.0
	case StateWarm:
		return c.cfg.WarmRate
	default:
		return c.cfg.ColdRate
	}
}

// CooldownResult reports what a single cooldown pass changed.
type CooldownResult struct {
	Cooled  int
	Expired int
}

// Changed reports whether the pass transitioned anything.
func (r CooldownResult) Changed() bool { return r.Cooled+r.Expired > 0 }

// Cooldown runs one pass over the tracked ids: expired HOT entries become
// WARM, expired WARM entries are dropped. The etag is bumped at most once.
func (c *Controller) Cooldown() CooldownResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var res CooldownResult
	for id, e := range c.entries {
		if e.expiresAt.After(now) {
			continue
		}
		switch e.state {
		case StateHot:
			e.state = StateWarm
			e.expiresAt = now.Add(c.cfg.WarmTTL)
			res.Cooled++
		case StateWarm:
			delete(c.entries, id)
			res.Expired++
		}
	}
	if res.Changed() {
		c.etag++
	}
	return res
}

// ETag returns the current config version as a decimal string.
func (c *Controller) ETag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strconv.FormatUint(c.etag, 10)
}

// Counts returns the number of HOT and WARM ids.
func (c *Controller) Counts() (hot, warm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.state == StateHot {
			hot++
		} else {
			warm++
		}
	}
	return hot, warm
}

// HotCorrelation is one entry of the config document.
type HotCorrelation struct {
	Rate float64 `json:"rate"`
	TTL  int64   `json:"ttl"`
}

// Snapshot is the document producers poll from /tracing/config.
type Snapshot struct {
	Mode            string                    `json:"mode"`
	DefaultRate     float64                   `json:"default_rate"`
	WarmRate        float64                   `json:"warm_rate"`
	HotCorrelations map[string]HotCorrelation `json:"hot_correlations"`
	ETag            string                    `json:"etag"`
}

// Snapshot returns the current config document. Only HOT ids are listed.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	hot := make(map[string]HotCorrelation)
	for id, e := range c.entries {
		if e.state != StateHot {
			continue
		}
		hot[id] = HotCorrelation{Rate: 1.0, TTL: remaining(e.expiresAt, now)}
	}
	return Snapshot{
		Mode:            "adaptive",
		DefaultRate:     c.cfg.ColdRate,
		WarmRate:        c.cfg.WarmRate,
		HotCorrelations: hot,
		ETag:            strconv.FormatUint(c.etag, 10),
	}
}

// StatusEntry describes one tracked id.
type StatusEntry struct {
	CorrelationID string  `json:"correlation_id"`
	State         State   `json:"state"`
	RemainingTTL  int64   `json:"remaining_ttl"`
	QueriedAt     float64 `json:"queried_at"`
}

// Status lists every HOT and WARM id, most recently queried first.
func (c *Controller) Status() []StatusEntry {
	c.mu.Lock()
	now := c.now()
	out := make([]StatusEntry, 0, len(c.entries))
	for id, e := range c.entries {
		out = append(out, StatusEntry{
			CorrelationID: id,
			State:         e.state,
			RemainingTTL:  remaining(e.expiresAt, now),
			QueriedAt:     float64(e.queriedAt.UnixNano()) / float64(time.Second),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QueriedAt != out[j].QueriedAt {
			return out[i].QueriedAt > out[j].QueriedAt
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

func remaining(expires, now time.Time) int64 {
	left := int64(expires.Sub(now) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}
