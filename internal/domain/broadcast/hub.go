package broadcast

import (
	"sync"
	"time"
)

// DefaultQueueSize is the per-listener buffer when none is configured.
const DefaultQueueSize = 100

// Subscription is one listener's registration. The caller owns it and reads
// from C until it unsubscribes; the hub never closes the channel.
type Subscription[T any] struct {
	key string
	ch  chan T
}

// C returns the delivery channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Key returns the bucket the subscription is registered under.
func (s *Subscription[T]) Key() string { return s.key }

// Stats describes the registration map.
type Stats struct {
	ActiveKeys     int `json:"active_correlations"`
	TotalListeners int `json:"total_queues"`
}

// Option customizes a Hub.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the wall clock used for activity stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Hub fans values out to listeners grouped by key. Delivery is non-blocking
// and at-most-once; a saturated listener is dropped from the bucket.
type Hub[T any] struct {
	mu        sync.Mutex
	buckets   map[string][]*Subscription[T]
	activity  map[string]time.Time
	queueSize int
	now       func() time.Time
}

// NewHub creates an empty hub. queueSize <= 0 selects DefaultQueueSize.
func NewHub[T any](queueSize int, opts ...Option) *Hub[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub[T]{
		buckets:   make(map[string][]*Subscription[T]),
		activity:  make(map[string]time.Time),
		queueSize: queueSize,
		now:       o.now,
	}
}

// Subscribe registers a new listener under key and refreshes its activity stamp.
func (h *Hub[T]) Subscribe(key string) *Subscription[T] {
	sub := &Subscription[T]{key: key, ch: make(chan T, h.queueSize)}

	h.mu.Lock()
	h.buckets[key] = append(h.buckets[key], sub)
	h.activity[key] = h.now()
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a registration. Safe to call more than once and after
// the hub already pruned it.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.buckets[sub.key]
	if !ok {
		return
	}
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	h.setBucketLocked(sub.key, subs)
}

// Notify offers v to every listener under key and returns how many accepted it.
func (h *Hub[T]) Notify(key string, v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.buckets[key]
	if !ok {
		return 0
	}

	var (
		delivered int
		dead      []*Subscription[T]
	)
	for _, sub := range subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			dead = append(dead, sub)
		}
	}
	if len(dead) == 0 {
		return delivered
	}

	live := subs[:0]
	for _, sub := range subs {
		if !contains(dead, sub) {
			live = append(live, sub)
		}
	}
	h.setBucketLocked(key, live)
	return delivered
}

// Touch refreshes the activity stamp of an existing bucket.
func (h *Hub[T]) Touch(key string) {
	h.mu.Lock()
	if _, ok := h.buckets[key]; ok {
		h.activity[key] = h.now()
	}
	h.mu.Unlock()
}

// SweepStale drops whole buckets whose activity stamp is older than maxIdle
// and returns the number of buckets removed.
func (h *Hub[T]) SweepStale(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-maxIdle)
	removed := 0
	for key, stamp := range h.activity {
		if stamp.Before(cutoff) {
			delete(h.buckets, key)
			delete(h.activity, key)
			removed++
		}
	}
	return removed
}

// Stats returns the number of active buckets and registered listeners.
func (h *Hub[T]) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Stats{ActiveKeys: len(h.buckets)}
	for _, subs := range h.buckets {
		st.TotalListeners += len(subs)
	}
	return st
}

func (h *Hub[T]) setBucketLocked(key string, subs []*Subscription[T]) {
	if len(subs) == 0 {
		delete(h.buckets, key)
		delete(h.activity, key)
		return
	}
	h.buckets[key] = subs
}

func contains[T any](subs []*Subscription[T], target *Subscription[T]) bool {
	for _, s := range subs {
		if s == target {
			return true
		}
	}
	return false
}
