package stats

import (
	"sort"
	"time"
)

// Window is a sorted sequence of event times. It is not safe for concurrent
// use; Tracker guards its windows with its own mutex.
type Window struct {
	times []time.Time
}

// Add records an event. Out-of-order times are inserted in place.
func (w *Window) Add(t time.Time) {
	n := len(w.times)
	if n == 0 || !t.Before(w.times[n-1]) {
		w.times = append(w.times, t)
		return
	}
	i := sort.Search(n, func(i int) bool { return w.times[i].After(t) })
	w.times = append(w.times, time.Time{})
	copy(w.times[i+1:], w.times[i:])
	w.times[i] = t
}

// Count returns how many events are newer than now-span.
func (w *Window) Count(now time.Time, span time.Duration) int {
	return len(w.times) - w.firstAfter(now.Add(-span))
}

// Trim drops events at or before now-horizon and returns how many it dropped.
func (w *Window) Trim(now time.Time, horizon time.Duration) int {
	i := w.firstAfter(now.Add(-horizon))
	if i == 0 {
		return 0
	}
	w.times = append(w.times[:0], w.times[i:]...)
	return i
}

// Len returns the number of retained events.
func (w *Window) Len() int { return len(w.times) }

func (w *Window) firstAfter(cutoff time.Time) int {
	return sort.Search(len(w.times), func(i int) bool { return w.times[i].After(cutoff) })
}
