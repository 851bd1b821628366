package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](sub *Subscription[T]) []T {
	var out []T
	for {
		select {
		case v := <-sub.C():
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestNotifyFansOutInOrder(t *testing.T) {
	hub := NewHub[int](10)

	a := hub.Subscribe("X")
	b := hub.Subscribe("X")
	other := hub.Subscribe("Y")

	for i := 1; i <= 3; i++ {
		assert.Equal(t, 2, hub.Notify("X", i))
	}

	assert.Equal(t, []int{1, 2, 3}, drain(a))
	assert.Equal(t, []int{1, 2, 3}, drain(b))
	assert.Empty(t, drain(other))
}

func TestNotifyUnknownKey(t *testing.T) {
	hub := NewHub[string](0)
	assert.Equal(t, 0, hub.Notify("nobody", "v"))
	assert.Equal(t, Stats{}, hub.Stats())
}

func TestSaturatedListenerIsPruned(t *testing.T) {
	hub := NewHub[int](2)

	slow := hub.Subscribe("X")
	fast := hub.Subscribe("X")

	hub.Notify("X", 1)
	hub.Notify("X", 2)
	drain(fast)

	// slow is full: it misses 3 and loses its registration.
	assert.Equal(t, 1, hub.Notify("X", 3))
	assert.Equal(t, Stats{ActiveKeys: 1, TotalListeners: 1}, hub.Stats())

	assert.Equal(t, []int{1, 2}, drain(slow))
	assert.Equal(t, []int{3}, drain(fast))

	hub.Notify("X", 4)
	assert.Empty(t, drain(slow))
	assert.Equal(t, []int{4}, drain(fast))
}

func TestPruningLastListenerDropsBucket(t *testing.T) {
	hub := NewHub[int](1)
	sub := hub.Subscribe("X")

	hub.Notify("X", 1)
	hub.Notify("X", 2)

	assert.Equal(t, Stats{}, hub.Stats())
	assert.Equal(t, []int{1}, drain(sub))

	// Late unsubscribe of a pruned registration is harmless.
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub[int](4)
	a := hub.Subscribe("X")
	b := hub.Subscribe("X")

	hub.Unsubscribe(a)
	assert.Equal(t, Stats{ActiveKeys: 1, TotalListeners: 1}, hub.Stats())

	hub.Notify("X", 7)
	assert.Empty(t, drain(a))
	assert.Equal(t, []int{7}, drain(b))

	hub.Unsubscribe(b)
	hub.Unsubscribe(b)
	assert.Equal(t, Stats{}, hub.Stats())
}

func TestSweepStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	hub := NewHub[int](4, WithClock(clock))
	hub.Subscribe("idle")
	live := hub.Subscribe("live")

	advance(4 * time.Minute)
	hub.Touch("live")
	hub.Touch("missing")

	advance(2 * time.Minute)
	assert.Equal(t, 1, hub.SweepStale(5*time.Minute))
	assert.Equal(t, Stats{ActiveKeys: 1, TotalListeners: 1}, hub.Stats())

	hub.Notify("live", 1)
	assert.Equal(t, []int{1}, drain(live))
}

func TestConcurrentNotifyAndSubscribe(t *testing.T) {
	hub := NewHub[int](1000)
	var wg sync.WaitGroup

	subs := make([]*Subscription[int], 8)
	for i := range subs {
		subs[i] = hub.Subscribe("X")
	}

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				hub.Notify("X", i)
			}
		}()
	}
	wg.Wait()

	for _, sub := range subs {
		require.Len(t, drain(sub), 400)
	}
}
