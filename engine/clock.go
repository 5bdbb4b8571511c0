package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Clock provides time operations so timeout behavior can be driven
// deterministically in tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// AutoClock uses real time
type AutoClock struct{}

// NewAutoClock creates a clock backed by real time
func NewAutoClock() *AutoClock {
	return &AutoClock{}
}

func (c *AutoClock) Now() time.Time {
	return time.Now()
}

func (c *AutoClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// ManualClock only moves when Advance is called; timers fire in order as
// time passes their deadline
type ManualClock struct {
	mu     sync.RWMutex
	now    time.Time
	timers timerHeap
}

// NewManualClock creates a clock frozen at start
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{
		now:    start,
		timers: make(timerHeap, 0),
	}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	mt := &manualTimer{
		fireAt: c.now.Add(d),
		ch:     ch,
	}
	heap.Push(&c.timers, mt)
	return ch
}

// Advance moves time forward and fires every timer whose deadline passed
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for len(c.timers) > 0 {
		mt := c.timers[0]
		if mt.fireAt.After(c.now) {
			break
		}
		heap.Pop(&c.timers)
		mt.ch <- c.now
	}
}

// Timers reports how many timers are armed, so tests can advance only
// once a waiter is parked on After.
func (c *ManualClock) Timers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.timers)
}

type manualTimer struct {
	fireAt time.Time
	ch     chan time.Time
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*manualTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return timer
}
