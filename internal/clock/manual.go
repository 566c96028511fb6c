package clock

import (
	"sync"
	"time"
)

// Manual is a hand-advanced Clock for deterministic tests. Timers fire only
// when Advance moves the clock past their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, &manualWaiter{deadline: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires every due waiter.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	pending := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- now
	}
	m.waiters = pending
	m.mu.Unlock()
	return now
}

// Waiters returns the number of armed timers, for test assertions.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
