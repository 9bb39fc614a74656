package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked clock for deterministic tests. Time only moves
// when Advance or Set is called; pending After channels fire as their due
// time is reached.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the manual clock reaches now+d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.Set(target)
}

// Set jumps the clock to the supplied instant, firing timers that became
// due. Moving backwards is not supported and is clamped to the current time.
func (m *Manual) Set(at time.Time) time.Time {
	m.mu.Lock()
	if at.After(m.now) {
		m.now = at.UTC()
	}
	now := m.now
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- now
	}
	m.timers = remaining
	m.mu.Unlock()
	return now
}
