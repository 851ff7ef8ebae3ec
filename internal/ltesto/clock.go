// Package ltesto provides deterministic collaborators for testing the TCP engine:
// a manually advanced clock and a network that captures outgoing segments.
package ltesto

import (
	"slices"
	"sync"
	"time"

	"github.com/soypat/tcpengine/tcp"
)

// Clock is a manually advanced [tcp.Clock]. Timer callbacks run synchronously
// within [Clock.Advance] in deadline order, so Advance must not be called
// while holding a lock a callback may take.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*timer
}

var _ tcp.Clock = (*Clock)(nil)

type timer struct {
	c    *Clock
	when time.Time
	seq  uint64 // Orders timers with equal deadline by creation.
	f    func()
	done bool
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) tcp.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, when: c.now.Add(max(d, 0)), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.c.remove(t)
	return true
}

func (c *Clock) remove(t *timer) {
	if i := slices.Index(c.timers, t); i >= 0 {
		c.timers = slices.Delete(c.timers, i, i+1)
	}
}

// next returns the earliest timer due at or before end. Must hold c.mu.
func (c *Clock) next(end time.Time) *timer {
	var first *timer
	for _, t := range c.timers {
		if t.when.After(end) {
			continue
		}
		if first == nil || t.when.Before(first.when) || (t.when.Equal(first.when) && t.seq < first.seq) {
			first = t
		}
	}
	return first
}

// Advance moves the clock forward by d firing every timer that becomes due,
// including timers armed by callbacks during the advance. Returns the number of
// callbacks run.
func (c *Clock) Advance(d time.Duration) (fired int) {
	c.mu.Lock()
	end := c.now.Add(d)
	for {
		t := c.next(end)
		if t == nil {
			break
		}
		if t.when.After(c.now) {
			c.now = t.when
		}
		t.done = true
		c.remove(t)
		c.mu.Unlock()
		t.f()
		fired++
		c.mu.Lock()
	}
	c.now = end
	c.mu.Unlock()
	return fired
}

// AdvanceToNext moves the clock to the earliest pending deadline and fires
// the timers due then. Returns false if no timer is pending.
func (c *Clock) AdvanceToNext() bool {
	when, ok := c.NextDeadline()
	if !ok {
		return false
	}
	c.Advance(max(when.Sub(c.Now()), 0))
	return true
}

// NextDeadline returns the earliest pending timer deadline.
func (c *Clock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next(time.Unix(1<<62, 0))
	if t == nil {
		return time.Time{}, false
	}
	return t.when, true
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
