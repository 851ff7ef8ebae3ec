package tcp

import (
	"strconv"
	"time"
)

// Clock is the time source and timer executor used by the engine.
// Tests inject a manually advanced clock.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d elapses.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending call scheduled by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing. Returns false if already fired or stopped.
	Stop() bool
}

// SystemClock is a [Clock] backed by the time package.
type SystemClock struct{}

var _ Clock = SystemClock{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type timerPurpose uint8

const (
	// timerRetransmit is the single retransmission timer. Also drives keepalive when idle.
	timerRetransmit timerPurpose = iota
	timerProbe
	timerDelayedAck
	timerClose
	timerCoalesce
	numTimers
)

func (p timerPurpose) String() string {
	switch p {
	case timerRetransmit:
		return "retransmit"
	case timerProbe:
		return "probe"
	case timerDelayedAck:
		return "delayed-ack"
	case timerClose:
		return "close"
	case timerCoalesce:
		return "coalesce"
	}
	return "timer(" + strconv.Itoa(int(p)) + ")"
}

// timerSet holds one deadline per timer purpose. Arming a purpose
// disarms its previous timer. Every arm bumps the purpose generation so a
// callback already running for a stale timer can be recognized and ignored.
type timerSet struct {
	clock    Clock
	fire     func(p timerPurpose, gen uint64)
	timers   [numTimers]Timer
	gens     [numTimers]uint64
	deadline [numTimers]time.Time
}

func (ts *timerSet) reset(clock Clock, fire func(timerPurpose, uint64)) {
	ts.stopAll()
	ts.clock = clock
	ts.fire = fire
}

func (ts *timerSet) arm(p timerPurpose, d time.Duration) {
	ts.disarm(p)
	gen := ts.gens[p]
	fire := ts.fire
	ts.deadline[p] = ts.clock.Now().Add(d)
	ts.timers[p] = ts.clock.AfterFunc(d, func() { fire(p, gen) })
}

func (ts *timerSet) disarm(p timerPurpose) {
	if ts.timers[p] != nil {
		ts.timers[p].Stop()
		ts.timers[p] = nil
	}
	ts.gens[p]++
	ts.deadline[p] = time.Time{}
}

func (ts *timerSet) armed(p timerPurpose) bool { return ts.timers[p] != nil }

// valid reports whether a callback for purpose p with generation gen corresponds
// to the armed timer. A valid callback clears the timer.
func (ts *timerSet) valid(p timerPurpose, gen uint64) bool {
	if ts.timers[p] == nil || ts.gens[p] != gen {
		return false
	}
	ts.timers[p] = nil
	ts.deadline[p] = time.Time{}
	return true
}

func (ts *timerSet) stopAll() {
	for p := timerPurpose(0); p < numTimers; p++ {
		ts.disarm(p)
	}
}
