package internal

import (
	"context"
	"time"
)

type BackoffFlags uint8

const (
	BackoffHasPriority BackoffFlags = 1 << iota
	// BackoffNetworkPump caps the wait of a loop delivering queued packets.
	BackoffNetworkPump
)

const backoffMinWait = time.Microsecond

func backoffMaxWait(priority BackoffFlags) time.Duration {
	if priority&BackoffNetworkPump != 0 {
		return 5 * time.Millisecond
	}
	return time.Second >> (priority & BackoffHasPriority)
}

func NewBackoff(priority BackoffFlags) Backoff {
	return Backoff{wait: backoffMinWait, maxWait: backoffMaxWait(priority)}
}

// Backoff is an exponential idle wait for polling loops. Create with [NewBackoff].
type Backoff struct {
	wait    time.Duration
	maxWait time.Duration
}

// Hit resets the wait to its minimum after the loop found work.
func (eb *Backoff) Hit() {
	eb.wait = backoffMinWait
}

// Miss sleeps for the current wait, or until ctx is done, and doubles the wait.
func (eb *Backoff) Miss(ctx context.Context) {
	if eb.maxWait == 0 {
		panic("backoff not initialized")
	}
	t := time.NewTimer(eb.wait)
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.C:
	}
	eb.wait = min(2*eb.wait, eb.maxWait)
}
