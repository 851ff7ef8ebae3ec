package tcp

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/internal"
)

// Listener is a passive open on a local address. Each acceptable SYN spawns a new
// [Conn] which proceeds through SYN-RECEIVED on its own. Established connections
// are queued in FIFO order until accepted. The backlog bounds half-open plus
// not yet accepted connections: SYNs exceeding it are dropped so the remote retries.
//
// Locking: a spawned Conn may call into its Listener while holding its own lock,
// so the Listener never locks a Conn while holding its own lock.
type Listener struct {
	mu      sync.Mutex
	engine  *Engine
	local   netip.AddrPort
	backlog int
	// halfOpen stores spawned connections that have not completed the handshake.
	halfOpen []*Conn
	// ready stores established connections awaiting Accept.
	ready  []*Conn
	wake   chan struct{}
	closed bool
	opts   connOptions
	logger
}

// Addr returns the local address the listener is bound to.
func (listener *Listener) Addr() netip.AddrPort { return listener.local }

// Backlog returns the maximum amount of pending connections.
func (listener *Listener) Backlog() int { return listener.backlog }

// SetLogger sets the logger of the listener. Spawned connections keep the engine logger.
func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// SetNoDelay sets the Nagle policy inherited by connections spawned afterwards.
func (listener *Listener) SetNoDelay(noDelay bool) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.opts.noDelay = noDelay
}

// SetKeepalive sets the keepalive policy inherited by connections spawned afterwards.
func (listener *Listener) SetKeepalive(enable bool) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.opts.keepalive = enable
}

// NumberOfReadyToAccept returns the amount of established connections awaiting Accept.
func (listener *Listener) NumberOfReadyToAccept() int {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return len(listener.ready)
}

// NumberOfHalfOpen returns the amount of spawned connections still in the handshake.
func (listener *Listener) NumberOfHalfOpen() int {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return len(listener.halfOpen)
}

// TryAccept dequeues the oldest established connection. It returns
// [ErrWouldBlock] if there is none.
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.tryAccept()
}

func (listener *Listener) tryAccept() (*Conn, error) {
	if listener.closed {
		return nil, errors.Wrap(ErrInvalidState, "accept on closed listener")
	} else if len(listener.ready) == 0 {
		return nil, ErrWouldBlock
	}
	conn := listener.ready[0]
	listener.ready = internal.PopFront(listener.ready)
	listener.debug("listener:accept", internal.SlogAddrPort("remote", conn.h.id.Remote))
	return conn, nil
}

// Accept blocks until an established connection is available, the listener is
// closed or ctx is done.
func (listener *Listener) Accept(ctx context.Context) (*Conn, error) {
	listener.mu.Lock()
	for {
		conn, err := listener.tryAccept()
		if err != ErrWouldBlock {
			listener.mu.Unlock()
			return conn, err
		}
		wake := listener.wake
		listener.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		listener.mu.Lock()
	}
}

// Close stops accepting connections. Connections not yet accepted, including
// half-open ones, are aborted. Accepted connections are unaffected.
func (listener *Listener) Close() error {
	listener.mu.Lock()
	if listener.closed {
		listener.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "listener already closed")
	}
	listener.closed = true
	pending := append(listener.halfOpen, listener.ready...)
	listener.halfOpen = nil
	listener.ready = nil
	close(listener.wake)
	listener.mu.Unlock()

	listener.engine.dir.UnregisterListener(listener.local, listener)
	listener.debug("listener:close", internal.SlogAddrPort("local", listener.local), slog.Int("aborted", len(pending)))
	for _, conn := range pending {
		conn.Abort()
	}
	return nil
}

// deliver processes a segment addressed to the listening port from a remote
// without connection state (RFC 9293 3.10.7.2).
func (listener *Listener) deliver(id ConnID, hdr Header, payload []byte) {
	e := listener.engine
	seg := hdr.Segment
	switch {
	case seg.Flags.HasAny(FlagRST):
		return
	case seg.Flags.HasAny(FlagACK):
		e.replyReset(id, seg)
		return
	case !seg.Flags.HasAny(FlagSYN):
		return
	}

	listener.mu.Lock()
	if listener.closed {
		listener.mu.Unlock()
		e.replyReset(id, seg)
		return
	}
	if len(listener.halfOpen)+len(listener.ready) >= listener.backlog {
		listener.mu.Unlock()
		listener.debug("listener:drop-syn", internal.SlogAddrPort("remote", id.Remote), slog.Int("backlog", listener.backlog))
		return
	}
	opts := listener.opts
	listener.mu.Unlock()

	route, err := e.net.ResolveRoute(id.Remote.Addr())
	if err != nil {
		listener.debug("listener:drop-syn", internal.SlogAddrPort("remote", id.Remote), slog.String("err", err.Error()))
		return
	}
	if !id.Local.Addr().IsUnspecified() {
		route.Local = id.Local.Addr()
	}
	conn := e.newConn(id, route, opts, listener)
	if !e.dir.Register(id, conn) {
		// Lost a race against another SYN of the same connection.
		if existing, ok := e.dir.Lookup(id); ok {
			existing.deliver(hdr, payload)
		}
		return
	}

	listener.mu.Lock()
	if listener.closed || len(listener.halfOpen)+len(listener.ready) >= listener.backlog {
		listener.mu.Unlock()
		e.dir.Unregister(id, conn)
		return
	}
	listener.halfOpen = append(listener.halfOpen, conn)
	listener.mu.Unlock()
	listener.trace("listener:spawn", internal.SlogAddrPort("remote", id.Remote))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	iss := e.iss.ISS(e.clock.Now(), id.Local, id.Remote)
	if err = conn.h.openPassive(iss); err != nil {
		conn.h.terminate(err)
		return
	}
	conn.h.recv(hdr, payload)
}

// onEstablished moves conn from the half-open table to the accept queue.
// Called with the conn lock held.
func (listener *Listener) onEstablished(conn *Conn) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	i := slices.Index(listener.halfOpen, conn)
	if i < 0 || listener.closed {
		return
	}
	listener.halfOpen = slices.Delete(listener.halfOpen, i, i+1)
	listener.ready = append(listener.ready, conn)
	close(listener.wake)
	listener.wake = make(chan struct{})
	listener.engine.emit(Event{Kind: EventAcceptable, Listener: listener, Conn: conn})
}

// onTerminated forgets conn if it was never accepted. Called with the conn lock held.
func (listener *Listener) onTerminated(conn *Conn) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if i := slices.Index(listener.halfOpen, conn); i >= 0 {
		listener.halfOpen = slices.Delete(listener.halfOpen, i, i+1)
	} else if i = slices.Index(listener.ready, conn); i >= 0 {
		listener.ready = slices.Delete(listener.ready, i, i+1)
	}
}
