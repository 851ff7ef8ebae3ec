package tcp

import (
	"context"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errDeadlineExceeded = os.ErrDeadlineExceeded

// ShutHow selects the direction closed by [Conn.Shutdown].
type ShutHow uint8

const (
	ShutRead ShutHow = 1 << iota
	ShutWrite
	ShutBoth = ShutRead | ShutWrite
)

// Conn is the user facing handle of a TCP connection. It serializes user calls,
// inbound segments and timer expiries over the connection's [Handler] and
// provides blocking and non-blocking Read and Write methods.
type Conn struct {
	mu       sync.Mutex
	h        Handler
	engine   *Engine
	listener *Listener
	// wake is closed and replaced whenever a blocked caller might make progress.
	wake  chan struct{}
	rdead time.Time
	wdead time.Time
	// gone is set once the connection terminated and was removed from the directory.
	gone bool
}

// ID returns the local and remote endpoints of the connection.
func (conn *Conn) ID() ConnID { return conn.h.id }

// LocalAddr returns the local address and port.
func (conn *Conn) LocalAddr() netip.AddrPort { return conn.h.id.Local }

// RemoteAddr returns the remote address and port.
func (conn *Conn) RemoteAddr() netip.AddrPort { return conn.h.id.Remote }

// State returns the connection state.
func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.State()
}

// Stats returns a snapshot of the connection counters.
func (conn *Conn) Stats() Stats {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.snapshot()
}

// Err returns the error that terminated the connection, if any.
func (conn *Conn) Err() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.err
}

// ErrKind returns the kind of the error that terminated the connection. [KindNone] if none.
func (conn *Conn) ErrKind() ErrorKind { return KindOf(conn.Err()) }

// Urgent returns the urgent data state and the amount of octets to be read
// before the end of urgent data is reached.
func (conn *Conn) Urgent() (UrgentState, int) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	up := conn.h.scb.urgent
	if up.state == UrgentNone {
		return UrgentNone, 0
	}
	return up.state, int(Sizeof(conn.h.readSeq, up.ptr))
}

// BufferedInput returns the amount of octets ready to be read.
func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.rxbuf.Length() + conn.h.rxq.readyLen
}

// BufferedUnsent returns the amount of written octets not yet sent.
func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.txq.Buffered()
}

// AvailableOutput returns the amount of octets that can be written without blocking.
func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.txq.Free()
}

// PollReadable reports whether a Read would return without blocking.
func (conn *Conn) PollReadable() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	h := &conn.h
	return h.rxbuf.Length() > 0 || h.rxq.readyLen > 0 || h.gotFIN || h.readShut ||
		h.err != nil || h.State() == StateClosed
}

// PollWritable reports whether a Write would return without blocking.
func (conn *Conn) PollWritable() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	h := &conn.h
	state := h.State()
	if h.err != nil || h.writeShut || (state != StateSynSent && state != StateSynRcvd && !state.canSendData()) {
		return true // Write fails immediately.
	}
	return h.txq.Free() > 0
}

// Write writes b to the send queue, blocking until all of b was queued, the
// write deadline passes or the connection fails.
func (conn *Conn) Write(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	n := 0
	for len(b) > 0 {
		ngot, err := conn.h.write(b)
		n += ngot
		b = b[ngot:]
		if err == nil {
			continue
		} else if err != ErrWouldBlock {
			return n, err
		}
		if err = conn.waitLocked(context.Background(), conn.wdead); err != nil {
			return n, err
		}
	}
	return n, nil
}

// TryWrite queues as much of b as fits without blocking. It returns [ErrWouldBlock]
// if no octet could be queued.
func (conn *Conn) TryWrite(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.write(b)
}

// Read reads received data into b. If no data is available, Read blocks until
// data arrives, the read deadline passes or the connection closes.
// Returns io.EOF when the remote closed the connection and all data was read.
func (conn *Conn) Read(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for {
		n, err := conn.h.read(b)
		if err != ErrWouldBlock {
			return n, err
		}
		if err = conn.waitLocked(context.Background(), conn.rdead); err != nil {
			return 0, err
		}
	}
}

// TryRead reads available data into b without blocking. It returns [ErrWouldBlock]
// if no data is available.
func (conn *Conn) TryRead(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.read(b)
}

// Shutdown closes one or both directions of the connection. Shutting down
// writing sends a FIN once all written data was sent.
func (conn *Conn) Shutdown(how ShutHow) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	var err error
	if how&ShutRead != 0 {
		conn.h.shutdownRead()
	}
	if how&ShutWrite != 0 {
		err = conn.h.shutdownWrite()
	}
	conn.broadcast()
	return err
}

// Close closes the connection gracefully: queued data is sent followed by a FIN.
// Close does not wait for the closing handshake.
func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.close()
	conn.broadcast()
	return err
}

// Abort forcibly closes the connection, sending a RST to the remote if it holds
// connection state. Pending and future calls return [ErrAborted].
func (conn *Conn) Abort() {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.h.State() == StateClosed {
		return
	}
	conn.h.abort(errors.Wrap(ErrAborted, "local abort"))
}

// SetNoDelay disables Nagle's algorithm when noDelay is true.
func (conn *Conn) SetNoDelay(noDelay bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.opts.noDelay = noDelay
	if conn.h.State() != StateClosed {
		conn.h.output(conn.h.clock.Now())
	}
}

// SetKeepalive enables or disables keepalive probing of idle connections.
func (conn *Conn) SetKeepalive(enable bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	h := &conn.h
	h.opts.keepalive = enable
	if !enable && h.keepaliveIdle {
		h.timers.disarm(timerRetransmit)
		h.keepaliveIdle = false
	}
	if h.State() != StateClosed {
		h.output(h.clock.Now())
	}
}

// SetUserTimeout sets the longest time data may remain unacknowledged before the
// connection is aborted with [ErrConnectionTimedOut]. Zero disables the timeout.
func (conn *Conn) SetUserTimeout(d time.Duration) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.opts.userTimeout = max(d, 0)
}

// SetDeadline sets the read and write deadlines associated
// with the connection. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline. Implements [net.Conn].
func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.rdead = t
	conn.wdead = t
	conn.broadcast()
	return nil
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call. A zero value for t means Read will not time out.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.rdead = t
	conn.broadcast()
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// Even if write times out, it may return n > 0, indicating that
// some of the data was successfully written.
// A zero value for t means Write will not time out.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.wdead = t
	conn.broadcast()
	return nil
}

// waitLocked releases the lock until the connection changes state, ctx is done or deadline passes.
// Must be called with conn.mu held, returns with it held.
func (conn *Conn) waitLocked(ctx context.Context, deadline time.Time) error {
	clock := conn.h.clock
	var expired chan struct{}
	var t Timer
	if !deadline.IsZero() {
		d := deadline.Sub(clock.Now())
		if d <= 0 {
			return errDeadlineExceeded
		}
		expired = make(chan struct{})
		t = clock.AfterFunc(d, func() { close(expired) })
	}
	wake := conn.wake
	conn.mu.Unlock()
	select {
	case <-wake:
	case <-expired:
	case <-ctx.Done():
	}
	if t != nil {
		t.Stop()
	}
	conn.mu.Lock()
	return ctx.Err()
}

// broadcast wakes every goroutine blocked in waitLocked. Must hold conn.mu.
func (conn *Conn) broadcast() {
	close(conn.wake)
	conn.wake = make(chan struct{})
}

// deliver processes an inbound segment.
func (conn *Conn) deliver(hdr Header, payload []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.recv(hdr, payload)
}

// onTimer is the callback of every connection timer.
func (conn *Conn) onTimer(p timerPurpose, gen uint64) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.h.timers.valid(p, gen) || conn.h.State() == StateClosed {
		return
	}
	conn.h.onTimer(p)
}

// Handler notifications.

func (conn *Conn) established() {
	conn.broadcast()
	if conn.listener != nil {
		conn.listener.onEstablished(conn)
	}
	conn.engine.emit(Event{Kind: EventEstablished, Conn: conn})
}

func (conn *Conn) readable() {
	conn.broadcast()
	conn.engine.emit(Event{Kind: EventReadable, Conn: conn})
}

func (conn *Conn) writable() {
	conn.broadcast()
	conn.engine.emit(Event{Kind: EventWritable, Conn: conn})
}

func (conn *Conn) readClosed() {
	conn.broadcast()
	conn.engine.emit(Event{Kind: EventReadClosed, Conn: conn})
}

func (conn *Conn) terminated(err error) {
	conn.broadcast()
	if conn.gone {
		return
	}
	conn.gone = true
	conn.engine.dir.Unregister(conn.h.id, conn)
	if conn.listener != nil {
		conn.listener.onTerminated(conn)
	}
	conn.engine.emit(Event{Kind: EventClosed, Conn: conn, Err: err})
}
