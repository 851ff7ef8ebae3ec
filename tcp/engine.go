package tcp

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/internal"
)

// EngineConfig holds the configuration and collaborators of an [Engine].
// Only Network is required.
type EngineConfig struct {
	Config  Config
	Network Network
	// Directory demultiplexes inbound segments. Defaults to a new [MapDirectory].
	Directory Directory
	// Clock drives timers. Defaults to [SystemClock].
	Clock Clock
	// Memory caps queued octets. Defaults to [NewMemoryLimit] with Config.MemoryLimit.
	Memory MemoryAccountant
	// ISS generates initial sequence numbers. Defaults to a generator keyed from crypto/rand.
	ISS    *ISSGenerator
	Logger *slog.Logger
}

// Engine creates connections and listeners and demultiplexes inbound segments to them.
// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	net     Network
	dir     Directory
	clock   Clock
	mem     MemoryAccountant
	iss     *ISSGenerator
	events  chan Event
	dropped atomic.Uint64

	mu       sync.Mutex
	portSeed uint32
	logger
}

// NewEngine validates cfg and returns a ready to use Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Network == nil {
		return nil, errors.New("tcp: nil Network")
	}
	if cfg.Config == (Config{}) {
		cfg.Config = DefaultConfig()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg.Config,
		net:    cfg.Network,
		dir:    cfg.Directory,
		clock:  cfg.Clock,
		mem:    cfg.Memory,
		iss:    cfg.ISS,
		logger: logger{log: cfg.Logger},
	}
	if e.dir == nil {
		e.dir = NewMapDirectory()
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.mem == nil {
		e.mem = NewMemoryLimit(e.cfg.MemoryLimit)
	}
	if e.iss == nil {
		var err error
		e.iss, err = NewISSGenerator(rand.Reader)
		if err != nil {
			return nil, err
		}
	}
	if e.cfg.EventQueueLen > 0 {
		e.events = make(chan Event, e.cfg.EventQueueLen)
	}
	e.portSeed = uint32(e.iss.ISS(e.clock.Now(), netip.AddrPort{}, netip.AddrPort{})) | 1
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Directory returns the connection table used by the engine.
func (e *Engine) Directory() Directory { return e.dir }

// Events returns the notification channel. Events are dropped, not blocked on,
// when the channel is full. Returns nil if Config.EventQueueLen is zero.
func (e *Engine) Events() <-chan Event { return e.events }

// DroppedEvents returns the amount of events dropped due to a full event channel.
func (e *Engine) DroppedEvents() uint64 { return e.dropped.Load() }

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// newConn allocates a connection bound to id. listener is nil for active opens.
func (e *Engine) newConn(id ConnID, route Route, opts connOptions, listener *Listener) *Conn {
	conn := &Conn{
		engine:   e,
		listener: listener,
		wake:     make(chan struct{}),
	}
	conn.h.reset(handlerConfig{
		id:     id,
		route:  route,
		cfg:    &e.cfg,
		net:    e.net,
		clock:  e.clock,
		mem:    e.mem,
		note:   conn,
		opts:   opts,
		fire:   conn.onTimer,
		logger: e.logger.log,
	})
	return conn
}

func (e *Engine) defaultOpts() connOptions {
	return connOptions{ttl: e.cfg.TTL, tos: e.cfg.TOS}
}

// Connect starts an active open towards remote from an ephemeral local port
// and returns without waiting for the handshake. See [Engine.Dial].
func (e *Engine) Connect(remote netip.AddrPort) (*Conn, error) {
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() {
		return nil, errors.Wrapf(ErrInvalidState, "connect to invalid address %s", remote)
	}
	route, err := e.net.ResolveRoute(remote.Addr())
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionRefused, "resolving route to %s: %v", remote.Addr(), err)
	}
	conn, err := e.bindEphemeral(route, remote)
	if err != nil {
		return nil, err
	}
	e.debug("engine:connect", internal.SlogAddrPort("local", conn.h.id.Local), internal.SlogAddrPort("remote", remote))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	iss := e.iss.ISS(e.clock.Now(), conn.h.id.Local, remote)
	err = conn.h.openActive(iss)
	if err != nil {
		if conn.h.State() != StateClosed {
			conn.h.terminate(err)
		}
		if conn.h.err != nil {
			return nil, conn.h.err
		}
		return nil, err
	}
	return conn, nil
}

// bindEphemeral allocates a local port in the configured ephemeral range and
// registers a new connection to remote on it.
func (e *Engine) bindEphemeral(route Route, remote netip.AddrPort) (*Conn, error) {
	pmin, pmax := uint32(e.cfg.EphemeralPortMin), uint32(e.cfg.EphemeralPortMax)
	span := pmax - pmin + 1
	e.mu.Lock()
	e.portSeed = internal.Prand32(e.portSeed)
	start := e.portSeed
	e.mu.Unlock()
	for i := uint32(0); i < span; i++ {
		port := uint16(pmin + (start+i)%span)
		local := netip.AddrPortFrom(route.Local, port)
		if e.dir.PortInUse(local) {
			continue
		}
		id := ConnID{Local: local, Remote: remote}
		conn := e.newConn(id, route, e.defaultOpts(), nil)
		if e.dir.Register(id, conn) {
			return conn, nil
		}
	}
	return nil, errors.Wrap(ErrWouldBlock, "ephemeral ports exhausted")
}

// Dial is like [Engine.Connect] but blocks until the connection is established,
// fails, or ctx is done, in which case the connection is aborted.
func (e *Engine) Dial(ctx context.Context, remote netip.AddrPort) (*Conn, error) {
	conn, err := e.Connect(remote)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for {
		state := conn.h.State()
		switch {
		case state == StateClosed:
			if conn.h.err != nil {
				return nil, conn.h.err
			}
			return nil, errors.Wrap(ErrConnectionRefused, "closed during handshake")
		case state.IsSynchronized():
			return conn, nil
		}
		err = conn.waitLocked(ctx, time.Time{})
		if err != nil {
			conn.h.abort(errors.Wrap(ErrAborted, err.Error()))
			return nil, err
		}
	}
}

// Listen creates a passive open on local. A zero address listens on all addresses.
// A non-positive backlog selects Config.Backlog.
func (e *Engine) Listen(local netip.AddrPort, backlog int) (*Listener, error) {
	if local.Port() == 0 {
		return nil, errZeroPort
	}
	if backlog <= 0 {
		backlog = e.cfg.Backlog
	}
	l := &Listener{
		engine:  e,
		local:   local,
		backlog: backlog,
		wake:    make(chan struct{}),
		opts:    e.defaultOpts(),
		logger:  e.logger,
	}
	if !e.dir.RegisterListener(local, l) {
		return nil, errors.Wrapf(ErrInvalidState, "address %s in use", local)
	}
	e.debug("engine:listen", internal.SlogAddrPort("local", local), slog.Int("backlog", backlog))
	return l, nil
}

// DeliverSegment hands an inbound TCP segment received from remote to the
// connection or listener it is addressed to. The network must have verified
// the checksum. Segments addressed to nothing are answered with a reset.
// b is not retained after DeliverSegment returns.
func (e *Engine) DeliverSegment(local, remote netip.Addr, b []byte) error {
	hdr, payload, err := DecodeSegment(b)
	if err != nil {
		e.debug("engine:decode", slog.String("err", err.Error()))
		return err
	}
	id := ConnID{
		Local:  netip.AddrPortFrom(local, hdr.DstPort),
		Remote: netip.AddrPortFrom(remote, hdr.SrcPort),
	}
	if conn, ok := e.dir.Lookup(id); ok {
		conn.deliver(hdr, payload)
		return nil
	}
	if l, ok := e.dir.LookupListener(id.Local); ok {
		l.deliver(id, hdr, payload)
		return nil
	}
	e.trace("engine:no-conn", internal.SlogAddrPort("local", id.Local), internal.SlogAddrPort("remote", id.Remote))
	e.replyReset(id, hdr.Segment)
	return nil
}

// replyReset answers seg, which matched no connection, with a reset as per RFC 9293 3.10.7.1.
func (e *Engine) replyReset(id ConnID, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return // Never reset a reset.
	}
	hdr := Header{SrcPort: id.Local.Port(), DstPort: id.Remote.Port()}
	if seg.Flags.HasAny(FlagACK) {
		hdr.Segment = Segment{SEQ: seg.ACK, Flags: FlagRST}
	} else {
		hdr.Segment = Segment{ACK: Add(seg.SEQ, seg.LEN()), Flags: rstack}
	}
	var buf [sizeHeaderTCP]byte
	n, err := EncodeSegment(buf[:], hdr, nil)
	if err != nil {
		return
	}
	err = e.net.SendSegment(id.Local.Addr(), id.Remote.Addr(), buf[:n], e.cfg.TTL, e.cfg.TOS)
	if err != nil {
		e.debug("engine:rst-send", internal.SlogAddrPort("remote", id.Remote), slog.String("err", err.Error()))
	}
}
