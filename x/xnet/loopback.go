// Package xnet provides an in-memory IP network connecting several TCP engines
// in the same process.
package xnet

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/internal"
	"github.com/soypat/tcpengine/tcp"
)

// LoopbackConfig configures a [Loopback] network.
type LoopbackConfig struct {
	// MTU reported by route lookups. Defaults to 1500.
	MTU int
	// LossRate is the probability in [0, 1) of silently dropping a packet.
	LossRate float64
	// Seed seeds the loss generator.
	Seed int64
	// Drop, if set, is consulted for every packet and drops it when returning true.
	// It is called with the loopback lock held.
	Drop func(src, dst netip.Addr, segment []byte) bool
	// Logger receives packet dumps at trace level.
	Logger *slog.Logger
}

// Loopback is an in-memory network. Each attached [Host] sends segments into
// a shared queue after computing their checksum. The queue is delivered to the
// destination engine by [Loopback.Run] or [Loopback.Flush], never from within
// SendSegment. Segments failing checksum validation are dropped on delivery.
type Loopback struct {
	mu       sync.Mutex
	hosts    map[netip.Addr]*Host
	queue    []packet
	mtu      int
	lossRate float64
	rng      *rand.Rand
	drop     func(src, dst netip.Addr, segment []byte) bool
	stats    LoopbackStats
	log      *slog.Logger
}

// LoopbackStats counts packets handled by a [Loopback].
type LoopbackStats struct {
	Sent      uint64
	Dropped   uint64
	Delivered uint64
	// Unroutable counts packets whose destination host has no engine attached.
	Unroutable  uint64
	BadChecksum uint64
}

type packet struct {
	src, dst netip.Addr
	data     []byte
}

// NewLoopback returns a Loopback network with no hosts.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	return &Loopback{
		hosts:    make(map[netip.Addr]*Host),
		mtu:      cfg.MTU,
		lossRate: cfg.LossRate,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		drop:     cfg.Drop,
		log:      cfg.Logger,
	}
}

// Host returns the network view of addr, creating it if needed.
func (lo *Loopback) Host(addr netip.Addr) *Host {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	h, ok := lo.hosts[addr]
	if !ok {
		h = &Host{lo: lo, addr: addr}
		lo.hosts[addr] = h
	}
	return h
}

// SetLossRate changes the packet loss probability.
func (lo *Loopback) SetLossRate(rate float64) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.lossRate = rate
}

// Stats returns a snapshot of the packet counters.
func (lo *Loopback) Stats() LoopbackStats {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return lo.stats
}

// Queued returns the number of packets awaiting delivery.
func (lo *Loopback) Queued() int {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return len(lo.queue)
}

func (lo *Loopback) send(src, dst netip.Addr, segment []byte) error {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	if _, ok := lo.hosts[dst]; !ok {
		return errors.Wrapf(tcp.ErrUnreachable, "xnet: no host %s", dst)
	}
	lo.stats.Sent++
	if (lo.drop != nil && lo.drop(src, dst, segment)) || (lo.lossRate > 0 && lo.rng.Float64() < lo.lossRate) {
		lo.stats.Dropped++
		lo.dump("xnet:drop", src, dst, segment)
		return nil
	}
	data := append([]byte(nil), segment...)
	if len(data) < offsetChecksum+2 {
		return errors.New("xnet: segment too short")
	}
	setChecksum(src, dst, data)
	lo.queue = append(lo.queue, packet{src: src, dst: dst, data: data})
	return nil
}

// pop removes the oldest queued packet and returns the engine it is addressed to.
func (lo *Loopback) pop() (packet, *tcp.Engine, bool) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	if len(lo.queue) == 0 {
		return packet{}, nil, false
	}
	p := lo.queue[0]
	lo.queue = internal.PopFront(lo.queue)
	var engine *tcp.Engine
	if h := lo.hosts[p.dst]; h != nil {
		engine = h.engine
	}
	switch {
	case !validChecksum(p.src, p.dst, p.data):
		lo.stats.BadChecksum++
		engine = nil
	case engine == nil:
		lo.stats.Unroutable++
	default:
		lo.stats.Delivered++
	}
	lo.dump("xnet:deliver", p.src, p.dst, p.data)
	return p, engine, true
}

// Flush delivers queued packets, including those sent in response, until the
// queue is empty or limit packets were processed. Returns the number of packets processed.
func (lo *Loopback) Flush(limit int) (n int) {
	for ; n < limit; n++ {
		p, engine, ok := lo.pop()
		if !ok {
			break
		}
		if engine != nil {
			engine.DeliverSegment(p.dst, p.src, p.data)
		}
	}
	return n
}

// Run delivers packets until ctx is done, polling the queue with exponential backoff when idle.
func (lo *Loopback) Run(ctx context.Context) error {
	backoff := internal.NewBackoff(internal.BackoffNetworkPump)
	for ctx.Err() == nil {
		if lo.Flush(64) == 0 {
			backoff.Miss(ctx)
		} else {
			backoff.Hit()
		}
	}
	return ctx.Err()
}

// dump logs a one line summary of segment decoded with gopacket. Must hold lo.mu.
func (lo *Loopback) dump(msg string, src, dst netip.Addr, segment []byte) {
	if !internal.LogEnabled(lo.log, internal.LevelTrace) {
		return
	}
	pkt := gopacket.NewPacket(segment, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	summary := "undecodable"
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		summary = gopacket.LayerString(l)
	}
	internal.LogAttrs(lo.log, internal.LevelTrace, msg,
		slog.String("src", src.String()),
		slog.String("dst", dst.String()),
		slog.String("tcp", summary),
	)
}

// Host is the network endpoint of one address on a [Loopback]. It implements [tcp.Network].
type Host struct {
	lo     *Loopback
	addr   netip.Addr
	engine *tcp.Engine
}

var _ tcp.Network = (*Host)(nil)

// Addr returns the host address.
func (h *Host) Addr() netip.Addr { return h.addr }

// Attach sets the engine receiving segments addressed to the host.
func (h *Host) Attach(engine *tcp.Engine) {
	h.lo.mu.Lock()
	defer h.lo.mu.Unlock()
	h.engine = engine
}

// SendSegment implements [tcp.Network]. Segments are queued for later delivery.
func (h *Host) SendSegment(local, remote netip.Addr, segment []byte, ttl, tos uint8) error {
	if ttl == 0 {
		return errors.New("xnet: zero TTL")
	}
	return h.lo.send(local, remote, segment)
}

// ResolveRoute implements [tcp.Network]. Every host on the loopback is on-link.
func (h *Host) ResolveRoute(remote netip.Addr) (tcp.Route, error) {
	h.lo.mu.Lock()
	defer h.lo.mu.Unlock()
	if _, ok := h.lo.hosts[remote]; !ok {
		return tcp.Route{}, errors.Wrapf(tcp.ErrUnreachable, "xnet: no host %s", remote)
	}
	return tcp.Route{Local: h.addr, NextHop: remote, MTU: h.lo.mtu}, nil
}
