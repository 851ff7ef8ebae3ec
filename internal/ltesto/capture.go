package ltesto

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/tcp"
)

// Captured is a segment sent through a [Capture] network.
type Captured struct {
	Local, Remote netip.Addr
	TTL, TOS      uint8
	tcp.Header
	Payload []byte
}

// Capture is a [tcp.Network] that records every outgoing segment instead of
// transmitting it. Tests inspect the captured segments and answer them by
// calling [tcp.Engine.DeliverSegment].
type Capture struct {
	mu          sync.Mutex
	route       tcp.Route
	unreachable bool
	sent        []Captured
	resolves    int
}

var _ tcp.Network = (*Capture)(nil)

// NewCapture returns a network routing every destination on-link from local with the given MTU.
func NewCapture(local netip.Addr, mtu int) *Capture {
	return &Capture{route: tcp.Route{Local: local, MTU: mtu}}
}

// SetUnreachable makes SendSegment and ResolveRoute fail with [tcp.ErrUnreachable].
func (c *Capture) SetUnreachable(unreachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreachable = unreachable
}

func (c *Capture) SendSegment(local, remote netip.Addr, segment []byte, ttl, tos uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unreachable {
		return errors.Wrapf(tcp.ErrUnreachable, "ltesto: no route to %s", remote)
	}
	raw := append([]byte(nil), segment...)
	hdr, payload, err := tcp.DecodeSegment(raw)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, Captured{Local: local, Remote: remote, TTL: ttl, TOS: tos, Header: hdr, Payload: payload})
	return nil
}

func (c *Capture) ResolveRoute(remote netip.Addr) (tcp.Route, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolves++
	if c.unreachable {
		return tcp.Route{}, errors.Wrapf(tcp.ErrUnreachable, "ltesto: no route to %s", remote)
	}
	route := c.route
	route.NextHop = remote
	return route, nil
}

// Drain returns the captured segments in send order and forgets them.
func (c *Capture) Drain() []Captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := c.sent
	c.sent = nil
	return sent
}

// Len returns the number of captured segments not yet drained.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Resolves returns the number of ResolveRoute calls.
func (c *Capture) Resolves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolves
}
