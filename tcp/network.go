package tcp

import (
	"net/netip"
	"sync"
)

// Network is the IP layer collaborator. It frames TCP segments into IP
// packets, computes checksums and routes them.
//
// SendSegment is called with the connection lock held, so implementations
// must not call back into the [Engine] synchronously. Segments destined to
// a local engine should be queued and delivered from another goroutine.
type Network interface {
	// SendSegment transmits an encoded TCP segment. It returns an error wrapping
	// [ErrUnreachable] when there is no route to remote. segment is only valid
	// for the duration of the call.
	SendSegment(local, remote netip.Addr, segment []byte, ttl, tos uint8) error
	// ResolveRoute returns the route used to reach remote. Calling ResolveRoute
	// again re-validates the route and next hop neighbor entry.
	ResolveRoute(remote netip.Addr) (Route, error)
}

// Route is the result of a route lookup.
type Route struct {
	// Local is the source address used to reach the destination.
	Local netip.Addr
	// NextHop is the gateway or the destination itself if on-link.
	NextHop netip.Addr
	// MTU is the link MTU towards the destination. Zero means unknown.
	MTU int
}

// mssForMTU returns the maximum segment size that fits in mtu for the address family of addr.
func mssForMTU(mtu int, addr netip.Addr) int {
	const ipv4Header, ipv6Header = 20, 40
	if mtu <= 0 {
		return 0
	}
	if addr.Is4() || addr.Is4In6() {
		return mtu - ipv4Header - sizeHeaderTCP
	}
	return mtu - ipv6Header - sizeHeaderTCP
}

// ConnID identifies a connection by its local and remote endpoints.
// A listener's ConnID has an invalid Remote.
type ConnID struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (id ConnID) String() string {
	return id.Local.String() + "->" + id.Remote.String()
}

// Directory is the connection table used to demultiplex inbound segments.
// It is owned by the surrounding service so that several engines, or other
// protocols, may share it. Implementations must be safe for concurrent use.
type Directory interface {
	// Lookup returns the connection identified by id.
	Lookup(id ConnID) (*Conn, bool)
	// LookupListener returns the listener bound to local. Implementations should
	// fall back to a listener bound to the unspecified address on the same port.
	LookupListener(local netip.AddrPort) (*Listener, bool)
	// Register adds a connection. Returns false if id is already in use.
	Register(id ConnID, conn *Conn) bool
	// RegisterListener adds a listener. Returns false if local is already in use.
	RegisterListener(local netip.AddrPort, l *Listener) bool
	// Unregister removes the connection if still registered as conn.
	Unregister(id ConnID, conn *Conn)
	// UnregisterListener removes the listener if still registered as l.
	UnregisterListener(local netip.AddrPort, l *Listener)
	// PortInUse reports whether any connection or listener uses the local address and port.
	PortInUse(local netip.AddrPort) bool
}

// NewMapDirectory returns a map backed [Directory].
func NewMapDirectory() *MapDirectory {
	return &MapDirectory{
		conns:     make(map[ConnID]*Conn),
		listeners: make(map[netip.AddrPort]*Listener),
		ports:     make(map[uint16]int),
	}
}

// MapDirectory is a [Directory] implemented with maps guarded by a mutex.
type MapDirectory struct {
	mu        sync.RWMutex
	conns     map[ConnID]*Conn
	listeners map[netip.AddrPort]*Listener
	ports     map[uint16]int
}

var _ Directory = (*MapDirectory)(nil)

func (d *MapDirectory) Lookup(id ConnID) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[id]
	return c, ok
}

func (d *MapDirectory) LookupListener(local netip.AddrPort) (*Listener, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.listeners[local]
	if !ok {
		unspec := netip.IPv6Unspecified()
		if local.Addr().Is4() {
			unspec = netip.IPv4Unspecified()
		}
		l, ok = d.listeners[netip.AddrPortFrom(unspec, local.Port())]
	}
	return l, ok
}

func (d *MapDirectory) Register(id ConnID, conn *Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.conns[id]; exists {
		return false
	}
	d.conns[id] = conn
	d.ports[id.Local.Port()]++
	return true
}

func (d *MapDirectory) RegisterListener(local netip.AddrPort, l *Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.listeners[local]; exists {
		return false
	}
	d.listeners[local] = l
	d.ports[local.Port()]++
	return true
}

func (d *MapDirectory) Unregister(id ConnID, conn *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[id]; ok && c == conn {
		delete(d.conns, id)
		d.decPort(id.Local.Port())
	}
}

func (d *MapDirectory) UnregisterListener(local netip.AddrPort, l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.listeners[local]; ok && cur == l {
		delete(d.listeners, local)
		d.decPort(local.Port())
	}
}

func (d *MapDirectory) decPort(port uint16) {
	if d.ports[port] <= 1 {
		delete(d.ports, port)
	} else {
		d.ports[port]--
	}
}

func (d *MapDirectory) PortInUse(local netip.AddrPort) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ports[local.Port()] > 0
}

// Len returns the number of registered connections and listeners.
func (d *MapDirectory) Len() (conns, listeners int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns), len(d.listeners)
}

// MemoryAccountant enforces a memory cap shared by all connections of an engine
// and possibly other protocols. The engine reserves memory before growing a queue
// and releases it after discarding or delivering queued octets.
type MemoryAccountant interface {
	// Reserve returns false if n bytes would exceed the cap.
	Reserve(n int) bool
	Release(n int)
}

// NewMemoryLimit returns a [MemoryAccountant] capped at limit bytes. A non-positive limit means no cap.
func NewMemoryLimit(limit int) *MemoryLimit {
	return &MemoryLimit{limit: limit}
}

// MemoryLimit is a mutex guarded byte counter implementing [MemoryAccountant].
type MemoryLimit struct {
	mu    sync.Mutex
	limit int
	used  int
}

var _ MemoryAccountant = (*MemoryLimit)(nil)

func (m *MemoryLimit) Reserve(n int) bool {
	if n <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.used+n > m.limit {
		return false
	}
	m.used += n
	return true
}

func (m *MemoryLimit) Release(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.used = max(0, m.used-n)
	m.mu.Unlock()
}

// Used returns the amount of bytes reserved.
func (m *MemoryLimit) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
