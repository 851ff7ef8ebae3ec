package tcp

// EventKind enumerates notifications emitted on the [Engine.Events] channel.
type EventKind uint8

const (
	_ EventKind = iota
	// EventEstablished is emitted when a connection completes the three-way handshake.
	EventEstablished
	// EventReadable is emitted when new in-order data becomes readable.
	EventReadable
	// EventWritable is emitted when acknowledgments free send queue space.
	EventWritable
	// EventReadClosed is emitted when the remote FIN is received.
	EventReadClosed
	// EventClosed is emitted once per connection when it reaches CLOSED. Err holds the cause, if any.
	EventClosed
	// EventAcceptable is emitted when a listener has an established connection ready to accept.
	EventAcceptable
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	case EventReadClosed:
		return "read-closed"
	case EventClosed:
		return "closed"
	case EventAcceptable:
		return "acceptable"
	}
	return "<unknown event>"
}

// Event is a connection or listener notification.
type Event struct {
	Kind     EventKind
	Conn     *Conn
	Listener *Listener
	Err      error
}
