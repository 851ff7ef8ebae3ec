package tcp

import (
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"github.com/soypat/tcpengine/internal"
)

// notifier receives connection events from a [Handler]. Methods are called
// with the connection lock held and must not block.
type notifier interface {
	established()
	readable()
	writable()
	readClosed()
	terminated(err error)
}

// connOptions are per connection policy settings, inherited by connections spawned by a listener.
type connOptions struct {
	noDelay     bool
	keepalive   bool
	userTimeout time.Duration
	ttl         uint8
	tos         uint8
}

// Handler is the TCP engine core of a single connection. It owns the [ControlBlock]
// and every queue, estimator and timer of the connection. It implements segment
// sequencing, retransmission, congestion and flow control but no IP related logic,
// so no checksum calculation or pseudo header logic.
//
// Handler is not safe for concurrent use. All methods are called with the
// owning [Conn] lock held: segment arrival, user calls and timer expiries
// are thus serialized per connection.
type Handler struct {
	scb   ControlBlock
	id    ConnID
	route Route
	cfg   *Config
	net   Network
	clock Clock
	mem   MemoryAccountant
	note  notifier

	rtt    rttEstimator
	cc     congestion
	wnd    rcvWindow
	txq    sendQueue
	rxq    reassembly
	rxbuf  *ringbuffer.RingBuffer
	timers timerSet
	opts   connOptions

	// localMSS is the MSS we announce. mss is the effective send MSS after negotiation.
	localMSS int
	mss      int
	// readSeq is the sequence number of the next octet to be read by the user.
	readSeq Value
	// unackedSince is the first transmission time of the oldest unacknowledged data.
	unackedSince time.Time
	lastRecv     time.Time
	// ackSegs and ackBytes count received data not yet acknowledged.
	ackSegs  int
	ackBytes int

	passive    bool
	gotFIN     bool
	readShut   bool
	// writeShut requests a FIN once all written data was sent.
	writeShut  bool
	userClosed bool
	finQueued  bool
	// flushPartial is set when the coalescing timer expired.
	flushPartial  bool
	keepaliveIdle bool
	kaProbes      int
	probeBackoff  int
	err           error
	stats         Stats
	encbuf        []byte
	logger
}

// handlerConfig holds what a Handler needs from its [Engine].
type handlerConfig struct {
	id     ConnID
	route  Route
	cfg    *Config
	net    Network
	clock  Clock
	mem    MemoryAccountant
	note   notifier
	opts   connOptions
	fire   func(timerPurpose, uint64)
	logger *slog.Logger
}

func (h *Handler) reset(hc handlerConfig) {
	h.timers.stopAll()
	h.txq.clear()
	h.rxq.clear()
	rxbuf := h.rxbuf
	if rxbuf == nil || rxbuf.Capacity() != hc.cfg.RecvBufferSize {
		rxbuf = ringbuffer.New(hc.cfg.RecvBufferSize)
	} else {
		rxbuf.Reset()
	}
	*h = Handler{
		id:     hc.id,
		route:  hc.route,
		cfg:    hc.cfg,
		net:    hc.net,
		clock:  hc.clock,
		mem:    hc.mem,
		note:   hc.note,
		opts:   hc.opts,
		rxbuf:  rxbuf,
		txq:    h.txq,
		rxq:    h.rxq,
		timers: h.timers,
		encbuf: h.encbuf,
		logger: logger{log: hc.logger},
	}
	h.scb.SetLogger(hc.logger)
	h.localMSS = hc.cfg.MSS
	if m := mssForMTU(hc.route.MTU, hc.id.Remote.Addr()); m > 0 {
		h.localMSS = min(h.localMSS, m)
	}
	h.mss = min(h.localMSS, defaultPeerMSS(hc.id.Remote.Addr().Is6()))
	if h.opts.ttl == 0 {
		h.opts.ttl = hc.cfg.TTL
	}
	h.rtt.reset(hc.cfg.InitialRTO, hc.cfg.MinRTO, hc.cfg.MaxRTO)
	h.cc.reset()
	h.wnd.reset(hc.cfg.RecvBufferSize, h.localMSS)
	h.txq.reset(h.localMSS, hc.cfg.SendBufferSize, hc.mem)
	h.rxq.reset(hc.mem)
	h.timers.reset(hc.clock, hc.fire)
	internal.SliceReuse(&h.encbuf, sizeHeaderTCP+sizeOptionMSS+h.localMSS)
}

// defaultPeerMSS is the send MSS assumed when the remote sends no MSS option (RFC 9293 3.7.1).
func defaultPeerMSS(ipv6 bool) int {
	if ipv6 {
		return 1220
	}
	return 536
}

// State returns the state of the TCP state machine as per RFC9293. See [State].
func (h *Handler) State() State { return h.scb.State() }

// openActive starts an active open by sending a SYN.
func (h *Handler) openActive(iss Value) error {
	now := h.clock.Now()
	syn := ClientSynSegment(iss, h.recvWindow())
	h.debug("handler:open-active", internal.SlogAddrPort("remote", h.id.Remote), slog.Uint64("iss", uint64(iss)))
	return h.transmit(syn, nil, now)
}

// openPassive prepares the Handler of a connection spawned by a listener. The triggering SYN must be passed to recv next.
func (h *Handler) openPassive(iss Value) error {
	h.passive = true
	return h.scb.Open(iss, h.recvWindow())
}

// recv processes an incoming segment addressed to this connection.
func (h *Handler) recv(hdr Header, payload []byte) {
	now := h.clock.Now()
	h.stats.SegmentsReceived++
	seg := hdr.Segment
	prev := h.scb.State()
	if prev == StateClosed {
		return
	}
	if prev == StateTimeWait && seg.Flags.HasAny(FlagFIN) {
		// Retransmitted FIN: our ACK was lost. Acknowledge again and restart the deadline.
		h.timers.arm(timerClose, h.cfg.TimeWait)
	}

	err := h.scb.Recv(seg)
	if err != nil {
		switch {
		case err == errRemoteReset:
			h.terminate(h.resetError(prev))
			return
		case prev == StateSynRcvd && seg.Flags == FlagSYN && seg.SEQ == h.scb.IRS():
			// Remote did not get our SYN|ACK, which carries the acknowledgment.
			h.scb.pending[0] &^= FlagACK
			h.retransmitOldest(now)
		}
		h.output(now)
		return
	}
	h.lastRecv = now
	h.kaProbes = 0

	state := h.scb.State()
	if seg.Flags.HasAny(FlagSYN) && prev.IsPreestablished() {
		h.negotiateMSS(hdr.MSS)
		h.readSeq = h.scb.RecvNext()
	}
	if seg.Flags.HasAny(FlagACK) && state != StateClosed {
		h.processAck(prev, now)
	}
	if state == StateEstablished && prev.IsPreestablished() {
		h.info("handler:established", internal.SlogAddrPort("remote", h.id.Remote), slog.Int("mss", h.mss))
		h.note.established()
	}
	if seg.DATALEN > 0 || seg.Flags.HasAny(FlagFIN) {
		if state.acceptsData() {
			h.recvData(seg, payload, now)
		} else if seg.DATALEN > 0 {
			h.scb.QueueACK()
		}
	}
	h.afterTransition(prev, now)
	if h.scb.State() != StateClosed {
		h.output(now)
	}
}

// afterTransition arms deadlines and emits notifications following a state change.
func (h *Handler) afterTransition(prev State, now time.Time) {
	state := h.scb.State()
	if state == prev {
		return
	}
	h.debug("handler:state", slog.String("from", prev.String()), slog.String("to", state.String()))
	if state.readClosed() && !prev.readClosed() {
		h.note.readClosed()
	}
	switch state {
	case StateClosed:
		h.terminate(nil)
	case StateTimeWait:
		h.timers.disarm(timerRetransmit)
		h.timers.disarm(timerProbe)
		h.timers.disarm(timerCoalesce)
		h.timers.arm(timerClose, h.cfg.TimeWait)
	case StateFinWait2:
		if h.userClosed {
			h.timers.arm(timerClose, h.cfg.FinWait2)
		}
	}
}

func (h *Handler) resetError(prev State) error {
	switch {
	case prev == StateSynSent || prev == StateSynRcvd:
		return errors.Wrap(ErrConnectionRefused, "reset during handshake")
	case prev == StateClosing || prev == StateLastAck || prev == StateTimeWait:
		return nil // Both ends already closed.
	}
	return errors.Wrap(ErrConnectionReset, "reset by remote")
}

func (h *Handler) negotiateMSS(peerMSS uint16) {
	remote := int(peerMSS)
	if remote == 0 {
		remote = defaultPeerMSS(h.id.Remote.Addr().Is6())
	}
	h.mss = max(1, min(h.localMSS, remote))
	h.txq.mss = h.mss
}

// processAck updates the send queue, RTT estimate and congestion window
// after the ControlBlock accepted an ACK.
func (h *Handler) processAck(prev State, now time.Time) {
	res := h.txq.ack(h.scb.SendUnacked())
	if h.scb.SendWindow() > 0 && h.timers.armed(timerProbe) {
		h.timers.disarm(timerProbe)
		h.probeBackoff = 0
	}
	if res.acked == 0 {
		return
	}
	if res.retransmitted {
		// Karn's algorithm: ambiguous sample, keep backed off RTO. No window growth either
		// so the window stays at one segment until new data is acknowledged.
		h.trace("handler:ack-retransmitted", slog.Uint64("acked", uint64(res.acked)))
	} else {
		if !res.sentAt.IsZero() {
			h.rtt.sample(now.Sub(res.sentAt))
		}
		if prev.IsSynchronized() {
			h.cc.onAck()
		}
	}
	h.rtt.progress()
	h.stats.BytesAcked += uint64(res.acked)
	if h.txq.InFlight() == 0 {
		h.timers.disarm(timerRetransmit)
		h.unackedSince = time.Time{}
	} else {
		h.unackedSince = now
		h.armRetransmit()
	}
	if h.txq.Free() > 0 && h.scb.State().canSendData() {
		h.note.writable()
	}
}

// recvData queues payload into the reassembly queue and consumes whatever became contiguous.
func (h *Handler) recvData(seg Segment, payload []byte, now time.Time) {
	nxt := h.scb.RecvNext()
	fin := seg.Flags.HasAny(FlagFIN)
	// Trim to the advertised window.
	edge := Add(nxt, h.scb.RecvWindow())
	if end := Add(seg.SEQ, Size(len(payload))); edge.LessThan(end) {
		if seg.SEQ.LessThan(edge) {
			payload = payload[:Sizeof(seg.SEQ, edge)]
		} else {
			payload = nil
		}
		fin = false
	}
	hadGap := h.rxq.hasGap()
	inOrder := seg.SEQ.LessThanEq(nxt)
	limit := h.cfg.RecvBufferSize - h.rxbuf.Length()
	h.rxq.insert(seg.SEQ, payload, fin, nxt, limit)
	newNxt, gotFIN := h.rxq.advance(nxt)
	advanced := Sizeof(nxt, newNxt)
	if advanced > 0 {
		h.scb.advanceRecv(advanced)
		h.scb.urgent.received(newNxt)
		h.stats.BytesReceived += uint64(advanced)
	}
	if gotFIN {
		h.gotFIN = true
		h.scb.recvFIN() // Queues an immediate ACK.
	}
	h.deliver()
	if advanced > 0 {
		h.note.readable()
	}

	switch {
	case gotFIN || !inOrder || hadGap || advanced == 0:
		// Out of order, gap filling, FIN or no usable data: acknowledge now.
		h.scb.QueueACK()
	default:
		h.ackSegs++
		h.ackBytes += int(advanced)
		if h.ackSegs >= h.cfg.AckSegments || h.ackBytes >= 2*h.mss {
			h.scb.QueueACK()
		} else if !h.timers.armed(timerDelayedAck) {
			h.timers.arm(timerDelayedAck, h.cfg.DelayedAck)
		}
	}
}

// deliver moves acknowledged octets into the receive buffer, discarding them
// if the user shut down reading.
func (h *Handler) deliver() {
	h.rxq.deliver(h.rxbuf)
	if h.readShut && !h.rxbuf.IsEmpty() {
		h.readSeq = Add(h.readSeq, Size(h.rxbuf.Length()))
		h.rxbuf.Reset()
		h.rxq.deliver(h.rxbuf)
	}
}

// freeRecv returns buffer space available for the receive window.
func (h *Handler) freeRecv() int {
	return h.cfg.RecvBufferSize - h.rxbuf.Length() - h.rxq.readyLen
}

// recvWindow computes the window to place in the next segment. The window is
// only promised to the remote once a segment carrying it is emitted.
func (h *Handler) recvWindow() Size {
	if !h.scb.State().hasIRS() {
		return min(Size(h.freeRecv()), 0xffff)
	}
	return h.wnd.candidate(h.scb.RecvNext(), h.freeRecv())
}

// read copies received data into b. It returns [ErrWouldBlock] if no data is available and more may arrive.
func (h *Handler) read(b []byte) (int, error) {
	if h.rxbuf.Length() == 0 {
		h.deliver()
	}
	if h.rxbuf.Length() > 0 {
		if len(b) == 0 {
			return 0, nil
		}
		n, _ := h.rxbuf.Read(b)
		h.readSeq = Add(h.readSeq, Size(n))
		h.scb.urgent.consumed(h.readSeq)
		h.deliver()
		if h.scb.State().hasIRS() && h.wnd.opens(h.scb.RecvNext(), h.freeRecv()) {
			// Window update.
			h.scb.QueueACK()
			h.output(h.clock.Now())
		}
		return n, nil
	}
	state := h.scb.State()
	switch {
	case h.err != nil:
		return 0, h.err
	case h.readShut || h.gotFIN || state == StateClosed:
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

// write queues b for transmission. It returns [ErrWouldBlock] if the send queue is full.
func (h *Handler) write(b []byte) (int, error) {
	state := h.scb.State()
	switch {
	case h.err != nil:
		return 0, h.err
	case h.writeShut:
		return 0, errors.Wrap(ErrBrokenPipe, "write after shutdown")
	case state != StateSynSent && state != StateSynRcvd && !state.canSendData():
		return 0, errors.Wrapf(ErrBrokenPipe, "write in state %s", state)
	case len(b) == 0:
		return 0, nil
	}
	n := h.txq.Write(b)
	if n == 0 {
		return 0, ErrWouldBlock
	}
	h.stats.BytesWritten += uint64(n)
	h.output(h.clock.Now())
	return n, nil
}

// shutdownWrite queues a FIN after all written data. Further writes fail with [ErrBrokenPipe].
func (h *Handler) shutdownWrite() error {
	state := h.scb.State()
	if h.writeShut {
		return nil
	}
	h.writeShut = true
	switch state {
	case StateClosed, StateListen:
		return errors.Wrap(ErrInvalidState, "shutdown on unconnected socket")
	case StateSynSent:
		// Nothing was sent to the remote other than our SYN.
		h.scb.Close()
		h.terminate(nil)
		return nil
	}
	h.flushPartial = true
	h.output(h.clock.Now())
	return nil
}

// shutdownRead discards unread and future received data.
func (h *Handler) shutdownRead() {
	h.readShut = true
	h.deliver()
}

// close is the user CLOSE call: both directions are shut down and, once all data
// has been sent, a FIN is sent.
func (h *Handler) close() error {
	if h.scb.State() == StateClosed {
		if h.err != nil {
			return nil
		}
		return errors.Wrap(ErrInvalidState, "close of closed connection")
	}
	h.userClosed = true
	h.shutdownRead()
	err := h.shutdownWrite()
	if h.scb.State() == StateFinWait2 {
		h.timers.arm(timerClose, h.cfg.FinWait2)
	}
	return err
}

// abort sends RST if the remote holds synchronized state and closes the connection.
func (h *Handler) abort(cause error) {
	rst, ok := h.scb.Abort()
	if ok {
		h.emit(rst, nil)
	}
	h.terminate(cause)
}

// terminate moves the connection to CLOSED, cancelling every timer. If err is not nil the
// queues are released and err surfaced to the user. Data already received in order
// stays readable after a graceful close.
func (h *Handler) terminate(err error) {
	if h.scb.State() != StateClosed {
		h.scb.close()
	}
	h.timers.stopAll()
	h.txq.clear()
	if err != nil {
		h.rxq.clear()
		h.rxbuf.Reset()
		if h.err == nil {
			h.err = err
		}
		h.logerr("handler:terminate", internal.SlogAddrPort("remote", h.id.Remote), slog.String("err", err.Error()))
	} else {
		h.debug("handler:terminate", internal.SlogAddrPort("remote", h.id.Remote))
	}
	h.note.terminated(err)
}

// Stats is a snapshot of connection counters and estimator state.
type Stats struct {
	SegmentsSent       uint64
	SegmentsReceived   uint64
	Retransmits        uint64
	BytesWritten       uint64
	BytesAcked         uint64
	BytesReceived      uint64
	SRTT               time.Duration
	RTO                time.Duration
	CongestionWindow   uint32
	SlowStartThreshold uint32
	SendWindow         Size
	RecvWindow         Size
	MSS                int
}

func (h *Handler) snapshot() Stats {
	s := h.stats
	s.Retransmits = uint64(h.rtt.retransmits)
	s.SRTT = h.rtt.SRTT()
	s.RTO = h.rtt.RTO()
	s.CongestionWindow = h.cc.Window()
	s.SlowStartThreshold = h.cc.Threshold()
	s.SendWindow = h.scb.SendWindow()
	s.RecvWindow = h.scb.RecvWindow()
	s.MSS = h.mss
	return s
}
