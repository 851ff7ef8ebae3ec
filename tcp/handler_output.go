package tcp

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/tcpengine/internal"
)

// output sends every segment permitted by pending control flags, the send window,
// the congestion window and Nagle's algorithm, then arms the timers the
// remaining queued data needs.
func (h *Handler) output(now time.Time) {
	for h.sendNext(now) {
	}
	if h.scb.State() != StateClosed {
		h.schedule()
	}
}

// sendNext forms and sends a single segment. Returns false if nothing was sent.
func (h *Handler) sendNext(now time.Time) bool {
	state := h.scb.State()
	if state == StateClosed || state == StateListen {
		return false
	}
	if h.writeShut && !h.finQueued && h.txq.Buffered() == 0 && (state == StateSynRcvd || state.canSendData()) {
		if h.scb.Close() == nil {
			h.finQueued = true
		}
	}
	payload := h.nextPayload(state)
	prevWnd := h.scb.RecvWindow()
	h.scb.SetRecvWindow(h.recvWindow())
	seg, ok := h.scb.PendingSegment(len(payload))
	if !ok {
		h.scb.SetRecvWindow(prevWnd)
		return false
	}
	payload = payload[:seg.DATALEN]
	if seg.DATALEN > 0 && int(seg.DATALEN) == h.txq.Buffered() {
		seg.Flags |= FlagPSH // Last of written data.
	}
	if h.transmit(seg, payload, now) != nil {
		if h.scb.State() != StateClosed {
			h.scb.SetRecvWindow(prevWnd)
		}
		return false
	}
	if h.txq.Buffered() == 0 {
		h.flushPartial = false
	}
	return h.scb.State() != StateClosed
}

// nextPayload returns the data to place in the next segment, possibly none.
func (h *Handler) nextPayload(state State) []byte {
	inflight := h.txq.InFlight()
	if !state.canSendData() || !h.cc.canSend(inflight) {
		return nil
	}
	avail := int(h.scb.MaxInFlightData())
	flush := h.opts.noDelay || inflight == 0 || h.flushPartial || h.writeShut
	p := h.txq.peek(min(h.mss, avail), flush)
	if len(p) > 0 && len(p) < h.mss && len(p) == avail && inflight > 0 &&
		avail < int(h.scb.MaxPeerWindow())/2 {
		// Sender side SWS avoidance: wait for the window to open further.
		return nil
	}
	return p
}

// transmit commits seg to the ControlBlock and send queue and emits it.
func (h *Handler) transmit(seg Segment, payload []byte, now time.Time) error {
	err := h.scb.Send(seg)
	if err != nil {
		return err
	}
	if seg.LEN() > 0 && !seg.Flags.HasAny(FlagRST) {
		if h.txq.InFlight() == 0 {
			h.unackedSince = now
		}
		h.txq.commit(seg.SEQ, len(payload), seg.Flags, now)
		if !h.timers.armed(timerRetransmit) || h.keepaliveIdle {
			h.armRetransmit()
		}
	}
	return h.checkUnreachable(h.emit(seg, payload))
}

// emit encodes seg and hands it to the network.
func (h *Handler) emit(seg Segment, payload []byte) error {
	hdr := Header{
		SrcPort: h.id.Local.Port(),
		DstPort: h.id.Remote.Port(),
		Segment: seg,
	}
	if seg.Flags.HasAny(FlagSYN) {
		hdr.MSS = uint16(h.localMSS)
	}
	if seg.Flags.HasAny(FlagACK) {
		h.ackSent()
		if !seg.Flags.HasAny(FlagRST) && h.scb.State().hasIRS() {
			// Every acknowledgment carries the current window, which is promised from here on.
			seg.WND = h.recvWindow()
			h.scb.SetRecvWindow(seg.WND)
			h.wnd.commit(seg.ACK, seg.WND)
		}
	}
	need := hdr.HeaderLen() + len(payload)
	if cap(h.encbuf) < need {
		internal.SliceReuse(&h.encbuf, need)
	}
	buf := h.encbuf[:need]
	n, err := EncodeSegment(buf, hdr, payload)
	if err != nil {
		h.logerr("handler:encode", slog.String("err", err.Error()))
		return err
	}
	h.stats.SegmentsSent++
	h.traceSeg("handler:emit", seg)
	err = h.net.SendSegment(h.id.Local.Addr(), h.id.Remote.Addr(), buf[:n], h.opts.ttl, h.opts.tos)
	if err != nil {
		h.debug("handler:send-failed", internal.SlogAddrPort("remote", h.id.Remote), slog.String("err", err.Error()))
	}
	return err
}

// ackSent resets delayed acknowledgment state after any segment carrying an ACK is sent.
func (h *Handler) ackSent() {
	h.ackSegs = 0
	h.ackBytes = 0
	if h.timers.armed(timerDelayedAck) {
		h.timers.disarm(timerDelayedAck)
	}
}

// retransmitOldest resends the oldest unacknowledged segment. A non-nil error
// means the connection was terminated because the remote is unreachable.
func (h *Handler) retransmitOldest(now time.Time) error {
	s, ok := h.txq.oldest()
	if !ok {
		return nil
	}
	seg := h.scb.retransmitSegment(s.seq, Size(s.n), s.flags)
	s.retransmitted = true
	s.sentAt = now
	h.debug("handler:retransmit", internal.SlogPorts(h.id.Local.Port(), h.id.Remote.Port()),
		slog.Uint64("seq", uint64(seg.SEQ)), slog.Uint64("len", uint64(seg.LEN())),
		slog.Int("backoff", h.rtt.backoff), slog.Duration("rto", h.rtt.RTO()))
	return h.checkUnreachable(h.emit(seg, h.txq.oldestData()))
}

// checkUnreachable terminates a connection still in SYN-SENT with [ErrConnectionRefused]
// when err reports the remote unreachable. Other send errors are recovered by retransmission.
func (h *Handler) checkUnreachable(err error) error {
	if err == nil || !errors.Is(err, ErrUnreachable) || h.scb.State() != StateSynSent {
		return nil
	}
	h.terminate(errors.Wrap(ErrConnectionRefused, err.Error()))
	return err
}

func (h *Handler) armRetransmit() {
	h.keepaliveIdle = false
	h.timers.arm(timerRetransmit, h.rtt.RTO())
}

// schedule arms the probe, coalescing and keepalive timers as the queues require.
func (h *Handler) schedule() {
	state := h.scb.State()
	inflight := h.txq.InFlight()
	buffered := h.txq.Buffered()
	if inflight == 0 && buffered > 0 && h.scb.SendWindow() == 0 && state.canSendData() &&
		!h.timers.armed(timerProbe) {
		h.timers.arm(timerProbe, h.probeInterval())
	}
	switch {
	case buffered > 0 && !h.txq.hasFullSegment() && inflight > 0 && !h.opts.noDelay && !h.flushPartial:
		if !h.timers.armed(timerCoalesce) {
			h.timers.arm(timerCoalesce, h.cfg.NagleTimeout)
		}
	case buffered == 0 && h.timers.armed(timerCoalesce):
		h.timers.disarm(timerCoalesce)
	}
	if inflight == 0 && h.opts.keepalive && (state == StateEstablished || state == StateCloseWait) &&
		!h.timers.armed(timerRetransmit) {
		h.keepaliveIdle = true
		h.timers.arm(timerRetransmit, h.cfg.KeepaliveIdle)
	}
}

func (h *Handler) probeInterval() time.Duration {
	d := h.rtt.RTO() << min(h.probeBackoff, 16)
	return min(d, h.cfg.MaxProbeInterval)
}
