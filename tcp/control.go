package tcp

import (
	"io"
	"log/slog"
	"math"

	"github.com/soypat/tcpengine/internal"
)

// ControlBlock is the connection state machine of a Transmission Control Block (TCB)
// as per RFC 9293 in section 3.3.1. It owns the state value and the send/receive
// sequence spaces and decides which control segments must be sent next.
//
// A ControlBlock does not hold data. Incoming segments are admitted with [ControlBlock.Recv]
// which validates sequence acceptability and processes the SYN, RST and ACK fields.
// Data octets and the FIN are consumed in sequence order by the caller through
// advanceRecv and recvFIN once its reassembly queue reaches them, which allows
// out-of-order segments to be accepted within the receive window.
//
// Outgoing segments are formed with [ControlBlock.PendingSegment] and committed with
// [ControlBlock.Send]. Retransmissions are not passed to Send since they do not modify the TCB.
type ControlBlock struct {
	// # Send Sequence Space
	//
	// 'Send' sequence numbers correspond to local data being sent.
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	// 'Receive' sequence numbers correspond to remote data being received.
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace
	// When FlagRST is set in pending flags rstPtr will contain the sequence number of the RST segment to make it "believable" (See RFC9293)
	rstPtr Value
	// pending is the queue of pending flags to be sent in the next 2 segments.
	// On a call to Send the queue is advanced and flags set in the segment are unset.
	// The second position of the queue is used for a FIN queued behind a SYN.
	pending      [2]Flags
	_state       State // leading underscore so field not suggested on top of exported State method when developing.
	challengeAck bool
	urgent       urgentPointer
	logger
}

// State returns the current state of the TCP connection.
func (tcb *ControlBlock) State() State { return tcb._state }

// RecvNext returns the next sequence number expected to be received from remote.
// RecvNext returns 0 before StateSynRcvd.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the receive window size. If connection is closed will return 0.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// IRS returns the initial receive sequence number chosen by the remote.
func (tcb *ControlBlock) IRS() Value { return tcb.rcv.IRS }

// ISS returns the initial sequence number of the connection that was defined on a call to Open by user.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// SendUnacked returns SND.UNA, the oldest unacknowledged sequence number.
func (tcb *ControlBlock) SendUnacked() Value { return tcb.snd.UNA }

// SendNext returns SND.NXT, the next sequence number to be sent.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// SendWindow returns the window last advertised by the remote.
func (tcb *ControlBlock) SendWindow() Size { return tcb.snd.WND }

// SendWindowEdge returns the highest right window edge advertised by the remote.
func (tcb *ControlBlock) SendWindowEdge() Value { return tcb.snd.EDGE }

// MaxPeerWindow returns the largest window the remote has ever advertised.
func (tcb *ControlBlock) MaxPeerWindow() Size { return tcb.snd.MAXWND }

// MaxInFlightData returns the maximum size of a segment that can be sent by taking into account
// the send window size and the unacked data. Returns 0 before StateSynRcvd.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb._state.hasIRS() {
		return 0 // SYN not yet received.
	}
	return tcb.snd.maxSend()
}

// SetRecvWindow sets the local receive window size. This represents the maximum amount of data
// that is permitted to be in flight from the remote.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) {
	tcb.rcv.WND = min(wnd, math.MaxUint16)
}

// SetLogger sets the logger to be used by the ControlBlock.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) {
	tcb.logger = logger{log: log}
}

// IncomingIsKeepalive checks if an incoming segment is a keepalive segment.
func (tcb *ControlBlock) IncomingIsKeepalive(incomingSegment Segment) bool {
	return incomingSegment.SEQ == tcb.rcv.NXT-1 &&
		incomingSegment.Flags == FlagACK &&
		incomingSegment.DATALEN <= 1
}

// MakeKeepalive creates a TCP keepalive segment. The sequence number is one
// before SND.NXT so the remote answers with an ACK carrying its current window,
// which also makes it usable as a header-only zero window probe.
// This segment should not be passed into Send.
func (tcb *ControlBlock) MakeKeepalive() Segment {
	return Segment{
		SEQ:   tcb.snd.NXT - 1,
		ACK:   tcb.rcv.NXT,
		Flags: FlagACK,
		WND:   tcb.rcv.WND,
	}
}

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS    Value // initial send sequence number, defined locally on connection start
	UNA    Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote. Corresponds to local data.
	NXT    Value // send next. This seq and up to UNA+WND-1 are allowed to be sent. Corresponds to local data.
	WND    Size  // send window defined by remote. Permitted number of local unacked octets in flight.
	WL1    Value // segment sequence number used for last window update
	WL2    Value // segment acknowledgment number used for last window update
	EDGE   Value // highest right edge UNA+WND advertised by remote.
	MAXWND Size  // largest WND ever advertised by remote.
}

// inFlight returns amount of unacked bytes sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// maxSend returns maximum segment datalength receivable by remote peer.
func (snd *sendSpace) maxSend() Size {
	inflight := snd.inFlight()
	if inflight >= snd.WND {
		return 0
	}
	return snd.WND - inflight
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked. this seq and up to NXT+WND-1 are allowed to be sent. Corresponds to remote data.
	WND Size  // receive window defined by local. Permitted number of remote unacked octets in flight.
}

// Open implements a passive opening of a connection (wait for incoming packets).
// Upon success [ControlBlock] enters LISTEN state, such as that of a server.
// To open an active connection use [ControlBlock.Send] with a segment generated with [ClientSynSegment].
func (tcb *ControlBlock) Open(iss Value, wnd Size) (err error) {
	switch {
	case tcb._state != StateClosed && tcb._state != StateListen:
		err = errTCBNotClosed
	case wnd > math.MaxUint16:
		err = errWindowTooLarge
	}
	if err != nil {
		tcb.logerr("tcb:open", slog.String("err", err.Error()))
		return err
	}
	tcb._state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	tcb.trace("tcb:open-server")
	return nil
}

// prepareToHandshake initializes the TCB send/receive spaces with initial send sequence number and local window.
func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
	tcb.challengeAck = false
	tcb.urgent = urgentPointer{}
}

// HasPending returns true if there is a pending control segment to send. Calls to Send will advance the pending queue.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 || tcb.challengeAck }

// QueueACK flags an ACK to be sent on the next segment.
func (tcb *ControlBlock) QueueACK() {
	if tcb._state.hasIRS() {
		tcb.pending[0] |= FlagACK
	}
}

// PendingSegment calculates a suitable next segment to send from a payload length.
// The returned segment's DATALEN may be smaller than payloadLen if the send window does not permit it.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	if !tcb._state.canSendData() || pending.HasAny(FlagRST|FlagSYN) {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false // No pending segment.
	}
	maxPayload := tcb.snd.maxSend()
	if payloadLen > int(maxPayload) {
		payloadLen = int(maxPayload)
		if payloadLen == 0 && pending == 0 {
			return Segment{}, false
		}
	}
	if pending.HasAny(FlagFIN) && payloadLen > 0 {
		// FIN goes out after the data. Send data now, FIN on next call.
		pending &^= FlagFIN
	}

	var seq Value = tcb.snd.NXT
	var ack Value
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
		pending = FlagRST
	} else if tcb._state.hasIRS() || pending.HasAny(FlagACK) {
		pending |= FlagACK
		ack = tcb.rcv.NXT
	}
	seg := Segment{
		SEQ:     seq,
		ACK:     ack,
		WND:     tcb.rcv.WND,
		Flags:   pending,
		DATALEN: Size(payloadLen),
	}
	tcb.traceSeg("tcb:pending-out", seg)
	return seg, true
}

// retransmitSegment returns a segment header for resending previously sent octets
// starting at seq. Only the sequence number and control flags are taken from the
// original transmission, ACK and WND reflect the current TCB.
func (tcb *ControlBlock) retransmitSegment(seq Value, datalen Size, flags Flags) Segment {
	flags &= FlagSYN | FlagFIN | FlagPSH
	var ack Value
	if tcb._state.hasIRS() {
		flags |= FlagACK
		ack = tcb.rcv.NXT
	}
	return Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: flags, DATALEN: datalen}
}

// Recv processes a segment that is being received from the network. It validates
// acceptability and processes the control fields, updating the TCB if there is no error.
// Payload octets and FIN are not consumed, see [ControlBlock] documentation.
// A [*RejectError] means the segment must be dropped, but the pending queue may hold an
// ACK to resynchronize the remote.
func (tcb *ControlBlock) Recv(seg Segment) (err error) {
	if tcb._state == StateSynRcvd && seg.Flags.HasAll(synack) && seg.SEQ == tcb.rcv.IRS {
		// Simultaneous open: the remote SYN|ACK repeats the SYN we already
		// acknowledged. Only its ACK is new.
		seg.SEQ = Add(seg.SEQ, 1)
		seg.Flags &^= FlagSYN
	}
	err = tcb.validateIncomingSegment(seg)
	if err != nil {
		if tcb.logenabled(internal.LevelTrace) {
			tcb.traceRcv("tcb:rcv.reject")
			tcb.traceSeg("tcb:rcv.reject", seg)
		}
		if err != errDropSegment {
			tcb.debug("tcb:rcv.reject", slog.String("err", err.Error()), slog.String("state", tcb._state.String()))
		}
		return err
	}

	prevNxt := tcb.snd.NXT
	var pending Flags
	switch tcb._state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished, StateCloseWait, StateFinWait2, StateTimeWait:
		tcb.rcvAck(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateClosing:
		pending, err = tcb.rcvClosing(seg)
	case StateLastAck:
		pending, err = tcb.rcvLastAck(seg)
	default:
		err = errUnexpectedRecv
	}
	if err != nil {
		return err
	}
	if seg.Flags.HasAny(FlagURG) && tcb._state.acceptsData() {
		tcb.urgent.mark(Add(seg.SEQ, seg.UP))
	}

	tcb.pending[0] |= pending
	if prevNxt != 0 && tcb.snd.NXT != prevNxt && tcb.logenabled(slog.LevelDebug) {
		tcb.debug("tcb:snd.nxt-change", slog.String("state", tcb._state.String()),
			slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)),
			slog.Uint64("prevnxt", uint64(prevNxt)), slog.Uint64("seg.seq", uint64(seg.SEQ)))
	}
	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceRcv("tcb:rcv")
		tcb.traceSeg("recv:seg", seg)
	}
	return nil
}

// advanceRecv consumes n in-sequence data octets, moving RCV.NXT forward.
func (tcb *ControlBlock) advanceRecv(n Size) {
	tcb.rcv.NXT.UpdateForward(n)
}

// recvFIN consumes the remote FIN once all data preceding it has been received
// and queues its acknowledgment.
func (tcb *ControlBlock) recvFIN() {
	tcb.rcv.NXT.UpdateForward(1)
	prev := tcb._state
	switch prev {
	case StateSynRcvd, StateEstablished:
		tcb._state = StateCloseWait
	case StateFinWait1:
		// Our FIN is not acknowledged yet, else ACK processing would have moved us to FIN-WAIT-2.
		tcb._state = StateClosing
	case StateFinWait2:
		tcb._state = StateTimeWait
	}
	tcb.pending[0] |= FlagACK
	tcb.debug("tcb:rcv-fin", slog.String("from", prev.String()), slog.String("to", tcb._state.String()))
}

// Send processes a segment that is being sent to the network. It updates the TCB
// if there is no error.
func (tcb *ControlBlock) Send(seg Segment) error {
	err := tcb.validateOutgoingSegment(seg)
	if err != nil {
		tcb.traceSnd("tcb:snd.reject")
		tcb.traceSeg("tcb:snd.reject", seg)
		tcb.logerr("tcb:snd.reject", slog.String("err", err.Error()))
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	isRST := seg.Flags.HasAny(FlagRST)
	switch tcb._state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb._state = StateSynSent
			tcb.prepareToHandshake(seg.SEQ, seg.WND)
			tcb.trace("tcb:open-client")
		}
	case StateSynRcvd, StateEstablished:
		if hasFIN {
			tcb._state = StateFinWait1 // RFC 9293: 3.10.4 CLOSE call.
		}
	case StateCloseWait:
		if hasFIN {
			tcb._state = StateLastAck
		}
	}

	// Advance pending flags queue.
	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}

	// The segment is valid, we can update TCB state.
	if !isRST {
		tcb.snd.NXT.UpdateForward(seg.LEN())
	}
	tcb.rcv.WND = seg.WND

	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceSnd("tcb:snd")
		tcb.traceSeg("tcb:snd", seg)
	}
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) (err error) {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb._state == StateClosed && seg.isFirstSYN()
	isRST := seg.Flags.HasAny(FlagRST)
	switch {
	case tcb._state == StateClosed && !isFirst:
		err = io.ErrClosedPipe
	case seg.WND > math.MaxUint16:
		err = errWindowTooLarge
	case isFirst || isRST:
		// Connection-opening SYN and RST carry no further constraints.
	case hasAck && seg.ACK != tcb.rcv.NXT:
		err = errAckNotNext
	case seg.SEQ != tcb.snd.NXT:
		err = errSeqNotInWindow // New octets always start at SND.NXT.
	case seg.DATALEN > 0 && !tcb._state.canSendData():
		err = errConnectionClosing // No further SENDs from the user will be accepted by the TCP implementation.
	case seg.DATALEN > tcb.snd.maxSend():
		if tcb.snd.WND == 0 {
			err = errZeroWindow
		} else {
			err = errLastNotInWindow
		}
	}
	return err
}

// acceptable implements the segment acceptability test of RFC 9293 3.10.7.4.
func (tcb *ControlBlock) acceptable(seg Segment) bool {
	seglen := seg.LEN()
	wnd := tcb.rcv.WND
	nxt := tcb.rcv.NXT
	switch {
	case seglen == 0 && wnd == 0:
		return seg.SEQ == nxt
	case seglen == 0:
		return seg.SEQ.InWindow(nxt, wnd)
	case wnd == 0:
		// Zero window: octets will be trimmed by caller but ACK, URG and RST are processed.
		return seg.SEQ == nxt
	}
	return seg.SEQ.InWindow(nxt, wnd) || seg.Last().InWindow(nxt, wnd)
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) (err error) {
	flags := seg.Flags
	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case tcb._state == StateClosed:
		return io.ErrClosedPipe
	case tcb._state == StateListen || tcb._state == StateSynSent:
		return nil // Handshake states validate in their handlers.
	}

	// First check: sequence number. See section 3.10.7.4 of RFC 9293.
	if !tcb.acceptable(seg) {
		if !flags.HasAny(FlagRST) {
			tcb.pending[0] |= FlagACK // Duplicate ACK to resynchronize remote.
		}
		if tcb.rcv.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	}
	// Second check: RST bit.
	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}
	isDebug := tcb.logenabled(slog.LevelDebug)
	// Fourth check: SYN bit. Challenge ACK per RFC 5961 regardless of sequence number.
	if flags.HasAny(FlagSYN) {
		tcb.challengeAck = true
		if isDebug {
			tcb.debug("rcv:SYN-challenge", slog.String("state", tcb._state.String()), slog.Uint64("seg.seq", uint64(seg.SEQ)))
		}
		return errDropSegment
	}
	// Fifth check: ACK field.
	if !flags.HasAny(FlagACK) {
		return errDropSegment
	}
	acksUnsent := !seg.ACK.LessThanEq(tcb.snd.NXT)
	switch {
	case tcb._state == StateSynRcvd && (acksUnsent || seg.ACK.LessThanEq(tcb.snd.UNA)):
		err = errDropSegment
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		if isDebug {
			tcb.debug("rcv:RST-badack", slog.String("state", tcb._state.String()), slog.Uint64("ack", uint64(seg.ACK)))
		}
	case acksUnsent:
		err = errAckUnsent
		tcb.pending[0] |= FlagACK
		if isDebug {
			tcb.debug("rcv:ACK-unsent", slog.String("state", tcb._state.String()),
				slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)))
		}
	}
	return err
}

// rcvAck processes the ACK field and window of an acceptable segment in a synchronized state.
func (tcb *ControlBlock) rcvAck(seg Segment) {
	if tcb.snd.UNA.LessThan(seg.ACK) && seg.ACK.LessThanEq(tcb.snd.NXT) {
		tcb.snd.UNA = seg.ACK
	}
	// Window update rule of RFC 9293 3.10.7.4: ignore stale segments.
	if tcb.snd.UNA.LessThanEq(seg.ACK) &&
		(tcb.snd.WL1.LessThan(seg.SEQ) || (tcb.snd.WL1 == seg.SEQ && tcb.snd.WL2.LessThanEq(seg.ACK))) {
		tcb.updateSendWindow(seg)
	}
}

func (tcb *ControlBlock) updateSendWindow(seg Segment) {
	tcb.snd.WND = seg.WND
	tcb.snd.WL1 = seg.SEQ
	tcb.snd.WL2 = seg.ACK
	tcb.snd.MAXWND = max(tcb.snd.MAXWND, seg.WND)
	tcb.snd.EDGE = maxValue(tcb.snd.EDGE, Add(seg.ACK, seg.WND))
}

// finAcked returns true if a FIN was sent and the remote acknowledged it.
func (tcb *ControlBlock) finAcked() bool {
	return tcb._state.isTeardown() && tcb.snd.UNA == tcb.snd.NXT
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{
		ISS:  localISS,
		UNA:  localISS,
		NXT:  localISS,
		WND:  remoteWND,
		EDGE: Add(localISS, remoteWND),
	}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{
		IRS: remoteISS,
		NXT: remoteISS,
		WND: localWND,
	}
}

func (tcb *ControlBlock) handleRST(seq Value) error {
	tcb.debug("rcv:RST", slog.String("state", tcb._state.String()))
	if seq != tcb.rcv.NXT {
		// See RFC9293: If the RST bit is set and the sequence number does not exactly match the next expected sequence value, yet is within the current receive window, TCP endpoints MUST send an acknowledgment (challenge ACK).
		tcb.challengeAck = true
		return errDropSegment
	}
	tcb.close()
	return errRemoteReset
}

// close sets ControlBlock state to closed and resets all sequence numbers and pending flag.
func (tcb *ControlBlock) close() {
	tcb._state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.challengeAck = false
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
	tcb.debug("tcb:close")
}

// Close implements a passive/active closing of a connection. It does not immediately
// delete the TCB but queues a FIN so that pending outgoing segments initiate
// the closing process. Callers must only call Close after all user data has been sent.
// Close returns an error if the connection is already closed or closing.
func (tcb *ControlBlock) Close() (err error) {
	// See RFC 9293: 3.10.4 CLOSE call.
	switch tcb._state {
	case StateClosed:
		err = errConnNotexist
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished, StateCloseWait:
		if tcb.pending[0].HasAny(FlagSYN) {
			tcb.pending[1] |= FlagFIN // FIN after our SYN.
		} else {
			tcb.pending[0] |= FlagFIN
		}
	default:
		err = errConnectionClosing
	}
	if err == nil {
		tcb.trace("tcb:close", slog.String("state", tcb._state.String()))
	} else {
		tcb.debug("tcb:close", slog.String("err", err.Error()))
	}
	return err
}

// Abort forcibly closes the ControlBlock. If the remote holds synchronized
// state a RST segment is returned which should be sent to it.
func (tcb *ControlBlock) Abort() (rst Segment, ok bool) {
	switch tcb._state {
	case StateSynRcvd, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		rst = Segment{SEQ: tcb.snd.NXT, Flags: FlagRST}
		ok = true
	}
	tcb.close()
	return rst, ok
}

// UrgentState enumerates the state of received urgent data.
type UrgentState uint8

const (
	UrgentNone    UrgentState = iota // no urgent data signaled
	UrgentPending                    // urgent pointer received, urgent octet not yet received in sequence
	UrgentValid                      // urgent octet received and not yet read
)

// urgentPointer tracks the octet following the last urgent octet (RFC 6093).
type urgentPointer struct {
	ptr   Value
	state UrgentState
}

func (up *urgentPointer) mark(ptr Value) {
	if up.state == UrgentNone || up.ptr.LessThan(ptr) {
		up.ptr = ptr
		up.state = UrgentPending
	}
}

// received updates the urgent state once RCV.NXT has moved past the pointer.
func (up *urgentPointer) received(nxt Value) {
	if up.state == UrgentPending && up.ptr.LessThanEq(nxt) {
		up.state = UrgentValid
	}
}

// consumed updates the urgent state once the application read up to readSeq.
func (up *urgentPointer) consumed(readSeq Value) {
	if up.state == UrgentValid && up.ptr.LessThanEq(readSeq) {
		up.state = UrgentNone
	}
}
