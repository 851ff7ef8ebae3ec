package tcp

import "log/slog"

func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	switch {
	case seg.Flags.HasAny(FlagRST):
		err = errDropSegment
	case seg.Flags.HasAny(FlagACK):
		// Any acknowledgment is bad if it arrives on a connection still in the LISTEN state.
		tcb.rstPtr = seg.ACK
		tcb.pending[0] = FlagRST
		err = errBadSegack
	case !seg.Flags.HasAll(FlagSYN):
		err = errExpectedSYN
	}
	if err != nil {
		return 0, err
	}
	// Initialize all connection state:
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.rcv.NXT.UpdateForward(1) // SYN occupies one sequence number.
	tcb.updateSendWindow(seg)

	// We must respond with SYN|ACK frame after receiving SYN in listen state (three way handshake).
	tcb.pending[0] = synack
	tcb._state = StateSynRcvd
	return synack, nil
}

func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSyn := seg.Flags.HasAny(FlagSYN)
	hasAck := seg.Flags.HasAny(FlagACK)
	hasRst := seg.Flags.HasAny(FlagRST)
	badAck := hasAck && (seg.ACK.LessThanEq(tcb.snd.ISS) || tcb.snd.NXT.LessThan(seg.ACK))
	switch {
	case badAck && hasRst:
		err = errDropSegment
	case badAck:
		tcb.rstPtr = seg.ACK
		tcb.pending[0] = FlagRST
		err = errBadSegack
	case hasRst && hasAck:
		// Acceptable RST: remote refused our SYN.
		tcb.close()
		err = errRemoteReset
	case hasRst:
		err = errDropSegment
	case !hasSyn:
		err = errExpectedSYN
	}
	if err != nil {
		return 0, err
	}

	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.rcv.NXT.UpdateForward(1)
	if hasAck {
		tcb._state = StateEstablished
		tcb.snd.UNA = seg.ACK
		tcb.updateSendWindow(seg)
		return FlagACK, nil
	}
	// Simultaneous open: resend our SYN with the original ISS as a SYN|ACK.
	tcb._state = StateSynRcvd
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.updateSendWindow(seg)
	tcb.debug("tcb:simultaneous-open", slog.Uint64("iss", uint64(tcb.snd.ISS)))
	return synack, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	// Validation guarantees SND.UNA < SEG.ACK <= SND.NXT.
	tcb._state = StateEstablished
	tcb.rcvAck(seg)
	return 0, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	tcb.rcvAck(seg)
	if tcb.finAcked() {
		tcb._state = StateFinWait2
		tcb.debug("tcb:fin-acked", slog.String("state", tcb._state.String()))
	}
	return 0, nil
}

func (tcb *ControlBlock) rcvClosing(seg Segment) (pending Flags, err error) {
	tcb.rcvAck(seg)
	if tcb.finAcked() {
		tcb._state = StateTimeWait
		tcb.debug("tcb:fin-acked", slog.String("state", tcb._state.String()))
	}
	return 0, nil
}

func (tcb *ControlBlock) rcvLastAck(seg Segment) (pending Flags, err error) {
	tcb.rcvAck(seg)
	if tcb.finAcked() {
		tcb.close()
	}
	return 0, nil
}
