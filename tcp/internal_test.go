package tcp

import (
	"errors"
	"fmt"
	"testing"
)

// Here we define internal testing helpers that may be used in any *_test.go file
// but are not exported outside of the test binary.

// ExchangeTest defines a complete TCP exchange scenario with initial state for both peers.
// Use Run() to execute the test from both perspectives, or RunA()/RunB() individually.
type ExchangeTest struct {
	ISSA       Value // Initial Send Sequence for peer A.
	ISSB       Value // Initial Send Sequence for peer B.
	WindowA    Size  // A's receive window size.
	WindowB    Size  // B's receive window size.
	InitStateA State // A's state before exchanges.
	InitStateB State // B's state before exchanges.
	Steps      []SegmentStep
}

type StepAction uint8

const (
	_ StepAction = iota
	StepASends
	StepBSends
	StepACloses
	StepBCloses
)

// SegmentStep defines a single segment exchange with resulting states for both peers.
type SegmentStep struct {
	Seg    Segment // The segment being exchanged.
	Action StepAction

	// States after the segment is processed.
	AState State
	BState State

	// Pending segments after the step (nil if none expected).
	APending *Segment
	BPending *Segment

	// WantRecvErr is set when the receiving peer is expected to reject the segment.
	WantRecvErr bool
}

// Run executes the test from both peers' perspectives as subtests.
func (et ExchangeTest) Run(t *testing.T) {
	t.Helper()
	t.Run("PeerA", func(t *testing.T) {
		t.Helper()
		et.RunA(t)
	})
	t.Run("PeerB", func(t *testing.T) {
		t.Helper()
		et.RunB(t)
	})
}

// RunA executes the test from peer A's perspective.
func (et ExchangeTest) RunA(t *testing.T) {
	t.Helper()
	var tcb ControlBlock
	tcb.HelperInitState(et.InitStateA, et.ISSA, et.ISSA, et.WindowA)
	if et.InitStateA.hasIRS() {
		tcb.HelperInitRcv(et.ISSB, et.ISSB, et.WindowB)
	}
	tcb.HelperSteps(t, et.Steps, true)
}

// RunB executes the test from peer B's perspective.
func (et ExchangeTest) RunB(t *testing.T) {
	t.Helper()
	var tcb ControlBlock
	tcb.HelperInitState(et.InitStateB, et.ISSB, et.ISSB, et.WindowB)
	if et.InitStateB.hasIRS() {
		tcb.HelperInitRcv(et.ISSA, et.ISSA, et.WindowA)
	}
	tcb.HelperSteps(t, et.Steps, false)
}

// HelperSteps processes segment steps from a specific peer's perspective, calling Close() when indicated.
// Received segments that pass Recv have their in-sequence data and FIN consumed
// as the connection handler would.
func (tcb *ControlBlock) HelperSteps(t *testing.T, steps []SegmentStep, isPeerA bool) {
	t.Helper()
	var i int
	var st SegmentStep
	defer func() {
		if t.Failed() {
			peer := "B"
			if isPeerA {
				peer = "A"
			}
			t.Errorf("step[%d] failed (peer %s)", i, peer)
		}
	}()
	const pfx = "step"
	t.Log(tcb._state, "Steps start, isPeerA:", isPeerA)
	for i, st = range steps {
		nop := isPeerA && st.Action == StepBCloses || !isPeerA && st.Action == StepACloses
		if nop {
			continue
		}
		switch st.Action {
		default:
			panic("unknown action")
		case StepACloses, StepBCloses:
			err := tcb.Close()
			if err != nil {
				t.Fatalf(pfx+"[%d] Close: %s", i, err)
			}
		case StepASends, StepBSends:
			isSender := isPeerA && st.Action == StepASends || !isPeerA && st.Action == StepBSends
			seg := st.Seg
			if isSender {
				prevInflight := tcb.snd.inFlight()
				err := tcb.Send(seg)
				gotSent := tcb.snd.inFlight() - prevInflight
				if err != nil {
					t.Fatalf(pfx+"[%d] snd: %s\nseg=%+v\nrcv=%+v\nsnd=%+v", i, err, seg, tcb.rcv, tcb.snd)
				} else if gotSent != seg.LEN() && !seg.Flags.HasAny(FlagRST) {
					t.Fatalf(pfx+"[%d] snd: expected %d data sent, calculated inflight %d", i, seg.LEN(), gotSent)
				}
				break
			}
			err := tcb.Recv(seg)
			switch {
			case err != nil && st.WantRecvErr:
				t.Logf(pfx+"[%d] rcv: expected rejection: %s", i, err)
			case err != nil && IsDroppedErr(err):
				t.Logf(pfx+"[%d] rcv: %s", i, err)
			case err != nil:
				t.Fatalf(pfx+"[%d] rcv: %s\nseg=%+v\nrcv=%+v\nsnd=%+v", i, err, seg, tcb.rcv, tcb.snd)
			case st.WantRecvErr:
				t.Fatalf(pfx+"[%d] rcv: expected error", i)
			default:
				tcb.helperConsume(seg)
			}
		}
		var wantState State
		var wantPending *Segment
		if isPeerA {
			wantState = st.AState
			wantPending = st.APending
		} else {
			wantState = st.BState
			wantPending = st.BPending
		}

		t.Logf(pfx+"[%d] state=%s (want=%s)", i, tcb._state, wantState)

		state := tcb.State()
		if state != wantState {
			t.Errorf(pfx+"[%d] unexpected state:\n got=%s\nwant=%s", i, state, wantState)
		}
		pending, ok := tcb.PendingSegment(0)
		if !ok && wantPending != nil {
			t.Fatalf(pfx+"[%d] pending:got none, want=%+v", i, *wantPending)
		} else if wantPending != nil && pending != *wantPending {
			t.Fatalf(pfx+"[%d] pending:\n got=%+v\nwant=%+v", i, pending, *wantPending)
		} else if ok && wantPending == nil {
			t.Fatalf(pfx+"[%d] pending:\n got=%+v\nwant=none", i, pending)
		}
	}
}

// helperConsume consumes the data and FIN of an in-sequence segment.
func (tcb *ControlBlock) helperConsume(seg Segment) {
	if !tcb._state.acceptsData() || seg.SEQ != tcb.rcv.NXT {
		return
	}
	if seg.DATALEN > 0 {
		tcb.advanceRecv(seg.DATALEN)
		tcb.QueueACK()
	}
	if seg.Flags.HasAny(FlagFIN) {
		tcb.recvFIN()
	}
}

func (tcb *ControlBlock) HelperInitState(state State, localISS, localNXT Value, localWindow Size) {
	tcb._state = state
	tcb.snd = sendSpace{
		ISS: localISS,
		UNA: localISS,
		NXT: localNXT,
		WND: 1, // 1 byte window, so we can test the SEQ field.
	}
	tcb.rcv = recvSpace{
		WND: localWindow,
	}
}

func (tcb *ControlBlock) HelperInitRcv(irs, nxt Value, remoteWindow Size) {
	tcb.rcv.IRS = irs
	tcb.rcv.NXT = nxt
	tcb.snd.WND = remoteWindow
}

func (rcv recvSpace) RelativeGoString() string {
	return fmt.Sprintf("{NXT:%d} ", rcv.NXT-rcv.IRS)
}

func (snd sendSpace) RelativeGoString() string {
	nxt := snd.NXT - snd.ISS
	una := snd.UNA - snd.ISS
	unaLen := Sizeof(una, nxt)
	if unaLen != 0 {
		return fmt.Sprintf("{NXT:%d UNA:%d} (%d unacked)", nxt, una, unaLen)
	}
	return fmt.Sprintf("{NXT:%d UNA:%d}", nxt, una)
}

func IsDroppedErr(err error) bool {
	return err != nil && errors.Is(err, errDropSegment)
}
