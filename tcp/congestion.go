package tcp

import "math"

// congestion implements slow start and congestion avoidance with the
// window counted in segments.
type congestion struct {
	cwnd     uint32
	ssthresh uint32
	// count accumulates acknowledgments during congestion avoidance.
	count uint32
}

func (cc *congestion) reset() {
	*cc = congestion{cwnd: 1, ssthresh: math.MaxUint32}
}

// Window returns the congestion window in segments.
func (cc *congestion) Window() uint32 { return cc.cwnd }

// Threshold returns the slow start threshold in segments. math.MaxUint32 means unset.
func (cc *congestion) Threshold() uint32 { return cc.ssthresh }

func (cc *congestion) inSlowStart() bool { return cc.cwnd < cc.ssthresh }

// onAck grows the window after an acknowledgment of new data.
func (cc *congestion) onAck() {
	if cc.inSlowStart() {
		cc.cwnd++
		return
	}
	cc.count++
	if cc.count >= cc.cwnd {
		cc.count = 0
		cc.cwnd++
	}
}

// onLoss collapses the window after a retransmission timeout.
func (cc *congestion) onLoss() {
	cc.ssthresh = max(cc.cwnd/2, 2)
	cc.cwnd = 1
	cc.count = 0
}

// canSend reports whether another segment may be put in flight.
func (cc *congestion) canSend(inflightSegments int) bool {
	return uint32(inflightSegments) < cc.cwnd
}
