package tcp

import "time"

// rttEstimator keeps smoothed round trip time and deviation in fixed point
// and derives the retransmission timeout from them.
//
//	err  = m - srtt
//	srtt = srtt + err/8
//	dev  = dev + (|err| - dev)/4
//	rto  = clamp(srtt8/4 + dev4/2, min, max)
//
// srtt8 holds srtt scaled by 8 and dev4 holds the deviation scaled by 4.
type rttEstimator struct {
	srtt8 time.Duration
	dev4  time.Duration
	// rto is the current timeout including backoff.
	rto    time.Duration
	minRTO time.Duration
	maxRTO time.Duration
	// backoff counts consecutive timeouts. Reset when the remote acknowledges new data.
	backoff int
	// retransmits counts every retransmission of the connection.
	retransmits int
}

func (r *rttEstimator) reset(initial, minRTO, maxRTO time.Duration) {
	*r = rttEstimator{
		rto:    clampDuration(initial, minRTO, maxRTO),
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

// RTO returns the current retransmission timeout.
func (r *rttEstimator) RTO() time.Duration { return r.rto }

// SRTT returns the smoothed round trip time. Zero if no sample was taken.
func (r *rttEstimator) SRTT() time.Duration { return r.srtt8 / 8 }

// sample updates the estimate with a round trip measurement taken
// from data that was transmitted exactly once.
func (r *rttEstimator) sample(m time.Duration) {
	if m <= 0 {
		m = 1
	}
	if r.srtt8 == 0 {
		r.srtt8 = 8 * m
		r.dev4 = 2 * m
	} else {
		err := m - r.srtt8/8
		r.srtt8 += err
		if err < 0 {
			err = -err
		}
		r.dev4 += err - r.dev4/4
	}
	r.rto = clampDuration(r.srtt8/4+r.dev4/2, r.minRTO, r.maxRTO)
}

// timeout doubles the retransmission timeout after an expiry.
func (r *rttEstimator) timeout() {
	r.backoff++
	r.retransmits++
	r.rto = clampDuration(2*r.rto, r.minRTO, r.maxRTO)
}

// progress is called when the remote acknowledges new data.
func (r *rttEstimator) progress() { r.backoff = 0 }

func clampDuration(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}
