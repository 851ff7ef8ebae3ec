package tcp

// SetCongestion overrides the congestion state of conn.
func SetCongestion(conn *Conn, cwnd, ssthresh uint32) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.h.cc.cwnd = cwnd
	conn.h.cc.ssthresh = ssthresh
	conn.h.cc.count = 0
}

// ArmedTimers returns the purposes of the timers armed on conn.
func ArmedTimers(conn *Conn) (purposes []string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for p := timerPurpose(0); p < numTimers; p++ {
		if conn.h.timers.armed(p) {
			purposes = append(purposes, p.String())
		}
	}
	return purposes
}

// Congestion returns the segments in flight and the congestion window of conn.
func Congestion(conn *Conn) (inflight int, cwnd uint32) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.txq.InFlight(), conn.h.cc.Window()
}
