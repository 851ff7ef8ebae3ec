package tcp

import (
	"strconv"
	"time"

	"github.com/soypat/tcpengine/internal"
)

// txSegment is a segment sent and not yet acknowledged. Its data lives in the
// send queue ring, starting at the ring's read offset for the oldest segment.
type txSegment struct {
	seq   Value
	n     int   // Data octets.
	flags Flags // SYN, FIN and PSH as originally sent.
	// sentAt is the time of the latest transmission.
	sentAt time.Time
	// retransmitted is set once the segment was sent more than once.
	retransmitted bool
}

// LEN returns the sequence space occupied by the segment.
func (s *txSegment) LEN() Size {
	n := Size(s.n)
	if s.flags.HasAny(FlagSYN) {
		n++
	}
	if s.flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

func (s *txSegment) end() Value { return Add(s.seq, s.LEN()) }

// sendQueue holds all local data not yet acknowledged by the remote in a single ring.
//
//	|   free   |   sent (retx)   |   unsent   |   free   |
//	         SND.UNA          SND.NXT
//
// Unsent data is released in order as the send and congestion windows permit.
// Less than a full segment of unsent data is only released when flushed (Nagle).
type sendQueue struct {
	ring internal.Ring
	// retx describes the sent segments in sequence order.
	retx []txSegment
	// scratch holds the payload returned by peek and oldestData.
	scratch []byte
	mss     int
	mem     MemoryAccountant
	// buffered is the amount of unsent octets in ring.
	buffered int
	// inflight is the amount of sent data octets in ring.
	inflight int
}

func (q *sendQueue) reset(mss, limit int, mem MemoryAccountant) {
	q.clear()
	if cap(q.ring.Buf) >= limit {
		q.ring.Buf = q.ring.Buf[:limit]
	} else {
		q.ring.Buf = make([]byte, limit)
	}
	q.mss = mss
	q.mem = mem
}

// clear drops all queued data and releases its memory.
func (q *sendQueue) clear() {
	if q.mem != nil {
		q.mem.Release(q.buffered + q.inflight)
	}
	q.ring.Reset()
	q.retx = q.retx[:0]
	q.buffered = 0
	q.inflight = 0
}

// Free returns the amount of octets that can be written.
func (q *sendQueue) Free() int { return q.ring.Free() }

// Buffered returns the amount of written octets not yet sent.
func (q *sendQueue) Buffered() int { return q.buffered }

// BufferedSent returns the amount of data octets sent but not acknowledged.
func (q *sendQueue) BufferedSent() int { return q.inflight }

// InFlight returns the number of segments sent but not acknowledged.
func (q *sendQueue) InFlight() int { return len(q.retx) }

// Write queues as much of b as fits. A short write is returned when the queue is
// full or shared memory is exhausted.
func (q *sendQueue) Write(b []byte) int {
	n := min(len(b), q.Free())
	if n == 0 || !q.mem.Reserve(n) {
		return 0
	}
	n, err := q.ring.Write(b[:n])
	if err != nil {
		panic("tcp: send ring write: " + err.Error())
	}
	q.buffered += n
	return n
}

// hasFullSegment returns true if a full segment is waiting to be sent.
func (q *sendQueue) hasFullSegment() bool { return q.buffered >= q.mss }

// peek returns up to maxLen octets of the next payload to send without removing them.
// Less than a full segment is only returned when flush is set. The returned
// slice is valid until the next call to peek or oldestData.
func (q *sendQueue) peek(maxLen int, flush bool) []byte {
	n := min(maxLen, q.mss, q.buffered)
	if n <= 0 || (q.buffered < q.mss && !flush) {
		return nil
	}
	return q.readAt(q.inflight, n)
}

// oldestData returns the data of the oldest segment in flight. The returned
// slice is valid until the next call to peek or oldestData.
func (q *sendQueue) oldestData() []byte {
	if len(q.retx) == 0 || q.retx[0].n == 0 {
		return nil
	}
	return q.readAt(0, q.retx[0].n)
}

func (q *sendQueue) readAt(off, n int) []byte {
	internal.SliceReuse(&q.scratch, n)
	p := q.scratch[:n]
	if _, err := q.ring.ReadAt(p, int64(off)); err != nil {
		panic("tcp: send ring read: " + err.Error())
	}
	return p
}

// commit marks the first n unsent octets as sent and records them, with
// control flags, as a segment in flight starting at seq.
func (q *sendQueue) commit(seq Value, n int, flags Flags, now time.Time) {
	n = min(n, q.buffered)
	q.buffered -= n
	q.inflight += n
	seg := txSegment{seq: seq, n: n, flags: flags & (FlagSYN | FlagFIN | FlagPSH), sentAt: now}
	if last := len(q.retx) - 1; last >= 0 && q.retx[last].seq == seq && n == 0 {
		// Control segment resent with a new header, i.e: SYN then SYN|ACK in simultaneous open.
		q.retx[last].flags |= seg.flags
		q.retx[last].sentAt = now
		q.retx[last].retransmitted = true
		return
	}
	if seg.LEN() > 0 {
		q.retx = append(q.retx, seg)
	}
}

// oldest returns the oldest segment in flight.
func (q *sendQueue) oldest() (*txSegment, bool) {
	if len(q.retx) == 0 {
		return nil, false
	}
	return &q.retx[0], true
}

// discard drops n acknowledged data octets from the front of the ring.
func (q *sendQueue) discard(n int) {
	if n <= 0 {
		return
	}
	if err := q.ring.ReadDiscard(n); err != nil {
		panic("tcp: send ring discard: " + err.Error())
	}
	q.inflight -= n
	q.mem.Release(n)
}

// ackResult describes the effect of an acknowledgment on the send queue.
type ackResult struct {
	// acked is the number of sequence numbers newly acknowledged.
	acked Size
	// sentAt is the transmission time of the newest fully acknowledged segment.
	sentAt time.Time
	// retransmitted is set if any acknowledged segment was retransmitted.
	retransmitted bool
	// finAcked is set when a FIN in flight was acknowledged.
	finAcked bool
}

// ack removes all octets before una from the retransmit queue.
func (q *sendQueue) ack(una Value) (res ackResult) {
	for len(q.retx) > 0 {
		s := &q.retx[0]
		if una.LessThanEq(s.seq) {
			break
		}
		res.retransmitted = res.retransmitted || s.retransmitted
		if s.end().LessThanEq(una) {
			res.acked += s.LEN()
			res.sentAt = s.sentAt
			res.finAcked = res.finAcked || s.flags.HasAny(FlagFIN)
			q.discard(s.n)
			q.retx = internal.PopFront(q.retx)
			continue
		}
		// Partially acknowledged segment.
		cut := Sizeof(s.seq, una)
		res.acked += cut
		if s.flags.HasAny(FlagSYN) {
			s.flags &^= FlagSYN
			cut--
		}
		s.n -= int(cut)
		s.seq = una
		q.discard(int(cut))
		break
	}
	return res
}

func (q *sendQueue) appendString(b []byte) []byte {
	b = append(b, "sendq{inflight="...)
	b = strconv.AppendInt(b, int64(len(q.retx)), 10)
	b = append(b, "seg/"...)
	b = strconv.AppendInt(b, int64(q.inflight), 10)
	b = append(b, "B unsent="...)
	b = strconv.AppendInt(b, int64(q.buffered), 10)
	b = append(b, "B free="...)
	b = strconv.AppendInt(b, int64(q.Free()), 10)
	b = append(b, '}')
	return b
}

func (q *sendQueue) String() string {
	return string(q.appendString(nil))
}
