package tcp

import (
	"github.com/google/btree"
	"github.com/smallnest/ringbuffer"
)

// rxEntry is a received segment held in the reassembly queue.
type rxEntry struct {
	seq   Value
	data  []byte
	fin   bool
	acked bool
	// order is the insertion order, used to evict the oldest unacknowledged entries first.
	order uint64
}

func (e *rxEntry) end() Value { return Add(e.seq, Size(len(e.data))) }

func rxEntryLess(a, b *rxEntry) bool { return a.seq.LessThan(b.seq) }

// reassembly is the receive reassembly queue. Segments received out of order are
// kept in a B-tree keyed by their starting sequence number until the receive edge
// reaches them. Entries reached by the edge are marked acknowledged and moved to the
// ready list, from which they are copied into the user facing receive buffer.
//
// All queued octets are accounted against a [MemoryAccountant].
type reassembly struct {
	tree *btree.BTreeG[*rxEntry]
	// ready holds acknowledged entries in sequence order not yet copied to the receive buffer.
	ready []*rxEntry
	mem   MemoryAccountant
	order uint64
	// queued is the number of octets held in unacknowledged entries.
	queued int
	// readyLen is the number of octets held in ready entries.
	readyLen int
}

func (ra *reassembly) reset(mem MemoryAccountant) {
	ra.clear()
	if ra.tree == nil {
		ra.tree = btree.NewG(8, rxEntryLess)
	}
	ra.mem = mem
}

// clear discards all entries and releases their memory.
func (ra *reassembly) clear() {
	if ra.tree != nil {
		ra.tree.Clear(false)
	}
	if ra.mem != nil {
		ra.mem.Release(ra.queued + ra.readyLen)
	}
	ra.ready = ra.ready[:0]
	ra.queued = 0
	ra.readyLen = 0
}

// Len returns amount of entries, acknowledged or not, in the queue.
func (ra *reassembly) Len() int {
	n := len(ra.ready)
	if ra.tree != nil {
		n += ra.tree.Len()
	}
	return n
}

// Buffered returns the amount of octets held, acknowledged or not.
func (ra *reassembly) Buffered() int { return ra.queued + ra.readyLen }

// hasGap reports whether entries beyond nxt are waiting for missing octets.
func (ra *reassembly) hasGap() bool { return ra.tree != nil && ra.tree.Len() > 0 }

// insert queues payload starting at seq. Octets before nxt were already acknowledged
// and are trimmed. limit is the maximum amount of octets the queue may hold, past which
// the oldest unacknowledged entries are evicted. insert returns the number of new octets held.
func (ra *reassembly) insert(seq Value, payload []byte, fin bool, nxt Value, limit int) int {
	if seq.LessThan(nxt) {
		cut := Sizeof(seq, nxt)
		if int(cut) >= len(payload) {
			if !fin || int(cut) > len(payload) {
				return 0 // Entirely acknowledged already.
			}
			payload = payload[:0]
		} else {
			payload = payload[cut:]
		}
		seq = nxt
	}
	if len(payload) == 0 && !fin {
		return 0
	}
	newEnd := Add(seq, Size(len(payload)))

	// Discard if new segment is a sub-range of an existing entry starting at or before it.
	subsumed := false
	ra.tree.DescendLessOrEqual(&rxEntry{seq: seq}, func(e *rxEntry) bool {
		subsumed = newEnd.LessThanEq(e.end()) && (e.fin || !fin)
		return false
	})
	if subsumed {
		return 0
	}
	// Discard existing entries fully covered by the new segment.
	var covered []*rxEntry
	ra.tree.AscendGreaterOrEqual(&rxEntry{seq: seq}, func(e *rxEntry) bool {
		if newEnd.LessThan(e.seq) {
			return false
		}
		if e.end().LessThanEq(newEnd) && (fin || !e.fin) {
			covered = append(covered, e)
		}
		return true
	})
	for _, e := range covered {
		ra.remove(e)
	}

	for ra.Buffered()+len(payload) > limit {
		if !ra.evictOldest() {
			return 0 // Backpressure: peer will retransmit.
		}
	}
	if !ra.mem.Reserve(len(payload)) {
		// Shared memory exhausted: shed our own unacknowledged entries before giving up.
		if !ra.evictOldest() || !ra.mem.Reserve(len(payload)) {
			return 0
		}
	}
	ra.order++
	e := &rxEntry{
		seq:   seq,
		data:  append([]byte(nil), payload...),
		fin:   fin,
		order: ra.order,
	}
	if old, replaced := ra.tree.ReplaceOrInsert(e); replaced {
		ra.queued -= len(old.data)
		ra.mem.Release(len(old.data))
	}
	ra.queued += len(e.data)
	return len(e.data)
}

func (ra *reassembly) remove(e *rxEntry) {
	ra.tree.Delete(e)
	ra.queued -= len(e.data)
	ra.mem.Release(len(e.data))
}

// evictOldest discards the oldest inserted unacknowledged entry.
// Acknowledged entries are never evicted.
func (ra *reassembly) evictOldest() bool {
	var oldest *rxEntry
	ra.tree.Ascend(func(e *rxEntry) bool {
		if oldest == nil || e.order < oldest.order {
			oldest = e
		}
		return true
	})
	if oldest == nil {
		return false
	}
	ra.remove(oldest)
	return true
}

// advance walks forward from the receive edge nxt marking every reachable entry as
// acknowledged. It returns the new receive edge, not counting the FIN, and whether
// the walk reached a FIN.
func (ra *reassembly) advance(nxt Value) (_ Value, fin bool) {
	for {
		e, ok := ra.tree.Min()
		if !ok || nxt.LessThan(e.seq) {
			break
		}
		ra.tree.DeleteMin()
		ra.queued -= len(e.data)
		end := e.end()
		if end.LessThan(nxt) || (end == nxt && !e.fin) {
			ra.mem.Release(len(e.data)) // Overlap already acknowledged.
			continue
		}
		if cut := int(Sizeof(e.seq, nxt)); cut > 0 {
			ra.mem.Release(cut)
			e.data = e.data[cut:]
			e.seq = nxt
		}
		e.acked = true
		nxt = end
		ra.readyLen += len(e.data)
		ra.ready = append(ra.ready, e)
		if e.fin {
			fin = true
			break
		}
	}
	if fin {
		// Nothing beyond the FIN is part of the stream.
		for {
			e, ok := ra.tree.DeleteMin()
			if !ok {
				break
			}
			ra.queued -= len(e.data)
			ra.mem.Release(len(e.data))
		}
	}
	return nxt, fin
}

// deliver copies acknowledged octets into rb as space permits and
// returns the amount of octets moved.
func (ra *reassembly) deliver(rb *ringbuffer.RingBuffer) (moved int) {
	for len(ra.ready) > 0 {
		e := ra.ready[0]
		free := rb.Free()
		if free == 0 && len(e.data) > 0 {
			break
		}
		n := min(free, len(e.data))
		if n > 0 {
			n, _ = rb.Write(e.data[:n])
		}
		moved += n
		ra.readyLen -= n
		ra.mem.Release(n)
		e.data = e.data[n:]
		if len(e.data) > 0 {
			break // Receive buffer full.
		}
		ra.ready[0] = nil
		ra.ready = ra.ready[1:]
	}
	return moved
}
