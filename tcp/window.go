package tcp

import "math"

// rcvWindow computes the receive window advertised to the remote.
// The right edge RCV.NXT+RCV.WND never moves left, and is only moved right when
// it opens by at least min(MSS, bufsize/2) octets (receiver side SWS avoidance).
// When either rule would be violated the previous edge is repeated.
type rcvWindow struct {
	bufsize    int
	mss        int
	edge       Value
	advertised bool
}

func (w *rcvWindow) reset(bufsize, mss int) {
	*w = rcvWindow{bufsize: bufsize, mss: mss}
}

func (w *rcvWindow) threshold() Size {
	return Size(max(1, min(w.mss, w.bufsize/2)))
}

// previous returns the window remaining from the last advertised edge as seen from nxt.
func (w *rcvWindow) previous(nxt Value) Size {
	if !w.advertised || w.edge.LessThanEq(nxt) {
		return 0
	}
	return Sizeof(nxt, w.edge)
}

// candidate returns the window that would be advertised at nxt with free buffer space.
func (w *rcvWindow) candidate(nxt Value, free int) Size {
	wnd := Size(min(max(free, 0), math.MaxUint16))
	if !w.advertised {
		return wnd
	}
	prev := w.previous(nxt)
	if wnd <= prev || wnd-prev < w.threshold() {
		return prev
	}
	return wnd
}

// advertise computes the window at nxt and records its right edge as promised.
func (w *rcvWindow) advertise(nxt Value, free int) Size {
	wnd := w.candidate(nxt, free)
	w.commit(nxt, wnd)
	return wnd
}

// commit records the right edge of a window sent to the remote.
func (w *rcvWindow) commit(nxt Value, wnd Size) {
	edge := Add(nxt, wnd)
	if w.advertised && edge.LessThan(w.edge) {
		return
	}
	w.edge = edge
	w.advertised = true
}

// opens reports whether a window update should be sent because
// free space grew enough to move the right edge.
func (w *rcvWindow) opens(nxt Value, free int) bool {
	return w.advertised && w.candidate(nxt, free) != w.previous(nxt)
}
