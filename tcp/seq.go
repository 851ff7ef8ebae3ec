package tcp

import "time"

// Value represents the value of a sequence number. Comparisons between
// Values are performed modulo 2**32 so they remain correct across wraparound.
type Value uint32

// Size represents the size (length) of a sequence number window or of a
// segment's contribution to the sequence space.
type Size uint32

// LessThan checks if v is before w (modulo 32) i.e., v < w.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v==w or v is before w i.e., v <= w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the range [a,b) (modulo 32), i.e., a <= v < b.
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at 'first' and spans 'size'
// sequence numbers (modulo 32). A zero size window contains no values.
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, Add(first, size))
}

// UpdateForward updates v such that it becomes v + s.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Add calculates the sequence number following the [v, v+s) window.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// Sizeof calculates the size of the window defined by [v, w).
func Sizeof(v, w Value) Size {
	return Size(w - v)
}

// Before reports whether a precedes b in sequence space.
func Before(a, b Value) bool { return a.LessThan(b) }

// After reports whether a follows b in sequence space.
func After(a, b Value) bool { return b.LessThan(a) }

// Between reports whether lo <= seq <= hi in sequence space.
func Between(seq, lo, hi Value) bool {
	return seq-lo <= hi-lo
}

// maxValue returns the later of a and b in sequence space.
func maxValue(a, b Value) Value {
	if a.LessThan(b) {
		return b
	}
	return a
}

// DefaultNewISS returns a clock driven initial sequence number which
// increments once every 4 microseconds as described in RFC 9293 3.4.1.
func DefaultNewISS(t time.Time) Value {
	return Value(t.UnixMicro() / 4)
}
