package internal

// SliceReuse prepares a slice for reuse with capacity at least n.
// After calling SliceReuse, the slice will have:
//   - length = 0
//   - capacity >= n (exactly n if a new allocation was needed)
func SliceReuse[T any](buf *[]T, n int) {
	if cap(*buf) < n {
		*buf = make([]T, 0, n)
	} else {
		*buf = (*buf)[:0]
	}
}

// PopFront removes the first element of a and shifts the rest left,
// zeroing the vacated tail slot so pointers are not retained.
func PopFront[T any](a []T) []T {
	if len(a) == 0 {
		return a
	}
	n := copy(a, a[1:])
	var z T
	a[n] = z
	return a[:n]
}
