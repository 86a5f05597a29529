package residency

// Budget tracks memory allocated against a fixed capacity. A zero capacity
// means unlimited. Budget is not synchronized; the Manager guards it.
type Budget struct {
	capacity  int64
	allocated int64
}

func (b *Budget) fits(n int64) bool {
	return b.capacity == 0 || b.allocated+n <= b.capacity
}

// allocate commits n bytes if they fit.
func (b *Budget) allocate(n int64) bool {
	if !b.fits(n) {
		return false
	}
	b.allocated += n
	return true
}

func (b *Budget) release(n int64) {
	b.allocated -= n
	if b.allocated < 0 {
		b.allocated = 0
	}
}

// Capacity returns the configured capacity in bytes.
func (b *Budget) Capacity() int64 { return b.capacity }

// Allocated returns the committed bytes.
func (b *Budget) Allocated() int64 { return b.allocated }
