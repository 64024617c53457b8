package sendq

import "github.com/bits-and-blooms/bitset"

// Dedup is the per-fan-out dedup vector: one bit per possible
// destination (keyed here by connection ID rather than a raw fd, since
// Go connections are not addressed by integer descriptor), guaranteeing
// at-most-once delivery within a single fan-out send (spec.md §4.5,
// §8: "every protocol's cached temp block is null and the per-fd dedup
// vector is zero" after any fan-out).
type Dedup struct {
	seen *bitset.BitSet
}

// NewDedup returns an empty dedup vector sized for up to hint
// destinations; it grows automatically beyond that.
func NewDedup(hint uint) *Dedup {
	return &Dedup{seen: bitset.New(hint)}
}

// MarkIfNew reports whether id has not been seen yet in this fan-out,
// and marks it seen as a side effect. Callers should send only when
// MarkIfNew returns true.
func (d *Dedup) MarkIfNew(id uint) bool {
	if d.seen.Test(id) {
		return false
	}
	d.seen.Set(id)
	return true
}

// Reset clears the vector back to all-zero, ready for reuse by the
// next fan-out (avoiding a fresh allocation per send).
func (d *Dedup) Reset() {
	d.seen.ClearAll()
}
