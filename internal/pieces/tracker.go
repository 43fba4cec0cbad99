// Package pieces tracks and assembles an update payload that arrives in
// fixed-size chunks, in any order, possibly more than once.
package pieces

import "math/bits"

// Tracker is a bitfield with one bit per piece. Bits are laid out high bit
// first, the same way a BitTorrent bitfield message packs piece indexes.
type Tracker struct {
	bits  []byte
	n     int
	count int
}

// NewTracker returns a tracker for n pieces, all missing.
func NewTracker(n int) *Tracker {
	if n < 0 {
		n = 0
	}

	return &Tracker{
		bits: make([]byte, (n+7)/8),
		n:    n,
	}
}

// NumPieces returns ceil(total/pieceSize).
func NumPieces(total, pieceSize uint32) int {
	if pieceSize == 0 {
		return 0
	}

	return int((uint64(total) + uint64(pieceSize) - 1) / uint64(pieceSize))
}

// Len returns the number of pieces tracked.
func (t *Tracker) Len() int {
	return t.n
}

// Count returns the number of pieces marked received.
func (t *Tracker) Count() int {
	return t.count
}

// Has reports whether piece i was received. Out of range indexes report
// false.
func (t *Tracker) Has(i int) bool {
	if i < 0 || i >= t.n {
		return false
	}

	return t.bits[i/8]&(0x80>>(i%8)) != 0
}

// Set marks piece i received. It returns false if i is out of range or the
// piece was already marked.
func (t *Tracker) Set(i int) bool {
	if i < 0 || i >= t.n || t.Has(i) {
		return false
	}

	t.bits[i/8] |= 0x80 >> (i % 8)
	t.count++

	return true
}

// NextMissing returns the lowest missing index >= from.
func (t *Tracker) NextMissing(from int) (int, bool) {
	if from < 0 {
		from = 0
	}

	for i := from; i < t.n; {
		b := t.bits[i/8]

		// Whole byte received, skip to the next one.
		if i%8 == 0 && b == 0xff {
			i += 8
			continue
		}

		// Mask off the bits below i and look for the first zero.
		free := ^b & (0xff >> (i % 8))
		if free == 0 {
			i = (i/8 + 1) * 8
			continue
		}

		idx := (i/8)*8 + bits.LeadingZeros8(free)
		if idx >= t.n {
			return 0, false
		}

		return idx, true
	}

	return 0, false
}

// Complete reports whether every piece was received.
func (t *Tracker) Complete() bool {
	return t.count == t.n
}
