package pieces

import (
	"errors"
	"fmt"
)

var (
	// ErrMisaligned is returned for offsets that are not a multiple of
	// the piece size.
	ErrMisaligned = errors.New("piece offset not on a piece boundary")

	// ErrOutOfBounds is returned when a piece would land outside the
	// payload or maps to an index past the last piece.
	ErrOutOfBounds = errors.New("piece outside of payload")

	// ErrDuplicate is returned for pieces that were already received.
	ErrDuplicate = errors.New("piece already received")

	// ErrPieceLength is returned when a piece is not exactly as long as
	// its index requires: full size for every piece but the last, the
	// remainder for the last.
	ErrPieceLength = errors.New("piece has wrong length for its index")

	// ErrPieceTooLarge is returned for pieces longer than the piece size.
	ErrPieceTooLarge = errors.New("piece larger than piece size")
)

// Assembler owns the buffer an update payload is assembled in. It writes
// every piece exactly once and never outside [0, Size()).
type Assembler struct {
	data      []byte
	pieceSize uint32
	tracker   *Tracker
}

// NewAssembler allocates the payload buffer and its tracker for a payload of
// total bytes. total must be in (0, maxSize).
func NewAssembler(total, pieceSize, maxSize uint32) (*Assembler, error) {
	switch {
	case pieceSize == 0:
		return nil, errors.New("piece size must be positive")

	case total == 0 || total >= maxSize:
		return nil, fmt.Errorf("update size %d not in (0, %d)", total,
			maxSize)
	}

	return &Assembler{
		data:      make([]byte, total),
		pieceSize: pieceSize,
		tracker:   NewTracker(NumPieces(total, pieceSize)),
	}, nil
}

// Size returns the payload size in bytes.
func (a *Assembler) Size() uint32 {
	return uint32(len(a.data))
}

// NumPieces returns the number of pieces the payload is split into.
func (a *Assembler) NumPieces() int {
	return a.tracker.Len()
}

// Received returns the number of pieces written so far.
func (a *Assembler) Received() int {
	return a.tracker.Count()
}

// Offset returns the byte offset piece i starts at.
func (a *Assembler) Offset(i int) uint32 {
	return uint32(i) * a.pieceSize
}

// PieceLength returns the length of piece i. Every piece is pieceSize long
// except the last, which holds the remainder.
func (a *Assembler) PieceLength(i int) uint32 {
	if i < 0 || i >= a.tracker.Len() {
		return 0
	}

	if i < a.tracker.Len()-1 {
		return a.pieceSize
	}

	if rem := a.Size() % a.pieceSize; rem != 0 {
		return rem
	}

	return a.pieceSize
}

// Has reports whether piece i was received.
func (a *Assembler) Has(i int) bool {
	return a.tracker.Has(i)
}

// NextMissing returns the first missing piece at or after from.
func (a *Assembler) NextMissing(from int) (int, bool) {
	return a.tracker.NextMissing(from)
}

// Complete reports whether every piece was written.
func (a *Assembler) Complete() bool {
	return a.tracker.Complete()
}

// Write copies a received piece into the payload and marks it. The buffer is
// untouched unless every check passes. It returns the piece index.
func (a *Assembler) Write(offset uint32, data []byte) (int, error) {
	length := uint64(len(data))
	if length > uint64(a.pieceSize) {
		return 0, ErrPieceTooLarge
	}

	if offset%a.pieceSize != 0 {
		return 0, ErrMisaligned
	}

	if uint64(offset)+length > uint64(len(a.data)) {
		return 0, ErrOutOfBounds
	}

	idx := int(offset / a.pieceSize)
	if idx >= a.tracker.Len() {
		return 0, ErrOutOfBounds
	}

	if a.tracker.Has(idx) {
		return idx, ErrDuplicate
	}

	if uint32(length) != a.PieceLength(idx) {
		return idx, ErrPieceLength
	}

	copy(a.data[offset:], data)
	a.tracker.Set(idx)

	return idx, nil
}

// Bytes returns the assembled payload. The slice aliases the internal buffer
// and is only meaningful once Complete reports true.
func (a *Assembler) Bytes() []byte {
	return a.data
}
