package session

import "sync/atomic"

// DiscardReason says why an inbound datagram was dropped without touching
// the session.
type DiscardReason uint8

const (
	// DiscardUnknownSender is a datagram from an address other than the
	// configured server.
	DiscardUnknownSender DiscardReason = iota

	// DiscardMalformed is a datagram the codec rejected: too short, wrong
	// length, unknown tag, oversized piece or key.
	DiscardMalformed

	// DiscardUnexpected is a well formed message that makes no sense in
	// the current state, e.g. a piece while not updating.
	DiscardUnexpected

	// DiscardTokenMismatch is a message whose tokens do not match the
	// session's.
	DiscardTokenMismatch

	// DiscardBadUpdateSize is a begin reply announcing an unacceptable
	// payload size.
	DiscardBadUpdateSize

	// DiscardMisaligned is a piece whose offset is not on a piece
	// boundary.
	DiscardMisaligned

	// DiscardOutOfBounds is a piece that would land outside the payload.
	DiscardOutOfBounds

	// DiscardDuplicate is a piece that was already received.
	DiscardDuplicate

	// DiscardPieceLength is a piece with the wrong length for its index.
	DiscardPieceLength

	numDiscardReasons
)

// String returns the metric label for the reason.
func (r DiscardReason) String() string {
	switch r {
	case DiscardUnknownSender:
		return "unknown_sender"
	case DiscardMalformed:
		return "malformed"
	case DiscardUnexpected:
		return "unexpected"
	case DiscardTokenMismatch:
		return "token_mismatch"
	case DiscardBadUpdateSize:
		return "bad_update_size"
	case DiscardMisaligned:
		return "misaligned"
	case DiscardOutOfBounds:
		return "out_of_bounds"
	case DiscardDuplicate:
		return "duplicate"
	case DiscardPieceLength:
		return "piece_length"
	default:
		return "unknown"
	}
}

// DiscardReasons returns every reason, in order.
func DiscardReasons() []DiscardReason {
	reasons := make([]DiscardReason, 0, numDiscardReasons)
	for r := DiscardReason(0); r < numDiscardReasons; r++ {
		reasons = append(reasons, r)
	}

	return reasons
}

// Stats counts what happened to inbound and outbound traffic. The counters
// are atomic so they can be read while the session runs.
type Stats struct {
	discarded     [numDiscardReasons]atomic.Uint64
	accepted      atomic.Uint64
	pieceRequests atomic.Uint64
	sendErrors    atomic.Uint64
}

func (s *Stats) discard(r DiscardReason) {
	s.discarded[r].Add(1)
}

// Discarded returns the number of datagrams dropped for reason r.
func (s *Stats) Discarded(r DiscardReason) uint64 {
	if r >= numDiscardReasons {
		return 0
	}

	return s.discarded[r].Load()
}

// TotalDiscarded returns the number of datagrams dropped for any reason.
func (s *Stats) TotalDiscarded() uint64 {
	var total uint64
	for i := range s.discarded {
		total += s.discarded[i].Load()
	}

	return total
}

// PiecesAccepted returns the number of pieces written into a payload.
func (s *Stats) PiecesAccepted() uint64 {
	return s.accepted.Load()
}

// PieceRequests returns the number of piece requests sent.
func (s *Stats) PieceRequests() uint64 {
	return s.pieceRequests.Load()
}

// SendErrors returns the number of datagrams the channel failed to send.
func (s *Stats) SendErrors() uint64 {
	return s.sendErrors.Load()
}
