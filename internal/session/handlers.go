package session

import (
	"errors"

	"github.com/ezratameno/camupdate/internal/pieces"
	"github.com/ezratameno/camupdate/internal/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

func (s *Session) handleVersionInfo(m *wire.VersionInfo) {
	log.Infof("Server version: %d", m.Version)
	s.awaitingVersion = false

	if m.Version == s.localVersion {
		log.Infof("Client is up to date")
		s.status.Code = StatusUpToDate
		return
	}

	log.Infof("Client needs update: local=%d, server=%d", s.localVersion,
		m.Version)

	s.status.Code = StatusNeedsUpdate
	s.targetVersion = m.Version
	s.publicKey = append(s.publicKey[:0], m.PublicKey...)
	s.finished = false
}

func (s *Session) handleUpdateBegin(m *wire.UpdateBeginReply) {
	if s.Updating() {
		log.Tracef("Dropping duplicate update begin reply")
		s.stats.discard(DiscardUnexpected)
		return
	}

	if s.finished {
		s.stats.discard(DiscardUnexpected)
		return
	}

	asm, err := pieces.NewAssembler(
		m.UpdateSize, s.cfg.Policy.PieceSize, s.cfg.Policy.MaxUpdateSize,
	)
	if err != nil {
		log.Warnf("Rejecting update of %d bytes: %v", m.UpdateSize, err)
		s.stats.discard(DiscardBadUpdateSize)
		return
	}

	log.Infof("Starting update: %d bytes in %d pieces", m.UpdateSize,
		asm.NumPieces())

	s.asm = fn.Some(asm)
	s.signature = m.Signature
	s.scanIdx = 0
	s.status.Bytes = 0
	s.status.Total = m.UpdateSize
	s.finished = false
}

func (s *Session) handleTokenAssignment(m *wire.TokenAssignment) {
	if s.clientToken == 0 || m.ClientToken != s.clientToken {
		s.stats.discard(DiscardTokenMismatch)
		return
	}

	log.Debugf("Assigned server token %x", m.ServerToken)
	s.serverToken = m.ServerToken
}

func (s *Session) handlePieceData(m *wire.PieceData) {
	asm, err := s.asm.UnwrapOrErr(errNotUpdating)
	if err != nil {
		s.stats.discard(DiscardUnexpected)
		return
	}

	if m.ClientToken != s.clientToken || m.ServerToken != s.serverToken {
		s.stats.discard(DiscardTokenMismatch)
		return
	}

	idx, err := asm.Write(m.Offset, m.Data)
	if err != nil {
		log.Tracef("Dropping piece at offset %d: %v", m.Offset, err)
		s.stats.discard(pieceDiscardReason(err))
		return
	}

	log.Tracef("Received piece %d (%d/%d)", idx, asm.Received(),
		asm.NumPieces())

	s.stats.accepted.Add(1)
	s.status.Bytes += uint32(len(m.Data))
}

var errNotUpdating = errors.New("no update in progress")

// pieceDiscardReason maps an assembler rejection to its counter.
func pieceDiscardReason(err error) DiscardReason {
	switch {
	case errors.Is(err, pieces.ErrMisaligned):
		return DiscardMisaligned
	case errors.Is(err, pieces.ErrOutOfBounds):
		return DiscardOutOfBounds
	case errors.Is(err, pieces.ErrDuplicate):
		return DiscardDuplicate
	case errors.Is(err, pieces.ErrPieceLength):
		return DiscardPieceLength
	case errors.Is(err, pieces.ErrPieceTooLarge):
		return DiscardMalformed
	default:
		return DiscardUnexpected
	}
}
