package session

import (
	"time"

	"github.com/ezratameno/camupdate/internal/pieces"
	"github.com/ezratameno/camupdate/internal/wire"
)

// Tick performs at most one time gated action: a repeated version query
// while no version info has arrived, an update begin request while waiting
// for a session, a round of piece requests while fetching, or the finalize
// step once every piece is in.
func (s *Session) Tick(now time.Time) {
	if s.awaitingVersion {
		s.retryVersionQuery(now)
		return
	}

	asm, err := s.asm.UnwrapOrErr(errNotUpdating)
	if err != nil {
		if !s.finished && now.Sub(s.lastBegin) >= s.cfg.Policy.BeginInterval {
			s.lastBegin = now
			s.requestBegin()
		}

		return
	}

	if s.scanIdx >= asm.NumPieces() {
		s.finalize(asm)
		return
	}

	if now.Sub(s.lastPiece) >= s.cfg.Policy.PieceInterval {
		s.lastPiece = now
		s.requestPieces(asm)
	}
}

// retryVersionQuery repeats the version query every BeginInterval. The first
// tick after RequestVersion only starts the timer.
func (s *Session) retryVersionQuery(now time.Time) {
	switch {
	case s.lastQuery.IsZero():
		s.lastQuery = now

	case now.Sub(s.lastQuery) >= s.cfg.Policy.BeginInterval:
		s.lastQuery = now
		log.Debugf("No version info received, asking again")
		s.sendVersionQuery()
	}
}

func (s *Session) requestBegin() {
	token, err := s.cfg.Tokens.GenerateToken()
	if err != nil {
		log.Errorf("Unable to generate client token: %v", err)
		return
	}
	s.clientToken = token

	log.Debugf("Sending update begin request for version %d",
		s.targetVersion)

	req := &wire.UpdateBeginRequest{
		Header:        wire.Header{Version: s.targetVersion},
		ClientVersion: s.targetVersion,
		ClientToken:   s.clientToken,
		ServerToken:   s.serverToken,
	}
	s.send(req)

	s.status.Code = StatusNone
}

// requestPieces asks for up to MaxRequests missing pieces starting at the
// scan index, then moves the scan index to the first piece still missing.
func (s *Session) requestPieces(asm *pieces.Assembler) {
	first := -1
	next := s.scanIdx
	for sent := 0; sent < s.cfg.Policy.MaxRequests; sent++ {
		idx, ok := asm.NextMissing(next)
		if !ok {
			break
		}
		if first < 0 {
			first = idx
		}

		req := &wire.PieceRequest{
			Header:      wire.Header{Version: s.targetVersion},
			ClientToken: s.clientToken,
			ServerToken: s.serverToken,
			Offset:      asm.Offset(idx),
		}
		s.send(req)
		s.stats.pieceRequests.Add(1)

		next = idx + 1
	}

	if first < 0 {
		s.scanIdx = asm.NumPieces()
		return
	}

	s.scanIdx = first
}

// finalize verifies and persists a complete payload, then resets the
// session. A failed attempt leaves the session unfinished so that the next
// begin timer starts over.
func (s *Session) finalize(asm *pieces.Assembler) {
	payload := asm.Bytes()

	if s.cfg.SkipSignatureCheck {
		log.Warnf("Accepting update without signature check")
	} else if !s.cfg.Verifier.VerifySignature(
		s.signature[:], payload, s.publicKey,
	) {
		log.Errorf("Update signature verification failed")
		s.status.Code = StatusBadSig
		s.reset(false)
		return
	}

	log.Infof("Writing update of %d bytes to %v", len(payload),
		s.cfg.StagingPath)

	if err := s.cfg.Storage.WriteFile(s.cfg.StagingPath, payload); err != nil {
		log.Errorf("Unable to write update: %v", err)
		s.status.Code = StatusBadWrite
		s.reset(false)
		return
	}

	s.status.Code = StatusUpToDate
	s.installPending = true
	s.reset(true)
}
