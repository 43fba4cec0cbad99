// Package session implements the client side of the update protocol: the
// version check, the token handshake, piece fetching and the
// assemble-verify-write pipeline.
//
// A Session is not safe for concurrent use. It is driven by one goroutine
// that feeds it inbound datagrams and calls Tick.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ezratameno/camupdate/internal/pieces"
	"github.com/ezratameno/camupdate/internal/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StatusCode is the outcome reported to the caller.
type StatusCode uint8

const (
	StatusNone StatusCode = iota
	StatusUpToDate
	StatusNeedsUpdate
	StatusBadSig
	StatusBadWrite
)

// String returns a human readable name for the status code.
func (c StatusCode) String() string {
	switch c {
	case StatusNone:
		return "NONE"
	case StatusUpToDate:
		return "UP_TO_DATE"
	case StatusNeedsUpdate:
		return "NEEDS_UPDATE"
	case StatusBadSig:
		return "BAD_SIG"
	case StatusBadWrite:
		return "BAD_WRITE"
	default:
		return "UNKNOWN"
	}
}

// Status is the externally visible progress of the session.
type Status struct {
	Code StatusCode

	// Bytes is the number of payload bytes received in this session.
	Bytes uint32

	// Total is the announced payload size, 0 outside a session.
	Total uint32
}

// ErrNoLocalVersion is returned by RequestVersion when the installed version
// cannot be determined.
var ErrNoLocalVersion = errors.New("could not retrieve the local version")

// Session is the update state machine.
type Session struct {
	cfg     *Config
	decoder wire.Decoder

	localVersion  uint32
	targetVersion uint32
	status        Status

	clientToken uint64
	serverToken uint64

	// finished stops all outbound traffic until a version info asks for
	// an update or a failed attempt is retried.
	finished bool

	// awaitingVersion is set from RequestVersion until a version info
	// arrives. While set, Tick repeats the version query.
	awaitingVersion bool

	// installPending is set when a payload was written and not yet
	// acknowledged by AcknowledgeInstall.
	installPending bool

	// scanIdx is where the next round of piece requests starts. It only
	// moves forward over received pieces.
	scanIdx int

	// asm holds the payload buffer and piece bitmap. It is set exactly
	// while an update is in progress.
	asm fn.Option[*pieces.Assembler]

	signature [wire.SignatureSize]byte
	publicKey []byte

	lastQuery time.Time
	lastBegin time.Time
	lastPiece time.Time

	stats Stats
}

// New returns an idle session.
func New(cfg *Config) (*Session, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Server.IsValid() {
		return nil, errors.New("server address required")
	}

	s := &Session{
		cfg:     cfg,
		decoder: wire.Decoder{MaxPieceSize: cfg.Policy.PieceSize},
	}
	s.reset(true)

	return s, nil
}

// Status returns the current status.
func (s *Session) Status() Status {
	return s.status
}

// Stats returns the session counters. They may be read from any goroutine.
func (s *Session) Stats() *Stats {
	return &s.stats
}

// LocalVersion returns the installed version last read.
func (s *Session) LocalVersion() uint32 {
	return s.localVersion
}

// TargetVersion returns the version the server advertised.
func (s *Session) TargetVersion() uint32 {
	return s.targetVersion
}

// Updating reports whether a payload is being fetched.
func (s *Session) Updating() bool {
	return s.asm.IsSome()
}

// Finished reports whether the session is idle with nothing left to do.
func (s *Session) Finished() bool {
	return s.finished
}

// Tokens returns the client and server token of the session.
func (s *Session) Tokens() (uint64, uint64) {
	return s.clientToken, s.serverToken
}

// RequestVersion reads the local version and asks the server for the latest
// one. The reply is handled by SubmitDatagram.
func (s *Session) RequestVersion() error {
	version, err := s.cfg.Versions.LocalVersion()
	if err == nil && version == 0 {
		err = ErrNoLocalVersion
	}
	if err != nil {
		log.Errorf("Could not retrieve the local version: %v", err)
		return fmt.Errorf("%w: %v", ErrNoLocalVersion, err)
	}

	log.Infof("Local version: %d", version)
	s.localVersion = version

	s.awaitingVersion = true
	s.lastQuery = time.Time{}
	s.sendVersionQuery()

	s.status.Code = StatusNone

	return nil
}

// sendVersionQuery asks the server for its latest version.
func (s *Session) sendVersionQuery() {
	log.Debugf("Sending server version request...")
	query := &wire.VersionQuery{
		Header:       wire.Header{Version: s.localVersion},
		LocalVersion: s.localVersion,
	}
	s.send(query)
}

// SubmitDatagram feeds one inbound datagram to the session. Anything that is
// not a well formed, expected message from the server is dropped and
// counted; nothing is reported to the caller.
func (s *Session) SubmitDatagram(b []byte, from netip.AddrPort) {
	if from != s.cfg.Server {
		s.stats.discard(DiscardUnknownSender)
		return
	}

	msg, err := s.decoder.Decode(b)
	if err != nil {
		log.Tracef("Dropping datagram from %v: %v", from, err)
		s.stats.discard(DiscardMalformed)
		return
	}

	switch m := msg.(type) {
	case *wire.VersionInfo:
		s.handleVersionInfo(m)

	case *wire.UpdateBeginReply:
		s.handleUpdateBegin(m)

	case *wire.TokenAssignment:
		s.handleTokenAssignment(m)

	case *wire.PieceData:
		s.handlePieceData(m)

	default:
		log.Tracef("Dropping %v from server", msg.MsgType())
		s.stats.discard(DiscardUnexpected)
	}
}

// DropTruncated counts a datagram the channel could only deliver in part.
// A cut datagram is never decoded, since its declared lengths can no longer
// be checked against its size.
func (s *Session) DropTruncated(from netip.AddrPort) {
	if from != s.cfg.Server {
		s.stats.discard(DiscardUnknownSender)
		return
	}

	log.Debugf("Dropping truncated datagram from %v", from)
	s.stats.discard(DiscardMalformed)
}

// InstallPending reports whether a payload was written that has not been
// installed yet.
func (s *Session) InstallPending() bool {
	return s.installPending
}

// AcknowledgeInstall is called once the written payload was handed to the
// installer. On success the local version is read again and the status
// returns to NONE.
func (s *Session) AcknowledgeInstall(installed bool) {
	s.installPending = false
	if !installed {
		return
	}

	version, err := s.cfg.Versions.LocalVersion()
	if err != nil {
		log.Errorf("Could not refresh the local version: %v", err)
	} else {
		s.localVersion = version
	}

	s.status.Code = StatusNone
}

// Reset abandons the current update attempt, if any.
func (s *Session) Reset() {
	s.reset(true)
}

// reset releases the session buffers together and clears the tokens. When
// finished is false, the next Tick may start a new attempt.
func (s *Session) reset(finished bool) {
	s.asm = fn.None[*pieces.Assembler]()

	s.finished = finished
	s.clientToken = 0
	s.serverToken = 0
	s.scanIdx = 0

	s.status.Bytes = 0
	s.status.Total = 0
}

// send encodes and transmits msg to the server. Failures are transient: they
// are counted and the next tick retries.
func (s *Session) send(msg wire.Message) {
	_, err := s.cfg.Sender.Send(msg.Bytes(), s.cfg.Server)
	if err != nil {
		s.stats.sendErrors.Add(1)
		log.Debugf("Unable to send %v: %v", msg.MsgType(), err)
	}
}
