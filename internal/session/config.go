package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ezratameno/camupdate/internal/wire"
)

const (
	// DefaultPieceSize is the chunk size payloads are requested in. It
	// keeps a PieceData datagram below a typical 1500 byte MTU.
	DefaultPieceSize = 1024

	// DefaultMaxRequests is the number of piece requests sent per tick.
	DefaultMaxRequests = 32

	// DefaultMaxUpdateSize is the exclusive upper bound on the payload
	// size a server may announce.
	DefaultMaxUpdateSize = 200 * 1024 * 1024

	// DefaultBeginInterval is the minimum time between two update begin
	// requests.
	DefaultBeginInterval = time.Second

	// DefaultPieceInterval is the minimum time between two rounds of
	// piece requests.
	DefaultPieceInterval = 100 * time.Millisecond
)

// Sender transmits a datagram. transport.Channel satisfies it.
type Sender interface {
	Send(b []byte, to netip.AddrPort) (int, error)
}

// TokenSource generates client tokens. Tokens must be unpredictable and
// non-zero.
type TokenSource interface {
	GenerateToken() (uint64, error)
}

// Verifier checks the payload signature announced in the update begin reply.
type Verifier interface {
	VerifySignature(sig, msg, pubKey []byte) bool
}

// Storage persists the finished payload. WriteFile must be all-or-nothing.
type Storage interface {
	WriteFile(path string, b []byte) error
}

// VersionSource reports the locally installed version.
type VersionSource interface {
	LocalVersion() (uint32, error)
}

// Policy holds the rate and window values of the protocol.
type Policy struct {
	// PieceSize is the size of every chunk but the last.
	PieceSize uint32

	// MaxRequests caps the piece requests sent per tick.
	MaxRequests int

	// MaxUpdateSize is the exclusive upper bound on the payload size.
	MaxUpdateSize uint32

	// BeginInterval is the minimum time between update begin requests.
	BeginInterval time.Duration

	// PieceInterval is the minimum time between rounds of piece
	// requests.
	PieceInterval time.Duration
}

// DefaultPolicy returns the policy the update server is tuned for.
func DefaultPolicy() Policy {
	return Policy{
		PieceSize:     DefaultPieceSize,
		MaxRequests:   DefaultMaxRequests,
		MaxUpdateSize: DefaultMaxUpdateSize,
		BeginInterval: DefaultBeginInterval,
		PieceInterval: DefaultPieceInterval,
	}
}

// Validate checks that the policy can be used.
func (p Policy) Validate() error {
	maxPiece := uint32(wire.MaxDatagramSize - wire.PieceDataHeaderSize)

	switch {
	case p.PieceSize == 0 || p.PieceSize > maxPiece:
		return fmt.Errorf("piece size must be in [1, %d], got %d",
			maxPiece, p.PieceSize)

	case p.MaxRequests < 1:
		return errors.New("max requests must be positive")

	case p.MaxUpdateSize == 0:
		return errors.New("max update size must be positive")

	case p.BeginInterval <= 0 || p.PieceInterval <= 0:
		return errors.New("request intervals must be positive")
	}

	return nil
}

// Config wires a Session to its collaborators.
type Config struct {
	// Server is the only address datagrams are accepted from.
	Server netip.AddrPort

	Sender   Sender
	Tokens   TokenSource
	Verifier Verifier
	Storage  Storage
	Versions VersionSource

	// StagingPath is where the finished payload is written.
	StagingPath string

	// SkipSignatureCheck accepts payloads without checking their
	// signature. Only for servers that do not sign.
	SkipSignatureCheck bool

	Policy Policy
}
