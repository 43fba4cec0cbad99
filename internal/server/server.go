// Package server is a reference update server. It serves one signed payload
// over the same datagram protocol the client speaks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/ezratameno/camupdate/internal/transport"
	"github.com/ezratameno/camupdate/internal/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultSessionTimeout is how long an idle client session is remembered.
const DefaultSessionTimeout = time.Minute

// TokenSource generates server tokens.
type TokenSource interface {
	GenerateToken() (uint64, error)
}

// Signer signs the payload once at startup.
type Signer interface {
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// Config describes the update being served.
type Config struct {
	Channel transport.Channel

	// Version is the version the payload installs.
	Version uint32

	// Payload is the update archive.
	Payload []byte

	Signer Signer
	Tokens TokenSource

	// PieceSize must match the clients' piece size.
	PieceSize uint32

	Clock  clock.Clock
	Ticker ticker.Ticker

	// SessionTimeout drops client sessions that were not heard from.
	SessionTimeout time.Duration
}

// clientSession binds a server token to a client address and its current
// client token.
type clientSession struct {
	addr        netip.AddrPort
	clientToken uint64
	lastSeen    time.Time
}

// Server answers version queries, hands out server tokens and serves
// pieces. It is driven by a single goroutine.
type Server struct {
	cfg       *Config
	decoder   wire.Decoder
	signature [wire.SignatureSize]byte
	publicKey []byte

	sessions map[uint64]*clientSession

	buf []byte
}

// New signs the payload and returns a server ready to Run.
func New(cfg *Config) (*Server, error) {
	switch {
	case cfg.Channel == nil:
		return nil, errors.New("channel required")
	case cfg.Signer == nil || cfg.Tokens == nil:
		return nil, errors.New("signer and token source required")
	case len(cfg.Payload) == 0:
		return nil, errors.New("empty payload")
	case cfg.PieceSize == 0:
		return nil, errors.New("piece size must be positive")
	case cfg.Version == 0:
		return nil, errors.New("version must be positive")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	pubKey := cfg.Signer.PublicKey()
	if len(pubKey) > wire.MaxPublicKeySize {
		return nil, wire.ErrKeyTooLarge
	}

	sig, err := cfg.Signer.Sign(cfg.Payload)
	if err != nil {
		return nil, fmt.Errorf("unable to sign payload: %w", err)
	}
	if len(sig) != wire.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(sig),
			wire.SignatureSize)
	}

	s := &Server{
		cfg:       cfg,
		decoder:   wire.Decoder{MaxPieceSize: cfg.PieceSize},
		publicKey: pubKey,
		sessions:  make(map[uint64]*clientSession),
		buf:       make([]byte, wire.MaxDatagramSize),
	}
	copy(s.signature[:], sig)

	log.Infof("Serving version %d: %d bytes", cfg.Version, len(cfg.Payload))

	return s, nil
}

// Run serves requests until ctx is done or the channel is closed.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Ticker == nil {
		return errors.New("ticker required")
	}

	s.cfg.Ticker.Resume()
	defer s.cfg.Ticker.Stop()

	for {
		if err := s.Poll(); err != nil {
			return err
		}

		select {
		case <-s.cfg.Ticker.Ticks():
		case <-ctx.Done():
			return nil
		}
	}
}

// Poll handles every waiting datagram and forgets idle sessions.
func (s *Server) Poll() error {
	for {
		n, from, err := s.cfg.Channel.Receive(s.buf)
		switch {
		case errors.Is(err, transport.ErrNoData):
			s.prune()
			return nil

		case errors.Is(err, net.ErrClosed):
			return fmt.Errorf("channel closed: %w", err)

		case errors.Is(err, transport.ErrTruncated):
			log.Tracef("Dropping truncated datagram from %v", from)
			continue

		case err != nil:
			log.Debugf("Error receiving datagram: %v", err)
			return nil
		}

		s.HandleDatagram(s.buf[:n], from)
	}
}

// HandleDatagram answers a single request.
func (s *Server) HandleDatagram(b []byte, from netip.AddrPort) {
	msg, err := s.decoder.Decode(b)
	if err != nil {
		log.Tracef("Dropping datagram from %v: %v", from, err)
		return
	}

	switch m := msg.(type) {
	case *wire.VersionQuery:
		log.Debugf("Version query from %v (local %d)", from,
			m.LocalVersion)

		s.send(&wire.VersionInfo{
			Header:    wire.Header{Version: s.cfg.Version},
			Version:   s.cfg.Version,
			PublicKey: s.publicKey,
		}, from)

	case *wire.UpdateBeginRequest:
		s.handleBegin(m, from)

	case *wire.PieceRequest:
		s.handlePiece(m, from)

	default:
		log.Tracef("Dropping %v from %v", msg.MsgType(), from)
	}
}

// NumSessions returns the number of known client sessions.
func (s *Server) NumSessions() int {
	return len(s.sessions)
}

func (s *Server) handleBegin(m *wire.UpdateBeginRequest, from netip.AddrPort) {
	if m.ClientToken == 0 {
		return
	}

	if m.ClientVersion != 0 && m.ClientVersion != s.cfg.Version {
		log.Debugf("%v asked for unknown version %d", from,
			m.ClientVersion)
		return
	}

	now := s.cfg.Clock.Now()

	sess, ok := s.sessions[m.ServerToken]
	if m.ServerToken == 0 || !ok || sess.addr != from {
		token, err := s.newToken()
		if err != nil {
			log.Errorf("Unable to generate server token: %v", err)
			return
		}

		s.sessions[token] = &clientSession{
			addr:        from,
			clientToken: m.ClientToken,
			lastSeen:    now,
		}

		log.Debugf("Assigning server token %x to %v", token, from)

		s.send(&wire.TokenAssignment{
			Header:      wire.Header{Version: s.cfg.Version},
			ClientToken: m.ClientToken,
			ServerToken: token,
		}, from)

		return
	}

	// The client rolls its token on every begin request.
	sess.clientToken = m.ClientToken
	sess.lastSeen = now

	s.send(&wire.UpdateBeginReply{
		Header:     wire.Header{Version: s.cfg.Version},
		UpdateSize: uint32(len(s.cfg.Payload)),
		Signature:  s.signature,
	}, from)
}

func (s *Server) handlePiece(m *wire.PieceRequest, from netip.AddrPort) {
	sess, ok := s.sessions[m.ServerToken]
	if !ok || sess.addr != from || sess.clientToken != m.ClientToken {
		log.Tracef("Dropping piece request with unknown tokens from %v",
			from)
		return
	}

	if m.Offset%s.cfg.PieceSize != 0 ||
		uint64(m.Offset) >= uint64(len(s.cfg.Payload)) {

		return
	}
	sess.lastSeen = s.cfg.Clock.Now()

	end := min(uint64(m.Offset)+uint64(s.cfg.PieceSize),
		uint64(len(s.cfg.Payload)))

	s.send(&wire.PieceData{
		Header:      wire.Header{Version: s.cfg.Version},
		ClientToken: m.ClientToken,
		ServerToken: m.ServerToken,
		Offset:      m.Offset,
		Data:        s.cfg.Payload[m.Offset:end],
	}, from)
}

func (s *Server) newToken() (uint64, error) {
	for {
		token, err := s.cfg.Tokens.GenerateToken()
		if err != nil {
			return 0, err
		}

		if _, taken := s.sessions[token]; !taken && token != 0 {
			return token, nil
		}
	}
}

func (s *Server) prune() {
	now := s.cfg.Clock.Now()
	for token, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.cfg.SessionTimeout {
			log.Debugf("Forgetting session %x of %v", token, sess.addr)
			delete(s.sessions, token)
		}
	}
}

func (s *Server) send(msg wire.Message, to netip.AddrPort) {
	if _, err := s.cfg.Channel.Send(msg.Bytes(), to); err != nil {
		log.Debugf("Unable to send %v to %v: %v", msg.MsgType(), to, err)
	}
}
