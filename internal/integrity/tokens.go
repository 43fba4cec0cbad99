// Package integrity provides the session tokens and the payload signature
// checks used by the update protocol.
package integrity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// TokenGenerator draws unpredictable, non-zero 64-bit session tokens.
type TokenGenerator struct {
	rand io.Reader
}

// NewTokenGenerator returns a generator backed by the system CSPRNG.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{rand: rand.Reader}
}

// GenerateToken returns a fresh token. Zero means "unassigned" on the wire,
// so it is never returned.
func (g *TokenGenerator) GenerateToken() (uint64, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(g.rand, b[:]); err != nil {
			return 0, fmt.Errorf("unable to read token entropy: %w", err)
		}

		if token := binary.LittleEndian.Uint64(b[:]); token != 0 {
			return token, nil
		}
	}
}
