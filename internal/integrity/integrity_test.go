package integrity

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// zeroThenReader yields a zero token first to check that it is skipped.
type zeroThenReader struct {
	calls int
}

func (z *zeroThenReader) Read(p []byte) (int, error) {
	z.calls++
	for i := range p {
		p[i] = 0
	}
	if z.calls > 1 {
		p[0] = 5
	}

	return len(p), nil
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) {
	return 0, errors.New("no entropy")
}

func TestGenerateToken(t *testing.T) {
	g := NewTokenGenerator()
	a, err := g.GenerateToken()
	require.NoError(t, err)
	b, err := g.GenerateToken()
	require.NoError(t, err)

	require.NotZero(t, a)
	require.NotEqual(t, a, b)
}

func TestGenerateTokenSkipsZero(t *testing.T) {
	r := &zeroThenReader{}
	g := &TokenGenerator{rand: r}

	token, err := g.GenerateToken()
	require.NoError(t, err)
	require.EqualValues(t, 5, token)
	require.Equal(t, 2, r.calls)

	g = &TokenGenerator{rand: failReader{}}
	_, err = g.GenerateToken()
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("update"), 1000)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.Len(t, signer.PublicKey(), PubKeySize)

	var v SchnorrVerifier
	require.True(t, v.VerifySignature(sig, payload, signer.PublicKey()))

	// Flipped payload bit.
	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 1
	require.False(t, v.VerifySignature(sig, tampered, signer.PublicKey()))

	// Wrong key.
	other, err := NewSigner()
	require.NoError(t, err)
	require.False(t, v.VerifySignature(sig, payload, other.PublicKey()))

	// Garbage key and signature.
	require.False(t, v.VerifySignature(sig, payload, []byte{1, 2, 3}))
	require.False(t, v.VerifySignature(sig[:10], payload, signer.PublicKey()))
	require.False(t, v.VerifySignature(sig, payload, nil))
}

func TestSignerSaveLoad(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "update.key")
	require.NoError(t, signer.Save(path))

	loaded, err := LoadSigner(path)
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey(), loaded.PublicKey())

	_, err = LoadSigner(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
