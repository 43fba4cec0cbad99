package integrity

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PubKeySize is the size of a serialized x-only public key.
const PubKeySize = schnorr.PubKeyBytesLen

// SchnorrVerifier checks BIP-340 signatures over the SHA-256 digest of a
// payload.
type SchnorrVerifier struct{}

// VerifySignature reports whether sig is a valid signature of msg under
// pubKey. Malformed keys or signatures simply fail verification.
func (SchnorrVerifier) VerifySignature(sig, msg, pubKey []byte) bool {
	key, err := schnorr.ParsePubKey(pubKey)
	if err != nil {
		return false
	}

	signature, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}

	return signature.Verify(chainhash.HashB(msg), key)
}

// Signer produces the signatures a SchnorrVerifier accepts. It is used by the
// update server.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner generates a signer with a fresh key.
func NewSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &Signer{priv: priv}, nil
}

// LoadSigner reads a hex encoded private key from path.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file is not hex: %w", err)
	}

	if len(keyBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("wrong key size, expected %d, got %d",
			btcec.PrivKeyBytesLen, len(keyBytes))
	}

	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	return &Signer{priv: priv}, nil
}

// Save writes the private key hex encoded to path, readable by the owner
// only.
func (s *Signer) Save(path string) error {
	return os.WriteFile(
		path, []byte(hex.EncodeToString(s.priv.Serialize())), 0600,
	)
}

// PublicKey returns the x-only public key matching the signer.
func (s *Signer) PublicKey() []byte {
	return schnorr.SerializePubKey(s.priv.PubKey())
}

// Sign signs the SHA-256 digest of msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(s.priv, chainhash.HashB(msg))
	if err != nil {
		return nil, fmt.Errorf("unable to sign payload: %w", err)
	}

	return sig.Serialize(), nil
}
