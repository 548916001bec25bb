// Package crypto provides key custody and message encryption for phonebox.
//
// Keys are Curve25519 key pairs in the NaCl box family: X25519 key agreement
// with XSalsa20-Poly1305. The same key pair serves both message schemes, the
// anonymous sealed box and the sender-authenticated box.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of box public and private keys
const KeySize = 32

// random is the entropy source for keys and nonces. Tests swap it out.
var random io.Reader = rand.Reader

// KeyPair is a user's long-lived box key pair
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair creates a fresh box key pair. A failing entropy source is
// reported as ErrKeyGenerationFailed; there is no fallback.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyGenerationFailed, err)
	}
	return &KeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// PublicFromPrivate derives the public half of a box key pair
func PublicFromPrivate(priv *[KeySize]byte) [KeySize]byte {
	var secret, public x25519.Key
	copy(secret[:], priv[:])
	x25519.KeyGen(&public, &secret)
	return public
}

// Matches reports whether priv is the private half of pub
func Matches(pub, priv *[KeySize]byte) bool {
	derived := PublicFromPrivate(priv)
	return derived == *pub
}

// EncodeKey encodes a key as standard base64
func EncodeKey(key *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey decodes a base64 key and checks its length
func DecodeKey(s string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64", common.ErrInvalidInput)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", common.ErrInvalidInput, KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// KeyFingerprint computes a SHA-256 fingerprint of a public key
func KeyFingerprint(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:])
}
