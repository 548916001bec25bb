package crypto

import (
	"fmt"

	"github.com/kindlyrobotics/phonebox/internal/common"
	"golang.org/x/crypto/nacl/box"
)

// Scheme tags how a message was encrypted
type Scheme string

const (
	// SchemeSealed is the anonymous sealed box: no sender authentication,
	// ephemeral key embedded in the ciphertext, no nonce transport.
	SchemeSealed Scheme = "sealed"
	// SchemeBox is the sender-authenticated box with an explicit nonce
	SchemeBox Scheme = "box"
)

// ParseScheme validates a scheme tag
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeSealed, SchemeBox:
		return Scheme(s), nil
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", common.ErrInvalidInput, s)
	}
}

// Seal encrypts plaintext so that only the holder of receiverPub's private key
// can open it
func Seal(plaintext []byte, receiverPub *[KeySize]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", common.ErrInvalidInput)
	}
	ciphertext, err := box.SealAnonymous(nil, plaintext, receiverPub, random)
	if err != nil {
		return nil, fmt.Errorf("failed to seal message: %w", err)
	}
	return ciphertext, nil
}

// Unseal opens a sealed box addressed to the given key pair
func Unseal(ciphertext []byte, receiverPub, receiverPriv *[KeySize]byte) ([]byte, error) {
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, receiverPub, receiverPriv)
	if !ok {
		return nil, common.ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt encrypts plaintext from sender to receiver with a fresh random nonce
func Encrypt(plaintext []byte, receiverPub, senderPriv *[KeySize]byte) ([]byte, *[NonceSize]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil, fmt.Errorf("%w: empty plaintext", common.ErrInvalidInput)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, nil, err
	}
	ciphertext := box.Seal(nil, plaintext, nonce, receiverPub, senderPriv)
	return ciphertext, nonce, nil
}

// Decrypt opens an authenticated box. peerPub is the other party's public key:
// the sender's when the caller is the receiver and vice versa.
func Decrypt(ciphertext []byte, nonce *[NonceSize]byte, peerPub, selfPriv *[KeySize]byte) ([]byte, error) {
	plaintext, ok := box.Open(nil, ciphertext, nonce, peerPub, selfPriv)
	if !ok {
		return nil, common.ErrDecryptionFailed
	}
	return plaintext, nil
}

// Envelope is the scheme-tagged output of a message encryption
type Envelope struct {
	Scheme     Scheme
	Ciphertext []byte
	Nonce      []byte // nil for SchemeSealed
}

// SealEnvelope encrypts plaintext under the given scheme. senderPriv is only
// used by SchemeBox.
func SealEnvelope(scheme Scheme, plaintext []byte, receiverPub, senderPriv *[KeySize]byte) (*Envelope, error) {
	switch scheme {
	case SchemeSealed:
		ciphertext, err := Seal(plaintext, receiverPub)
		if err != nil {
			return nil, err
		}
		return &Envelope{Scheme: SchemeSealed, Ciphertext: ciphertext}, nil
	case SchemeBox:
		if senderPriv == nil {
			return nil, fmt.Errorf("%w: box scheme needs the sender private key", common.ErrInvalidInput)
		}
		ciphertext, nonce, err := Encrypt(plaintext, receiverPub, senderPriv)
		if err != nil {
			return nil, err
		}
		return &Envelope{Scheme: SchemeBox, Ciphertext: ciphertext, Nonce: nonce[:]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", common.ErrInvalidInput, scheme)
	}
}

// OpenEnvelope decrypts an envelope for the holder of selfPriv. Sealed boxes
// open only for their receiver; authenticated boxes open for either party.
func OpenEnvelope(env *Envelope, peerPub, selfPub, selfPriv *[KeySize]byte) ([]byte, error) {
	switch env.Scheme {
	case SchemeSealed:
		return Unseal(env.Ciphertext, selfPub, selfPriv)
	case SchemeBox:
		if len(env.Nonce) != NonceSize {
			return nil, fmt.Errorf("%w: nonce must be %d bytes", common.ErrDecryptionFailed, NonceSize)
		}
		var nonce [NonceSize]byte
		copy(nonce[:], env.Nonce)
		return Decrypt(env.Ciphertext, &nonce, peerPub, selfPriv)
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", common.ErrDecryptionFailed, env.Scheme)
	}
}
