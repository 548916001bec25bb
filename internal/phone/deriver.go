package phone

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kindlyrobotics/phonebox/internal/common"
	"golang.org/x/crypto/argon2"
)

// Mode selects how lookup keys are derived. One mode is used globally; keys
// from different modes never match each other.
type Mode string

const (
	// ModeHMAC derives a deterministic keyed hash, looked up by equality
	ModeHMAC Mode = "hmac"
	// ModeSalted derives a randomly salted argon2id hash, looked up by
	// scanning every stored key and verifying
	ModeSalted Mode = "salted"
)

// Deriver derives and verifies phone lookup keys
type Deriver interface {
	// Derive normalizes phone and returns its lookup key
	Derive(phone string) (string, error)
	// Verify reports whether key was derived from phone
	Verify(phone, key string) (bool, error)
	// Deterministic reports whether Derive is stable for a given input,
	// i.e. whether keys can be looked up by equality
	Deterministic() bool
}

// NewDeriver builds the deriver for mode
func NewDeriver(mode Mode, pepper string) (Deriver, error) {
	switch mode {
	case ModeHMAC:
		return NewHMACDeriver(pepper)
	case ModeSalted:
		return NewSaltedDeriver(DefaultArgonParams()), nil
	default:
		return nil, fmt.Errorf("unknown phone hash mode %q", mode)
	}
}

// HMACDeriver computes HMAC-SHA256 of the normalized number under a server
// pepper. Without the pepper the small phone keyspace cannot be enumerated
// offline against stored keys.
type HMACDeriver struct {
	pepper []byte
}

func NewHMACDeriver(pepper string) (*HMACDeriver, error) {
	if pepper == "" {
		return nil, errors.New("phone hash pepper is required in hmac mode")
	}
	return &HMACDeriver{pepper: []byte(pepper)}, nil
}

func (d *HMACDeriver) Derive(phone string) (string, error) {
	normalized, err := Normalize(phone)
	if err != nil {
		return "", err
	}
	return d.sum(normalized), nil
}

func (d *HMACDeriver) Verify(phone, key string) (bool, error) {
	derived, err := d.Derive(phone)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(derived), []byte(key)), nil
}

func (d *HMACDeriver) Deterministic() bool { return true }

func (d *HMACDeriver) sum(normalized string) string {
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// ArgonParams are the argon2id cost parameters for salted keys
type ArgonParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgonParams returns the argon2id parameters used in production
func DefaultArgonParams() ArgonParams {
	return ArgonParams{Time: 2, Memory: 19 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}
}

const saltedPrefix = "argon2id"

// SaltedDeriver encodes keys as argon2id$<salt>$<hash>. Cost parameters are
// not embedded, so changing them invalidates existing keys.
type SaltedDeriver struct {
	params ArgonParams
	random io.Reader
}

func NewSaltedDeriver(params ArgonParams) *SaltedDeriver {
	return &SaltedDeriver{params: params, random: rand.Reader}
}

func (d *SaltedDeriver) Derive(phone string) (string, error) {
	normalized, err := Normalize(phone)
	if err != nil {
		return "", err
	}
	salt := make([]byte, d.params.SaltLen)
	if _, err := io.ReadFull(d.random, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := d.hash(normalized, salt)
	return strings.Join([]string{
		saltedPrefix,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	}, "$"), nil
}

func (d *SaltedDeriver) Verify(phone, key string) (bool, error) {
	normalized, err := Normalize(phone)
	if err != nil {
		return false, err
	}
	parts := strings.Split(key, "$")
	if len(parts) != 3 || parts[0] != saltedPrefix {
		return false, fmt.Errorf("%w: not a salted lookup key", common.ErrInvalidInput)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: bad salt encoding", common.ErrInvalidInput)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: bad hash encoding", common.ErrInvalidInput)
	}
	got := d.hash(normalized, salt)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (d *SaltedDeriver) Deterministic() bool { return false }

func (d *SaltedDeriver) hash(normalized string, salt []byte) []byte {
	return argon2.IDKey([]byte(normalized), salt, d.params.Time, d.params.Memory, d.params.Threads, d.params.KeyLen)
}
