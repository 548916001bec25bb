// Package keystore keeps the device's identity: the user id and the private
// key returned once at account creation. The server never stores private keys,
// so losing the local store means losing access to past messages.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
)

// ErrNoIdentity is returned by Get when no identity is stored
var ErrNoIdentity = errors.New("no identity stored")

// Identity is the device-held identity of one user
type Identity struct {
	UserID     uuid.UUID
	PublicKey  [crypto.KeySize]byte
	PrivateKey [crypto.KeySize]byte
}

// KeyStore holds at most one identity
type KeyStore interface {
	// Init prepares the backing storage
	Init(ctx context.Context) error
	// Put replaces the stored identity
	Put(ctx context.Context, id Identity) error
	// Get returns the stored identity or ErrNoIdentity
	Get(ctx context.Context) (*Identity, error)
	// Clear removes the stored identity
	Clear(ctx context.Context) error
}

func validate(id Identity) error {
	if id.UserID == uuid.Nil {
		return fmt.Errorf("%w: missing user id", common.ErrInvalidInput)
	}
	if !crypto.Matches(&id.PublicKey, &id.PrivateKey) {
		return fmt.Errorf("%w: private key does not match public key", common.ErrInvalidInput)
	}
	return nil
}
