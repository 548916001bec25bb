// Package store persists users and encrypted messages. It never receives
// plaintext, raw phone numbers or private keys.
package store

import "errors"

// ErrDuplicate is returned by CreateUser when the lookup key already exists
var ErrDuplicate = errors.New("duplicate lookup key")
