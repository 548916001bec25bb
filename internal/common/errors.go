// Package common holds the error values shared by the identity and messaging
// layers. Callers compare with errors.Is; wrapping adds context only.
package common

import "errors"

var (
	// ErrInvalidInput is returned for malformed phone numbers, empty plaintext,
	// badly encoded keys and similar input problems, before any crypto work.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOTPNotApproved is returned when the verification provider denies a code.
	ErrOTPNotApproved = errors.New("verification code not approved")

	// ErrKeyGenerationFailed aborts identity creation.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	ErrRecipientKeyNotFound = errors.New("recipient public key not found")

	// ErrDecryptionFailed covers authentication tag mismatch, wrong keys,
	// wrong nonce and truncated ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)
