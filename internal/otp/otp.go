// Package otp sends and checks one-time phone verification codes.
package otp

import "context"

// Provider delivers a one-time code to a phone and checks a submitted code.
// Phone numbers are E.164 normalized before they reach a provider.
type Provider interface {
	// SendCode starts a verification and returns an opaque challenge id
	SendCode(ctx context.Context, phone string) (string, error)
	// CheckCode reports whether code is approved for phone
	CheckCode(ctx context.Context, phone, code string) (bool, error)
}
