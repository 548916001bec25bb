package crypto

import (
	"fmt"
	"io"
)

// NonceSize is the box nonce size (XSalsa20, 192 bits)
const NonceSize = 24

// GenerateNonce generates a random box nonce, fresh for every message
func GenerateNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(random, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate random nonce: %w", err)
	}
	return &nonce, nil
}
