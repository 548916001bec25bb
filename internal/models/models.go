package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
)

// User represents a phone-verified identity
type User struct {
	ID             uuid.UUID `json:"id"`
	PhoneLookupKey string    `json:"-"` // Derived from the phone number, never the number itself
	Verified       bool      `json:"verified"`
	PublicKey      string    `json:"public_key"` // Base64, written once at creation
	DisplayName    *string   `json:"display_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is an encrypted message as persisted. The server never holds plaintext.
type Message struct {
	ID         uuid.UUID     `json:"id"`
	Seq        int64         `json:"seq"` // Storage-assigned arrival order
	SenderID   uuid.UUID     `json:"sender_id"`
	ReceiverID uuid.UUID     `json:"receiver_id"`
	Scheme     crypto.Scheme `json:"scheme"`
	Ciphertext string        `json:"ciphertext"`      // Base64
	Nonce      *string       `json:"nonce,omitempty"` // Base64, box scheme only
	CreatedAt  time.Time     `json:"created_at"`
}

// StoredMessage is a Message joined with the public keys of both parties
type StoredMessage struct {
	Message
	SenderPublicKey   string `json:"sender_public_key"`
	ReceiverPublicKey string `json:"receiver_public_key"`
}

// MessageNotification is published on new messages. It carries no ciphertext.
type MessageNotification struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Scheme     string `json:"scheme"`
	CreatedAt  int64  `json:"created_at"`
}
