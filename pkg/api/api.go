// Package api defines the JSON request and response bodies shared by the
// HTTP handlers and the client. Requests validate their own shape; the
// services behind the handlers validate meaning.
package api

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/internal/models"
)

type SendOTPRequest struct {
	Phone string `json:"phone"`
}

func (r *SendOTPRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return fmt.Errorf("%w: phone is required", common.ErrInvalidInput)
	}
	return nil
}

type SendOTPResponse struct {
	ChallengeID string `json:"challenge_id"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (r *VerifyOTPRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" || strings.TrimSpace(r.Code) == "" {
		return fmt.Errorf("%w: phone and code are required", common.ErrInvalidInput)
	}
	return nil
}

// VerifyOTPResponse carries the private key only when the account was just created
type VerifyOTPResponse struct {
	UserID     uuid.UUID `json:"user_id"`
	PublicKey  string    `json:"public_key"`
	PrivateKey *string   `json:"private_key,omitempty"`
	Created    bool      `json:"created"`
	// Token is empty if a new account was created but no session could be issued
	Token string `json:"token"`
	// MessageScheme is the scheme clients should encrypt with
	MessageScheme string `json:"message_scheme,omitempty"`
}

type PublicKeyResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	PublicKey string    `json:"public_key"`
}

type DisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

func (r *DisplayNameRequest) Validate() error {
	if strings.TrimSpace(r.DisplayName) == "" {
		return fmt.Errorf("%w: display_name is required", common.ErrInvalidInput)
	}
	return nil
}

type DisplayNameResponse struct {
	DisplayName string `json:"display_name"`
}

type LookupRequest struct {
	Phones []string `json:"phones"`
}

func (r *LookupRequest) Validate() error {
	if len(r.Phones) == 0 {
		return fmt.Errorf("%w: phones is required", common.ErrInvalidInput)
	}
	return nil
}

type LookupResponse struct {
	Matches []discovery.Match `json:"matches"`
}

type SendMessageRequest struct {
	ReceiverID string  `json:"receiver_id"`
	Scheme     string  `json:"scheme"`
	Ciphertext string  `json:"ciphertext"`
	Nonce      *string `json:"nonce,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if _, err := uuid.Parse(r.ReceiverID); err != nil {
		return fmt.Errorf("%w: receiver_id must be a uuid", common.ErrInvalidInput)
	}
	if r.Scheme == "" || r.Ciphertext == "" {
		return fmt.Errorf("%w: scheme and ciphertext are required", common.ErrInvalidInput)
	}
	return nil
}

type SendMessageResponse struct {
	ID uuid.UUID `json:"id"`
}

type ListMessagesResponse struct {
	Messages []*models.StoredMessage `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
