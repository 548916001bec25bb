// Package messaging moves encrypted messages between users.
//
// Exchange runs on the device that holds the private key: it encrypts before
// anything leaves the device and decrypts after listing. Relay runs on the
// server and only ever handles ciphertext.
package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/keystore"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"go.uber.org/zap"
)

// Undecryptable replaces the text of a message that failed to decrypt
const Undecryptable = "[undecryptable message]"

// Directory resolves a user's public key
type Directory interface {
	PublicKey(ctx context.Context, userID uuid.UUID) (*[crypto.KeySize]byte, error)
}

// MessageStore persists and lists ciphertext
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error)
}

// Plain is a decrypted message
type Plain struct {
	ID         uuid.UUID
	Seq        int64
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Scheme     crypto.Scheme
	Text       string
	Failed     bool
	CreatedAt  time.Time
}

type Exchange struct {
	directory Directory
	messages  MessageStore
	keys      keystore.KeyStore
	scheme    crypto.Scheme
	logger    *zap.Logger
}

func NewExchange(directory Directory, messages MessageStore, keys keystore.KeyStore, scheme crypto.Scheme, logger *zap.Logger) *Exchange {
	return &Exchange{
		directory: directory,
		messages:  messages,
		keys:      keys,
		scheme:    scheme,
		logger:    logger.Named("exchange"),
	}
}

// Send encrypts plaintext for receiverID and stores it. Nothing is stored
// when the receiver has no public key.
func (e *Exchange) Send(ctx context.Context, senderID, receiverID uuid.UUID, plaintext string) (uuid.UUID, error) {
	if plaintext == "" {
		return uuid.Nil, fmt.Errorf("%w: message is empty", common.ErrInvalidInput)
	}

	receiverPub, err := e.directory.PublicKey(ctx, receiverID)
	if errors.Is(err, common.ErrNotFound) {
		return uuid.Nil, common.ErrRecipientKeyNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up receiver key: %w", err)
	}

	var senderPriv *[crypto.KeySize]byte
	if e.scheme == crypto.SchemeBox {
		id, err := e.keys.Get(ctx)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to load sender key: %w", err)
		}
		if id.UserID != senderID {
			return uuid.Nil, fmt.Errorf("%w: sender %s is not the local identity", common.ErrInvalidInput, senderID)
		}
		senderPriv = &id.PrivateKey
	}

	env, err := crypto.SealEnvelope(e.scheme, []byte(plaintext), receiverPub, senderPriv)
	if err != nil {
		return uuid.Nil, err
	}

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Scheme:     env.Scheme,
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
	}
	if env.Nonce != nil {
		nonce := base64.StdEncoding.EncodeToString(env.Nonce)
		msg.Nonce = &nonce
	}

	stored, err := e.messages.CreateMessage(ctx, msg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to store message: %w", err)
	}
	return stored.ID, nil
}

// FetchAndDecrypt lists the viewer's messages in storage order and decrypts
// each with the local key. A message that cannot be decrypted comes back as
// Undecryptable with Failed set; it never fails the batch.
func (e *Exchange) FetchAndDecrypt(ctx context.Context, viewerID uuid.UUID) ([]Plain, error) {
	id, err := e.keys.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load local key: %w", err)
	}
	if id.UserID != viewerID {
		return nil, fmt.Errorf("%w: viewer %s is not the local identity", common.ErrInvalidInput, viewerID)
	}

	stored, err := e.messages.ListMessages(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]Plain, 0, len(stored))
	for _, msg := range stored {
		p := Plain{
			ID:         msg.ID,
			Seq:        msg.Seq,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Scheme:     msg.Scheme,
			CreatedAt:  msg.CreatedAt,
		}

		text, err := e.open(msg, viewerID, id)
		if err != nil {
			e.logger.Warn("message undecryptable",
				zap.String("message_id", msg.ID.String()),
				zap.String("scheme", string(msg.Scheme)),
				zap.Error(err))
			p.Text = Undecryptable
			p.Failed = true
		} else {
			p.Text = string(text)
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Exchange) open(msg *models.StoredMessage, viewerID uuid.UUID, id *keystore.Identity) ([]byte, error) {
	env, err := envelopeOf(&msg.Message)
	if err != nil {
		return nil, err
	}

	// the peer of a message we sent is its receiver
	peerKey := msg.SenderPublicKey
	if msg.SenderID == viewerID {
		peerKey = msg.ReceiverPublicKey
	}
	peerPub, err := crypto.DecodeKey(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", common.ErrDecryptionFailed, err)
	}

	return crypto.OpenEnvelope(env, peerPub, &id.PublicKey, &id.PrivateKey)
}

// envelopeOf decodes the stored base64 fields of a message
func envelopeOf(msg *models.Message) (*crypto.Envelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", common.ErrDecryptionFailed)
	}
	env := &crypto.Envelope{Scheme: msg.Scheme, Ciphertext: ciphertext}
	if msg.Nonce != nil {
		if env.Nonce, err = base64.StdEncoding.DecodeString(*msg.Nonce); err != nil {
			return nil, fmt.Errorf("%w: nonce is not base64", common.ErrDecryptionFailed)
		}
	}
	return env, nil
}
