package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
)

// MaxCiphertextSize bounds a single stored ciphertext, in decoded bytes
const MaxCiphertextSize = 64 * 1024

// RelayStore is the persistence the relay needs
type RelayStore interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error)
}

// Relay stores ciphertext on the server and announces new messages over
// Redis pub/sub. It never sees plaintext or private keys.
type Relay struct {
	store  RelayStore
	redis  *redis.Client
	logger *zap.Logger
}

// NewRelay creates a relay. A nil redis client disables notifications.
func NewRelay(store RelayStore, redis *redis.Client, logger *zap.Logger) *Relay {
	return &Relay{store: store, redis: redis, logger: logger.Named("relay")}
}

// ChannelFor returns the pub/sub channel carrying a user's notifications
func ChannelFor(userID uuid.UUID) string {
	return fmt.Sprintf("messages:%s", userID.String())
}

// Store validates the envelope shape, persists it, and notifies the receiver
func (r *Relay) Store(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := validateEnvelope(msg); err != nil {
		return nil, err
	}

	if _, err := r.store.FindUserByID(ctx, msg.SenderID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown sender", common.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to look up sender: %w", err)
	}
	if _, err := r.store.FindUserByID(ctx, msg.ReceiverID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrRecipientKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up receiver: %w", err)
	}

	msg.ID = uuid.New()
	msg.CreatedAt = time.Now().UTC()

	stored, err := r.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if r.redis != nil {
		r.publishMessage(ctx, stored)
	}
	return stored, nil
}

// List returns the messages sent or received by viewerID, in storage order
func (r *Relay) List(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error) {
	msgs, err := r.store.ListMessages(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Subscribe subscribes to real-time notifications for a user
func (r *Relay) Subscribe(ctx context.Context, userID uuid.UUID) *redis.PubSub {
	if r.redis == nil {
		return nil
	}
	return r.redis.Subscribe(ctx, ChannelFor(userID))
}

// publishMessage announces a message to its receiver. The notification
// carries no ciphertext; clients fetch it from the API.
func (r *Relay) publishMessage(ctx context.Context, msg *models.Message) {
	notification, err := json.Marshal(models.MessageNotification{
		MessageID:  msg.ID.String(),
		SenderID:   msg.SenderID.String(),
		ReceiverID: msg.ReceiverID.String(),
		Scheme:     string(msg.Scheme),
		CreatedAt:  msg.CreatedAt.Unix(),
	})
	if err != nil {
		r.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	if err := r.redis.Publish(ctx, ChannelFor(msg.ReceiverID), notification).Err(); err != nil {
		// the message is stored; receivers still see it on their next fetch
		r.logger.Warn("failed to publish notification",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}
}

func validateEnvelope(msg *models.Message) error {
	scheme, err := crypto.ParseScheme(string(msg.Scheme))
	if err != nil {
		return err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext is not base64", common.ErrInvalidInput)
	}
	if len(ciphertext) > MaxCiphertextSize {
		return fmt.Errorf("%w: ciphertext exceeds %d bytes", common.ErrInvalidInput, MaxCiphertextSize)
	}

	switch scheme {
	case crypto.SchemeSealed:
		if len(ciphertext) <= box.AnonymousOverhead {
			return fmt.Errorf("%w: sealed ciphertext too short", common.ErrInvalidInput)
		}
		if msg.Nonce != nil {
			return fmt.Errorf("%w: sealed messages carry no nonce", common.ErrInvalidInput)
		}
	case crypto.SchemeBox:
		if len(ciphertext) <= box.Overhead {
			return fmt.Errorf("%w: box ciphertext too short", common.ErrInvalidInput)
		}
		if msg.Nonce == nil {
			return fmt.Errorf("%w: box messages need a nonce", common.ErrInvalidInput)
		}
		nonce, err := base64.StdEncoding.DecodeString(*msg.Nonce)
		if err != nil || len(nonce) != crypto.NonceSize {
			return fmt.Errorf("%w: nonce must be %d base64 bytes", common.ErrInvalidInput, crypto.NonceSize)
		}
	}

	msg.Scheme = scheme
	return nil
}
