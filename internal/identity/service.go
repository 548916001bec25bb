// Package identity turns a verified phone number into a user with a key pair.
//
// The first successful verification of a number creates the user and returns
// its private key exactly once. Every later verification returns the same user
// id and public key, and no private key.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/lock"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/otp"
	"github.com/kindlyrobotics/phonebox/internal/phone"
	"github.com/kindlyrobotics/phonebox/internal/store"
	"go.uber.org/zap"
)

const maxDisplayNameLen = 64

// Store is the persistence the service needs
type Store interface {
	FindUserByLookupKey(ctx context.Context, lookupKey string) (*models.User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	CreateUser(ctx context.Context, lookupKey, publicKey string) (*models.User, error)
	UpdateUserVerified(ctx context.Context, id uuid.UUID) error
	UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error
}

// Limiter throttles code sends and checks per phone
type Limiter interface {
	AllowSend(ctx context.Context, subject string) error
	AllowCheck(ctx context.Context, subject string) error
}

// KeyGenerator creates a fresh key pair for a new user
type KeyGenerator func() (*crypto.KeyPair, error)

// Resolution is the outcome of resolving a verified phone number
type Resolution struct {
	UserID    uuid.UUID
	PublicKey [crypto.KeySize]byte
	// PrivateKey is set only when the user was created by this call
	PrivateKey *[crypto.KeySize]byte
	Created    bool
}

type Service struct {
	store        Store
	deriver      phone.Deriver
	otp          otp.Provider
	locker       lock.Locker
	limiter      Limiter
	generateKeys KeyGenerator
	logger       *zap.Logger
}

type Option func(*Service)

// WithLocker replaces the in-process lock, e.g. with a Redis lock shared by all instances
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *Service) { s.generateKeys = g }
}

func NewService(st Store, deriver phone.Deriver, provider otp.Provider, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:        st,
		deriver:      deriver,
		otp:          provider,
		locker:       lock.NewLocal(),
		generateKeys: crypto.GenerateKeyPair,
		logger:       logger.Named("identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendCode sends a verification code to the phone and returns the challenge id
func (s *Service) SendCode(ctx context.Context, rawPhone string) (string, error) {
	normalized, err := phone.Normalize(rawPhone)
	if err != nil {
		return "", err
	}

	if s.limiter != nil {
		if err := s.limiter.AllowSend(ctx, s.rateSubject(normalized)); err != nil {
			return "", err
		}
	}

	challengeID, err := s.otp.SendCode(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("failed to send verification code: %w", err)
	}
	s.logger.Info("verification code sent", zap.String("phone_last4", phone.Last4(normalized)))
	return challengeID, nil
}

// Verify checks the code and, when approved, resolves the phone to a user
func (s *Service) Verify(ctx context.Context, rawPhone, code string) (*Resolution, error) {
	normalized, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", common.ErrInvalidInput)
	}

	if s.limiter != nil {
		if err := s.limiter.AllowCheck(ctx, s.rateSubject(normalized)); err != nil {
			return nil, err
		}
	}

	approved, err := s.otp.CheckCode(ctx, normalized, code)
	if err != nil {
		return nil, fmt.Errorf("failed to check verification code: %w", err)
	}
	if !approved {
		s.logger.Info("verification code rejected", zap.String("phone_last4", phone.Last4(normalized)))
		return nil, common.ErrOTPNotApproved
	}

	return s.ResolveIdentity(ctx, normalized)
}

// ResolveIdentity returns the user for an already verified phone number,
// creating it with a new key pair if none exists. Concurrent calls for the
// same number produce exactly one user.
func (s *Service) ResolveIdentity(ctx context.Context, rawPhone string) (*Resolution, error) {
	normalized, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	lookupKey := ""
	lockKey := "identity:salted"
	if s.deriver.Deterministic() {
		if lookupKey, err = s.deriver.Derive(normalized); err != nil {
			return nil, err
		}
		lockKey = "identity:" + lookupKey
	}

	release, err := s.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to lock identity: %w", err)
	}
	defer release()

	existing, err := s.findExisting(ctx, normalized, lookupKey)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.markVerified(ctx, existing)
	}

	kp, err := s.generateKeys()
	if err != nil {
		s.logger.Error("key generation failed", zap.Error(err))
		if !errors.Is(err, common.ErrKeyGenerationFailed) {
			err = fmt.Errorf("%w: %v", common.ErrKeyGenerationFailed, err)
		}
		return nil, err
	}

	if !s.deriver.Deterministic() {
		if lookupKey, err = s.deriver.Derive(normalized); err != nil {
			return nil, err
		}
	}

	user, err := s.store.CreateUser(ctx, lookupKey, crypto.EncodeKey(&kp.PublicKey))
	if errors.Is(err, store.ErrDuplicate) {
		// another instance won the race; its user is the one
		winner, findErr := s.store.FindUserByLookupKey(ctx, lookupKey)
		if findErr != nil {
			return nil, fmt.Errorf("failed to read concurrently created user: %w", findErr)
		}
		return s.markVerified(ctx, winner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.String("key_fingerprint", crypto.KeyFingerprint(kp.PublicKey[:])))

	return &Resolution{
		UserID:     user.ID,
		PublicKey:  kp.PublicKey,
		PrivateKey: &kp.PrivateKey,
		Created:    true,
	}, nil
}

// findExisting looks the phone up by indexed key, or by scanning and
// verifying every stored key when keys are salted
func (s *Service) findExisting(ctx context.Context, normalized, lookupKey string) (*models.User, error) {
	if s.deriver.Deterministic() {
		return s.store.FindUserByLookupKey(ctx, lookupKey)
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	for _, u := range users {
		ok, err := s.deriver.Verify(normalized, u.PhoneLookupKey)
		if err != nil {
			s.logger.Warn("skipping malformed lookup key", zap.String("user_id", u.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			return u, nil
		}
	}
	return nil, common.ErrNotFound
}

func (s *Service) markVerified(ctx context.Context, user *models.User) (*Resolution, error) {
	if err := s.store.UpdateUserVerified(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to mark user verified: %w", err)
	}
	pub, err := crypto.DecodeKey(user.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("stored public key for %s is invalid: %w", user.ID, err)
	}
	return &Resolution{UserID: user.ID, PublicKey: *pub}, nil
}

// PublicKey returns a user's public key, or common.ErrNotFound
func (s *Service) PublicKey(ctx context.Context, userID uuid.UUID) (*[crypto.KeySize]byte, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return crypto.DecodeKey(user.PublicKey)
}

// SetDisplayName sets a trimmed display name of 1 to 64 characters
func (s *Service) SetDisplayName(ctx context.Context, userID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLen {
		return fmt.Errorf("%w: display name must be 1 to %d characters", common.ErrInvalidInput, maxDisplayNameLen)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: display name contains control characters", common.ErrInvalidInput)
	}
	return s.store.UpdateDisplayName(ctx, userID, name)
}

// DisplayName returns the user's display name, empty if never set
func (s *Service) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.DisplayName == nil {
		return "", nil
	}
	return *user.DisplayName, nil
}

// rateSubject is a stable per-phone key for rate limiting. Salted lookup
// keys change on every derivation, so those fall back to a plain digest.
func (s *Service) rateSubject(normalized string) string {
	if s.deriver.Deterministic() {
		if key, err := s.deriver.Derive(normalized); err == nil {
			return key
		}
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
