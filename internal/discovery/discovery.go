// Package discovery finds which phone numbers belong to registered users.
//
// Numbers are derived into lookup keys exactly as at login and matched
// against stored keys. They are never persisted or logged.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/phone"
	"go.uber.org/zap"
)

const (
	// MaxPhonesPerLookup bounds a lookup batch in hmac mode
	MaxPhonesPerLookup = 100
	// MaxSaltedPhonesPerLookup bounds a batch in salted mode, where every
	// number costs one argon2id evaluation per stored user
	MaxSaltedPhonesPerLookup = 5
)

var ErrTooManyPhones = fmt.Errorf("%w: too many phone numbers", common.ErrInvalidInput)

type Store interface {
	FindUserByLookupKey(ctx context.Context, lookupKey string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
}

type Limiter interface {
	AllowLookup(ctx context.Context, subject string) error
}

// Match pairs a requested number with the user registered under it
type Match struct {
	Phone       string    `json:"phone"` // normalized
	UserID      uuid.UUID `json:"user_id"`
	PublicKey   string    `json:"public_key"`
	DisplayName *string   `json:"display_name,omitempty"`
}

type Service struct {
	store   Store
	deriver phone.Deriver
	limiter Limiter
	logger  *zap.Logger
}

// NewService creates a discovery service. limiter may be nil.
func NewService(store Store, deriver phone.Deriver, limiter Limiter, logger *zap.Logger) *Service {
	return &Service{store: store, deriver: deriver, limiter: limiter, logger: logger.Named("discovery")}
}

// Lookup returns the verified users registered under phones, excluding the
// requester. Malformed numbers are skipped; unknown numbers are simply absent.
func (s *Service) Lookup(ctx context.Context, requesterID uuid.UUID, phones []string) ([]Match, error) {
	limit := MaxPhonesPerLookup
	if !s.deriver.Deterministic() {
		limit = MaxSaltedPhonesPerLookup
	}
	if len(phones) > limit {
		return nil, ErrTooManyPhones
	}
	if s.limiter != nil {
		if err := s.limiter.AllowLookup(ctx, requesterID.String()); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(phones))
	normalized := make([]string, 0, len(phones))
	for _, raw := range phones {
		n, err := phone.Normalize(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}

	var (
		matches []Match
		err     error
	)
	if s.deriver.Deterministic() {
		matches, err = s.lookupByKey(ctx, normalized)
	} else {
		matches, err = s.lookupByScan(ctx, normalized)
	}
	if err != nil {
		return nil, err
	}

	out := matches[:0]
	for _, m := range matches {
		if m.UserID != requesterID {
			out = append(out, m)
		}
	}

	s.logger.Debug("phone lookup",
		zap.String("user_id", requesterID.String()),
		zap.Int("requested", len(phones)),
		zap.Int("matched", len(out)))
	return out, nil
}

func (s *Service) lookupByKey(ctx context.Context, phones []string) ([]Match, error) {
	var matches []Match
	for _, p := range phones {
		key, err := s.deriver.Derive(p)
		if err != nil {
			return nil, err
		}
		user, err := s.store.FindUserByLookupKey(ctx, key)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		if user.Verified {
			matches = append(matches, matchOf(p, user))
		}
	}
	return matches, nil
}

func (s *Service) lookupByScan(ctx context.Context, phones []string) ([]Match, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var matches []Match
	for _, p := range phones {
		for _, user := range users {
			if !user.Verified {
				continue
			}
			ok, err := s.deriver.Verify(p, user.PhoneLookupKey)
			if err != nil {
				continue
			}
			if ok {
				matches = append(matches, matchOf(p, user))
				break
			}
		}
	}
	return matches, nil
}

func matchOf(normalized string, user *models.User) Match {
	return Match{
		Phone:       normalized,
		UserID:      user.ID,
		PublicKey:   user.PublicKey,
		DisplayName: user.DisplayName,
	}
}
