package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/models"
)

// Memory is an in-process store with the same uniqueness rules as Postgres.
// It backs tests and single-node development servers.
type Memory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*models.User
	byLookup map[string]uuid.UUID
	messages []*models.Message
	seq      int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]*models.User),
		byLookup: make(map[string]uuid.UUID),
	}
}

func (m *Memory) FindUserByLookupKey(ctx context.Context, lookupKey string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byLookup[lookupKey]
	if !ok {
		return nil, common.ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

func (m *Memory) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return copyUser(user), nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID.String() < users[j].ID.String()
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (m *Memory) CreateUser(ctx context.Context, lookupKey, publicKey string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byLookup[lookupKey]; exists {
		return nil, ErrDuplicate
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:             uuid.New(),
		PhoneLookupKey: lookupKey,
		Verified:       true,
		PublicKey:      publicKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.users[user.ID] = user
	m.byLookup[lookupKey] = user.ID
	return copyUser(user), nil
}

func (m *Memory) UpdateUserVerified(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return common.ErrNotFound
	}
	user.Verified = true
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return common.ErrNotFound
	}
	user.DisplayName = &name
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[msg.SenderID]; !ok {
		return nil, common.ErrNotFound
	}
	if _, ok := m.users[msg.ReceiverID]; !ok {
		return nil, common.ErrNotFound
	}

	stored := *msg
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.seq++
	stored.Seq = m.seq
	m.messages = append(m.messages, &stored)

	out := stored
	return &out, nil
}

func (m *Memory) ListMessages(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.StoredMessage
	for _, msg := range m.messages {
		if msg.SenderID != viewerID && msg.ReceiverID != viewerID {
			continue
		}
		out = append(out, &models.StoredMessage{
			Message:           *msg,
			SenderPublicKey:   m.users[msg.SenderID].PublicKey,
			ReceiverPublicKey: m.users[msg.ReceiverID].PublicKey,
		})
	}
	return out, nil
}

func copyUser(u *models.User) *models.User {
	c := *u
	if u.DisplayName != nil {
		name := *u.DisplayName
		c.DisplayName = &name
	}
	return &c
}
