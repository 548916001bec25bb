package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Postgres is the Postgres-backed store
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open database
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const userColumns = `id, phone_lookup_key, verified, public_key, display_name, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.PhoneLookupKey, &user.Verified, &user.PublicKey,
		&user.DisplayName, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByLookupKey retrieves a user by phone lookup key
func (s *Postgres) FindUserByLookupKey(ctx context.Context, lookupKey string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_lookup_key = $1`, lookupKey)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// FindUserByID retrieves a user by ID
func (s *Postgres) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user in creation order. Used by salted lookups.
func (s *Postgres) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// CreateUser inserts a verified user. A lookup key that already exists
// yields ErrDuplicate and leaves the existing row untouched.
func (s *Postgres) CreateUser(ctx context.Context, lookupKey, publicKey string) (*models.User, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, phone_lookup_key, verified, public_key, created_at, updated_at)
		VALUES ($1, $2, true, $3, $4, $4)
		ON CONFLICT (phone_lookup_key) DO NOTHING
		RETURNING `+userColumns,
		uuid.New(), lookupKey, publicKey, now)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UpdateUserVerified marks a user verified
func (s *Postgres) UpdateUserVerified(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET verified = true, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return expectOneRow(res)
}

// UpdateDisplayName sets a user's display name
func (s *Postgres) UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = $1, updated_at = $2 WHERE id = $3`, name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	return expectOneRow(res)
}

// CreateMessage inserts an encrypted message and fills in its storage order
func (s *Postgres) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, scheme, ciphertext, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, msg.ID, msg.SenderID, msg.ReceiverID, string(msg.Scheme), msg.Ciphertext, msg.Nonce, msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages sent or received by viewerID in storage
// order, joined with both parties' public keys
func (s *Postgres) ListMessages(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.seq, m.sender_id, m.receiver_id, m.scheme, m.ciphertext, m.nonce, m.created_at,
		       s.public_key, r.public_key
		FROM messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		WHERE m.sender_id = $1 OR m.receiver_id = $1
		ORDER BY m.seq ASC
	`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.StoredMessage
	for rows.Next() {
		var msg models.StoredMessage
		if err := rows.Scan(&msg.ID, &msg.Seq, &msg.SenderID, &msg.ReceiverID, &msg.Scheme,
			&msg.Ciphertext, &msg.Nonce, &msg.CreatedAt,
			&msg.SenderPublicKey, &msg.ReceiverPublicKey); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
