package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
)

type fileIdentity struct {
	UserID     string `json:"user_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// File stores the identity as JSON in a single owner-only file
type File struct {
	path string
}

// NewFile creates a key store at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path
func (f *File) Path() string {
	return f.path
}

func (f *File) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create key store directory: %w", err)
	}
	return nil
}

// Put writes to a temp file and renames it over the target, so a reader
// sees either the old identity or the new one
func (f *File) Put(ctx context.Context, id Identity) error {
	if err := validate(id); err != nil {
		return err
	}

	data, err := json.Marshal(fileIdentity{
		UserID:     id.UserID.String(),
		PublicKey:  crypto.EncodeKey(&id.PublicKey),
		PrivateKey: crypto.EncodeKey(&id.PrivateKey),
	})
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close identity file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

func (f *File) Get(ctx context.Context) (*Identity, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key store: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("key store %s is accessible by other users (mode %v)", f.path, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}

	var stored fileIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode key store: %w", err)
	}

	userID, err := uuid.Parse(stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id in key store: %w", err)
	}
	pub, err := crypto.DecodeKey(stored.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key in key store: %w", err)
	}
	priv, err := crypto.DecodeKey(stored.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in key store: %w", err)
	}

	id := &Identity{UserID: userID, PublicKey: *pub, PrivateKey: *priv}
	if err := validate(*id); err != nil {
		return nil, err
	}
	return id, nil
}

func (f *File) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove key store: %w", err)
	}
	return nil
}
