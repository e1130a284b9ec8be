// Package apikey issues and verifies API key material. Plaintext keys
// are shown once at creation; only their hashes persist.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/store"
)

const keyPrefix = "ck_"

// Service manages API keys
type Service struct {
	store *store.Store
}

// NewService builds the key service
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Issue creates a new key for a domain and returns the record together
// with the plaintext key. The plaintext is not recoverable later.
func (s *Service) Issue(ctx context.Context, domainID, name string, scopes []string) (*store.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(buf)

	key := &store.APIKey{
		ID:        uuid.New().String(),
		DomainID:  domainID,
		Name:      name,
		KeyHash:   Hash(plaintext),
		KeyPrefix: plaintext[:len(keyPrefix)+6] + "...",
		Scopes:    scopes,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Verify resolves a presented key to its record. Inactive keys are
// rejected the same way as unknown ones.
func (s *Service) Verify(ctx context.Context, plaintext string) (*store.APIKey, error) {
	if !strings.HasPrefix(plaintext, keyPrefix) {
		return nil, store.ErrNotFound
	}
	key, err := s.store.GetAPIKeyByHash(ctx, Hash(plaintext))
	if err != nil {
		return nil, err
	}
	if !key.Active {
		return nil, store.ErrNotFound
	}
	return key, nil
}

// Touch records key usage. Best effort; a failure never blocks the
// request.
func (s *Service) Touch(ctx context.Context, id string) {
	_ = s.store.TouchAPIKey(ctx, id)
}

// Hash derives the stored lookup hash for a plaintext key
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
