package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// APIKey is the stored identity behind a key hash. The plaintext key
// material is never persisted.
type APIKey struct {
	ID         string     `json:"id"`
	DomainID   string     `json:"domain_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	RateLimit  int        `json:"rate_limit"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type apiKeyRecord struct {
	APIKey
	KeyHash string `json:"key_hash"`
}

// CreateAPIKey persists a key record and its hash lookup entry
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := apiKeyRecord{APIKey: *key, KeyHash: key.KeyHash}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal api key: %w", err)
		}
		if err := tx.Bucket(bucketAPIKeys).Put([]byte(key.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketKeyHashes).Put([]byte(key.KeyHash), []byte(key.ID))
	})
}

// GetAPIKeyByHash resolves a key identity from its hash
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var key *APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeyHashes).Get([]byte(hash))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAPIKeys).Get(id)
		if data == nil {
			return ErrNotFound
		}
		var rec apiKeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.APIKey.KeyHash = rec.KeyHash
		key = &rec.APIKey
		return nil
	})
	return key, err
}

// TouchAPIKey updates the last-used timestamp
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAPIKeys)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var rec apiKeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		now := time.Now()
		rec.LastUsedAt = &now
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
}
