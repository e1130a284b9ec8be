package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages     = []byte("messages")
	bucketQueued       = []byte("msg_queued")
	bucketScheduled    = []byte("msg_scheduled")
	bucketEvents       = []byte("events")
	bucketSuppressions = []byte("suppressions")
	bucketTemplates    = []byte("templates")
	bucketWebhooks     = []byte("webhooks")
	bucketAttempts     = []byte("webhook_attempts")
	bucketAPIKeys      = []byte("api_keys")
	bucketKeyHashes    = []byte("api_key_hashes")
	bucketAnalytics    = []byte("analytics")
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned for non-monotonic message status
// changes
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrSuppressionExists is returned when an active suppression already
// covers the (domain, email) pair
var ErrSuppressionExists = errors.New("suppression already exists")

// Store is the BoltDB-backed persistence layer
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		bucketMessages, bucketQueued, bucketScheduled, bucketEvents,
		bucketSuppressions, bucketTemplates, bucketWebhooks,
		bucketAttempts, bucketAPIKeys, bucketKeyHashes, bucketAnalytics,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
