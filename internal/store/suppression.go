package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SuppressionReason is why an address is blocked
type SuppressionReason string

const (
	ReasonBounce        SuppressionReason = "bounce"
	ReasonSpamComplaint SuppressionReason = "spam_complaint"
	ReasonUnsubscribe   SuppressionReason = "unsubscribe"
	ReasonManual        SuppressionReason = "manual"
)

// ValidSuppressionReason reports whether r is a known reason
func ValidSuppressionReason(r SuppressionReason) bool {
	switch r {
	case ReasonBounce, ReasonSpamComplaint, ReasonUnsubscribe, ReasonManual:
		return true
	}
	return false
}

// Suppression is a standing block on sending to one (domain, email)
type Suppression struct {
	ID          string            `json:"id"`
	DomainID    string            `json:"domain_id"`
	Email       string            `json:"email"`
	Reason      SuppressionReason `json:"reason"`
	BounceClass string            `json:"bounce_class,omitempty"` // hard, soft, block
	MessageID   string            `json:"message_id,omitempty"`
	Source      string            `json:"source,omitempty"` // api, smtp, feedback_loop, user
	Description string            `json:"description,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"` // nil = permanent
	CreatedAt   time.Time         `json:"created_at"`
}

// Active reports whether the suppression is still in force at t
func (sp *Suppression) Active(t time.Time) bool {
	return sp.ExpiresAt == nil || sp.ExpiresAt.After(t)
}

// SuppressionStatus is the per-email result of a batch check
type SuppressionStatus struct {
	Suppressed bool              `json:"suppressed"`
	Reason     SuppressionReason `json:"reason,omitempty"`
}

// SuppressionFilter contains filters for listing suppressions
type SuppressionFilter struct {
	DomainID string
	Reason   SuppressionReason
	Limit    int
	Offset   int
}

// CreateSuppression persists a suppression. If an active record already
// covers the (domain, email) pair it returns ErrSuppressionExists; an
// expired record is replaced.
func (s *Store) CreateSuppression(ctx context.Context, sp *Suppression) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSuppressions)
		key := suppressionKey(sp.DomainID, sp.Email)

		if data := bucket.Get(key); data != nil {
			var existing Suppression
			if err := json.Unmarshal(data, &existing); err == nil && existing.Active(time.Now()) {
				return ErrSuppressionExists
			}
		}

		data, err := json.Marshal(sp)
		if err != nil {
			return fmt.Errorf("failed to marshal suppression: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// GetSuppression returns the active suppression for (domain, email),
// or ErrNotFound
func (s *Store) GetSuppression(ctx context.Context, domainID, email string) (*Suppression, error) {
	var sp *Suppression

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuppressions).Get(suppressionKey(domainID, email))
		if data == nil {
			return ErrNotFound
		}
		var rec Suppression
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !rec.Active(time.Now()) {
			return ErrNotFound
		}
		sp = &rec
		return nil
	})

	return sp, err
}

// CheckSuppressions performs a batch existence check, returning one
// status per email. Expired records count as not suppressed.
func (s *Store) CheckSuppressions(ctx context.Context, domainID string, emails []string) (map[string]SuppressionStatus, error) {
	results := make(map[string]SuppressionStatus, len(emails))
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSuppressions)
		for _, email := range emails {
			status := SuppressionStatus{}
			if data := bucket.Get(suppressionKey(domainID, email)); data != nil {
				var rec Suppression
				if err := json.Unmarshal(data, &rec); err == nil && rec.Active(now) {
					status.Suppressed = true
					status.Reason = rec.Reason
				}
			}
			results[email] = status
		}
		return nil
	})

	return results, err
}

// DeleteSuppression removes the record for (domain, email)
func (s *Store) DeleteSuppression(ctx context.Context, domainID, email string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := suppressionKey(domainID, email)
		bucket := tx.Bucket(bucketSuppressions)
		if bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Delete(key)
	})
}

// DeleteExpiredSuppressions removes records whose expiry has passed.
// Returns the number deleted.
func (s *Store) DeleteExpiredSuppressions(ctx context.Context) (int, error) {
	deleted := 0
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSuppressions)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Suppression
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !rec.Active(now) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// ListSuppressions returns suppressions matching the filter. Expired
// records are excluded.
func (s *Store) ListSuppressions(ctx context.Context, filter SuppressionFilter) ([]*Suppression, error) {
	var suppressions []*Suppression
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSuppressions).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Suppression
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !rec.Active(now) {
				continue
			}
			if filter.DomainID != "" && rec.DomainID != filter.DomainID {
				continue
			}
			if filter.Reason != "" && rec.Reason != filter.Reason {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			suppressions = append(suppressions, &rec)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return suppressions, err
}

func suppressionKey(domainID, email string) []byte {
	return []byte(domainID + "/" + strings.ToLower(email))
}
