package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// RetryPolicy defines the retry behavior for failed deliveries
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	RetryInterval     time.Duration `json:"retry_interval"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxInterval       time.Duration `json:"max_interval"`
}

// Subscription is one webhook delivery target for one domain
type Subscription struct {
	ID              string            `json:"id"`
	DomainID        string            `json:"domain_id"`
	URL             string            `json:"url"`
	Events          []EventType       `json:"events"`
	Secret          string            `json:"-"`
	SecretPrefix    string            `json:"secret_prefix,omitempty"`
	Active          bool              `json:"active"`
	Description     string            `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	RetryPolicy     *RetryPolicy      `json:"retry_policy,omitempty"`
	FailureCount    int               `json:"failure_count"`
	LastError       string            `json:"last_error,omitempty"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SubscribedTo reports whether the subscription wants events of type t
func (sub *Subscription) SubscribedTo(t EventType) bool {
	for _, e := range sub.Events {
		if e == t {
			return true
		}
	}
	return false
}

// subscriptionRecord is the persisted form; the secret is stored but
// never serialized outward.
type subscriptionRecord struct {
	Subscription
	Secret string `json:"secret"`
}

// DeliveryAttempt is the audit record of one webhook POST
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	EventType      EventType     `json:"event_type"`
	URL            string        `json:"url"`
	AttemptNumber  int           `json:"attempt_number"`
	ResponseCode   int           `json:"response_code,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CreateSubscription persists a new webhook subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return s.putSubscription(sub)
}

// UpdateSubscription replaces an existing subscription
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()
	return s.putSubscription(sub)
}

// GetSubscription retrieves a subscription by ID, secret included
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhooks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var rec subscriptionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Subscription.Secret = rec.Secret
		sub = &rec.Subscription
		return nil
	})
	return sub, err
}

// DeleteSubscription removes a subscription
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWebhooks)
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

// ListSubscriptions returns all subscriptions for a domain
func (s *Store) ListSubscriptions(ctx context.Context, domainID string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWebhooks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec subscriptionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if domainID != "" && rec.DomainID != domainID {
				continue
			}
			rec.Subscription.Secret = rec.Secret
			sub := rec.Subscription
			subs = append(subs, &sub)
		}
		return nil
	})
	return subs, err
}

// ActiveSubscriptionsForEvent returns the active subscriptions of a
// domain whose event set includes t
func (s *Store) ActiveSubscriptionsForEvent(ctx context.Context, domainID string, t EventType) ([]*Subscription, error) {
	all, err := s.ListSubscriptions(ctx, domainID)
	if err != nil {
		return nil, err
	}
	var matched []*Subscription
	for _, sub := range all {
		if sub.Active && sub.SubscribedTo(t) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// RecordSubscriptionOutcome updates the consecutive-failure counter
// after a delivery attempt
func (s *Store) RecordSubscriptionOutcome(ctx context.Context, id string, success bool, errText string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWebhooks)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var rec subscriptionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		now := time.Now()
		rec.LastTriggeredAt = &now
		if success {
			rec.FailureCount = 0
			rec.LastError = ""
		} else {
			rec.FailureCount++
			rec.LastError = errText
		}
		rec.UpdatedAt = now

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
}

// RecordDeliveryAttempt appends one attempt audit record
func (s *Store) RecordDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		key := []byte(a.SubscriptionID + "/" + a.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + a.ID)
		return tx.Bucket(bucketAttempts).Put(key, data)
	})
}

// ListDeliveryAttempts returns a subscription's attempt history in
// time order
func (s *Store) ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]*DeliveryAttempt, error) {
	var attempts []*DeliveryAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		prefix := subscriptionID + "/"

		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var a DeliveryAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			attempts = append(attempts, &a)
			if limit > 0 && len(attempts) >= limit {
				break
			}
		}
		return nil
	})
	return attempts, err
}

func (s *Store) putSubscription(sub *Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := subscriptionRecord{Subscription: *sub, Secret: sub.Secret}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		return tx.Bucket(bucketWebhooks).Put([]byte(sub.ID), data)
	})
}
