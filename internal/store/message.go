package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MessageStatus represents the lifecycle status of a message
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusScheduled MessageStatus = "scheduled"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusBounced   MessageStatus = "bounced"
)

// statusRank orders statuses for the monotonic-transition check.
// Terminal statuses share a rank; a message never moves between them.
var statusRank = map[MessageStatus]int{
	StatusScheduled: 0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusFailed:    3,
	StatusBounced:   3,
}

// Attachment is one file attached to a message
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"` // base64-encoded
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Disposition string `json:"disposition,omitempty"` // attachment or inline
}

// Message is one outbound email
type Message struct {
	ID           string            `json:"id"`
	DomainID     string            `json:"domain_id"`
	APIKeyID     string            `json:"api_key_id,omitempty"`
	From         string            `json:"from"`
	FromName     string            `json:"from_name,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	To           []string          `json:"to"`
	CC           []string          `json:"cc,omitempty"`
	BCC          []string          `json:"bcc,omitempty"`
	Subject      string            `json:"subject"`
	Text         string            `json:"text,omitempty"`
	HTML         string            `json:"html,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	Categories   []string          `json:"categories,omitempty"`
	CustomArgs   map[string]string `json:"custom_args,omitempty"`
	TrackOpens   bool              `json:"track_opens"`
	TrackClicks  bool              `json:"track_clicks"`
	Status       MessageStatus     `json:"status"`
	SMTPResponse string            `json:"smtp_response,omitempty"`
	OpenCount    int               `json:"open_count"`
	ClickCount   int               `json:"click_count"`
	QueuedAt     time.Time         `json:"queued_at"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// MessageFilter contains filters for listing messages
type MessageFilter struct {
	DomainID string
	Status   MessageStatus
	Limit    int
	Offset   int
}

// CreateMessage persists a new message and, for queued/scheduled
// statuses, adds it to the matching dequeue index
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		msg.UpdatedAt = time.Now()

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), data); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}

		switch msg.Status {
		case StatusQueued:
			key := makeIndexKey(msg.QueuedAt, msg.ID)
			if err := tx.Bucket(bucketQueued).Put(key, []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to queued index: %w", err)
			}
		case StatusScheduled:
			key := makeIndexKey(*msg.ScheduledAt, msg.ID)
			if err := tx.Bucket(bucketScheduled).Put(key, []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to scheduled index: %w", err)
			}
		}
		return nil
	})
}

// GetMessage retrieves a message by ID
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})
	return msg, err
}

// DequeueMessage claims the next queued message and marks it sending.
// Returns nil, nil if nothing is due.
func (s *Store) DequeueMessage(ctx context.Context) (*Message, error) {
	var msg *Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketQueued).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := msgBucket.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}

			m.Status = StatusSending
			m.UpdatedAt = time.Now()

			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := msgBucket.Put([]byte(m.ID), updated); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			msg = &m
			return nil
		}
		return nil
	})

	return msg, err
}

// PromoteScheduled moves scheduled messages whose send time has passed
// onto the queued index. Returns the number promoted.
func (s *Store) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	promoted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		queued := tx.Bucket(bucketQueued)
		c := tx.Bucket(bucketScheduled).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // remaining entries are in the future
			}

			data := msgBucket.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}

			m.Status = StatusQueued
			m.QueuedAt = now
			m.UpdatedAt = now

			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := msgBucket.Put([]byte(m.ID), updated); err != nil {
				return err
			}
			if err := queued.Put(makeIndexKey(now, m.ID), []byte(m.ID)); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})

	return promoted, err
}

// RequeueStale puts sending/queued messages older than the grace period
// back onto the queued index. Used on startup to recover deliveries lost
// to a crash.
func (s *Store) RequeueStale(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	requeued := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		queued := tx.Bucket(bucketQueued)
		c := msgBucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.Status != StatusSending || !m.UpdatedAt.Before(cutoff) {
				continue
			}

			m.Status = StatusQueued
			m.UpdatedAt = time.Now()

			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := msgBucket.Put(append([]byte{}, k...), updated); err != nil {
				return err
			}
			if err := queued.Put(makeIndexKey(m.QueuedAt, m.ID), []byte(m.ID)); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})

	return requeued, err
}

// UpdateMessageStatus applies a status transition, rejecting any move
// that is not monotonic. Terminal statuses never change into each
// other; the first one recorded wins.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, smtpResponse string) error {
	return s.updateMessage(id, func(m *Message) error {
		if statusRank[status] < statusRank[m.Status] ||
			(status != m.Status && statusRank[status] == statusRank[m.Status] && statusRank[status] == 3) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
		}
		m.Status = status
		if smtpResponse != "" {
			m.SMTPResponse = smtpResponse
		}
		if status == StatusSent && m.SentAt == nil {
			now := time.Now()
			m.SentAt = &now
		}
		return nil
	})
}

// MarkOpened increments the open counter and returns the new count
func (s *Store) MarkOpened(ctx context.Context, id string) (int, error) {
	count := 0
	err := s.updateMessage(id, func(m *Message) error {
		m.OpenCount++
		count = m.OpenCount
		return nil
	})
	return count, err
}

// MarkClicked increments the click counter and returns the new count
func (s *Store) MarkClicked(ctx context.Context, id string) (int, error) {
	count := 0
	err := s.updateMessage(id, func(m *Message) error {
		m.ClickCount++
		count = m.ClickCount
		return nil
	})
	return count, err
}

// ListMessages returns messages matching the filter
func (s *Store) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if filter.DomainID != "" && m.DomainID != filter.DomainID {
				continue
			}
			if filter.Status != "" && m.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			messages = append(messages, &m)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

func (s *Store) updateMessage(id string, mutate func(*Message) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if err := mutate(&m); err != nil {
			return err
		}
		m.UpdatedAt = time.Now()

		updated, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}
