package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// EventType defines the lifecycle event types
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventDeferred     EventType = "deferred"
	EventDropped      EventType = "dropped"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// ValidEventType reports whether t is a known event type
func ValidEventType(t EventType) bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventBounced,
		EventDeferred, EventDropped, EventComplained, EventUnsubscribed:
		return true
	}
	return false
}

// DeviceInfo is the best-effort device classification of an open/click
type DeviceInfo struct {
	Type    string `json:"type,omitempty"` // desktop, mobile, tablet
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	IsBot   bool   `json:"is_bot"`
}

// Event is one observed lifecycle fact about a message. Events are
// append-only and never mutated.
type Event struct {
	ID           string            `json:"id"`
	MessageID    string            `json:"message_id"`
	DomainID     string            `json:"domain_id"`
	Type         EventType         `json:"type"`
	Recipient    string            `json:"recipient"`
	Timestamp    time.Time         `json:"timestamp"`
	UserAgent    string            `json:"user_agent,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	URL          string            `json:"url,omitempty"` // clicked URL
	Device       *DeviceInfo       `json:"device,omitempty"`
	SMTPResponse string            `json:"smtp_response,omitempty"`
	BounceClass  string            `json:"bounce_class,omitempty"` // hard, soft, block
	Categories   []string          `json:"categories,omitempty"`
	CustomArgs   map[string]string `json:"custom_args,omitempty"`
}

// AppendEvent persists an event. The key is prefixed with the message
// ID so a message's timeline is one cursor range.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		key := eventKey(ev.MessageID, ev.Timestamp, ev.ID)
		return tx.Bucket(bucketEvents).Put(key, data)
	})
}

// ListEventsByMessage returns all events for one message in time order
func (s *Store) ListEventsByMessage(ctx context.Context, messageID string) ([]*Event, error) {
	var events []*Event

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		prefix := []byte(messageID + "/")

		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})

	return events, err
}

func eventKey(messageID string, t time.Time, id string) []byte {
	return []byte(messageID + "/" + t.UTC().Format(time.RFC3339Nano) + "/" + id)
}
