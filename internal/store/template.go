package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// TemplateVariable documents one template variable
type TemplateVariable struct {
	Name    string `json:"name"`
	Default string `json:"default,omitempty"`
}

// Template is a stored email template
type Template struct {
	ID        string             `json:"id"`
	DomainID  string             `json:"domain_id"`
	Name      string             `json:"name"`
	Subject   string             `json:"subject"`
	HTML      string             `json:"html,omitempty"`
	Text      string             `json:"text,omitempty"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CreateTemplate persists a new template
func (s *Store) CreateTemplate(ctx context.Context, tmpl *Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return tx.Bucket(bucketTemplates).Put([]byte(tmpl.ID), data)
	})
}

// GetTemplate retrieves a template by ID
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})
	return tmpl, err
}

// ListTemplates returns all templates for a domain
func (s *Store) ListTemplates(ctx context.Context, domainID string) ([]*Template, error) {
	var templates []*Template
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Template
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if domainID != "" && t.DomainID != domainID {
				continue
			}
			templates = append(templates, &t)
		}
		return nil
	})
	return templates, err
}

// DeleteTemplate removes a template
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}
