// Package suppress maintains the send-block list and applies bounce
// and complaint policy to it.
package suppress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/bounce"
	"github.com/courierd/courierd/internal/store"
)

// Service manages suppressions on top of the store
type Service struct {
	store         *store.Store
	logger        *slog.Logger
	softBounceTTL time.Duration
}

// NewService builds a suppression service. softBounceTTL is how long a
// soft-bounce suppression stays in force.
func NewService(st *store.Store, logger *slog.Logger, softBounceTTL time.Duration) *Service {
	return &Service{
		store:         st,
		logger:        logger.With("component", "suppress"),
		softBounceTTL: softBounceTTL,
	}
}

// Add creates a suppression. If an active suppression already covers
// the address the existing record is returned and no error is raised.
func (s *Service) Add(ctx context.Context, sp *store.Suppression) (*store.Suppression, error) {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now()
	}

	err := s.store.CreateSuppression(ctx, sp)
	if errors.Is(err, store.ErrSuppressionExists) {
		existing, getErr := s.store.GetSuppression(ctx, sp.DomainID, sp.Email)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// ProcessBounce records a bounce-driven suppression. Hard and block
// bounces suppress indefinitely; soft bounces expire after the
// configured TTL.
func (s *Service) ProcessBounce(ctx context.Context, domainID, email, messageID string, class bounce.Class, smtpResponse string) error {
	sp := &store.Suppression{
		ID:          uuid.New().String(),
		DomainID:    domainID,
		Email:       email,
		Reason:      store.ReasonBounce,
		BounceClass: string(class),
		MessageID:   messageID,
		Source:      "smtp",
		Description: smtpResponse,
		CreatedAt:   time.Now(),
	}
	if !bounce.Permanent(class) {
		expires := time.Now().Add(s.softBounceTTL)
		sp.ExpiresAt = &expires
	}

	if _, err := s.Add(ctx, sp); err != nil {
		return err
	}
	s.logger.Info("recipient suppressed after bounce",
		"domain", domainID, "email", email, "class", class)
	return nil
}

// ProcessSpamComplaint permanently suppresses an address after a
// feedback loop report
func (s *Service) ProcessSpamComplaint(ctx context.Context, domainID, email, messageID string) error {
	_, err := s.Add(ctx, &store.Suppression{
		DomainID:  domainID,
		Email:     email,
		Reason:    store.ReasonSpamComplaint,
		MessageID: messageID,
		Source:    "feedback_loop",
	})
	return err
}

// ProcessUnsubscribe permanently suppresses an address at the
// recipient's request
func (s *Service) ProcessUnsubscribe(ctx context.Context, domainID, email, messageID string) error {
	_, err := s.Add(ctx, &store.Suppression{
		DomainID:  domainID,
		Email:     email,
		Reason:    store.ReasonUnsubscribe,
		MessageID: messageID,
		Source:    "user",
	})
	return err
}

// CheckMultiple returns the suppression status for each recipient. A
// store failure is logged and reported as nobody-suppressed so that a
// storage blip degrades to sending rather than blocking all mail.
func (s *Service) CheckMultiple(ctx context.Context, domainID string, emails []string) map[string]store.SuppressionStatus {
	results, err := s.store.CheckSuppressions(ctx, domainID, emails)
	if err != nil {
		s.logger.Error("suppression check failed, allowing sends", "error", err)
		results = make(map[string]store.SuppressionStatus, len(emails))
		for _, e := range emails {
			results[e] = store.SuppressionStatus{}
		}
	}
	return results
}

// Remove deletes a suppression
func (s *Service) Remove(ctx context.Context, domainID, email string) error {
	return s.store.DeleteSuppression(ctx, domainID, email)
}

// List returns suppressions matching the filter
func (s *Service) List(ctx context.Context, filter store.SuppressionFilter) ([]*store.Suppression, error) {
	return s.store.ListSuppressions(ctx, filter)
}

// RunCleanup deletes expired suppressions on an interval until the
// context is cancelled
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredSuppressions(ctx)
			if err != nil {
				s.logger.Error("suppression cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired suppressions removed", "count", n)
			}
		}
	}
}
