// Package send accepts messages over the API surface, prepares them
// for delivery and drives the outbound queue.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
	"github.com/courierd/courierd/internal/template"
	"github.com/courierd/courierd/internal/tracking"
)

const maxRecipients = 1000

// ValidationError marks a request the caller must fix
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Request is one send submission
type Request struct {
	From          string             `json:"from"`
	FromName      string             `json:"from_name,omitempty"`
	ReplyTo       string             `json:"reply_to,omitempty"`
	To            []string           `json:"to"`
	CC            []string           `json:"cc,omitempty"`
	BCC           []string           `json:"bcc,omitempty"`
	Subject       string             `json:"subject"`
	Text          string             `json:"text,omitempty"`
	HTML          string             `json:"html,omitempty"`
	TemplateID    string             `json:"template_id,omitempty"`
	Substitutions map[string]string  `json:"substitutions,omitempty"`
	Headers       map[string]string  `json:"headers,omitempty"`
	Attachments   []store.Attachment `json:"attachments,omitempty"`
	Categories    []string           `json:"categories,omitempty"`
	CustomArgs    map[string]string  `json:"custom_args,omitempty"`
	TrackOpens    *bool              `json:"track_opens,omitempty"`
	TrackClicks   *bool              `json:"track_clicks,omitempty"`
	SendAt        *time.Time         `json:"send_at,omitempty"`
}

// Result reports what happened to a submission. Accepted lists the
// recipients that were queued; Rejected explains the rest.
type Result struct {
	MessageID string              `json:"message_id"`
	Status    string              `json:"status"`
	Accepted  []string            `json:"accepted,omitempty"`
	Rejected  []RejectedRecipient `json:"rejected,omitempty"`
	QueuedAt  time.Time           `json:"queued_at"`
}

// RejectedRecipient is one recipient that was not queued
type RejectedRecipient struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// TrackingDefaults are applied when a request does not choose
type TrackingDefaults struct {
	Opens  bool
	Clicks bool
}

// Pipeline validates, renders and enqueues outbound messages
type Pipeline struct {
	store    *store.Store
	suppress *suppress.Service
	recorder *event.Recorder
	injector *tracking.Injector
	defaults TrackingDefaults
	logger   *slog.Logger
}

// NewPipeline builds the send pipeline
func NewPipeline(st *store.Store, sup *suppress.Service, rec *event.Recorder, inj *tracking.Injector, defaults TrackingDefaults, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		suppress: sup,
		recorder: rec,
		injector: inj,
		defaults: defaults,
		logger:   logger.With("component", "send"),
	}
}

// Send accepts one message for delivery. Suppressed recipients are
// filtered out and reported; when every recipient is suppressed the
// submission is rejected without entering the queue.
func (p *Pipeline) Send(ctx context.Context, domainID, apiKeyID string, req *Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	subject, htmlBody, textBody, err := p.render(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		DomainID:    domainID,
		APIKeyID:    apiKeyID,
		From:        req.From,
		FromName:    req.FromName,
		ReplyTo:     req.ReplyTo,
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     subject,
		Text:        textBody,
		HTML:        htmlBody,
		TemplateID:  req.TemplateID,
		Headers:     req.Headers,
		Attachments: req.Attachments,
		Categories:  req.Categories,
		CustomArgs:  req.CustomArgs,
		TrackOpens:  boolOr(req.TrackOpens, p.defaults.Opens),
		TrackClicks: boolOr(req.TrackClicks, p.defaults.Clicks),
		QueuedAt:    time.Now(),
	}

	result := &Result{MessageID: msg.ID, QueuedAt: msg.QueuedAt}

	msg.To = p.filterSuppressed(ctx, msg, msg.To, result)
	msg.CC = p.filterSuppressed(ctx, msg, msg.CC, result)
	msg.BCC = p.filterSuppressed(ctx, msg, msg.BCC, result)
	if len(msg.To)+len(msg.CC)+len(msg.BCC) == 0 {
		result.MessageID = ""
		result.Status = "rejected"
		p.logger.Info("all recipients suppressed, message rejected", "domain", domainID)
		return result, nil
	}
	result.Accepted = append(result.Accepted, msg.To...)
	result.Accepted = append(result.Accepted, msg.CC...)
	result.Accepted = append(result.Accepted, msg.BCC...)

	if msg.HTML != "" {
		if msg.TrackClicks {
			rewritten, err := p.injector.RewriteLinks(msg.HTML, msg.ID, domainID)
			if err != nil {
				p.logger.Warn("link rewrite failed, sending original links", "error", err, "message", msg.ID)
			} else {
				msg.HTML = rewritten
			}
		}
		if msg.TrackOpens {
			injected, err := p.injector.InjectPixel(msg.HTML, msg.ID, domainID)
			if err != nil {
				p.logger.Warn("pixel injection failed, sending without", "error", err, "message", msg.ID)
			} else {
				msg.HTML = injected
			}
		}
	}

	if req.SendAt != nil && req.SendAt.After(time.Now()) {
		msg.Status = store.StatusScheduled
		msg.ScheduledAt = req.SendAt
		result.Status = "scheduled"
	} else {
		msg.Status = store.StatusQueued
		result.Status = "queued"
	}

	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	metrics.IncMessagesAccepted(domainID)
	p.logger.Info("message accepted",
		"message", msg.ID, "domain", domainID,
		"recipients", len(msg.To)+len(msg.CC)+len(msg.BCC), "status", msg.Status)
	return result, nil
}

// SendBatch processes personalized submissions with bounded
// concurrency. Each item becomes its own message; one item's failure
// does not stop the rest.
func (p *Pipeline) SendBatch(ctx context.Context, domainID, apiKeyID string, reqs []*Request, concurrency int) []*Result {
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := make(chan struct{}, concurrency)
	results := make([]*Result, len(reqs))

	done := make(chan int, len(reqs))
	for i, req := range reqs {
		sem <- struct{}{}
		go func(i int, req *Request) {
			defer func() { <-sem; done <- i }()
			res, err := p.Send(ctx, domainID, apiKeyID, req)
			if err != nil {
				res = &Result{
					Status: "failed",
					Rejected: []RejectedRecipient{{
						Email:  strings.Join(req.To, ", "),
						Reason: err.Error(),
						Code:   "send_failed",
					}},
				}
			}
			results[i] = res
		}(i, req)
	}
	for range reqs {
		<-done
	}
	return results
}

// render resolves the template (when named) and applies substitutions
func (p *Pipeline) render(ctx context.Context, req *Request) (subject, htmlBody, textBody string, err error) {
	subject, htmlBody, textBody = req.Subject, req.HTML, req.Text

	if req.TemplateID != "" {
		tmpl, err := p.store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return "", "", "", &ValidationError{Field: "template_id", Message: "template not found"}
		}
		tSubject, tHTML, tText := template.Render(tmpl, req.Substitutions)
		if subject == "" {
			subject = tSubject
		}
		if htmlBody == "" {
			htmlBody = tHTML
		}
		if textBody == "" {
			textBody = tText
		}
	}

	if len(req.Substitutions) > 0 {
		subject = template.RenderString(subject, req.Substitutions)
		textBody = template.RenderString(textBody, req.Substitutions)
		if req.TemplateID == "" {
			// Template HTML is already rendered with escaping.
			htmlBody = template.RenderHTML(htmlBody, req.Substitutions)
		}
	}

	if subject == "" {
		return "", "", "", &ValidationError{Field: "subject", Message: "subject is required"}
	}
	if htmlBody == "" && textBody == "" {
		return "", "", "", &ValidationError{Field: "content", Message: "text, html or template_id is required"}
	}
	return subject, htmlBody, textBody, nil
}

// filterSuppressed drops suppressed recipients from the list and
// records a dropped event for each. Suppression lookups fail open.
func (p *Pipeline) filterSuppressed(ctx context.Context, msg *store.Message, recipients []string, result *Result) []string {
	if len(recipients) == 0 {
		return recipients
	}

	statuses := p.suppress.CheckMultiple(ctx, msg.DomainID, recipients)
	kept := recipients[:0]
	for _, rcpt := range recipients {
		status := statuses[rcpt]
		if !status.Suppressed {
			kept = append(kept, rcpt)
			continue
		}
		result.Rejected = append(result.Rejected, RejectedRecipient{
			Email:  rcpt,
			Reason: string(status.Reason),
			Code:   "suppressed",
		})
		metrics.IncRecipientsSuppressed(msg.DomainID, string(status.Reason))
		if err := p.recorder.Record(ctx, &store.Event{
			MessageID:  msg.ID,
			DomainID:   msg.DomainID,
			Type:       store.EventDropped,
			Recipient:  rcpt,
			Categories: msg.Categories,
			CustomArgs: msg.CustomArgs,
		}); err != nil {
			p.logger.Error("failed to record dropped event", "error", err, "recipient", rcpt)
		}
	}
	return kept
}

func validate(req *Request) error {
	if req.From == "" {
		return &ValidationError{Field: "from", Message: "sender is required"}
	}
	if _, err := mail.ParseAddress(req.From); err != nil {
		return &ValidationError{Field: "from", Message: "invalid sender address"}
	}
	if len(req.To) == 0 {
		return &ValidationError{Field: "to", Message: "at least one recipient is required"}
	}
	total := len(req.To) + len(req.CC) + len(req.BCC)
	if total > maxRecipients {
		return &ValidationError{Field: "to", Message: fmt.Sprintf("too many recipients (%d > %d)", total, maxRecipients)}
	}
	for _, list := range [][]string{req.To, req.CC, req.BCC} {
		for _, addr := range list {
			if _, err := mail.ParseAddress(addr); err != nil {
				return &ValidationError{Field: "to", Message: fmt.Sprintf("invalid recipient address %q", addr)}
			}
		}
	}
	if req.Subject == "" && req.TemplateID == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}
	if req.Text == "" && req.HTML == "" && req.TemplateID == "" {
		return &ValidationError{Field: "content", Message: "text, html or template_id is required"}
	}
	if strings.TrimSpace(req.TemplateID) != req.TemplateID {
		return &ValidationError{Field: "template_id", Message: "invalid template id"}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
