package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/template"
	"github.com/courierd/courierd/internal/webhook"
)

// SuppressionRequest is the body for POST /api/v1/suppressions
type SuppressionRequest struct {
	Email       string `json:"email"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// handleListSuppressions handles GET /api/v1/suppressions
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	suppressions, err := s.suppress.List(r.Context(), store.SuppressionFilter{
		DomainID: key.DomainID,
		Reason:   store.SuppressionReason(r.URL.Query().Get("reason")),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		s.logger.Error("failed to list suppressions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list suppressions")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"suppressions": suppressions})
}

// handleCreateSuppression handles POST /api/v1/suppressions
func (s *Server) handleCreateSuppression(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req SuppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	reason := store.SuppressionReason(req.Reason)
	if reason == "" {
		reason = store.ReasonManual
	}
	if !store.ValidSuppressionReason(reason) {
		s.sendError(w, http.StatusBadRequest, "unknown reason "+req.Reason)
		return
	}

	sp, err := s.suppress.Add(r.Context(), &store.Suppression{
		DomainID:    key.DomainID,
		Email:       req.Email,
		Reason:      reason,
		Source:      "api",
		Description: req.Description,
	})
	if err != nil {
		s.logger.Error("failed to create suppression", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create suppression")
		return
	}
	s.sendJSON(w, http.StatusCreated, sp)
}

// CheckSuppressionsRequest is the body for POST /api/v1/suppressions/check
type CheckSuppressionsRequest struct {
	Emails []string `json:"emails"`
}

// handleCheckSuppressions handles POST /api/v1/suppressions/check.
// Unlike the send-time filter this surfaces storage errors to the
// caller instead of failing open.
func (s *Server) handleCheckSuppressions(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req CheckSuppressionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Emails) == 0 {
		s.sendError(w, http.StatusBadRequest, "emails is required")
		return
	}

	results, err := s.store.CheckSuppressions(r.Context(), key.DomainID, req.Emails)
	if err != nil {
		s.logger.Error("failed to check suppressions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to check suppressions")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleDeleteSuppression handles DELETE /api/v1/suppressions/{email}
func (s *Server) handleDeleteSuppression(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	if err := s.suppress.Remove(r.Context(), key.DomainID, chi.URLParam(r, "email")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "suppression not found")
			return
		}
		s.logger.Error("failed to delete suppression", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete suppression")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookRequest is the body for webhook create/update
type WebhookRequest struct {
	URL         string             `json:"url"`
	Events      []store.EventType  `json:"events"`
	Description string             `json:"description,omitempty"`
	Headers     map[string]string  `json:"headers,omitempty"`
	RetryPolicy *store.RetryPolicy `json:"retry_policy,omitempty"`
	Active      *bool              `json:"active,omitempty"`
}

// WebhookCreatedResponse carries the full signing secret. This is the
// only time it is returned.
type WebhookCreatedResponse struct {
	*store.Subscription
	Secret string `json:"secret"`
}

func validateWebhookRequest(req *WebhookRequest) string {
	if req.URL == "" {
		return "url is required"
	}
	if len(req.Events) == 0 {
		return "events is required"
	}
	for _, t := range req.Events {
		if !store.ValidEventType(t) {
			return "unknown event type " + string(t)
		}
	}
	return ""
}

// handleCreateWebhook handles POST /api/v1/webhooks
func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateWebhookRequest(&req); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	secret, prefix, err := webhook.GenerateSecret()
	if err != nil {
		s.logger.Error("failed to generate webhook secret", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	sub := &store.Subscription{
		ID:           uuid.New().String(),
		DomainID:     key.DomainID,
		URL:          req.URL,
		Events:       req.Events,
		Secret:       secret,
		SecretPrefix: prefix,
		Active:       true,
		Description:  req.Description,
		Headers:      req.Headers,
		RetryPolicy:  req.RetryPolicy,
		CreatedAt:    time.Now(),
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}

	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.logger.Error("failed to create webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	s.sendJSON(w, http.StatusCreated, WebhookCreatedResponse{Subscription: sub, Secret: secret})
}

// handleListWebhooks handles GET /api/v1/webhooks
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	subs, err := s.store.ListSubscriptions(r.Context(), key.DomainID)
	if err != nil {
		s.logger.Error("failed to list webhooks", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

// getOwnedWebhook loads a subscription and checks domain ownership
func (s *Server) getOwnedWebhook(w http.ResponseWriter, r *http.Request) *store.Subscription {
	key := keyFromContext(r.Context())
	sub, err := s.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil || sub.DomainID != key.DomainID {
		s.sendError(w, http.StatusNotFound, "webhook not found")
		return nil
	}
	return sub
}

// handleGetWebhook handles GET /api/v1/webhooks/{id}
func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	if sub := s.getOwnedWebhook(w, r); sub != nil {
		s.sendJSON(w, http.StatusOK, sub)
	}
}

// handleUpdateWebhook handles PUT /api/v1/webhooks/{id}
func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedWebhook(w, r)
	if sub == nil {
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateWebhookRequest(&req); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	sub.URL = req.URL
	sub.Events = req.Events
	sub.Description = req.Description
	sub.Headers = req.Headers
	sub.RetryPolicy = req.RetryPolicy
	if req.Active != nil {
		sub.Active = *req.Active
	}

	if err := s.store.UpdateSubscription(r.Context(), sub); err != nil {
		s.logger.Error("failed to update webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	s.sendJSON(w, http.StatusOK, sub)
}

// handleDeleteWebhook handles DELETE /api/v1/webhooks/{id}
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedWebhook(w, r)
	if sub == nil {
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		s.logger.Error("failed to delete webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateWebhookSecret handles POST /api/v1/webhooks/{id}/rotate-secret
func (s *Server) handleRotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedWebhook(w, r)
	if sub == nil {
		return
	}

	secret, prefix, err := webhook.GenerateSecret()
	if err != nil {
		s.logger.Error("failed to generate webhook secret", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	sub.Secret = secret
	sub.SecretPrefix = prefix

	if err := s.store.UpdateSubscription(r.Context(), sub); err != nil {
		s.logger.Error("failed to rotate webhook secret", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	s.sendJSON(w, http.StatusOK, WebhookCreatedResponse{Subscription: sub, Secret: secret})
}

// handleTestWebhook handles POST /api/v1/webhooks/{id}/test
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedWebhook(w, r)
	if sub == nil {
		return
	}
	if s.hooks == nil {
		s.sendError(w, http.StatusServiceUnavailable, "webhook dispatch is not running")
		return
	}

	attempt, err := s.hooks.SendTest(r.Context(), sub)
	if err != nil {
		s.logger.Error("failed to send test webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to send test webhook")
		return
	}
	s.sendJSON(w, http.StatusOK, attempt)
}

// handleWebhookAttempts handles GET /api/v1/webhooks/{id}/attempts
func (s *Server) handleWebhookAttempts(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedWebhook(w, r)
	if sub == nil {
		return
	}
	attempts, err := s.store.ListDeliveryAttempts(r.Context(), sub.ID, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("failed to list delivery attempts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// TemplateRequest is the body for POST /api/v1/templates. Variables
// maps placeholder names to default values; placeholders found in the
// content but not declared are stored without a default.
type TemplateRequest struct {
	Name      string            `json:"name"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html,omitempty"`
	Text      string            `json:"text,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "name and subject are required")
		return
	}
	if req.HTML == "" && req.Text == "" {
		s.sendError(w, http.StatusBadRequest, "html or text is required")
		return
	}

	// Declared variables come first with their defaults; the rest are
	// discovered from the content.
	seen := map[string]bool{}
	var vars []store.TemplateVariable
	for name, def := range req.Variables {
		seen[name] = true
		vars = append(vars, store.TemplateVariable{Name: name, Default: def})
	}
	for _, content := range []string{req.Subject, req.HTML, req.Text} {
		for _, name := range template.ExtractVariables(content) {
			if !seen[name] {
				seen[name] = true
				vars = append(vars, store.TemplateVariable{Name: name})
			}
		}
	}

	tmpl := &store.Template{
		ID:        uuid.New().String(),
		DomainID:  key.DomainID,
		Name:      req.Name,
		Subject:   req.Subject,
		HTML:      req.HTML,
		Text:      req.Text,
		Variables: vars,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.CreateTemplate(r.Context(), tmpl); err != nil {
		s.logger.Error("failed to create template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	s.sendJSON(w, http.StatusCreated, tmpl)
}

// PreviewRequest is the body for POST /api/v1/templates/preview
type PreviewRequest struct {
	Subject       string            `json:"subject"`
	HTML          string            `json:"html,omitempty"`
	Text          string            `json:"text,omitempty"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
}

// PreviewResponse is the rendered preview output
type PreviewResponse struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// handlePreviewTemplate handles POST /api/v1/templates/preview. Nothing
// is persisted.
func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" && req.HTML == "" && req.Text == "" {
		s.sendError(w, http.StatusBadRequest, "nothing to render")
		return
	}

	s.sendJSON(w, http.StatusOK, PreviewResponse{
		Subject: template.RenderString(req.Subject, req.Substitutions),
		HTML:    template.RenderHTML(req.HTML, req.Substitutions),
		Text:    template.RenderString(req.Text, req.Substitutions),
	})
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	templates, err := s.store.ListTemplates(r.Context(), key.DomainID)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	tmpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil || tmpl.DomainID != key.DomainID {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	tmpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil || tmpl.DomainID != key.DomainID {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), tmpl.ID); err != nil {
		s.logger.Error("failed to delete template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
