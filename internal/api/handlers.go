package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courierd/courierd/internal/send"
	"github.com/courierd/courierd/internal/store"
)

const maxBatchSize = 500

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Version is set at build time
var Version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req send.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.pipeline.Send(r.Context(), key.DomainID, key.ID, &req)
	if err != nil {
		var ve *send.ValidationError
		if errors.As(err, &ve) {
			s.sendError(w, http.StatusBadRequest, ve.Error())
			return
		}
		s.logger.Error("send failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}
	s.sendJSON(w, http.StatusAccepted, result)
}

// BatchRequest is the request body for POST /api/v1/send/batch
type BatchRequest struct {
	Messages []*send.Request `json:"messages"`
}

// handleSendBatch handles POST /api/v1/send/batch
func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.sendError(w, http.StatusBadRequest, "messages is required")
		return
	}
	if len(req.Messages) > maxBatchSize {
		s.sendError(w, http.StatusBadRequest, "too many messages in batch")
		return
	}

	results := s.pipeline.SendBatch(r.Context(), key.DomainID, key.ID, req.Messages, 10)
	s.sendJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// handleListMessages handles GET /api/v1/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	filter := store.MessageFilter{
		DomainID: key.DomainID,
		Status:   store.MessageStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	messages, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleGetMessage handles GET /api/v1/messages/{id}
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	msg, err := s.store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil || msg.DomainID != key.DomainID {
		s.sendError(w, http.StatusNotFound, "message not found")
		return
	}
	s.sendJSON(w, http.StatusOK, msg)
}

// handleMessageEvents handles GET /api/v1/messages/{id}/events
func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())
	id := chi.URLParam(r, "id")

	msg, err := s.store.GetMessage(r.Context(), id)
	if err != nil || msg.DomainID != key.DomainID {
		s.sendError(w, http.StatusNotFound, "message not found")
		return
	}
	events, err := s.store.ListEventsByMessage(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"events": events})
}

// IngestEventRequest is the body for POST /api/v1/events, used by
// provider feedback bridges to report externally observed events
type IngestEventRequest struct {
	MessageID    string            `json:"message_id"`
	Type         store.EventType   `json:"type"`
	Recipient    string            `json:"recipient"`
	SMTPResponse string            `json:"smtp_response,omitempty"`
	BounceClass  string            `json:"bounce_class,omitempty"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	Categories   []string          `json:"categories,omitempty"`
	CustomArgs   map[string]string `json:"custom_args,omitempty"`
}

// handleIngestEvent handles POST /api/v1/events
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	var req IngestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !store.ValidEventType(req.Type) {
		s.sendError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if req.Recipient == "" {
		s.sendError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	ev := &store.Event{
		MessageID:    req.MessageID,
		DomainID:     key.DomainID,
		Type:         req.Type,
		Recipient:    req.Recipient,
		SMTPResponse: req.SMTPResponse,
		BounceClass:  req.BounceClass,
		Categories:   req.Categories,
		CustomArgs:   req.CustomArgs,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	if err := s.recorder.Record(r.Context(), ev); err != nil {
		s.logger.Error("failed to record ingested event", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	key := keyFromContext(r.Context())

	stats, err := s.store.GetDailyStats(r.Context(), key.DomainID)
	if err != nil {
		s.logger.Error("failed to load stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
