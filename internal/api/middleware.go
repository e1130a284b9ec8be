package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/courierd/courierd/internal/store"
)

type ctxKey int

const ctxKeyAPIKey ctxKey = iota

// keyFromContext returns the authenticated API key for the request
func keyFromContext(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(ctxKeyAPIKey).(*store.APIKey)
	return key
}

// loggingMiddleware logs HTTP requests and feeds the API metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", duration,
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
		if s.metrics != nil {
			s.metrics.APIRequestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status())).Inc()
			s.metrics.APIRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
		}
	})
}

// authMiddleware resolves the presented API key and stores the record
// on the request context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" {
			s.sendError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		key, err := s.keys.Verify(r.Context(), auth)
		if err != nil {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		s.keys.Touch(r.Context(), key.ID)

		ctx := context.WithValue(r.Context(), ctxKeyAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ErrorResponse is the error body for all failed API calls
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
