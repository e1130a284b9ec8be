package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/tracking"
)

// handleOpenPixel handles GET {pixel_path}/{token}. It always serves
// the pixel, even for garbage tokens, so the response body never
// reveals whether tracking happened.
func (s *Server) handleOpenPixel(w http.ResponseWriter, r *http.Request) {
	tok, err := tracking.DecodePixelToken(chi.URLParam(r, "token"))
	if err == nil {
		s.recordTrackingEvent(r, store.EventOpened, tok.MessageID, tok.DomainID, "")
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(tracking.TransparentGIF)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(tracking.TransparentGIF)
}

// handleClickRedirect handles GET {click_path}/{token}. The redirect
// always wins; a recording failure must never strand the reader.
func (s *Server) handleClickRedirect(w http.ResponseWriter, r *http.Request) {
	tok, err := tracking.DecodeLinkToken(chi.URLParam(r, "token"))
	if err != nil {
		if s.cfg.Tracking.FallbackURL != "" {
			http.Redirect(w, r, s.cfg.Tracking.FallbackURL, http.StatusFound)
			return
		}
		// No destination is recoverable from a bad token. Answer with
		// an empty page rather than an error a mail client might show.
		w.WriteHeader(http.StatusOK)
		return
	}

	s.recordTrackingEvent(r, store.EventClicked, tok.MessageID, tok.DomainID, tok.OriginalURL)
	http.Redirect(w, r, tok.OriginalURL, http.StatusFound)
}

func (s *Server) recordTrackingEvent(r *http.Request, t store.EventType, messageID, domainID, url string) {
	device := tracking.ParseDevice(r.UserAgent())

	ev := &store.Event{
		MessageID: messageID,
		DomainID:  domainID,
		Type:      t,
		Timestamp: time.Now(),
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
		URL:       url,
		Device:    &device,
	}
	// The token carries only message and domain identity. Recipient,
	// categories and custom args come from the message so the event is
	// self-contained and per-category stats can be bumped.
	if msg, err := s.store.GetMessage(r.Context(), messageID); err == nil {
		if len(msg.To) > 0 {
			ev.Recipient = msg.To[0]
		}
		ev.Categories = msg.Categories
		ev.CustomArgs = msg.CustomArgs
	}

	if err := s.recorder.Record(r.Context(), ev); err != nil {
		s.logger.Warn("failed to record tracking event",
			"type", t, "message_id", messageID, "error", err)
	}
}

// clientIP returns the request address without the port. RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
