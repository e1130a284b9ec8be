// Package event records delivery lifecycle events and fans out their
// consequences: counters, suppressions and webhook notifications.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courierd/internal/bounce"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
)

// Dispatcher forwards recorded events to webhook subscribers
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *store.Event)
}

// Recorder is the single entry point for lifecycle events, whether
// they originate from our own delivery path, tracking endpoints or
// provider feedback ingestion.
type Recorder struct {
	store      *store.Store
	suppress   *suppress.Service
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewRecorder builds a recorder. dispatcher may be nil when webhook
// delivery is disabled.
func NewRecorder(st *store.Store, sup *suppress.Service, dispatcher Dispatcher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:      st,
		suppress:   sup,
		dispatcher: dispatcher,
		logger:     logger.With("component", "event"),
	}
}

// Record persists an event and applies its side effects. Counter or
// suppression failures are logged but do not fail the record; the
// event log is the source of truth.
func (r *Recorder) Record(ctx context.Context, ev *store.Event) error {
	if !store.ValidEventType(ev.Type) {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	metrics.IncEventsRecorded(string(ev.Type))

	switch ev.Type {
	case store.EventDelivered:
		r.bumpStats(ctx, ev, "delivered")
	case store.EventOpened:
		r.recordOpen(ctx, ev)
	case store.EventClicked:
		r.recordClick(ctx, ev)
	case store.EventBounced:
		r.recordBounce(ctx, ev)
	case store.EventComplained:
		r.bumpStats(ctx, ev, "complaints")
		if err := r.suppress.ProcessSpamComplaint(ctx, ev.DomainID, ev.Recipient, ev.MessageID); err != nil {
			r.logger.Error("failed to suppress after complaint", "error", err, "recipient", ev.Recipient)
		}
	case store.EventUnsubscribed:
		r.bumpStats(ctx, ev, "unsubscribes")
		if err := r.suppress.ProcessUnsubscribe(ctx, ev.DomainID, ev.Recipient, ev.MessageID); err != nil {
			r.logger.Error("failed to suppress after unsubscribe", "error", err, "recipient", ev.Recipient)
		}
	case store.EventDeferred:
		r.bumpStats(ctx, ev, "deferrals")
	case store.EventDropped:
		r.bumpStats(ctx, ev, "drops")
	}

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, ev)
	}
	return nil
}

func (r *Recorder) recordOpen(ctx context.Context, ev *store.Event) {
	count, err := r.store.MarkOpened(ctx, ev.MessageID)
	if err != nil {
		r.logger.Error("failed to bump open count", "error", err, "message", ev.MessageID)
		count = 0
	}
	metrics.IncOpens(ev.DomainID)
	r.bumpStats(ctx, ev, "opens")
	if count == 1 {
		r.bumpStats(ctx, ev, "unique_opens")
	}
}

func (r *Recorder) recordClick(ctx context.Context, ev *store.Event) {
	count, err := r.store.MarkClicked(ctx, ev.MessageID)
	if err != nil {
		r.logger.Error("failed to bump click count", "error", err, "message", ev.MessageID)
		count = 0
	}
	metrics.IncClicks(ev.DomainID)
	r.bumpStats(ctx, ev, "clicks")
	if count == 1 {
		r.bumpStats(ctx, ev, "unique_clicks")
	}
}

func (r *Recorder) recordBounce(ctx context.Context, ev *store.Event) {
	class := bounce.Class(ev.BounceClass)
	if class != bounce.ClassHard && class != bounce.ClassSoft && class != bounce.ClassBlock {
		class = bounce.Classify(ev.SMTPResponse)
		ev.BounceClass = string(class)
	}

	metrics.IncMessagesBounced(ev.DomainID, string(class))
	r.bumpStats(ctx, ev, "bounces")

	if ev.MessageID != "" {
		err := r.store.UpdateMessageStatus(ctx, ev.MessageID, store.StatusBounced, ev.SMTPResponse)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			// Partial deliveries stay sent; the bounce lives in the
			// event log and suppression list.
		default:
			r.logger.Error("failed to mark message bounced", "error", err, "message", ev.MessageID)
		}
	}
	if ev.Recipient != "" {
		if err := r.suppress.ProcessBounce(ctx, ev.DomainID, ev.Recipient, ev.MessageID, class, ev.SMTPResponse); err != nil {
			r.logger.Error("failed to suppress after bounce", "error", err, "recipient", ev.Recipient)
		}
	}
}

// bumpStats increments the daily counter for the event, once overall
// and once per message category
func (r *Recorder) bumpStats(ctx context.Context, ev *store.Event, stat string) {
	if err := r.store.IncrementDailyStat(ctx, ev.DomainID, "", stat); err != nil {
		r.logger.Error("failed to bump daily stat", "error", err, "stat", stat)
		return
	}
	for _, cat := range ev.Categories {
		if err := r.store.IncrementDailyStat(ctx, ev.DomainID, cat, stat); err != nil {
			r.logger.Error("failed to bump daily stat", "error", err, "stat", stat, "category", cat)
		}
	}
}
