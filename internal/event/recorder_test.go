package event

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []*store.Event
}

func (c *captureDispatcher) Dispatch(ctx context.Context, ev *store.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *captureDispatcher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := suppress.NewService(st, logger, 7*24*time.Hour)
	disp := &captureDispatcher{}
	return NewRecorder(st, sup, disp, logger), st, disp
}

func seedMessage(t *testing.T, st *store.Store, id string) {
	t.Helper()
	msg := &store.Message{
		ID: id, DomainID: "d", From: "a@d", To: []string{"r@example.org"},
		Status: store.StatusQueued, QueuedAt: time.Now(),
	}
	if err := st.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
}

func TestRecordRejectsUnknownType(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	err := rec.Record(context.Background(), &store.Event{Type: "mystery", DomainID: "d"})
	if err == nil {
		t.Fatal("Record() accepted an unknown event type")
	}
}

func TestRecordOpenBumpsCounters(t *testing.T) {
	rec, st, disp := newTestRecorder(t)
	ctx := context.Background()
	seedMessage(t, st, "m-1")

	for i := 0; i < 2; i++ {
		err := rec.Record(ctx, &store.Event{
			MessageID: "m-1", DomainID: "d", Type: store.EventOpened,
			Recipient: "r@example.org",
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	msg, err := st.GetMessage(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.OpenCount != 2 {
		t.Errorf("OpenCount = %d, want 2", msg.OpenCount)
	}

	stats, err := st.GetDailyStats(ctx, "d")
	if err != nil {
		t.Fatalf("GetDailyStats() error = %v", err)
	}
	counts := map[string]int64{}
	for _, s := range stats {
		counts[s.Stat] += s.Count
	}
	if counts["opens"] != 2 {
		t.Errorf("opens = %d, want 2", counts["opens"])
	}
	if counts["unique_opens"] != 1 {
		t.Errorf("unique_opens = %d, want 1 (only the first open counts)", counts["unique_opens"])
	}

	if disp.count() != 2 {
		t.Errorf("dispatched %d events, want 2", disp.count())
	}
}

func TestRecordBounceSuppressesAndUpdatesMessage(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	seedMessage(t, st, "m-1")

	err := rec.Record(ctx, &store.Event{
		MessageID: "m-1", DomainID: "d", Type: store.EventBounced,
		Recipient: "r@example.org", SMTPResponse: "550 5.1.1 user unknown",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	msg, err := st.GetMessage(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Status != store.StatusBounced {
		t.Errorf("message status = %q, want bounced", msg.Status)
	}

	sp, err := st.GetSuppression(ctx, "d", "r@example.org")
	if err != nil {
		t.Fatalf("GetSuppression() error = %v", err)
	}
	if sp.Reason != store.ReasonBounce || sp.BounceClass != "hard" {
		t.Errorf("suppression = %+v, want hard bounce", sp)
	}
	if sp.ExpiresAt != nil {
		t.Error("hard bounce suppression should be permanent")
	}
}

func TestRecordSoftBounceClassification(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	seedMessage(t, st, "m-1")

	err := rec.Record(ctx, &store.Event{
		MessageID: "m-1", DomainID: "d", Type: store.EventBounced,
		Recipient: "soft@example.org", SMTPResponse: "450 mailbox busy",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	sp, err := st.GetSuppression(ctx, "d", "soft@example.org")
	if err != nil {
		t.Fatalf("GetSuppression() error = %v", err)
	}
	if sp.BounceClass != "soft" {
		t.Errorf("bounce class = %q, want soft", sp.BounceClass)
	}
	if sp.ExpiresAt == nil {
		t.Error("soft bounce suppression should expire")
	}
}

func TestRecordUnsubscribeSuppresses(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()

	err := rec.Record(ctx, &store.Event{
		MessageID: "m-1", DomainID: "d", Type: store.EventUnsubscribed,
		Recipient: "bye@example.org",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	sp, err := st.GetSuppression(ctx, "d", "bye@example.org")
	if err != nil {
		t.Fatalf("GetSuppression() error = %v", err)
	}
	if sp.Reason != store.ReasonUnsubscribe {
		t.Errorf("reason = %q, want unsubscribe", sp.Reason)
	}
}

func TestRecordAppendsEventLog(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	seedMessage(t, st, "m-1")

	for _, typ := range []store.EventType{store.EventDelivered, store.EventOpened} {
		if err := rec.Record(ctx, &store.Event{
			MessageID: "m-1", DomainID: "d", Type: typ, Recipient: "r@example.org",
		}); err != nil {
			t.Fatalf("Record(%s) error = %v", typ, err)
		}
	}

	events, err := st.ListEventsByMessage(ctx, "m-1")
	if err != nil {
		t.Fatalf("ListEventsByMessage() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.ID == "" {
			t.Error("event persisted without an ID")
		}
	}
}
