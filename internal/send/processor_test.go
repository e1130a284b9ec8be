package send

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/smtp"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
)

type fakeRelay struct {
	mu      sync.Mutex
	calls   int
	results []relayOutcome
}

type relayOutcome struct {
	result *smtp.Result
	err    error
}

func (f *fakeRelay) Send(ctx context.Context, from string, to []string, data []byte) (*smtp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.calls++
	if out.err != nil {
		return nil, out.err
	}
	if out.result != nil {
		return out.result, nil
	}
	return &smtp.Result{Accepted: to}, nil
}

func newProcessorEnv(t *testing.T, relay Relay) (*Processor, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := suppress.NewService(st, logger, time.Hour)
	rec := event.NewRecorder(st, sup, nil, logger)

	p := NewProcessor(st, relay, rec, ProcessorConfig{
		Workers:       1,
		MaxAttempts:   2,
		RetryInterval: time.Millisecond,
		Hostname:      "mail.example.com",
	}, logger)
	return p, st
}

func queueMessage(t *testing.T, st *store.Store, id string, to []string) *store.Message {
	t.Helper()
	msg := &store.Message{
		ID: id, DomainID: "example.com",
		From: "news@example.com", To: to,
		Subject: "Hello", Text: "body",
		Status: store.StatusQueued, QueuedAt: time.Now(),
	}
	if err := st.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	return msg
}

func TestDeliverSuccess(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{{}}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-ok", []string{"a@example.org", "b@example.org"})

	msg, err := st.DequeueMessage(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue failed: %v %v", msg, err)
	}
	p.deliver(ctx, msg)

	got, _ := st.GetMessage(ctx, "msg-ok")
	if got.Status != store.StatusSent {
		t.Fatalf("got status %q, want sent", got.Status)
	}

	events, err := st.ListEventsByMessage(ctx, "msg-ok")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var delivered int
	for _, ev := range events {
		if ev.Type == store.EventDelivered {
			delivered++
		}
	}
	if delivered != 2 {
		t.Errorf("got %d delivered events, want 2", delivered)
	}
}

func TestDeliverRetriesTemporaryErrors(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{
		{err: &smtp.DeliveryError{Temporary: true, Code: 451, Message: "try later"}},
		{},
	}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-retry", []string{"a@example.org"})
	msg, _ := st.DequeueMessage(ctx)
	p.deliver(ctx, msg)

	if relay.calls != 2 {
		t.Errorf("got %d relay calls, want 2", relay.calls)
	}
	got, _ := st.GetMessage(ctx, "msg-retry")
	if got.Status != store.StatusSent {
		t.Errorf("got status %q, want sent", got.Status)
	}
}

func TestDeliverFailsAfterExhaustedRetries(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{
		{err: &smtp.DeliveryError{Temporary: true, Code: 421, Message: "busy"}},
	}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-fail", []string{"a@example.org"})
	msg, _ := st.DequeueMessage(ctx)
	p.deliver(ctx, msg)

	if relay.calls != 2 {
		t.Errorf("got %d relay calls, want 2", relay.calls)
	}
	got, _ := st.GetMessage(ctx, "msg-fail")
	if got.Status != store.StatusFailed {
		t.Fatalf("got status %q, want failed", got.Status)
	}

	events, _ := st.ListEventsByMessage(ctx, "msg-fail")
	if len(events) != 1 || events[0].Type != store.EventDeferred {
		t.Errorf("expected one deferred event, got %v", events)
	}
}

func TestDeliverPermanentRejectionBounces(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{
		{err: &smtp.DeliveryError{Temporary: false, Code: 550, Message: "no such user"}},
	}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-bounce", []string{"gone@example.org"})
	msg, _ := st.DequeueMessage(ctx)
	p.deliver(ctx, msg)

	if relay.calls != 1 {
		t.Errorf("got %d relay calls, want 1 for a permanent error", relay.calls)
	}

	got, _ := st.GetMessage(ctx, "msg-bounce")
	if got.Status != store.StatusBounced {
		t.Fatalf("got status %q, want bounced", got.Status)
	}

	// A hard bounce suppresses the recipient.
	sp, err := st.GetSuppression(ctx, "example.com", "gone@example.org")
	if err != nil {
		t.Fatalf("expected suppression: %v", err)
	}
	if sp.Reason != store.ReasonBounce {
		t.Errorf("got reason %q, want bounce", sp.Reason)
	}
}

func TestDeliverMixedRecipients(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{
		{result: &smtp.Result{
			Accepted: []string{"ok@example.org"},
			Rejected: map[string]*smtp.DeliveryError{
				"gone@example.org": {Temporary: false, Code: 550, Message: "no such user"},
			},
		}},
	}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-mixed", []string{"ok@example.org", "gone@example.org"})
	msg, _ := st.DequeueMessage(ctx)
	p.deliver(ctx, msg)

	// Partial delivery keeps the message sent; the bounce lives in
	// the event log.
	got, _ := st.GetMessage(ctx, "msg-mixed")
	if got.Status != store.StatusSent {
		t.Fatalf("got status %q, want sent", got.Status)
	}

	events, _ := st.ListEventsByMessage(ctx, "msg-mixed")
	byType := map[store.EventType]int{}
	for _, ev := range events {
		byType[ev.Type]++
	}
	if byType[store.EventDelivered] != 1 || byType[store.EventBounced] != 1 {
		t.Errorf("got events %v, want one delivered and one bounced", byType)
	}
}

func TestStartRequeuesStale(t *testing.T) {
	relay := &fakeRelay{results: []relayOutcome{{}}}
	p, st := newProcessorEnv(t, relay)
	ctx := context.Background()

	queueMessage(t, st, "msg-stale", []string{"a@example.org"})
	if _, err := st.DequeueMessage(ctx); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	p.cfg.RequeueGrace = 0
	p.cfg.ProcessInterval = 5 * time.Millisecond
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := st.GetMessage(ctx, "msg-stale")
		if got.Status == store.StatusSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale message was not requeued and delivered")
}
