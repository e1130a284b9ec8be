package send

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/smtp"
	"github.com/courierd/courierd/internal/store"
)

// ProcessorConfig controls queue processing
type ProcessorConfig struct {
	Workers         int
	ProcessInterval time.Duration
	RequeueGrace    time.Duration
	MaxAttempts     int
	RetryInterval   time.Duration
	Hostname        string
}

// Relay submits one built message to the upstream MTA
type Relay interface {
	Send(ctx context.Context, from string, to []string, data []byte) (*smtp.Result, error)
}

// Processor drains the delivery queue through the relay pool
type Processor struct {
	store    *store.Store
	relay    Relay
	recorder *event.Recorder
	logger   *slog.Logger
	cfg      ProcessorConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProcessor builds a queue processor
func NewProcessor(st *store.Store, relay Relay, rec *event.Recorder, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Processor{
		store:    st,
		relay:    relay,
		recorder: rec,
		logger:   logger.With("component", "queue"),
		cfg:      cfg,
	}
}

// Start recovers stranded messages and launches the workers and the
// scheduled-message promoter
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	// Messages stuck in sending from a previous run go back on the
	// queue.
	if n, err := p.store.RequeueStale(ctx, p.cfg.RequeueGrace); err != nil {
		p.logger.Error("failed to requeue stale messages", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued stale messages", "count", n)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go p.promoter(ctx)

	p.logger.Info("queue processor started", "workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight deliveries
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims and delivers messages until the queue is empty
func (p *Processor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.store.DequeueMessage(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "error", err)
			return
		}
		if msg == nil {
			return
		}
		p.deliver(ctx, msg)
	}
}

// promoter moves due scheduled messages onto the queue
func (p *Processor) promoter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.PromoteScheduled(ctx, time.Now())
			if err != nil {
				p.logger.Error("failed to promote scheduled messages", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("scheduled messages promoted", "count", n)
			}
		}
	}
}

// deliver builds and submits one message, retrying transient failures
// with linear backoff
func (p *Processor) deliver(ctx context.Context, msg *store.Message) {
	recipients := append(append(append([]string{}, msg.To...), msg.CC...), msg.BCC...)

	data, err := BuildMIME(msg, p.cfg.Hostname)
	if err != nil {
		p.logger.Error("failed to build message", "error", err, "message", msg.ID)
		p.fail(ctx, msg, recipients, "message build failed: "+err.Error())
		return
	}

	var result *smtp.Result
	var sendErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result, sendErr = p.relay.Send(ctx, msg.From, recipients, data)
		if sendErr == nil || !smtp.IsTemporary(sendErr) {
			break
		}
		p.logger.Warn("delivery attempt failed",
			"message", msg.ID, "attempt", attempt, "error", sendErr)
		if attempt < p.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * p.cfg.RetryInterval):
			}
		}
	}

	if sendErr != nil {
		if !smtp.IsTemporary(sendErr) {
			p.bounceAll(ctx, msg, recipients, sendErr)
			return
		}
		p.fail(ctx, msg, recipients, sendErr.Error())
		return
	}

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, store.StatusSent, "250 accepted"); err != nil {
		p.logger.Error("failed to mark message sent", "error", err, "message", msg.ID)
	}
	metrics.IncMessagesSent(msg.DomainID)

	for _, rcpt := range result.Accepted {
		p.record(ctx, msg, store.EventDelivered, rcpt, "")
	}
	for rcpt, de := range result.Rejected {
		if de.Temporary {
			p.record(ctx, msg, store.EventDeferred, rcpt, de.Response())
		} else {
			p.record(ctx, msg, store.EventBounced, rcpt, de.Response())
		}
	}

	p.logger.Info("message delivered",
		"message", msg.ID, "domain", msg.DomainID,
		"accepted", len(result.Accepted), "rejected", len(result.Rejected))
}

// bounceAll records a permanent rejection for every recipient. The
// bounce events drive suppression and the message status.
func (p *Processor) bounceAll(ctx context.Context, msg *store.Message, recipients []string, sendErr error) {
	response := sendErr.Error()
	if de, ok := sendErr.(*smtp.DeliveryError); ok {
		response = de.Response()
	}
	p.logger.Warn("message rejected permanently",
		"message", msg.ID, "domain", msg.DomainID, "response", response)
	for _, rcpt := range recipients {
		p.record(ctx, msg, store.EventBounced, rcpt, response)
	}
}

// fail marks a message failed after transient errors are exhausted
func (p *Processor) fail(ctx context.Context, msg *store.Message, recipients []string, response string) {
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, store.StatusFailed, response); err != nil {
		p.logger.Error("failed to mark message failed", "error", err, "message", msg.ID)
	}
	metrics.IncMessagesFailed(msg.DomainID, "delivery")
	for _, rcpt := range recipients {
		p.record(ctx, msg, store.EventDeferred, rcpt, response)
	}
}

func (p *Processor) record(ctx context.Context, msg *store.Message, typ store.EventType, rcpt, response string) {
	if err := p.recorder.Record(ctx, &store.Event{
		MessageID:    msg.ID,
		DomainID:     msg.DomainID,
		Type:         typ,
		Recipient:    rcpt,
		SMTPResponse: response,
		Categories:   msg.Categories,
		CustomArgs:   msg.CustomArgs,
	}); err != nil {
		p.logger.Error("failed to record event", "error", err, "type", typ, "message", msg.ID)
	}
}
