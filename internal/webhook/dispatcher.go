// Package webhook delivers event notifications to subscriber
// endpoints with signed payloads and scheduled retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/store"
)

// retryLadder is the default backoff schedule between attempts.
// Attempt n waits retryLadder[n-1]; past the end the last entry
// repeats.
var retryLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

const maxResponseBody = 4 * 1024

// Config controls the dispatch engine
type Config struct {
	Workers       int
	Timeout       time.Duration
	MaxAttempts   int
	MaxInterval   time.Duration
	SweepInterval time.Duration
}

// Payload is the JSON body POSTed to subscriber endpoints. Routing
// attributes sit at the top level; transport details specific to the
// event type go under data.
type Payload struct {
	Event      string            `json:"event"`
	Timestamp  time.Time         `json:"timestamp"`
	MessageID  string            `json:"message_id"`
	Recipient  string            `json:"recipient"`
	Categories []string          `json:"categories,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
	Data       PayloadData       `json:"data"`
}

// PayloadData carries the event-specific fields of a Payload
type PayloadData struct {
	UserAgent    string            `json:"user_agent,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	URL          string            `json:"url,omitempty"`
	Device       *store.DeviceInfo `json:"device,omitempty"`
	SMTPResponse string            `json:"smtp_response,omitempty"`
	BounceClass  string            `json:"bounce_class,omitempty"`
}

func newPayload(ev *store.Event) Payload {
	return Payload{
		Event:      string(ev.Type),
		Timestamp:  ev.Timestamp,
		MessageID:  ev.MessageID,
		Recipient:  ev.Recipient,
		Categories: ev.Categories,
		CustomArgs: ev.CustomArgs,
		Data: PayloadData{
			UserAgent:    ev.UserAgent,
			IPAddress:    ev.IPAddress,
			URL:          ev.URL,
			Device:       ev.Device,
			SMTPResponse: ev.SMTPResponse,
			BounceClass:  ev.BounceClass,
		},
	}
}

// Engine fans events out to matching subscriptions and retries
// failures on a backoff schedule.
type Engine struct {
	store     *store.Store
	logger    *slog.Logger
	client    *http.Client
	cfg       Config
	jobs      chan job
	scheduler scheduler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine builds a dispatch engine. redisClient may be nil, in which
// case retries are held in process and lost on restart.
func NewEngine(st *store.Store, logger *slog.Logger, redisClient *redis.Client, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	e := &Engine{
		store:  st,
		logger: logger.With("component", "webhook"),
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		jobs:   make(chan job, 256),
	}
	if redisClient != nil {
		e.scheduler = newRedisScheduler(redisClient, e.logger, cfg.SweepInterval, e.jobs)
	} else {
		e.scheduler = newTimerScheduler(e.jobs)
	}
	return e
}

// Start launches the worker pool and the retry sweeper
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.run(ctx)
	}()

	e.logger.Info("webhook engine started", "workers", e.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight deliveries
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// SendTest delivers a synthetic event to one subscription
// synchronously, bypassing the queue and retry schedule. The attempt
// is recorded like any other delivery.
func (e *Engine) SendTest(ctx context.Context, sub *store.Subscription) (*store.DeliveryAttempt, error) {
	payload, err := json.Marshal(Payload{
		Event:      "test",
		Timestamp:  time.Now().UTC(),
		MessageID:  "test-message-" + uuid.New().String(),
		Recipient:  "test@example.com",
		Categories: []string{"test"},
		CustomArgs: map[string]string{"test": "true"},
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	code, body, deliverErr := e.post(ctx, sub, payload)

	attempt := &store.DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventType:      "test",
		URL:            sub.URL,
		AttemptNumber:  1,
		ResponseCode:   code,
		ResponseBody:   body,
		Success:        deliverErr == nil,
		Duration:       time.Since(start),
		CreatedAt:      time.Now(),
	}
	if deliverErr != nil {
		attempt.Error = deliverErr.Error()
	}
	if err := e.store.RecordDeliveryAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to record delivery attempt", "error", err)
	}
	return attempt, nil
}

// Dispatch enqueues one delivery job per active subscription that
// wants the event's type. It never blocks the caller's delivery path:
// when the queue is full the notification is dropped with a log line.
func (e *Engine) Dispatch(ctx context.Context, ev *store.Event) {
	subs, err := e.store.ActiveSubscriptionsForEvent(ctx, ev.DomainID, ev.Type)
	if err != nil {
		e.logger.Error("failed to resolve webhook subscriptions", "error", err, "event", ev.ID)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(newPayload(ev))
	if err != nil {
		e.logger.Error("failed to encode webhook payload", "error", err, "event", ev.ID)
		return
	}

	for _, sub := range subs {
		j := job{
			SubscriptionID: sub.ID,
			EventID:        ev.ID,
			EventType:      string(ev.Type),
			Payload:        payload,
			Attempt:        1,
		}
		select {
		case e.jobs <- j:
		default:
			e.logger.Warn("webhook queue full, dropping notification",
				"subscription", sub.ID, "event", ev.ID)
			metrics.IncWebhookDropped()
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.deliver(ctx, j)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, j job) {
	sub, err := e.store.GetSubscription(ctx, j.SubscriptionID)
	if err != nil {
		e.logger.Error("subscription vanished, dropping job",
			"subscription", j.SubscriptionID, "error", err)
		return
	}
	if !sub.Active {
		return
	}

	start := time.Now()
	code, body, deliverErr := e.post(ctx, sub, j.Payload)
	duration := time.Since(start)

	attempt := &store.DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        j.EventID,
		EventType:      store.EventType(j.EventType),
		URL:            sub.URL,
		AttemptNumber:  j.Attempt,
		ResponseCode:   code,
		ResponseBody:   body,
		Success:        deliverErr == nil,
		Duration:       duration,
		CreatedAt:      time.Now(),
	}
	if deliverErr != nil {
		attempt.Error = deliverErr.Error()
	}
	if err := e.store.RecordDeliveryAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to record delivery attempt", "error", err)
	}

	if deliverErr == nil {
		metrics.IncWebhookDelivery("success")
		if err := e.store.RecordSubscriptionOutcome(ctx, sub.ID, true, ""); err != nil {
			e.logger.Error("failed to record subscription outcome", "error", err)
		}
		return
	}

	metrics.IncWebhookDelivery("failure")
	if err := e.store.RecordSubscriptionOutcome(ctx, sub.ID, false, deliverErr.Error()); err != nil {
		e.logger.Error("failed to record subscription outcome", "error", err)
	}

	maxAttempts := e.cfg.MaxAttempts
	if sub.RetryPolicy != nil && sub.RetryPolicy.MaxAttempts > 0 {
		maxAttempts = sub.RetryPolicy.MaxAttempts
	}
	if j.Attempt >= maxAttempts {
		metrics.IncWebhookDropped()
		e.logger.Warn("webhook delivery abandoned",
			"subscription", sub.ID, "event", j.EventID,
			"attempts", j.Attempt, "error", deliverErr)
		return
	}

	delay := e.nextDelay(sub, j.Attempt)
	j.Attempt++
	if err := e.scheduler.schedule(ctx, j, time.Now().Add(delay)); err != nil {
		e.logger.Error("failed to schedule webhook retry", "error", err)
		return
	}
	metrics.IncWebhookRetry()
	e.logger.Info("webhook delivery deferred",
		"subscription", sub.ID, "event", j.EventID,
		"attempt", j.Attempt, "delay", delay)
}

// nextDelay returns the wait before the given attempt number retries.
// A subscription retry policy overrides the default ladder.
func (e *Engine) nextDelay(sub *store.Subscription, attempt int) time.Duration {
	var delay time.Duration
	if p := sub.RetryPolicy; p != nil && p.RetryInterval > 0 {
		delay = p.RetryInterval
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.BackoffMultiplier)
		}
		if p.MaxInterval > 0 && delay > p.MaxInterval {
			delay = p.MaxInterval
		}
	} else {
		idx := attempt - 1
		if idx >= len(retryLadder) {
			idx = len(retryLadder) - 1
		}
		delay = retryLadder[idx]
	}
	if e.cfg.MaxInterval > 0 && delay > e.cfg.MaxInterval {
		delay = e.cfg.MaxInterval
	}
	return delay
}

func (e *Engine) post(ctx context.Context, sub *store.Subscription, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "courierd-webhook/1.0")
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Webhook-Signature", Sign(payload, sub.Secret))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}
