package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/courierd/courierd/internal/apikey"
	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/send"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
	"github.com/courierd/courierd/internal/tracking"
	"github.com/courierd/courierd/internal/webhook"
)

type testEnv struct {
	server *Server
	store  *store.Store
	key    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{}
	cfg.Tracking.BaseURL = "http://track.example.com"
	cfg.Tracking.PixelPath = "/t/o"
	cfg.Tracking.ClickPath = "/t/c"
	cfg.Tracking.FallbackURL = "http://example.com/fallback"

	sup := suppress.NewService(st, logger, 7*24*time.Hour)
	rec := event.NewRecorder(st, sup, nil, logger)
	inj := tracking.NewInjector(cfg.Tracking.BaseURL, cfg.Tracking.PixelPath, cfg.Tracking.ClickPath)
	pipeline := send.NewPipeline(st, sup, rec, inj, send.TrackingDefaults{Opens: true, Clicks: true}, logger)
	keys := apikey.NewService(st)
	hooks := webhook.NewEngine(st, logger, nil, webhook.Config{Timeout: time.Second})

	_, plaintext, err := keys.Issue(context.Background(), "example.com", "test", nil)
	if err != nil {
		t.Fatalf("failed to issue api key: %v", err)
	}

	srv := NewServer(st, pipeline, rec, sup, hooks, keys, nil, cfg, logger)
	return &testEnv{server: srv, store: st, key: plaintext}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.key)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no-key request: got status %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer ck_bogus")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad-key request: got status %d, want 401", w.Code)
	}
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}
}

func TestSendAcceptsMessage(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/send", map[string]any{
		"from":    "news@example.com",
		"to":      []string{"reader@example.org"},
		"subject": "Hello",
		"text":    "plain body",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp send.Result
	decodeBody(t, w, &resp)
	if resp.MessageID == "" {
		t.Error("expected a message id")
	}

	msg, err := env.store.GetMessage(context.Background(), resp.MessageID)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Status != store.StatusQueued {
		t.Errorf("got status %q, want %q", msg.Status, store.StatusQueued)
	}
}

func TestSendRejectsInvalidFrom(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/send", map[string]any{
		"from":    "not an address",
		"to":      []string{"reader@example.org"},
		"subject": "Hello",
		"text":    "body",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestOpenPixelAlwaysServesGIF(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"garbage", "AAAA"} {
		req := httptest.NewRequest(http.MethodGet, "/t/o/"+token, nil)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("token %q: got status %d, want 200", token, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/gif" {
			t.Errorf("token %q: got content type %q", token, ct)
		}
		if !bytes.Equal(w.Body.Bytes(), tracking.TransparentGIF) {
			t.Errorf("token %q: body is not the tracking pixel", token)
		}
	}
}

func TestOpenPixelRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := &store.Message{
		ID: "msg-1", DomainID: "example.com",
		From: "news@example.com", To: []string{"reader@example.org"},
		Categories: []string{"newsletter"},
		CustomArgs: map[string]string{"campaign": "spring"},
		Status:     store.StatusQueued, QueuedAt: time.Now(),
	}
	if err := env.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	token, err := tracking.EncodePixelToken(tracking.PixelToken{MessageID: "msg-1", DomainID: "example.com"})
	if err != nil {
		t.Fatalf("failed to encode token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/t/o/"+token, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}

	events, err := env.store.ListEventsByMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventOpened {
		t.Fatalf("expected one opened event, got %v", events)
	}
	if events[0].Device == nil || events[0].Device.Type != "mobile" {
		t.Errorf("expected mobile device info, got %+v", events[0].Device)
	}

	if len(events[0].Categories) != 1 || events[0].Categories[0] != "newsletter" {
		t.Errorf("got event categories %v, want [newsletter]", events[0].Categories)
	}
	if events[0].CustomArgs["campaign"] != "spring" {
		t.Errorf("got event custom args %v", events[0].CustomArgs)
	}

	got, _ := env.store.GetMessage(ctx, "msg-1")
	if got.OpenCount != 1 {
		t.Errorf("got open count %d, want 1", got.OpenCount)
	}

	stats, err := env.store.GetDailyStats(ctx, "example.com")
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	var categoryOpens int64
	for _, st := range stats {
		if st.Category == "newsletter" && st.Stat == "opens" {
			categoryOpens = st.Count
		}
	}
	if categoryOpens != 1 {
		t.Errorf("got newsletter opens %d, want 1", categoryOpens)
	}
}

func TestClickRedirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := &store.Message{
		ID: "msg-2", DomainID: "example.com",
		From: "news@example.com", To: []string{"reader@example.org"},
		Status: store.StatusQueued, QueuedAt: time.Now(),
	}
	if err := env.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	token, err := tracking.EncodeLinkToken(tracking.LinkToken{
		MessageID: "msg-2", DomainID: "example.com",
		OriginalURL: "https://example.org/article", LinkIndex: 0,
	})
	if err != nil {
		t.Fatalf("failed to encode token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/t/c/"+token, nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("got status %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://example.org/article" {
		t.Errorf("got location %q", loc)
	}

	events, err := env.store.ListEventsByMessage(ctx, "msg-2")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventClicked {
		t.Fatalf("expected one clicked event, got %v", events)
	}
	if events[0].URL != "https://example.org/article" {
		t.Errorf("got event url %q", events[0].URL)
	}
}

func TestClickRedirectFallback(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/t/c/garbage", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("got status %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://example.com/fallback" {
		t.Errorf("got location %q", loc)
	}
}

func TestClickRedirectNoFallback(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.Tracking.FallbackURL = ""

	req := httptest.NewRequest(http.MethodGet, "/t/c/garbage", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	// A bad token with no fallback still answers with an empty page,
	// never an error a mail client might surface.
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("got body %q, want empty", w.Body.String())
	}
}

func TestSuppressionCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{
		Email: "blocked@example.org", Reason: "manual",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d: %s", w.Code, w.Body.String())
	}

	w = env.request(t, http.MethodGet, "/api/v1/suppressions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got status %d", w.Code)
	}
	var listed struct {
		Suppressions []*store.Suppression `json:"suppressions"`
	}
	decodeBody(t, w, &listed)
	if len(listed.Suppressions) != 1 || listed.Suppressions[0].Email != "blocked@example.org" {
		t.Fatalf("unexpected list %+v", listed.Suppressions)
	}

	w = env.request(t, http.MethodDelete, "/api/v1/suppressions/blocked@example.org", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: got status %d", w.Code)
	}

	w = env.request(t, http.MethodDelete, "/api/v1/suppressions/blocked@example.org", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: got status %d, want 404", w.Code)
	}
}

func TestSuppressionRejectsUnknownReason(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{
		Email: "x@example.org", Reason: "grudge",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", w.Code)
	}
}

func TestWebhookSecretShownOnce(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL:    "https://hooks.example.org/courierd",
		Events: []store.EventType{store.EventDelivered, store.EventBounced},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID           string `json:"id"`
		Secret       string `json:"secret"`
		SecretPrefix string `json:"secret_prefix"`
	}
	decodeBody(t, w, &created)
	if created.Secret == "" {
		t.Fatal("create response must include the secret")
	}
	if created.SecretPrefix == "" {
		t.Error("create response must include the secret prefix")
	}

	w = env.request(t, http.MethodGet, "/api/v1/webhooks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got status %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Error("get response leaked the full secret")
	}
}

func TestWebhookRotateSecret(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL:    "https://hooks.example.org/courierd",
		Events: []store.EventType{store.EventDelivered},
	})
	var created struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	decodeBody(t, w, &created)

	w = env.request(t, http.MethodPost, "/api/v1/webhooks/"+created.ID+"/rotate-secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate: got status %d", w.Code)
	}
	var rotated struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, w, &rotated)
	if rotated.Secret == "" || rotated.Secret == created.Secret {
		t.Errorf("rotation must mint a new secret")
	}

	sub, err := env.store.GetSubscription(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.Secret != rotated.Secret {
		t.Error("stored secret does not match the rotated one")
	}
}

func TestTemplateCreateExtractsVariables(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name:    "welcome",
		Subject: "Welcome, {{name}}",
		HTML:    `<p>Hi {{name}}, your plan is {{plan}}.</p>`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d: %s", w.Code, w.Body.String())
	}
	var tmpl store.Template
	decodeBody(t, w, &tmpl)

	var names []string
	for _, v := range tmpl.Variables {
		names = append(names, v.Name)
	}
	want := []string{"name", "plan"}
	if len(names) != len(want) {
		t.Fatalf("got variables %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got variables %v, want %v", names, want)
		}
	}
}

func TestTemplateDeclaredDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.request(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name:      "upgrade",
		Subject:   "Hello {{name}}",
		Text:      "Your plan is {{plan}}.",
		Variables: map[string]string{"plan": "free"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d: %s", w.Code, w.Body.String())
	}
	var tmpl store.Template
	decodeBody(t, w, &tmpl)

	defaults := map[string]string{}
	for _, v := range tmpl.Variables {
		defaults[v.Name] = v.Default
	}
	if defaults["plan"] != "free" {
		t.Errorf("got variables %+v, want plan default %q", tmpl.Variables, "free")
	}
	if _, ok := defaults["name"]; !ok {
		t.Errorf("got variables %+v, want discovered name variable", tmpl.Variables)
	}

	// An undeclared substitution falls back to the stored default.
	w = env.request(t, http.MethodPost, "/api/v1/send", send.Request{
		From:          "sender@example.com",
		To:            []string{"reader@example.org"},
		TemplateID:    tmpl.ID,
		Substitutions: map[string]string{"name": "Ana"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("send: got status %d: %s", w.Code, w.Body.String())
	}
	var res send.Result
	decodeBody(t, w, &res)

	msg, err := env.store.GetMessage(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("failed to load message: %v", err)
	}
	if msg.Subject != "Hello Ana" {
		t.Errorf("got subject %q", msg.Subject)
	}
	if msg.Text != "Your plan is free." {
		t.Errorf("got text %q", msg.Text)
	}
}

func TestTemplateDomainScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &store.Template{
		ID: "tmpl-other", DomainID: "other.com", Name: "x",
		Subject: "s", Text: "t", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.store.CreateTemplate(ctx, other); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	w := env.request(t, http.MethodGet, "/api/v1/templates/tmpl-other", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404 for foreign template", w.Code)
	}
}

func TestCheckSuppressions(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/suppressions", SuppressionRequest{
		Email: "blocked@example.org", Reason: "manual",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/api/v1/suppressions/check", CheckSuppressionsRequest{
		Emails: []string{"blocked@example.org", "clean@example.org"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("check: got status %d", w.Code)
	}
	var resp struct {
		Results map[string]store.SuppressionStatus `json:"results"`
	}
	decodeBody(t, w, &resp)
	if !resp.Results["blocked@example.org"].Suppressed {
		t.Error("blocked@example.org should be suppressed")
	}
	if resp.Results["clean@example.org"].Suppressed {
		t.Error("clean@example.org should not be suppressed")
	}
}

func TestWebhookTestDelivery(t *testing.T) {
	env := newTestEnv(t)

	received := make(chan *http.Request, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case received <- r.Clone(context.Background()):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	w := env.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL:    target.URL,
		Events: []store.EventType{store.EventDelivered},
	})
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &created)

	w = env.request(t, http.MethodPost, "/api/v1/webhooks/"+created.ID+"/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("test: got status %d: %s", w.Code, w.Body.String())
	}
	var attempt store.DeliveryAttempt
	decodeBody(t, w, &attempt)
	if !attempt.Success {
		t.Errorf("test delivery failed: %s", attempt.Error)
	}

	select {
	case r := <-received:
		if r.Header.Get("X-Webhook-Signature") == "" {
			t.Error("test delivery missing signature header")
		}
	default:
		t.Error("target never received the test delivery")
	}

	attempts, err := env.store.ListDeliveryAttempts(context.Background(), created.ID, 10)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("got %d recorded attempts, want 1", len(attempts))
	}
}

func TestTemplatePreview(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/templates/preview", PreviewRequest{
		Subject:       "Hi {{name}}",
		HTML:          "<p>{{name}} & co</p>",
		Text:          "Hi {name}",
		Substitutions: map[string]string{"name": "Ana <dev>"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var resp PreviewResponse
	decodeBody(t, w, &resp)
	if resp.Subject != "Hi Ana <dev>" {
		t.Errorf("got subject %q", resp.Subject)
	}
	if resp.HTML != "<p>Ana &lt;dev&gt; & co</p>" {
		t.Errorf("got html %q", resp.HTML)
	}
	if resp.Text != "Hi Ana <dev>" {
		t.Errorf("got text %q", resp.Text)
	}
}
