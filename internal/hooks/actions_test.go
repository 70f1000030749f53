package hooks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/traylinx/webrelay/internal/engine"
)

func TestHandleLogWarning(t *testing.T) {
	hook := &Hook{ID: "warn", Name: "Warn", Params: map[string]any{"message": "blocked again"}}
	ev := NewEvent(EventProviderBlocked, "deepseek", "s-1").WithError(engine.ErrProviderBlocked)
	ev.CorrelationID = "req-1"

	if err := handleLogWarning(hook, ev); err != nil {
		t.Fatalf("handleLogWarning failed: %v", err)
	}
	hook.Params = map[string]any{}
	if err := handleLogWarning(hook, ev); err != nil {
		t.Fatalf("handleLogWarning with no message failed: %v", err)
	}
}

func localhost(url string) string {
	return strings.Replace(url, "127.0.0.1", "localhost", 1)
}

func TestWebhookHandler_Success(t *testing.T) {
	var payload map[string]any
	var signature string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Hook-Signature")
		body, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := NewWebhookHandler()
	hook := &Hook{ID: "wh", Name: "Webhook", Params: map[string]any{"url": localhost(server.URL), "secret": "s3cret"}}
	ev := NewEvent(EventAuthExpired, "kimi", "s-4").WithError(engine.Errorf(engine.KindAuthExpired, "login page"))

	if err := handler.Handle(hook, ev); err != nil {
		t.Fatalf("webhook handler failed: %v", err)
	}
	if payload["event"] != string(EventAuthExpired) || payload["provider"] != "kimi" || payload["session_id"] != "s-4" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if payload["error_kind"] != string(engine.KindAuthExpired) {
		t.Errorf("expected error_kind auth_expired, got %v", payload["error_kind"])
	}
	if want := "sha256=" + Sign("s3cret", body); signature != want {
		t.Errorf("signature mismatch: got %s want %s", signature, want)
	}
}

func TestWebhookHandler_Validation(t *testing.T) {
	handler := NewWebhookHandler()
	ev := NewEvent(EventRequestFailed, "", "")

	if err := handler.Handle(&Hook{Params: map[string]any{}}, ev); err == nil {
		t.Error("expected error for missing url")
	}
	if err := handler.Handle(&Hook{Params: map[string]any{"url": "http://example.com/hook"}}, ev); err == nil {
		t.Error("expected error for insecure url")
	}
}

func TestWebhookHandler_RetriesThenFails(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	handler := NewWebhookHandler()
	handler.backoff = []time.Duration{time.Millisecond, time.Millisecond}

	err := handler.Handle(&Hook{Params: map[string]any{"url": localhost(server.URL)}}, NewEvent(EventRequestFailed, "", ""))
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookHandler_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	handler := NewWebhookHandler()
	handler.limit = 2
	hook := &Hook{Params: map[string]any{"url": localhost(server.URL)}}
	ev := NewEvent(EventRequestFailed, "", "")

	for i := 0; i < 2; i++ {
		if err := handler.Handle(hook, ev); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if err := handler.Handle(hook, ev); err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("expected rate limit error, got %v", err)
	}
}
