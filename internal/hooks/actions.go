package hooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// ProviderDrainer tears down every idle session of a provider and reports how many
// were closed.
type ProviderDrainer interface {
	Drain(provider string) int
}

// RegisterBuiltInActions registers the default action handlers.
func RegisterBuiltInActions(m *HookManager, drainer ProviderDrainer) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := NewWebhookHandler()
	m.RegisterAction(ActionNotifyWebhook, wh.Handle)
	if drainer != nil {
		m.RegisterAction(ActionRecycleProvider, recycleProviderHandler(drainer))
	}
}

func handleLogWarning(hook *Hook, ctx *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "hook triggered"
	}
	entry := log.WithFields(log.Fields{
		"hook":     hook.Name,
		"event":    ctx.Event,
		"provider": ctx.Provider,
	})
	if ctx.CorrelationID != "" {
		entry = entry.WithField("request_id", ctx.CorrelationID)
	}
	if ctx.ErrorMessage != "" {
		entry = entry.WithField("error", ctx.ErrorMessage)
	}
	entry.Warn(msg)
	return nil
}

func recycleProviderHandler(drainer ProviderDrainer) ActionHandler {
	return func(hook *Hook, ctx *EventContext) error {
		provider, _ := hook.Params["provider"].(string)
		if provider == "" {
			provider = ctx.Provider
		}
		if provider == "" {
			return fmt.Errorf("missing provider param")
		}
		n := drainer.Drain(provider)
		log.Infof("[hook: %s] drained %d idle %s sessions", hook.Name, n, provider)
		return nil
	}
}

// WebhookHandler manages webhook execution with rate limiting.
type WebhookHandler struct {
	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	client       *http.Client
	backoff      []time.Duration
	limit        int
}

type rateLimiter struct {
	count    int
	lastTime time.Time
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		rateLimiters: make(map[string]*rateLimiter),
		client:       &http.Client{Timeout: 5 * time.Second},
		backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		limit:        10,
	}
}

func (h *WebhookHandler) Handle(hook *Hook, ctx *EventContext) error {
	url, _ := hook.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") && !strings.HasPrefix(url, "http://127.0.0.1") {
		return fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	if !h.checkRateLimit(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	secret, _ := hook.Params["secret"].(string)

	payload := map[string]any{
		"event":     ctx.Event,
		"timestamp": ctx.Timestamp,
		"hook_id":   hook.ID,
		"data":      ctx.Data,
	}
	if ctx.Provider != "" {
		payload["provider"] = ctx.Provider
	}
	if ctx.SessionID != "" {
		payload["session_id"] = ctx.SessionID
	}
	if ctx.CorrelationID != "" {
		payload["correlation_id"] = ctx.CorrelationID
	}
	if ctx.ErrorMessage != "" {
		payload["error"] = ctx.ErrorMessage
		payload["error_kind"] = ctx.ErrorKind
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= len(h.backoff); i++ {
		if i > 0 {
			time.Sleep(h.backoff[i-1])
		}
		if lastErr = h.post(url, secret, body); lastErr == nil {
			return nil
		}
		log.Warnf("webhook attempt %d failed: %v", i+1, lastErr)
	}
	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) post(url, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "webrelay-hooks/1.0")
	if secret != "" {
		req.Header.Set("X-Hook-Signature", "sha256="+Sign(secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHandler) checkRateLimit(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	limiter, exists := h.rateLimiters[url]
	if !exists {
		limiter = &rateLimiter{lastTime: now}
		h.rateLimiters[url] = limiter
	}
	if now.Sub(limiter.lastTime) > time.Minute {
		limiter.count = 0
		limiter.lastTime = now
	}
	if limiter.count >= h.limit {
		return false
	}
	limiter.count++
	return true
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
