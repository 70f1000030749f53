package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/browser/browsertest"
	"github.com/traylinx/webrelay/internal/config"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/orchestrator"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/recovery"
	"github.com/traylinx/webrelay/internal/session"
)

// textDecoder maps SSE data to deltas; [DONE] stops and "!" is malformed.
type textDecoder struct{ sse provider.SSEReader }

func (d *textDecoder) Feed(p []byte) ([]engine.NormalizedChunk, error) { return d.convert(d.sse.Feed(p)) }
func (d *textDecoder) Finish() ([]engine.NormalizedChunk, error)       { return d.convert(d.sse.Flush()) }

func (d *textDecoder) convert(events []provider.SSEEvent) ([]engine.NormalizedChunk, error) {
	var out []engine.NormalizedChunk
	for _, ev := range events {
		switch ev.Data {
		case "[DONE]":
			out = append(out, provider.Finish(engine.FinishStop))
		case "!":
			return nil, provider.ParseError("stub", "missing field")
		default:
			out = append(out, provider.Delta(ev.Data))
		}
	}
	return out, nil
}

type stubAdapter struct {
	endpoint string
	decoders *provider.DecoderSet
	prompts  chan string
}

func (a *stubAdapter) ID() string       { return "stub" }
func (a *stubAdapter) StartURL() string { return "https://stub.test/" }

func (a *stubAdapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: "stub", Name: "chat", Method: "POST", Pattern: "**/api/chat", Action: intercept.ActionObserve, Capture: true},
	}
}

func (a *stubAdapter) Encode(ctx context.Context, req *engine.NormalizedRequest, s *session.Session) error {
	select {
	case a.prompts <- req.LastUserMessage():
	default:
	}
	page := s.Page().(*browsertest.Page)
	body := fmt.Sprintf(`{"prompt":%q}`, req.LastUserMessage())
	return page.Dispatch(browsertest.NewExchange("POST", a.endpoint+"/api/chat", []byte(body)))
}

func (a *stubAdapter) Decode(corr string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error) {
	return a.decoders.Decode(corr, msg)
}

func (a *stubAdapter) Close(corr string) ([]engine.NormalizedChunk, error) {
	return a.decoders.Close(corr)
}

func (a *stubAdapter) IsAuthValid(context.Context, *session.Session) (bool, error) { return true, nil }
func (a *stubAdapter) Login(context.Context, *session.Session) error              { return nil }

type fixture struct {
	server  *Server
	orch    *orchestrator.Orchestrator
	adapter *stubAdapter
	cfg     *config.Config
}

func newFixture(t *testing.T, handler http.HandlerFunc, keys ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	adapter := &stubAdapter{
		endpoint: upstream.URL,
		decoders: provider.NewDecoderSet(func(string) provider.FrameDecoder { return &textDecoder{} }),
		prompts:  make(chan string, 8),
	}
	reg, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	mgr := session.NewManager(&browsertest.Launcher{}, reg.Provisioners(), session.Options{PoolSize: 1, AcquireTimeout: 2 * time.Second}, nil, nil)
	rec := recovery.NewManager(recovery.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, mgr, nil)
	orch := orchestrator.New(reg, mgr, intercept.NewRouter(nil), rec, nil, orchestrator.Options{
		RequestTimeout: 10 * time.Second,
		StallTimeout:   3 * time.Second,
		DrainTimeout:   100 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Wait(ctx)
		_ = mgr.Shutdown(ctx)
	})

	cfg := config.Default()
	cfg.APIKeys = keys
	cfg.Sanitize()
	cfg.Providers["stub"] = config.ProviderConfig{}
	cfg.Models = map[string]string{"fast": "stub"}

	return &fixture{server: NewServer(cfg, orch, mgr, nil), orch: orch, adapter: adapter, cfg: cfg}
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// events splits an SSE body into its data payloads.
func events(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, data)
		}
	}
	return out
}

const helloBody = `{"model":"stub","messages":[{"role":"user","content":"hello"}]}`

func TestChatCompletion(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "Hel", "lo", "[DONE]")
	})

	w := f.do("POST", "/v1/chat/completions", helloBody, "X-Request-ID", "req-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-req-1", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "stub", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
	assert.Greater(t, resp.Usage.CompletionTokens, 0)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	assert.Equal(t, "hello", <-f.adapter.prompts)
}

func TestChatCompletionStream(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "Hel", "lo", "[DONE]")
	})

	body := `{"model":"fast","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := f.do("POST", "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	data := events(t, w.Body.String())
	require.GreaterOrEqual(t, len(data), 3)
	assert.Equal(t, "[DONE]", data[len(data)-1])

	var text strings.Builder
	for i, d := range data[:len(data)-1] {
		chunk := gjson.Parse(d)
		assert.Equal(t, "chat.completion.chunk", chunk.Get("object").String())
		assert.Equal(t, "fast", chunk.Get("model").String())
		if i == 0 {
			assert.Equal(t, "assistant", chunk.Get("choices.0.delta.role").String())
		} else {
			assert.False(t, chunk.Get("choices.0.delta.role").Exists())
		}
		text.WriteString(chunk.Get("choices.0.delta.content").String())
	}
	assert.Equal(t, "Hello", text.String())

	last := gjson.Parse(data[len(data)-2])
	assert.Equal(t, "stop", last.Get("choices.0.finish_reason").String())
}

func TestChatCompletionStreamError(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "!")
	})

	w := f.do("POST", "/v1/chat/completions", `{"model":"stub","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := events(t, w.Body.String())
	require.Len(t, data, 2)
	assert.Equal(t, "response_parse_error", gjson.Get(data[0], "error.code").String())
	assert.Equal(t, "[DONE]", data[1])
}

func TestChatCompletionUpstreamErrorStatus(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "!")
	})

	w := f.do("POST", "/v1/chat/completions", helloBody)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "response_parse_error", gjson.Get(w.Body.String(), "error.code").String())
}

func TestChatCompletionValidation(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "[DONE]")
	})

	cases := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"model":`, http.StatusBadRequest},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
		{"no messages", `{"model":"stub","messages":[]}`, http.StatusBadRequest},
		{"tool role", `{"model":"stub","messages":[{"role":"tool","content":"x"}]}`, http.StatusBadRequest},
		{"unknown model", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do("POST", "/v1/chat/completions", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			assert.NotEmpty(t, gjson.Get(w.Body.String(), "error.message").String())
		})
	}
}

func TestCancelRunningStream(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "partial")
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.do("POST", "/v1/chat/completions",
			`{"model":"stub","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
			"X-Request-ID", "long-1")
	}()

	require.Eventually(t, func() bool {
		return len(f.orch.Active()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	<-f.adapter.prompts

	w := f.do("POST", "/v1/cancel/long-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stream *httptest.ResponseRecorder
	select {
	case stream = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
	data := events(t, stream.Body.String())
	assert.Equal(t, "[DONE]", data[len(data)-1])

	w = f.do("POST", "/v1/cancel/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModels(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	w := f.do("GET", "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var ids []string
	for _, m := range gjson.Get(w.Body.String(), "data").Array() {
		ids = append(ids, m.Get("id").String())
	}
	assert.Equal(t, []string{"deepseek", "kimi", "qwen", "stub", "zai", "fast"}, ids)
	assert.Equal(t, "stub", gjson.Get(w.Body.String(), `data.#(id=="fast").owned_by`).String())
}

func TestAPIKeys(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {}, "secret")

	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/v1/models", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/v1/models", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/v1/models", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/v1/models", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/healthz", "").Code, "health checks are open")
}

func TestManagementRoutesAreLocalOnly(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	w := f.do("GET", "/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "sessions").IsArray())
	assert.True(t, gjson.Get(w.Body.String(), "active_requests").IsArray())

	w = f.do("GET", "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "active_requests").Int())
	assert.True(t, gjson.Get(w.Body.String(), "intercept").IsObject())
	assert.True(t, gjson.Get(w.Body.String(), "recovery").IsObject())

	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	req.RemoteAddr = "192.0.2.10:5000"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	w = f.do("GET", "/v1/sessions", "", "X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, http.StatusForbidden, w.Code, "proxied requests are not local")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	w := f.do("GET", "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "active").Int())
}
