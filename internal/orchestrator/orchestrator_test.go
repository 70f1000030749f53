package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/webrelay/internal/browser/browsertest"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/recovery"
	"github.com/traylinx/webrelay/internal/session"
)

// sseDecoder turns every data event into a delta; [DONE] stops, "!" is malformed and
// "panic" panics.
type sseDecoder struct{ sse provider.SSEReader }

func (d *sseDecoder) Feed(p []byte) ([]engine.NormalizedChunk, error) { return d.convert(d.sse.Feed(p)) }
func (d *sseDecoder) Finish() ([]engine.NormalizedChunk, error)       { return d.convert(d.sse.Flush()) }

func (d *sseDecoder) convert(events []provider.SSEEvent) ([]engine.NormalizedChunk, error) {
	var out []engine.NormalizedChunk
	for _, ev := range events {
		switch ev.Data {
		case "[DONE]":
			out = append(out, provider.Finish(engine.FinishStop))
		case "!":
			return nil, provider.ParseError("stub", "missing field")
		case "panic":
			panic("decoder exploded")
		default:
			out = append(out, provider.Delta(ev.Data))
		}
	}
	return out, nil
}

// stubAdapter posts to the test server from inside the fake page, the way a real
// adapter clicks send.
type stubAdapter struct {
	endpoint string
	decoders *provider.DecoderSet
	encodes  atomic.Int32
	aborts   atomic.Int32
	logins   atomic.Int32

	mu       sync.Mutex
	observed []observation
}

type observation struct {
	corr string
	rule string
	body string
}

func newStubAdapter(endpoint string) *stubAdapter {
	return &stubAdapter{
		endpoint: endpoint,
		decoders: provider.NewDecoderSet(func(string) provider.FrameDecoder { return &sseDecoder{} }),
	}
}

func (a *stubAdapter) ID() string       { return "stub" }
func (a *stubAdapter) StartURL() string { return "https://stub.test/" }

func (a *stubAdapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: "stub", Name: "chat", Method: "POST", Pattern: "**/api/chat", Action: intercept.ActionObserve, Capture: true},
	}
}

func (a *stubAdapter) Encode(ctx context.Context, req *engine.NormalizedRequest, s *session.Session) error {
	n := a.encodes.Add(1)
	page := s.Page().(*browsertest.Page)
	body := fmt.Sprintf(`{"attempt":%d,"prompt":%q}`, n, req.LastUserMessage())
	return page.Dispatch(browsertest.NewExchange("POST", a.endpoint+"/api/chat", []byte(body)))
}

func (a *stubAdapter) Decode(corr string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error) {
	return a.decoders.Decode(corr, msg)
}

func (a *stubAdapter) Close(corr string) ([]engine.NormalizedChunk, error) {
	return a.decoders.Close(corr)
}

func (a *stubAdapter) IsAuthValid(context.Context, *session.Session) (bool, error) { return true, nil }
func (a *stubAdapter) Login(context.Context, *session.Session) error {
	a.logins.Add(1)
	return nil
}

func (a *stubAdapter) Observe(corr string, rule intercept.Rule, req *engine.WireMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observed = append(a.observed, observation{corr: corr, rule: rule.Name, body: string(req.Body)})
}

func (a *stubAdapter) observations() []observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]observation(nil), a.observed...)
}

func (a *stubAdapter) Abort(context.Context, *session.Session) error {
	a.aborts.Add(1)
	return nil
}

type harness struct {
	orch    *Orchestrator
	mgr     *session.Manager
	adapter *stubAdapter
	srv     *httptest.Server
}

func newHarness(t *testing.T, handler http.HandlerFunc, pool session.Options) *harness {
	t.Helper()
	return newHarnessWith(t, handler, pool, Options{})
}

func newHarnessWith(t *testing.T, handler http.HandlerFunc, pool session.Options, opts Options) *harness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter := newStubAdapter(srv.URL)
	reg, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	if pool.PoolSize == 0 {
		pool.PoolSize = 1
	}
	if pool.AcquireTimeout == 0 {
		pool.AcquireTimeout = 2 * time.Second
	}
	mgr := session.NewManager(&browsertest.Launcher{}, reg.Provisioners(), pool, nil, nil)
	rec := recovery.NewManager(recovery.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, mgr, nil)
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = 3 * time.Second
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 100 * time.Millisecond
	}
	orch := New(reg, mgr, intercept.NewRouter(nil), rec, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Wait(ctx)
		_ = mgr.Shutdown(ctx)
	})
	return &harness{orch: orch, mgr: mgr, adapter: adapter, srv: srv}
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

func hello(id string) *engine.NormalizedRequest {
	return &engine.NormalizedRequest{
		Provider: id,
		Messages: []engine.Message{{Role: engine.RoleUser, Content: "hello"}},
	}
}

func readAll(t *testing.T, st *Stream) []engine.NormalizedChunk {
	t.Helper()
	var out []engine.NormalizedChunk
	timeout := time.After(10 * time.Second)
	for {
		select {
		case c, ok := <-st.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream %s did not finish", st.ID)
		}
	}
}

func waitDone(t *testing.T, st *Stream) {
	t.Helper()
	select {
	case <-st.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("stream %s never released its session", st.ID)
	}
}

func TestSubmitRelaysChunksInOrder(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "he", "llo", "[DONE]")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)

	chunks := readAll(t, st)
	require.Len(t, chunks, 3)
	assert.Equal(t, "he", chunks[0].Delta)
	assert.Equal(t, "llo", chunks[1].Delta)
	assert.Equal(t, engine.FinishStop, chunks[2].FinishReason)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, st.ID, c.CorrelationID)
	}
	assert.Nil(t, chunks[2].Err)

	waitDone(t, st)
	assert.Empty(t, h.orch.Active())
	assert.Equal(t, int32(1), h.adapter.encodes.Load())
}

func TestStreamEndWithoutStopIsTerminated(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "partial")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	res, err := Collect(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Text)
	assert.Equal(t, engine.FinishStop, res.FinishReason)
	assert.Equal(t, 2, res.Chunks)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {}, session.Options{})

	_, err := h.orch.Submit(context.Background(), hello("nope"))
	assert.ErrorIs(t, err, engine.ErrUnknownProvider)

	_, err = h.orch.Submit(context.Background(), &engine.NormalizedRequest{Provider: "stub"})
	assert.Error(t, err)
}

func TestTransientFailureIsRetriedInvisibly(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		sse(w, "he", "llo", "[DONE]")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, st)

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"he", "llo", ""}, []string{chunks[0].Delta, chunks[1].Delta, chunks[2].Delta})
	assert.Equal(t, []int{0, 1, 2}, []int{chunks[0].Index, chunks[1].Index, chunks[2].Index})
	assert.Equal(t, engine.FinishStop, chunks[2].FinishReason)
	assert.Equal(t, int32(2), calls.Load())

	waitDone(t, st)
	for _, info := range h.mgr.Snapshot() {
		assert.Equal(t, "ready", info.Health, "a successful retry restores the session")
	}
}

type chunkShape struct {
	Delta  string
	Index  int
	Finish engine.FinishReason
	Err    bool
}

func shapes(chunks []engine.NormalizedChunk) []chunkShape {
	out := make([]chunkShape, len(chunks))
	for i, c := range chunks {
		out[i] = chunkShape{Delta: c.Delta, Index: c.Index, Finish: c.FinishReason, Err: c.Err != nil}
	}
	return out
}

// firstTry is what the caller sees when the provider answers on the first attempt.
func firstTry(t *testing.T) []chunkShape {
	t.Helper()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "o", "k", "[DONE]")
	}, session.Options{})
	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	return shapes(readAll(t, st))
}

func TestExhaustedRetriesRecycleAndRetryOnce(t *testing.T) {
	want := firstTry(t)

	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		sse(w, "o", "k", "[DONE]")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, st)
	waitDone(t, st)

	assert.Equal(t, want, shapes(chunks), "recovery is invisible to the caller")
	assert.Equal(t, int32(4), calls.Load(), "two retries, then one retry on a recycled context")
	assert.Len(t, h.adapter.observations(), 4)

	infos := h.mgr.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Recycles)
	assert.Equal(t, "ready", infos[0].Health)
}

func TestExpiredAuthReloginsAndRetriesOnce(t *testing.T) {
	want := firstTry(t)

	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sse(w, "o", "k", "[DONE]")
	}, session.Options{})
	logins := h.adapter.logins.Load()

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, st)
	waitDone(t, st)

	assert.Equal(t, want, shapes(chunks), "recovery is invisible to the caller")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, logins+1, h.adapter.logins.Load(), "one re-login")

	infos := h.mgr.Snapshot()
	require.Len(t, infos, 1)
	assert.Zero(t, infos[0].Recycles)
	assert.Equal(t, "ready", infos[0].Health)
}

func TestExpiredAuthTwiceSurfaces(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	_, err = Collect(context.Background(), st)
	assert.ErrorIs(t, err, engine.ErrAuthExpired)
	assert.Equal(t, int32(2), calls.Load(), "re-login is attempted once per request")
}

func TestObservedRequestsReachAdapter(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "ok", "[DONE]")
	}, session.Options{})

	req := hello("stub")
	req.CorrelationID = "corr-observe"
	st, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	readAll(t, st)
	waitDone(t, st)

	obs := h.adapter.observations()
	require.Len(t, obs, 1)
	assert.Equal(t, "corr-observe", obs[0].corr)
	assert.Equal(t, "chat", obs[0].rule)
	assert.Contains(t, obs[0].body, `"prompt":"hello"`)
}

func TestParseErrorSurfacesAndKeepsSession(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		sse(w, "!")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, st)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, engine.FinishError, chunks[0].FinishReason)
	assert.ErrorIs(t, chunks[0].Err, engine.ErrResponseParse)
	assert.Equal(t, int32(1), calls.Load(), "parse errors are not retried")

	waitDone(t, st)
	s, err := h.mgr.Acquire(context.Background(), "stub")
	require.NoError(t, err, "session stays acquirable")
	assert.Equal(t, session.HealthReady, s.Health())
	h.mgr.Release(s)
}

func TestFailureAfterOutputIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		sse(w, "he")
		time.Sleep(50 * time.Millisecond)
		sse(w, "!")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	res, err := Collect(context.Background(), st)
	assert.ErrorIs(t, err, engine.ErrResponseParse)
	assert.Equal(t, "he", res.Text, "delivered output is kept")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelMidStream(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "he")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, session.Options{AcquireTimeout: 200 * time.Millisecond})
	defer close(release)

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)

	first := <-st.Chunks()
	assert.Equal(t, "he", first.Delta)

	assert.True(t, h.orch.Cancel(st.ID))
	rest := readAll(t, st)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, engine.FinishCancelled, last.FinishReason)
	assert.Nil(t, last.Err, "cancellation is not an error")
	assert.Equal(t, 1, last.Index)

	waitDone(t, st)
	assert.False(t, h.orch.Cancel(st.ID), "cancel after completion is a no-op")
	assert.GreaterOrEqual(t, h.adapter.aborts.Load(), int32(1))

	s, err := h.mgr.Acquire(context.Background(), "stub")
	require.NoError(t, err, "session is immediately reusable")
	h.mgr.Release(s)
}

func TestCancelWithIdleConsumerReleasesSessionAtOnce(t *testing.T) {
	h := newHarnessWith(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "a", "b", "c", "d", "e", "f")
		<-r.Context().Done()
	}, session.Options{AcquireTimeout: 200 * time.Millisecond}, Options{Buffer: 1})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	// Nobody reads: the relay fills its single slot and waits.
	time.Sleep(300 * time.Millisecond)

	cancelled := time.Now()
	require.True(t, h.orch.Cancel(st.ID))
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("session still held one second after cancel")
	}
	assert.Less(t, time.Since(cancelled), time.Second)

	s, err := h.mgr.Acquire(context.Background(), "stub")
	require.NoError(t, err, "session is acquirable while the old stream is unread")
	h.mgr.Release(s)

	chunks := readAll(t, st)
	require.NotEmpty(t, chunks)
	terminal := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		if c.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	last := chunks[len(chunks)-1]
	assert.Equal(t, engine.FinishCancelled, last.FinishReason)
	assert.Nil(t, last.Err)
	assert.Equal(t, "a", chunks[0].Delta)
}

func TestCallerContextCancelsStream(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "he")
		<-r.Context().Done()
	}, session.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	st, err := h.orch.Submit(ctx, hello("stub"))
	require.NoError(t, err)
	<-st.Chunks()
	cancel()

	res, err := Collect(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, engine.FinishCancelled, res.FinishReason)
	waitDone(t, st)
}

func TestPoolExhausted(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "busy")
		select {
		case <-r.Context().Done():
		case <-release:
		}
		sse(w, "[DONE]")
	}, session.Options{PoolSize: 1, AcquireTimeout: 50 * time.Millisecond})

	first, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	<-first.Chunks()

	second, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, second)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, engine.KindPoolExhausted, chunks[0].Err.Kind)

	close(release)
	res, err := Collect(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "", res.Text, "first chunk was already read")
	assert.Equal(t, engine.FinishStop, res.FinishReason)
}

func TestRequestsOnOneSessionAreSerialized(t *testing.T) {
	var inflight, peak atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		sse(w, "ok", "[DONE]")
		inflight.Add(-1)
	}, session.Options{PoolSize: 1, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := h.orch.Submit(context.Background(), hello("stub"))
			if !assert.NoError(t, err) {
				return
			}
			res, err := Collect(context.Background(), st)
			assert.NoError(t, err)
			assert.Equal(t, "ok", res.Text)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestPanicBecomesTerminalErrorAndRecyclesSession(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, "panic")
	}, session.Options{})

	st, err := h.orch.Submit(context.Background(), hello("stub"))
	require.NoError(t, err)
	chunks := readAll(t, st)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, engine.KindInternal, chunks[0].Err.Kind)

	waitDone(t, st)
	snap := h.mgr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Recycles)
	assert.False(t, snap[0].Busy)
}

func TestDuplicateCorrelationID(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		sse(w, "[DONE]")
	}, session.Options{})

	req := hello("stub")
	req.CorrelationID = "fixed"
	st, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = h.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	close(release)
	readAll(t, st)
}

func TestChunkOrderingProperty(t *testing.T) {
	var mu sync.Mutex
	var script []string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events := append([]string(nil), script...)
		mu.Unlock()
		sse(w, append(events, "[DONE]")...)
	}, session.Options{})

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("indices increase and exactly one terminal ends the stream", prop.ForAll(
		func(parts []string) bool {
			mu.Lock()
			script = parts
			mu.Unlock()

			st, err := h.orch.Submit(context.Background(), hello("stub"))
			if err != nil {
				return false
			}
			chunks := readAll(t, st)
			<-st.Done()

			if len(chunks) != len(parts)+1 {
				return false
			}
			var text strings.Builder
			for i, c := range chunks {
				if c.Index != i || c.Terminal() != (i == len(chunks)-1) {
					return false
				}
				text.WriteString(c.Delta)
			}
			return text.String() == strings.Join(parts, "") && chunks[len(chunks)-1].FinishReason == engine.FinishStop
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
