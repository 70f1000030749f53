// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package intercept installs provider interception rules on session pages and delivers
// matched traffic to consumers as typed events on a channel.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/session"
)

// EventKind identifies a tap event.
type EventKind int

const (
	// EventRequest carries a matched outgoing request (after any rewrite).
	EventRequest EventKind = iota
	// EventResponseStart carries the status and headers of a captured response.
	EventResponseStart
	// EventFragment carries one body fragment of a captured response.
	EventFragment
	// EventResponseEnd marks the end of a captured response; Err is set on failure.
	EventResponseEnd
	// EventBlocked reports a request failed locally by a block rule.
	EventBlocked
)

func (k EventKind) String() string {
	switch k {
	case EventRequest:
		return "request"
	case EventResponseStart:
		return "response_start"
	case EventFragment:
		return "fragment"
	case EventResponseEnd:
		return "response_end"
	case EventBlocked:
		return "blocked"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one piece of matched traffic.
type Event struct {
	Kind          EventKind
	Rule          Rule
	CorrelationID string

	// Message is the request for EventRequest/EventBlocked, and the response for the
	// response events. For EventFragment its Body holds only the fragment.
	Message *engine.WireMessage

	Err error
}

// Rewriter is implemented by adapters that declare modify rules.
type Rewriter interface {
	Rewrite(correlationID string, rule Rule, req *engine.WireMessage) ([]byte, error)
}

// Synthesizer is implemented by adapters that declare synthesize rules.
type Synthesizer interface {
	Synthesize(correlationID string, rule Rule, req *engine.WireMessage) (*engine.WireMessage, error)
}

// Binding is everything needed to arm one session for one request.
type Binding struct {
	CorrelationID string
	Rules         *RuleSet
	Rewriter      Rewriter
	Synthesizer   Synthesizer
}

// Tap delivers events for one armed session. It stops accepting events once disarmed.
type Tap struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func newTap(buffer int) *Tap {
	return &Tap{events: make(chan Event, buffer), done: make(chan struct{})}
}

// Events returns the event stream. The channel is never closed; select on Done.
func (t *Tap) Events() <-chan Event { return t.events }

// Done is closed when the tap is disarmed.
func (t *Tap) Done() <-chan struct{} { return t.done }

// Inject delivers a synthetic event, as if it came from the page. It reports false if
// the tap is disarmed.
func (t *Tap) Inject(ev Event) bool { return t.emit(ev) }

func (t *Tap) emit(ev Event) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *Tap) close() {
	t.once.Do(func() { close(t.done) })
}

// Stats counts router decisions.
type Stats struct {
	Total       int64            `json:"total"`
	Passed      int64            `json:"passed"`
	Observed    int64            `json:"observed"`
	Modified    int64            `json:"modified"`
	Blocked     int64            `json:"blocked"`
	Synthesized int64            `json:"synthesized"`
	Captured    int64            `json:"captured"`
	ByRule      map[string]int64 `json:"by_rule"`
}

type armed struct {
	tap     *Tap
	binding Binding
	page    browser.Page
	stop    func() error
	ctx     context.Context
	cancel  context.CancelFunc

	// idle is closed whenever no exchange handler is running.
	mu       sync.Mutex
	inflight int
	idle     chan struct{}
}

func (a *armed) enter() {
	a.mu.Lock()
	if a.inflight == 0 {
		a.idle = make(chan struct{})
	}
	a.inflight++
	a.mu.Unlock()
}

func (a *armed) leave() {
	a.mu.Lock()
	a.inflight--
	if a.inflight == 0 {
		close(a.idle)
	}
	a.mu.Unlock()
}

func (a *armed) idleCh() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// Router arms and disarms interception on sessions. One router serves every session.
type Router struct {
	transport *Transport
	buffer    int

	mu    sync.Mutex
	armed map[string]*armed

	total, passed, observed, modified, blocked, synthesized, captured atomic.Int64
	byRuleMu                                                          sync.Mutex
	byRule                                                            map[string]int64
}

// NewRouter creates a router replaying captured traffic through transport.
func NewRouter(transport *Transport) *Router {
	if transport == nil {
		transport = NewTransport(nil)
	}
	return &Router{
		transport: transport,
		buffer:    256,
		armed:     make(map[string]*armed),
		byRule:    make(map[string]int64),
	}
}

// Arm installs the binding's rules on the session page and returns the tap receiving
// matched traffic. A session can be armed once at a time.
func (r *Router) Arm(ctx context.Context, s *session.Session, b Binding) (*Tap, error) {
	if b.Rules == nil {
		return nil, fmt.Errorf("arm %s: no rules", s.ID)
	}
	page := s.Page()
	if page == nil {
		return nil, engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}

	r.mu.Lock()
	if _, ok := r.armed[s.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s is already armed", s.ID)
	}
	actx, cancel := context.WithCancel(ctx)
	a := &armed{tap: newTap(r.buffer), binding: b, page: page, ctx: actx, cancel: cancel, idle: make(chan struct{})}
	close(a.idle)
	r.armed[s.ID] = a
	r.mu.Unlock()

	stop, err := page.Intercept(b.Rules.Patterns(), func(ex browser.Exchange) {
		a.enter()
		defer a.leave()
		r.handle(a, ex)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.armed, s.ID)
		r.mu.Unlock()
		cancel()
		return nil, engine.Errorf(engine.KindBrowserCrashed, "install interception: %w", err)
	}
	a.stop = stop
	log.WithFields(log.Fields{"session": s.ID, "request_id": b.CorrelationID}).Debugf("router armed with %d rules", len(b.Rules.Rules()))
	return a.tap, nil
}

// Disarm removes the hooks from the session page, aborts in-flight replays and closes the
// tap. Disarming an unarmed session is a no-op.
func (r *Router) Disarm(s *session.Session) error {
	r.mu.Lock()
	a, ok := r.armed[s.ID]
	delete(r.armed, s.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	a.tap.close()
	a.cancel()
	var err error
	if a.stop != nil {
		err = a.stop()
	}
	log.WithField("session", s.ID).Debug("router disarmed")
	return err
}

// Armed reports whether the session currently has hooks installed.
func (r *Router) Armed(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.armed[s.ID]
	return ok
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	st := Stats{
		Total:       r.total.Load(),
		Passed:      r.passed.Load(),
		Observed:    r.observed.Load(),
		Modified:    r.modified.Load(),
		Blocked:     r.blocked.Load(),
		Synthesized: r.synthesized.Load(),
		Captured:    r.captured.Load(),
		ByRule:      make(map[string]int64),
	}
	r.byRuleMu.Lock()
	for k, v := range r.byRule {
		st.ByRule[k] = v
	}
	r.byRuleMu.Unlock()
	return st
}

func (r *Router) countRule(rule Rule) {
	r.byRuleMu.Lock()
	r.byRule[rule.Provider+"/"+rule.Name]++
	r.byRuleMu.Unlock()
}

func (r *Router) handle(a *armed, ex browser.Exchange) {
	req := ex.Request()
	r.total.Add(1)
	fields := log.Fields{"request_id": a.binding.CorrelationID, "url": req.URL}

	rule, ok := a.binding.Rules.Match(req.Method, req.URL)
	if !ok {
		r.passed.Add(1)
		if err := ex.Continue(nil); err != nil {
			log.WithFields(fields).Debugf("continue failed: %v", err)
		}
		return
	}
	r.countRule(rule)
	ev := Event{Rule: rule, CorrelationID: a.binding.CorrelationID}

	switch rule.Action {
	case ActionBlock:
		r.blocked.Add(1)
		_ = ex.Fail("BlockedByClient")
		ev.Kind, ev.Message = EventBlocked, req
		a.tap.emit(ev)
		return

	case ActionSynthesize:
		r.synthesized.Add(1)
		r.synthesize(a, ex, rule, req)
		return

	case ActionModify:
		if a.binding.Rewriter == nil {
			log.WithFields(fields).Warnf("rule %s wants modify but adapter cannot rewrite", rule.Name)
			break
		}
		body, err := a.binding.Rewriter.Rewrite(a.binding.CorrelationID, rule, req.Clone())
		if err != nil {
			log.WithFields(fields).Errorf("rewrite failed: %v", err)
			_ = ex.Fail("Failed")
			if rule.Capture {
				ev.Kind, ev.Message = EventResponseEnd, req
				ev.Err = engine.Errorf(engine.KindResponseParseError, "rewrite %s: %w", rule.Name, err)
				a.tap.emit(ev)
			}
			return
		}
		r.modified.Add(1)
		req.Body = body

	case ActionObserve:
		r.observed.Add(1)
	}

	ev.Kind, ev.Message = EventRequest, req
	a.tap.emit(ev)

	if rule.Capture {
		r.captured.Add(1)
		r.capture(a, ex, rule, req)
		return
	}

	var body []byte
	if rule.Action == ActionModify {
		body = req.Body
	}
	if err := ex.Continue(body); err != nil {
		log.WithFields(fields).Debugf("continue failed: %v", err)
	}
}

func (r *Router) synthesize(a *armed, ex browser.Exchange, rule Rule, req *engine.WireMessage) {
	ev := Event{Rule: rule, CorrelationID: a.binding.CorrelationID}
	var resp *engine.WireMessage
	var err error
	if a.binding.Synthesizer == nil {
		err = fmt.Errorf("adapter cannot synthesize")
	} else {
		resp, err = a.binding.Synthesizer.Synthesize(a.binding.CorrelationID, rule, req.Clone())
	}
	if err != nil || resp == nil {
		log.WithField("request_id", a.binding.CorrelationID).Warnf("synthesize %s failed: %v", rule.Name, err)
		_ = ex.Fail("Failed")
		return
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	_ = ex.Fulfill(resp)

	ev.Kind, ev.Message = EventRequest, req
	a.tap.emit(ev)
	if !rule.Capture {
		return
	}
	head := resp.Clone()
	head.Body = nil
	a.tap.emit(Event{Kind: EventResponseStart, Rule: rule, CorrelationID: ev.CorrelationID, Message: head})
	if len(resp.Body) > 0 {
		frag := head.Clone()
		frag.Body = append([]byte(nil), resp.Body...)
		a.tap.emit(Event{Kind: EventFragment, Rule: rule, CorrelationID: ev.CorrelationID, Message: frag})
	}
	a.tap.emit(Event{Kind: EventResponseEnd, Rule: rule, CorrelationID: ev.CorrelationID, Message: resp})
}

// capture replays req, streams the response body to the tap as it arrives and finally
// fulfills the page with the complete body.
func (r *Router) capture(a *armed, ex browser.Exchange, rule Rule, req *engine.WireMessage) {
	corr := a.binding.CorrelationID
	end := Event{Kind: EventResponseEnd, Rule: rule, CorrelationID: corr}

	cookies, err := a.page.Cookies(a.ctx)
	if err != nil {
		log.WithField("request_id", corr).Debugf("read cookies for replay: %v", err)
	}

	resp, err := r.transport.Do(a.ctx, req, cookies)
	if err != nil {
		_ = ex.Fail("Failed")
		end.Message, end.Err = req, err
		a.tap.emit(end)
		return
	}
	defer resp.Body.Close()

	head := &engine.WireMessage{
		Method:    req.Method,
		URL:       req.URL,
		Header:    resp.Header,
		Status:    resp.Status,
		StartedAt: req.StartedAt,
	}
	a.tap.emit(Event{Kind: EventResponseStart, Rule: rule, CorrelationID: corr, Message: head})

	var full []byte
	var readErr error
	if resp.Status < 200 || resp.Status >= 300 {
		full, _ = io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		readErr = ClassifyStatus(resp.Status, full)
	} else {
		full, readErr = r.stream(a, rule, head, resp.Body)
	}

	done := head.Clone()
	done.Body = full
	if err := ex.Fulfill(done); err != nil {
		log.WithField("request_id", corr).Debugf("fulfill failed: %v", err)
	}
	end.Message, end.Err = done, readErr
	a.tap.emit(end)
}

func (r *Router) stream(a *armed, rule Rule, head *engine.WireMessage, body io.Reader) ([]byte, error) {
	var full []byte
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			full = append(full, chunk...)
			frag := head.Clone()
			frag.Body = chunk
			a.tap.emit(Event{Kind: EventFragment, Rule: rule, CorrelationID: a.binding.CorrelationID, Message: frag})
		}
		if errors.Is(err, io.EOF) {
			return full, nil
		}
		if err != nil {
			if a.ctx.Err() != nil {
				return full, engine.Errorf(engine.KindCancelled, "stream aborted: %w", a.ctx.Err())
			}
			return full, ClassifyTransportError(err)
		}
	}
}

// WaitIdle blocks until in-flight handlers for the session return or timeout elapses.
func (r *Router) WaitIdle(s *session.Session, timeout time.Duration) {
	r.mu.Lock()
	a, ok := r.armed[s.ID]
	r.mu.Unlock()
	if !ok {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.idleCh():
	case <-timer.C:
	}
}
