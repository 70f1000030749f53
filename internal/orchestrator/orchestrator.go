// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator turns a normalized request into a normalized chunk stream: it
// acquires a session, arms interception, lets the adapter drive the page and relays the
// decoded chunks, retrying through the recovery policy while nothing has been delivered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/hooks"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/recovery"
	"github.com/traylinx/webrelay/internal/session"
)

// ErrDuplicateRequest is returned by Submit when the correlation id is already running.
var ErrDuplicateRequest = errors.New("request already in flight")

// Sessions is the session manager surface the orchestrator needs.
type Sessions interface {
	Acquire(ctx context.Context, provider string) (*session.Session, error)
	Release(s *session.Session)
	Reauthenticate(ctx context.Context, s *session.Session) error
}

// Options tunes request handling.
type Options struct {
	// RequestTimeout bounds a whole submission, retries included.
	RequestTimeout time.Duration

	// StallTimeout fails an attempt when no provider traffic arrives for this long.
	StallTimeout time.Duration

	// DrainTimeout is how long the page gets to receive its fulfilled response before
	// the hooks are removed.
	DrainTimeout time.Duration

	// Buffer is how many undelivered deltas a stream holds before decoding waits for
	// the consumer.
	Buffer int
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout: 5 * time.Minute,
		StallTimeout:   60 * time.Second,
		DrainTimeout:   2 * time.Second,
		Buffer:         64,
	}
}

// Orchestrator serves submissions. It is safe for concurrent use.
type Orchestrator struct {
	registry *provider.Registry
	sessions Sessions
	router   *intercept.Router
	recovery *recovery.Manager
	bus      *hooks.EventBus
	opts     Options

	mu      sync.Mutex
	streams map[string]*Stream
	wg      sync.WaitGroup
}

// New wires an orchestrator. bus may be nil.
func New(registry *provider.Registry, sessions Sessions, router *intercept.Router, rec *recovery.Manager, bus *hooks.EventBus, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = def.StallTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	if rec == nil {
		rec = recovery.NewManager(recovery.DefaultPolicy(), nil, bus)
	}
	return &Orchestrator{
		registry: registry,
		sessions: sessions,
		router:   router,
		recovery: rec,
		bus:      bus,
		opts:     opts,
		streams:  make(map[string]*Stream),
	}
}

// Submit validates req and starts serving it. The returned stream ends with exactly one
// terminal chunk. Cancelling ctx cancels the stream.
func (o *Orchestrator) Submit(ctx context.Context, req *engine.NormalizedRequest) (*Stream, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	r := *req
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}

	sctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	st := newStream(&r, o.opts.Buffer, cancel)

	o.mu.Lock()
	if _, dup := o.streams[r.CorrelationID]; dup {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, r.CorrelationID)
	}
	o.streams[r.CorrelationID] = st
	o.wg.Add(1)
	o.mu.Unlock()

	log.WithFields(log.Fields{"request_id": r.CorrelationID, "provider": r.Provider, "model": r.Model}).Info("request submitted")
	go o.run(sctx, &r, adapter, st)
	return st, nil
}

// Cancel stops a running request. It reports whether a running request was found;
// calling it again, or after completion, has no effect.
func (o *Orchestrator) Cancel(correlationID string) bool {
	o.mu.Lock()
	st, ok := o.streams[correlationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if !st.requestCancel() {
		return false
	}
	log.WithField("request_id", correlationID).Info("cancel requested")
	return true
}

// Stats is a point-in-time view of interception and recovery counters.
type Stats struct {
	Active    int             `json:"active_requests"`
	Intercept intercept.Stats `json:"intercept"`
	Recovery  recovery.Stats  `json:"recovery"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	st := Stats{Active: len(o.streams)}
	o.mu.Unlock()
	if o.router != nil {
		st.Intercept = o.router.Stats()
	}
	st.Recovery = o.recovery.Stats()
	return st
}

// Active lists the correlation ids of running requests.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.streams))
	for id := range o.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every running request has released its session or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) forget(st *Stream) {
	o.mu.Lock()
	if o.streams[st.ID] == st {
		delete(o.streams, st.ID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, req *engine.NormalizedRequest, adapter provider.Adapter, st *Stream) {
	fields := log.Fields{"request_id": req.CorrelationID, "provider": req.Provider}
	rel := &relay{st: st, ctx: ctx}
	go st.forward()
	var s *session.Session
	var outcome error

	defer func() {
		if p := recover(); p != nil {
			log.WithFields(fields).Errorf("panic while serving request: %v\n%s", p, debug.Stack())
			outcome = engine.Errorf(engine.KindInternal, "panic: %v", p)
			rel.fail(outcome)
			if s != nil {
				d := o.recovery.Report(s, engine.KindInternal, &recovery.Attempt{})
				rctx, cancel := context.WithTimeout(context.Background(), o.opts.RequestTimeout)
				if err := o.recovery.Apply(rctx, s, d); err != nil {
					log.WithFields(fields).Warnf("recycle after panic: %v", err)
				}
				cancel()
			}
		}
		if !rel.ended {
			outcome = engine.Errorf(engine.KindInternal, "stream ended without a terminal chunk")
			rel.fail(outcome)
		}
		st.markFinished()
		st.cancel()
		if s != nil {
			o.releaseSession(s, req.CorrelationID)
		}
		o.forget(st)
		o.report(req, st, rel, outcome)
		st.expire(o.opts.RequestTimeout)
		close(st.done)
		o.wg.Done()
	}()

	var at recovery.Attempt
	for attempt := 1; ; attempt++ {
		if s == nil {
			var err error
			s, err = o.acquire(ctx, req)
			if err != nil {
				outcome = o.cancelledOr(ctx, st, err)
				rel.fail(outcome)
				return
			}
		}

		err := o.attempt(ctx, adapter, s, req, rel)
		if err == nil {
			o.recovery.Succeeded(s)
			return
		}
		if ctx.Err() != nil {
			outcome = o.cancelledOr(ctx, st, err)
			rel.fail(outcome)
			return
		}

		kind := engine.KindOf(err)
		d := o.recovery.Report(s, kind, &at)
		log.WithFields(fields).WithField("attempt", attempt).Warnf("attempt failed: %v", err)
		if rel.delivered > 0 || !d.Retry {
			if d.Recycle {
				if aerr := o.recovery.Apply(ctx, s, recovery.Decision{Kind: kind, Recycle: true}); aerr != nil {
					log.WithFields(fields).Warnf("recycle: %v", aerr)
				}
			}
			outcome = err
			rel.fail(err)
			return
		}
		if aerr := o.recovery.Apply(ctx, s, d); aerr != nil {
			outcome = o.cancelledOr(ctx, st, aerr)
			rel.fail(outcome)
			return
		}
		if !s.Health().Usable() {
			o.releaseSession(s, req.CorrelationID)
			s = nil
		}
		if err := provider.Sleep(ctx, d.Delay); err != nil {
			outcome = o.cancelledOr(ctx, st, err)
			rel.fail(outcome)
			return
		}
	}
}

// acquire takes a pooled session and its exclusive submission lock.
func (o *Orchestrator) acquire(ctx context.Context, req *engine.NormalizedRequest) (*session.Session, error) {
	s, err := o.sessions.Acquire(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	if err := s.Lock(ctx); err != nil {
		o.sessions.Release(s)
		return nil, engine.Errorf(engine.KindCancelled, "lock session %s: %w", s.ID, err)
	}
	if err := s.Begin(req.CorrelationID); err != nil {
		s.Unlock()
		o.sessions.Release(s)
		return nil, engine.Errorf(engine.KindInternal, "%w", err)
	}
	log.WithFields(log.Fields{"request_id": req.CorrelationID, "session": s.ID}).Debug("session acquired")
	return s, nil
}

func (o *Orchestrator) releaseSession(s *session.Session, correlationID string) {
	s.End(correlationID)
	s.Unlock()
	o.sessions.Release(s)
}

// attempt runs one submission on s. It returns nil once a terminal chunk was relayed.
func (o *Orchestrator) attempt(ctx context.Context, adapter provider.Adapter, s *session.Session, req *engine.NormalizedRequest, rel *relay) (err error) {
	corr := req.CorrelationID
	fields := log.Fields{"request_id": corr, "session": s.ID}

	ok, err := adapter.IsAuthValid(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		log.WithFields(fields).Info("session is logged out, logging in")
		if err := o.sessions.Reauthenticate(ctx, s); err != nil {
			return err
		}
	}

	binding := intercept.Binding{CorrelationID: corr, Rules: o.registry.RuleSet(adapter.ID())}
	if rw, ok := adapter.(intercept.Rewriter); ok {
		binding.Rewriter = rw
	}
	if sy, ok := adapter.(intercept.Synthesizer); ok {
		binding.Synthesizer = sy
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	tap, err := o.router.Arm(actx, s, binding)
	if err != nil {
		return err
	}

	closed := false
	defer func() {
		if err == nil {
			o.router.WaitIdle(s, o.opts.DrainTimeout)
		}
		if derr := o.router.Disarm(s); derr != nil {
			log.WithFields(fields).Debugf("disarm: %v", derr)
		}
		if !closed {
			// Failed attempts drop whatever the decoder still buffers.
			_, _ = adapter.Close(corr)
		}
	}()

	encoded := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				encoded <- engine.Errorf(engine.KindInternal, "encode panic: %v", p)
			}
		}()
		encoded <- adapter.Encode(actx, req, s)
	}()

	stall := time.NewTimer(o.opts.StallTimeout)
	defer stall.Stop()
	resetStall := func() {
		if !stall.Stop() {
			select {
			case <-stall.C:
			default:
			}
		}
		stall.Reset(o.opts.StallTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			o.abort(adapter, s, corr)
			return ctx.Err()

		case err := <-encoded:
			encoded = nil
			if err != nil {
				return err
			}
			log.WithFields(fields).Debug("request submitted to the page")
			resetStall()

		case <-stall.C:
			o.abort(adapter, s, corr)
			return engine.Errorf(engine.KindNetworkTimeout, "no provider traffic for %s", o.opts.StallTimeout)

		case ev := <-tap.Events():
			resetStall()
			switch ev.Kind {
			case intercept.EventFragment:
				chunks, err := adapter.Decode(corr, ev.Message)
				if err != nil {
					return err
				}
				done, err := rel.emit(chunks)
				if err != nil {
					o.abort(adapter, s, corr)
					return err
				}
				if done {
					return nil
				}

			case intercept.EventResponseEnd:
				if ev.Err != nil {
					return ev.Err
				}
				closed = true
				chunks, err := adapter.Close(corr)
				if err != nil {
					return err
				}
				if _, err := rel.emit(chunks); err != nil {
					return err
				}
				if !rel.ended {
					rel.end(provider.Finish(engine.FinishStop))
				}
				return nil

			case intercept.EventRequest:
				if obs, ok := adapter.(provider.Observer); ok {
					obs.Observe(corr, ev.Rule, ev.Message)
				}

			case intercept.EventBlocked:
				log.WithFields(fields).Debugf("blocked %s", ev.Message.URL)

			case intercept.EventResponseStart:
				log.WithFields(fields).Debugf("response %d from rule %s", ev.Message.Status, ev.Rule.Name)
			}
		}
	}
}

func (o *Orchestrator) abort(adapter provider.Adapter, s *session.Session, corr string) {
	ab, ok := adapter.(provider.Aborter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ab.Abort(ctx, s); err != nil {
		log.WithField("request_id", corr).Debugf("abort in page: %v", err)
	}
}

// cancelledOr maps the end of ctx to the caller-facing outcome: Cancel and caller
// cancellation are Cancelled, the request deadline is NetworkTimeout.
func (o *Orchestrator) cancelledOr(ctx context.Context, st *Stream, err error) error {
	if st.Cancelled() || errors.Is(ctx.Err(), context.Canceled) {
		return engine.Errorf(engine.KindCancelled, "request %s cancelled", st.ID)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.Errorf(engine.KindNetworkTimeout, "request %s exceeded %s", st.ID, o.opts.RequestTimeout)
	}
	return err
}

func (o *Orchestrator) report(req *engine.NormalizedRequest, st *Stream, rel *relay, outcome error) {
	fields := log.Fields{
		"request_id": req.CorrelationID,
		"provider":   req.Provider,
		"chunks":     rel.next,
		"duration":   time.Since(st.Started).Round(time.Millisecond),
	}
	kind := engine.KindOf(outcome)
	switch {
	case outcome == nil:
		log.WithFields(fields).WithField("finish", rel.final.FinishReason).Info("request completed")
	case kind == engine.KindCancelled:
		log.WithFields(fields).Info("request cancelled")
	default:
		log.WithFields(fields).WithField("kind", kind).Warnf("request failed: %v", outcome)
	}
	if o.bus == nil {
		return
	}
	event := hooks.EventRequestCompleted
	if outcome != nil && kind != engine.KindCancelled {
		event = hooks.EventRequestFailed
	}
	ev := hooks.NewEvent(event, req.Provider, "").WithError(outcome)
	ev.CorrelationID = req.CorrelationID
	ev.Data["chunks"] = rel.next
	ev.Data["model"] = req.Model
	ev.Data["finish_reason"] = string(rel.final.FinishReason)
	ev.Data["duration_ms"] = time.Since(st.Started).Milliseconds()
	o.bus.PublishAsync(ev)
}
