// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the capability set every provider adapter implements and the
// shared machinery adapters build on: the static registry, per-request decoder state and
// server-sent-event framing.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/session"
)

// Adapter translates normalized requests and responses to and from one provider's web
// wire format. An adapter is created once and shared by every session of its provider,
// so implementations keep per-request state keyed by correlation id.
type Adapter interface {
	// ID is the registered provider identifier.
	ID() string

	// StartURL is the page new sessions open.
	StartURL() string

	// Rules returns the interception rules in declaration order.
	Rules() []intercept.Rule

	// Encode drives the session page so that the provider receives req.
	Encode(ctx context.Context, req *engine.NormalizedRequest, s *session.Session) error

	// Decode turns one captured response fragment into zero or more chunks.
	Decode(correlationID string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error)

	// Close flushes buffered state at stream end and forgets the correlation id. It emits
	// a terminal chunk if the provider never signalled completion.
	Close(correlationID string) ([]engine.NormalizedChunk, error)

	IsAuthValid(ctx context.Context, s *session.Session) (bool, error)
	Login(ctx context.Context, s *session.Session) error
}

// Aborter is implemented by adapters that can stop an in-page generation.
type Aborter interface {
	Abort(ctx context.Context, s *session.Session) error
}

// Observer is implemented by adapters that want a copy of every matched request of a
// turn, after any rewrite. The message is shared with the router and must not be
// modified.
type Observer interface {
	Observe(correlationID string, rule intercept.Rule, req *engine.WireMessage)
}

// Registry is the immutable provider id to adapter mapping built at startup.
type Registry struct {
	adapters map[string]Adapter
	rules    map[string]*intercept.RuleSet
	ids      []string
}

// NewRegistry registers adapters and compiles their rule sets.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		rules:    make(map[string]*intercept.RuleSet, len(adapters)),
	}
	for _, a := range adapters {
		id := a.ID()
		if id == "" {
			return nil, fmt.Errorf("adapter %T has no id", a)
		}
		if _, dup := r.adapters[id]; dup {
			return nil, fmt.Errorf("provider %q registered twice", id)
		}
		set, err := intercept.Compile(a.Rules())
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		r.adapters[id] = a
		r.rules[id] = set
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Get resolves a provider id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, engine.Errorf(engine.KindUnknownProvider, "provider %q is not registered", id)
	}
	return a, nil
}

// RuleSet returns the compiled rules of a provider.
func (r *Registry) RuleSet(id string) *intercept.RuleSet { return r.rules[id] }

// IDs lists registered providers in sorted order.
func (r *Registry) IDs() []string { return append([]string(nil), r.ids...) }

// Provisioners exposes the adapters to the session manager.
func (r *Registry) Provisioners() map[string]session.Provisioner {
	out := make(map[string]session.Provisioner, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a
	}
	return out
}

// FrameDecoder turns the bytes of one response into chunks. It only sees a single
// correlation id and may keep whatever buffering state it needs.
type FrameDecoder interface {
	Feed(p []byte) ([]engine.NormalizedChunk, error)

	// Finish is called once when the response ends.
	Finish() ([]engine.NormalizedChunk, error)
}

type decoderState struct {
	dec      FrameDecoder
	terminal bool
}

// DecoderSet keeps one FrameDecoder per correlation id and enforces the stream
// contract: chunks carry the correlation id, exactly one terminal chunk is emitted, and
// nothing follows it. Indices are left for the orchestrator to assign.
type DecoderSet struct {
	factory func(correlationID string) FrameDecoder

	mu     sync.Mutex
	states map[string]*decoderState
}

// NewDecoderSet creates a set building decoders with factory.
func NewDecoderSet(factory func(correlationID string) FrameDecoder) *DecoderSet {
	return &DecoderSet{factory: factory, states: make(map[string]*decoderState)}
}

func (d *DecoderSet) state(correlationID string) *decoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[correlationID]
	if !ok {
		st = &decoderState{dec: d.factory(correlationID)}
		d.states[correlationID] = st
	}
	return st
}

// Decode feeds a fragment. A decoding error discards the correlation state.
func (d *DecoderSet) Decode(correlationID string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error) {
	if msg == nil || len(msg.Body) == 0 {
		return nil, nil
	}
	st := d.state(correlationID)
	if st.terminal {
		return nil, nil
	}
	chunks, err := st.dec.Feed(msg.Body)
	if err != nil {
		d.forget(correlationID)
		return nil, err
	}
	return d.guard(correlationID, st, chunks), nil
}

// Close flushes the decoder and guarantees a terminal chunk.
func (d *DecoderSet) Close(correlationID string) ([]engine.NormalizedChunk, error) {
	d.mu.Lock()
	st, ok := d.states[correlationID]
	delete(d.states, correlationID)
	d.mu.Unlock()
	if !ok {
		return []engine.NormalizedChunk{{CorrelationID: correlationID, FinishReason: engine.FinishStop}}, nil
	}
	if st.terminal {
		return nil, nil
	}
	chunks, err := st.dec.Finish()
	if err != nil {
		return nil, err
	}
	out := d.guard(correlationID, st, chunks)
	if !st.terminal {
		out = append(out, engine.NormalizedChunk{CorrelationID: correlationID, FinishReason: engine.FinishStop})
	}
	return out, nil
}

// Active reports how many correlation ids hold decoder state.
func (d *DecoderSet) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}

func (d *DecoderSet) forget(correlationID string) {
	d.mu.Lock()
	delete(d.states, correlationID)
	d.mu.Unlock()
}

func (d *DecoderSet) guard(correlationID string, st *decoderState, chunks []engine.NormalizedChunk) []engine.NormalizedChunk {
	out := chunks[:0]
	for _, c := range chunks {
		if st.terminal {
			break
		}
		if c.Delta == "" && !c.Terminal() {
			continue
		}
		c.CorrelationID = correlationID
		if c.Terminal() {
			st.terminal = true
		}
		out = append(out, c)
	}
	return out
}

// Delta is a shorthand for a content chunk.
func Delta(text string) engine.NormalizedChunk {
	return engine.NormalizedChunk{Delta: text}
}

// Finish is a shorthand for a terminal chunk.
func Finish(reason engine.FinishReason) engine.NormalizedChunk {
	return engine.NormalizedChunk{FinishReason: reason}
}

// ParseError classifies a wire format mismatch.
func ParseError(provider, format string, args ...any) error {
	return engine.Errorf(engine.KindResponseParseError, "%s: %s", provider, fmt.Sprintf(format, args...))
}
