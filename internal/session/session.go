// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session owns the stealth browser contexts bound to providers and pools them
// per provider.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traylinx/webrelay/internal/browser"
)

// Health is the session health state. Values are totally ordered from best to worst.
type Health int

const (
	HealthStarting Health = iota
	HealthReady
	HealthDegraded
	HealthAuthRequired
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthReady:
		return "ready"
	case HealthDegraded:
		return "degraded"
	case HealthAuthRequired:
		return "auth_required"
	case HealthDead:
		return "dead"
	}
	return fmt.Sprintf("health(%d)", int(h))
}

// Usable reports whether a session in this state may serve requests.
func (h Health) Usable() bool {
	return h == HealthReady || h == HealthDegraded
}

// Session is one stealth browser context bound to a single provider.
type Session struct {
	ID        string
	Provider  string
	CreatedAt time.Time

	// lock is the exclusive submission lock, a one-slot semaphore.
	lock chan struct{}

	mu           sync.Mutex
	bctx         browser.Context
	health       Health
	lastActivity time.Time
	inFlight     string
	recycles     int
	busy         bool
}

func newSession(provider string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		Provider:     provider,
		CreatedAt:    now,
		lock:         make(chan struct{}, 1),
		health:       HealthStarting,
		lastActivity: now,
	}
}

// New wraps an existing browser context in a ready session that no manager tracks.
func New(provider string, bctx browser.Context) *Session {
	s := newSession(provider)
	s.bctx = bctx
	s.health = HealthReady
	return s
}

// Page returns the page of the current browser context, or nil if the context is gone.
func (s *Session) Page() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bctx == nil {
		return nil
	}
	return s.bctx.Page()
}

// Alive checks the underlying browser context.
func (s *Session) Alive(ctx context.Context) bool {
	s.mu.Lock()
	bctx := s.bctx
	s.mu.Unlock()
	return bctx != nil && bctx.Alive(ctx)
}

func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SetHealth moves the session to h and returns the previous state.
func (s *Session) SetHealth(h Health) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.health
	s.health = h
	return prev
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// InFlight returns the correlation id of the running generation, if any.
func (s *Session) InFlight() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Lock takes the exclusive submission lock, waiting until ctx ends.
func (s *Session) Lock(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock takes the submission lock if it is free.
func (s *Session) TryLock() bool {
	select {
	case s.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the submission lock. Unlocking an unlocked session is a no-op.
func (s *Session) Unlock() {
	select {
	case <-s.lock:
	default:
	}
}

// Begin marks correlationID as the in-flight generation. It fails if another
// generation is already running.
func (s *Session) Begin(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != "" && s.inFlight != correlationID {
		return fmt.Errorf("session %s already serving %s", s.ID, s.inFlight)
	}
	s.inFlight = correlationID
	s.lastActivity = time.Now()
	return nil
}

// End clears the in-flight marker if it still belongs to correlationID.
func (s *Session) End(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == correlationID {
		s.inFlight = ""
	}
	s.lastActivity = time.Now()
}

// Info is a point-in-time description of a session.
type Info struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Health       string    `json:"health"`
	Busy         bool      `json:"busy"`
	InFlight     string    `json:"in_flight,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Recycles     int       `json:"recycles"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Provider:     s.Provider,
		Health:       s.health.String(),
		Busy:         s.busy,
		InFlight:     s.inFlight,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Recycles:     s.recycles,
	}
}

func (s *Session) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	if b {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// swapContext installs bctx and returns the previous context.
func (s *Session) swapContext(bctx browser.Context) browser.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.bctx
	s.bctx = bctx
	return prev
}
