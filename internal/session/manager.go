// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/hooks"
)

// Provisioner prepares a fresh session for a provider. Provider adapters implement it.
type Provisioner interface {
	// StartURL is the page a new session navigates to.
	StartURL() string

	// IsAuthValid reports whether the session is logged in.
	IsAuthValid(ctx context.Context, s *Session) (bool, error)

	// Login performs the provider login flow on the session page.
	Login(ctx context.Context, s *Session) error
}

// CookieStore persists provider cookies across restarts.
type CookieStore interface {
	Load(ctx context.Context, provider string) ([]*http.Cookie, error)
	Save(ctx context.Context, provider string, cookies []*http.Cookie) error
}

// Options configures pooling.
type Options struct {
	// PoolSize caps concurrent sessions per provider.
	PoolSize int

	// PoolSizes overrides PoolSize per provider.
	PoolSizes map[string]int

	// AcquireTimeout bounds how long Acquire waits for a busy pool.
	AcquireTimeout time.Duration

	// IdleTimeout evicts sessions idle for longer; zero disables eviction.
	IdleTimeout time.Duration
}

// DefaultOptions returns the default pool settings.
func DefaultOptions() Options {
	return Options{
		PoolSize:       1,
		AcquireTimeout: 30 * time.Second,
		IdleTimeout:    30 * time.Minute,
	}
}

type pool struct {
	sessions []*Session
	idle     []*Session
	creating int

	// wait is closed and replaced whenever capacity may have freed up.
	wait chan struct{}
}

func (p *pool) broadcast() {
	close(p.wait)
	p.wait = make(chan struct{})
}

func (p *pool) remove(s *Session) bool {
	found := false
	for i, x := range p.sessions {
		if x == s {
			p.sessions = append(p.sessions[:i:i], p.sessions[i+1:]...)
			found = true
			break
		}
	}
	for i, x := range p.idle {
		if x == s {
			p.idle = append(p.idle[:i:i], p.idle[i+1:]...)
			break
		}
	}
	return found
}

// Manager creates, pools, recycles and destroys sessions. It is the single process-wide
// owner of browser contexts; create it once and pass it by reference.
type Manager struct {
	launcher  browser.Launcher
	providers map[string]Provisioner
	opts      Options
	cookies   CookieStore
	bus       *hooks.EventBus

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

// NewManager creates a manager for the registered providers. cookies and bus may be nil.
func NewManager(launcher browser.Launcher, providers map[string]Provisioner, opts Options, cookies CookieStore, bus *hooks.EventBus) *Manager {
	def := DefaultOptions()
	if opts.PoolSize <= 0 {
		opts.PoolSize = def.PoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	m := &Manager{
		launcher:  launcher,
		providers: make(map[string]Provisioner, len(providers)),
		opts:      opts,
		cookies:   cookies,
		bus:       bus,
		pools:     make(map[string]*pool),
	}
	for id, p := range providers {
		m.providers[id] = p
		m.pools[id] = &pool{wait: make(chan struct{})}
	}
	return m
}

func (m *Manager) poolSize(provider string) int {
	if n, ok := m.opts.PoolSizes[provider]; ok && n > 0 {
		return n
	}
	return m.opts.PoolSize
}

// Acquire returns an idle healthy session for provider, creating one when the pool has
// room. A full pool blocks until a session is released or AcquireTimeout elapses.
func (m *Manager) Acquire(ctx context.Context, provider string) (*Session, error) {
	prov, ok := m.providers[provider]
	if !ok {
		return nil, engine.Errorf(engine.KindUnknownProvider, "provider %q is not registered", provider)
	}

	timer := time.NewTimer(m.opts.AcquireTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, engine.Errorf(engine.KindSessionStartupFailure, "session manager is shut down")
		}
		p := m.pools[provider]

		var stale []*Session
		var picked *Session
		for len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if s.Health() == HealthDead {
				p.remove(s)
				stale = append(stale, s)
				continue
			}
			picked = s
			break
		}
		if picked != nil {
			picked.setBusy(true)
			m.mu.Unlock()
			m.closeAll(stale)
			return picked, nil
		}

		if len(p.sessions)+p.creating < m.poolSize(provider) {
			p.creating++
			m.mu.Unlock()
			m.closeAll(stale)

			s, err := m.create(ctx, provider, prov)

			m.mu.Lock()
			p.creating--
			if err != nil {
				p.broadcast()
				m.mu.Unlock()
				return nil, err
			}
			if m.closed {
				m.mu.Unlock()
				m.closeAll([]*Session{s})
				return nil, engine.Errorf(engine.KindSessionStartupFailure, "session manager is shut down")
			}
			s.setBusy(true)
			p.sessions = append(p.sessions, s)
			m.mu.Unlock()
			m.publish(hooks.EventSessionCreated, s, nil)
			return s, nil
		}

		wait := p.wait
		m.mu.Unlock()
		m.closeAll(stale)

		select {
		case <-wait:
		case <-timer.C:
			return nil, engine.Errorf(engine.KindPoolExhausted, "no %s session available within %s", provider, m.opts.AcquireTimeout)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, engine.Errorf(engine.KindCancelled, "acquire %s: %w", provider, ctx.Err())
			}
			return nil, engine.Errorf(engine.KindPoolExhausted, "acquire %s: %w", provider, ctx.Err())
		}
	}
}

// create launches a context, restores cookies, navigates and logs in. It runs outside
// every pool lock.
func (m *Manager) create(ctx context.Context, provider string, prov Provisioner) (*Session, error) {
	s := newSession(provider)
	if err := m.provision(ctx, s, prov); err != nil {
		s.SetHealth(HealthDead)
		return nil, err
	}
	log.WithFields(log.Fields{"provider": provider, "session": s.ID}).Info("session ready")
	return s, nil
}

func (m *Manager) provision(ctx context.Context, s *Session, prov Provisioner) error {
	fields := log.Fields{"provider": s.Provider, "session": s.ID}
	s.SetHealth(HealthStarting)

	bctx, err := m.launcher.NewContext(ctx)
	if err != nil {
		return engine.Errorf(engine.KindSessionStartupFailure, "launch %s context: %w", s.Provider, err)
	}
	if prev := s.swapContext(bctx); prev != nil {
		_ = prev.Close()
	}
	page := bctx.Page()

	if m.cookies != nil {
		cookies, err := m.cookies.Load(ctx, s.Provider)
		if err != nil {
			log.WithFields(fields).Warnf("failed to load cookies: %v", err)
		} else if len(cookies) > 0 {
			if err := page.SetCookies(ctx, cookies); err != nil {
				log.WithFields(fields).Warnf("failed to restore cookies: %v", err)
			}
		}
	}

	if err := page.Navigate(ctx, prov.StartURL()); err != nil {
		_ = bctx.Close()
		return engine.Errorf(engine.KindSessionStartupFailure, "navigate %s: %w", prov.StartURL(), err)
	}

	valid, err := prov.IsAuthValid(ctx, s)
	if err != nil {
		log.WithFields(fields).Debugf("auth check failed: %v", err)
	}
	if !valid {
		s.SetHealth(HealthAuthRequired)
		if err := m.login(ctx, s, prov); err != nil {
			_ = bctx.Close()
			return engine.Errorf(engine.KindSessionStartupFailure, "login %s: %w", s.Provider, err)
		}
	}
	s.SetHealth(HealthReady)
	return nil
}

func (m *Manager) login(ctx context.Context, s *Session, prov Provisioner) error {
	log.WithFields(log.Fields{"provider": s.Provider, "session": s.ID}).Info("logging in")
	if err := prov.Login(ctx, s); err != nil {
		return err
	}
	m.SaveCookies(ctx, s)
	return nil
}

// Reauthenticate runs the provider login on s and moves it back to Ready on success.
// On failure the session is left AuthRequired.
func (m *Manager) Reauthenticate(ctx context.Context, s *Session) error {
	prov, ok := m.providers[s.Provider]
	if !ok {
		return engine.Errorf(engine.KindUnknownProvider, "provider %q is not registered", s.Provider)
	}
	s.SetHealth(HealthAuthRequired)
	if err := m.login(ctx, s, prov); err != nil {
		return engine.Errorf(engine.KindAuthExpired, "re-login %s: %w", s.Provider, err)
	}
	s.SetHealth(HealthReady)
	return nil
}

// SaveCookies persists the session's current cookies.
func (m *Manager) SaveCookies(ctx context.Context, s *Session) {
	if m.cookies == nil {
		return
	}
	page := s.Page()
	if page == nil {
		return
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		log.WithField("provider", s.Provider).Warnf("failed to read cookies: %v", err)
		return
	}
	if err := m.cookies.Save(ctx, s.Provider, cookies); err != nil {
		log.WithField("provider", s.Provider).Warnf("failed to save cookies: %v", err)
	}
}

// Release returns a session to its pool. Dead sessions are destroyed instead.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	s.setBusy(false)
	s.Touch()

	m.mu.Lock()
	p, ok := m.pools[s.Provider]
	if !ok || !contains(p.sessions, s) || contains(p.idle, s) {
		m.mu.Unlock()
		return
	}
	if m.closed || s.Health() == HealthDead {
		p.remove(s)
		p.broadcast()
		m.mu.Unlock()
		m.closeAll([]*Session{s})
		m.publish(hooks.EventSessionDestroyed, s, nil)
		return
	}
	p.idle = append(p.idle, s)
	p.broadcast()
	m.mu.Unlock()
}

// Recycle tears down the session's browser context and provisions a fresh one in place.
// The caller keeps ownership of s. On failure the session is marked dead.
func (m *Manager) Recycle(ctx context.Context, s *Session) error {
	prov, ok := m.providers[s.Provider]
	if !ok {
		return engine.Errorf(engine.KindUnknownProvider, "provider %q is not registered", s.Provider)
	}
	if prev := s.swapContext(nil); prev != nil {
		if err := prev.Close(); err != nil {
			log.WithField("session", s.ID).Debugf("close on recycle: %v", err)
		}
	}
	s.mu.Lock()
	s.recycles++
	s.mu.Unlock()

	if err := m.provision(ctx, s, prov); err != nil {
		s.SetHealth(HealthDead)
		m.publish(hooks.EventSessionRecycled, s, err)
		return err
	}
	log.WithFields(log.Fields{"provider": s.Provider, "session": s.ID}).Info("session recycled")
	m.publish(hooks.EventSessionRecycled, s, nil)
	return nil
}

// Destroy removes s from its pool permanently and closes its context.
func (m *Manager) Destroy(s *Session) {
	if s == nil {
		return
	}
	s.SetHealth(HealthDead)
	m.mu.Lock()
	if p, ok := m.pools[s.Provider]; ok && p.remove(s) {
		p.broadcast()
	}
	m.mu.Unlock()
	m.closeAll([]*Session{s})
	m.publish(hooks.EventSessionDestroyed, s, nil)
}

// Drain closes every idle session of provider and returns how many were closed.
func (m *Manager) Drain(provider string) int {
	m.mu.Lock()
	p, ok := m.pools[provider]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	victims := append([]*Session(nil), p.idle...)
	for _, s := range victims {
		p.remove(s)
	}
	if len(victims) > 0 {
		p.broadcast()
	}
	m.mu.Unlock()

	m.evict(victims)
	return len(victims)
}

// Sweep evicts idle sessions whose last activity is older than IdleTimeout, and idle
// sessions that died. It returns the number evicted.
func (m *Manager) Sweep(now time.Time) int {
	var victims []*Session
	m.mu.Lock()
	for _, p := range m.pools {
		var doomed []*Session
		for _, s := range p.idle {
			expired := m.opts.IdleTimeout > 0 && now.Sub(s.LastActivity()) > m.opts.IdleTimeout
			if expired || s.Health() == HealthDead {
				doomed = append(doomed, s)
			}
		}
		for _, s := range doomed {
			p.remove(s)
		}
		if len(doomed) > 0 {
			p.broadcast()
		}
		victims = append(victims, doomed...)
	}
	m.mu.Unlock()

	m.evict(victims)
	return len(victims)
}

func (m *Manager) evict(victims []*Session) {
	for _, s := range victims {
		log.WithFields(log.Fields{"provider": s.Provider, "session": s.ID}).Info("evicting idle session")
		s.SetHealth(HealthDead)
	}
	m.closeAll(victims)
	for _, s := range victims {
		m.publish(hooks.EventSessionEvicted, s, nil)
	}
}

// Warm pre-creates idle sessions for provider until n are idle or the pool is full.
func (m *Manager) Warm(ctx context.Context, provider string, n int) error {
	prov, ok := m.providers[provider]
	if !ok {
		return engine.Errorf(engine.KindUnknownProvider, "provider %q is not registered", provider)
	}
	for {
		m.mu.Lock()
		p := m.pools[provider]
		if m.closed || len(p.idle)+p.creating >= n || len(p.sessions)+p.creating >= m.poolSize(provider) {
			m.mu.Unlock()
			return nil
		}
		p.creating++
		m.mu.Unlock()

		s, err := m.create(ctx, provider, prov)

		m.mu.Lock()
		p.creating--
		if err == nil {
			p.sessions = append(p.sessions, s)
			p.idle = append(p.idle, s)
		}
		p.broadcast()
		m.mu.Unlock()
		if err != nil {
			return err
		}
		m.publish(hooks.EventSessionCreated, s, nil)
	}
}

// Sessions returns every tracked session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, p := range m.pools {
		out = append(out, p.sessions...)
	}
	return out
}

// Snapshot describes every tracked session, ordered by provider then creation time.
func (m *Manager) Snapshot() []Info {
	sessions := m.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Providers lists the registered provider ids in sorted order.
func (m *Manager) Providers() []string {
	out := make([]string, 0, len(m.providers))
	for id := range m.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown refuses new acquisitions, waits for busy sessions until ctx ends, then closes
// every context and the launcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, p := range m.pools {
		p.broadcast()
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		busy := 0
		var waits []chan struct{}
		for _, p := range m.pools {
			for _, s := range p.sessions {
				if s.isBusy() {
					busy++
				}
			}
			waits = append(waits, p.wait)
		}
		m.mu.Unlock()
		if busy == 0 {
			break
		}
		if !waitAny(ctx, waits) {
			log.Warnf("shutdown deadline reached with %d busy sessions", busy)
			break
		}
	}

	m.mu.Lock()
	var all []*Session
	for _, p := range m.pools {
		all = append(all, p.sessions...)
		p.sessions, p.idle = nil, nil
	}
	m.mu.Unlock()

	for _, s := range all {
		s.SetHealth(HealthDead)
	}
	m.closeAll(all)
	if m.launcher != nil {
		return m.launcher.Close()
	}
	return nil
}

func (m *Manager) closeAll(sessions []*Session) {
	for _, s := range sessions {
		if bctx := s.swapContext(nil); bctx != nil {
			if err := bctx.Close(); err != nil {
				log.WithField("session", s.ID).Debugf("close context: %v", err)
			}
		}
	}
}

func (m *Manager) publish(event hooks.HookEvent, s *Session, err error) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(hooks.NewEvent(event, s.Provider, s.ID).WithError(err))
}

func contains(list []*Session, s *Session) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// waitAny blocks until one of waits is closed or ctx ends; it reports false on ctx end.
func waitAny(ctx context.Context, waits []chan struct{}) bool {
	merged := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	for _, w := range waits {
		go func(w chan struct{}) {
			select {
			case <-w:
				select {
				case merged <- struct{}{}:
				case <-stop:
				}
			case <-stop:
			}
		}(w)
	}
	select {
	case <-merged:
		return true
	case <-ctx.Done():
		return false
	}
}
