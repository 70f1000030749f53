package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/hooks"
	"github.com/traylinx/webrelay/internal/session"
)

// maxActions bounds the action log.
const maxActions = 1000

// ActionType categorizes recovery actions.
type ActionType string

const (
	ActionRetry    ActionType = "retry"
	ActionRecycle  ActionType = "recycle"
	ActionRelogin  ActionType = "relogin"
	ActionSurface  ActionType = "surface"
	ActionMarkDead ActionType = "mark_dead"
	ActionEvict    ActionType = "evict"
)

// Action is one entry of the recovery log.
type Action struct {
	Timestamp   time.Time        `json:"timestamp"`
	Provider    string           `json:"provider"`
	SessionID   string           `json:"session_id,omitempty"`
	Type        ActionType       `json:"type"`
	Kind        engine.ErrorKind `json:"kind,omitempty"`
	Description string           `json:"description"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
}

// Sessions is the part of the session manager recovery drives.
type Sessions interface {
	Recycle(ctx context.Context, s *session.Session) error
	Reauthenticate(ctx context.Context, s *session.Session) error
}

// Manager owns session health transitions after failures and keeps the action log.
type Manager struct {
	policy   Policy
	sessions Sessions
	bus      *hooks.EventBus

	mu      sync.RWMutex
	actions []Action
}

// NewManager creates a recovery manager. bus may be nil.
func NewManager(policy Policy, sessions Sessions, bus *hooks.EventBus) *Manager {
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	return &Manager{policy: policy, sessions: sessions, bus: bus}
}

// Policy returns the retry policy in effect.
func (m *Manager) Policy() Policy { return m.policy }

// Report classifies a failed attempt on s, moves the session's health accordingly and
// decides whether the request is retried. at carries the request's remaining budget.
func (m *Manager) Report(s *session.Session, kind engine.ErrorKind, at *Attempt) Decision {
	d := m.policy.decide(kind, at)
	if s == nil {
		return d
	}

	switch kind {
	case engine.KindNetworkTimeout, engine.KindProviderBlocked:
		worsen(s, session.HealthDegraded)
	case engine.KindAuthExpired:
		worsen(s, session.HealthAuthRequired)
	case engine.KindBrowserCrashed, engine.KindSessionStartupFailure:
		worsen(s, session.HealthDead)
	}

	fields := log.Fields{"provider": s.Provider, "session": s.ID, "kind": kind}
	switch {
	case d.Retry:
		typ, desc := ActionRetry, fmt.Sprintf("retry after %s in %s", kind, d.Delay)
		if d.Recycle {
			typ, desc = ActionRecycle, fmt.Sprintf("recycle and retry once after %s", kind)
		} else if d.Relogin {
			typ, desc = ActionRelogin, "re-login and retry once"
		}
		log.WithFields(fields).Infof("recovery: %s", desc)
		m.record(Action{Provider: s.Provider, SessionID: s.ID, Type: typ, Kind: kind, Description: desc, Success: true})
	case d.Class != ClassNone:
		log.WithFields(fields).Warn("recovery: surfacing failure")
		m.record(Action{Provider: s.Provider, SessionID: s.ID, Type: ActionSurface, Kind: kind, Description: fmt.Sprintf("%s surfaced to caller", kind), Success: true})
	}

	switch kind {
	case engine.KindProviderBlocked:
		m.publish(hooks.EventProviderBlocked, s, kind)
	case engine.KindAuthExpired:
		m.publish(hooks.EventAuthExpired, s, kind)
	case engine.KindBrowserCrashed:
		m.publish(hooks.EventSessionCrashed, s, kind)
	}
	return d
}

// Succeeded moves a degraded session back to Ready after a clean attempt.
func (m *Manager) Succeeded(s *session.Session) {
	if s == nil {
		return
	}
	if s.Health() == session.HealthDegraded {
		s.SetHealth(session.HealthReady)
	}
}

// Apply performs the session side of d: recycle and re-login. The retry delay is left
// to the caller.
func (m *Manager) Apply(ctx context.Context, s *session.Session, d Decision) error {
	if m.sessions == nil || s == nil {
		return nil
	}
	if d.Recycle {
		err := m.sessions.Recycle(ctx, s)
		m.record(result(Action{Provider: s.Provider, SessionID: s.ID, Type: ActionRecycle, Kind: d.Kind, Description: "relaunched browser context"}, err))
		if err != nil {
			return engine.Errorf(engine.KindSessionStartupFailure, "recycle %s: %w", s.ID, err)
		}
	}
	if d.Relogin {
		err := m.sessions.Reauthenticate(ctx, s)
		m.record(result(Action{Provider: s.Provider, SessionID: s.ID, Type: ActionRelogin, Kind: d.Kind, Description: "provider login"}, err))
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkDead records a crashed browser context found outside any request.
func (m *Manager) MarkDead(s *session.Session) {
	worsen(s, session.HealthDead)
	log.WithFields(log.Fields{"provider": s.Provider, "session": s.ID}).Warn("browser context is gone")
	m.record(Action{Provider: s.Provider, SessionID: s.ID, Type: ActionMarkDead, Kind: engine.KindBrowserCrashed, Description: "liveness check failed", Success: true})
	m.publish(hooks.EventSessionCrashed, s, engine.KindBrowserCrashed)
}

func (m *Manager) record(a Action) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.actions = append(m.actions, a)
	if len(m.actions) > maxActions {
		m.actions = m.actions[len(m.actions)-maxActions:]
	}
	m.mu.Unlock()
}

func (m *Manager) publish(event hooks.HookEvent, s *session.Session, kind engine.ErrorKind) {
	if m.bus == nil {
		return
	}
	ev := hooks.NewEvent(event, s.Provider, s.ID)
	ev.ErrorKind = string(kind)
	ev.CorrelationID = s.InFlight()
	m.bus.PublishAsync(ev)
}

// Actions returns a copy of the action log, oldest first.
func (m *Manager) Actions() []Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Action, len(m.actions))
	copy(out, m.actions)
	return out
}

// ActionsFor returns the logged actions of one provider.
func (m *Manager) ActionsFor(provider string) []Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Action
	for _, a := range m.actions {
		if a.Provider == provider {
			out = append(out, a)
		}
	}
	return out
}

// Stats summarizes the action log.
type Stats struct {
	TotalActions      int                `json:"total_actions"`
	SuccessfulActions int                `json:"successful_actions"`
	FailedActions     int                `json:"failed_actions"`
	ByType            map[ActionType]int `json:"by_type"`
	ByProvider        map[string]int     `json:"by_provider"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		TotalActions: len(m.actions),
		ByType:       make(map[ActionType]int),
		ByProvider:   make(map[string]int),
	}
	for _, a := range m.actions {
		st.ByType[a.Type]++
		st.ByProvider[a.Provider]++
		if a.Success {
			st.SuccessfulActions++
		} else {
			st.FailedActions++
		}
	}
	return st
}

// worsen moves s to h unless it is already in a worse state. Health only improves
// through Succeeded, login and recycle.
func worsen(s *session.Session, h session.Health) {
	if s.Health() < h {
		s.SetHealth(h)
	}
}

func result(a Action, err error) Action {
	a.Success = err == nil
	if err != nil {
		a.Error = err.Error()
	}
	return a
}
