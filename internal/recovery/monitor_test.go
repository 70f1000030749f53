package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/traylinx/webrelay/internal/session"
)

type fakePool struct {
	mu       sync.Mutex
	sessions []*session.Session
	sweeps   int
}

func (p *fakePool) Sessions() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*session.Session(nil), p.sessions...)
}

func (p *fakePool) Sweep(time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweeps++
	n := 0
	kept := p.sessions[:0]
	for _, s := range p.sessions {
		if s.Health() == session.HealthDead {
			n++
			continue
		}
		kept = append(kept, s)
	}
	p.sessions = kept
	return n
}

func TestMonitorCheckMarksCrashedSessionsDead(t *testing.T) {
	alive, _ := newTestSession(t)
	crashed, bctx := newTestSession(t)
	bctx.Crash()

	pool := &fakePool{sessions: []*session.Session{alive, crashed}}
	rec := NewManager(DefaultPolicy(), &fakeSessions{}, nil)
	mon := NewMonitor(MonitorConfig{}, pool, rec)

	if n := mon.Check(context.Background()); n != 1 {
		t.Fatalf("Check() = %d crashed, want 1", n)
	}
	if crashed.Health() != session.HealthDead {
		t.Errorf("crashed session health = %s, want dead", crashed.Health())
	}
	if alive.Health() != session.HealthReady {
		t.Errorf("alive session health = %s, want ready", alive.Health())
	}
	if got := len(pool.Sessions()); got != 1 {
		t.Errorf("pool has %d sessions after sweep, want 1", got)
	}

	st := mon.Stats()
	if st.Crashes != 1 || st.Evicted != 1 || st.Checks != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if got := rec.Stats().ByType[ActionMarkDead]; got != 1 {
		t.Errorf("mark_dead actions = %d, want 1", got)
	}
}

func TestMonitorSkipsDeadSessions(t *testing.T) {
	s, bctx := newTestSession(t)
	bctx.Crash()
	s.SetHealth(session.HealthDead)

	pool := &fakePool{sessions: []*session.Session{s}}
	mon := NewMonitor(MonitorConfig{}, pool, NewManager(DefaultPolicy(), nil, nil))
	if n := mon.Check(context.Background()); n != 0 {
		t.Errorf("Check() = %d, want 0 for an already dead session", n)
	}
}

func TestMonitorStartStop(t *testing.T) {
	_, bctx := newTestSession(t)
	crashed := session.New("qwen", bctx)
	bctx.Crash()

	pool := &fakePool{sessions: []*session.Session{crashed}}
	mon := NewMonitor(MonitorConfig{CheckInterval: 5 * time.Millisecond, SweepInterval: time.Hour}, pool, NewManager(DefaultPolicy(), nil, nil))

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mon.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for crashed.Health() != session.HealthDead && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	mon.Stop()
	mon.Stop()

	if crashed.Health() != session.HealthDead {
		t.Fatal("monitor never detected the crashed context")
	}
	if mon.Stats().Cycles == 0 {
		t.Error("no liveness cycles recorded")
	}
}
