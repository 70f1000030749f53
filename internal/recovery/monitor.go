// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/session"
)

// Pool is the part of the session manager the monitor watches.
type Pool interface {
	Sessions() []*session.Session
	Sweep(now time.Time) int
}

// MonitorConfig sets the monitor cadence.
type MonitorConfig struct {
	// CheckInterval is how often every browser context is checked for liveness.
	CheckInterval time.Duration

	// CheckTimeout bounds a single liveness check.
	CheckTimeout time.Duration

	// SweepInterval is how often idle and dead sessions are evicted.
	SweepInterval time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 2 * time.Second,
		CheckTimeout:  time.Second,
		SweepInterval: time.Minute,
	}
}

// MonitorStats counts monitor activity since Start.
type MonitorStats struct {
	StartTime     time.Time `json:"start_time"`
	Cycles        int64     `json:"cycles"`
	Checks        int64     `json:"checks"`
	Crashes       int64     `json:"crashes"`
	Evicted       int64     `json:"evicted"`
	LastCycleTime time.Time `json:"last_cycle_time"`
}

// Monitor checks every session's browser context in the background and sweeps idle
// sessions out of the pools.
type Monitor struct {
	cfg      MonitorConfig
	pool     Pool
	recovery *Manager

	mu      sync.Mutex
	stats   MonitorStats
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewMonitor(cfg MonitorConfig, pool Pool, recovery *Manager) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Monitor{cfg: cfg, pool: pool, recovery: recovery}
}

// Start launches the background loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("session monitor is already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true
	m.stats = MonitorStats{StartTime: time.Now()}
	go m.loop(ctx, m.done)
	log.WithFields(log.Fields{"check": m.cfg.CheckInterval, "sweep": m.cfg.SweepInterval}).Debug("session monitor started")
	return nil
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.running = false
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("session monitor stop timed out waiting for loop")
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	liveness := time.NewTicker(m.cfg.CheckInterval)
	defer liveness.Stop()
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
			m.Check(ctx)
		case now := <-sweep.C:
			m.Sweep(now)
		}
	}
}

// Check tests every live session once and marks the dead ones. Idle dead sessions are
// evicted right away; busy ones are destroyed when their request releases them.
func (m *Monitor) Check(ctx context.Context) int {
	crashed := 0
	var checks int64
	for _, s := range m.pool.Sessions() {
		if h := s.Health(); h == session.HealthDead || h == session.HealthStarting {
			continue
		}
		checks++
		pctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
		alive := s.Alive(pctx)
		cancel()
		if alive || ctx.Err() != nil {
			continue
		}
		crashed++
		m.recovery.MarkDead(s)
	}

	m.mu.Lock()
	m.stats.Cycles++
	m.stats.Checks += checks
	m.stats.Crashes += int64(crashed)
	m.stats.LastCycleTime = time.Now()
	m.mu.Unlock()

	if crashed > 0 {
		m.Sweep(time.Now())
	}
	return crashed
}

// Sweep evicts idle sessions past the idle timeout and idle dead sessions.
func (m *Monitor) Sweep(now time.Time) int {
	n := m.pool.Sweep(now)
	if n > 0 {
		m.recovery.record(Action{Type: ActionEvict, Description: fmt.Sprintf("evicted %d idle sessions", n), Success: true})
		m.mu.Lock()
		m.stats.Evicted += int64(n)
		m.mu.Unlock()
	}
	return n
}

func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
