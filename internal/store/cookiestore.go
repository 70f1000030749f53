// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists provider cookies so that logged-in sessions survive restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const defaultCookieTable = "provider_cookies"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cookie store is closed")

// CookieStoreConfig captures the configuration required to open the cookie database.
type CookieStoreConfig struct {
	// Path of the SQLite file. The parent directory is created when missing.
	Path string

	// Table defaults to provider_cookies.
	Table string
}

// CookieStore keeps one cookie jar per provider in SQLite.
type CookieStore struct {
	db  *sql.DB
	cfg CookieStoreConfig

	mu     sync.RWMutex
	closed bool
}

// storedCookie is the persisted subset of http.Cookie.
type storedCookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HttpOnly bool       `json:"http_only,omitempty"`
	SameSite int        `json:"same_site,omitempty"`
}

// NewCookieStore opens (and migrates) the cookie database.
func NewCookieStore(ctx context.Context, cfg CookieStoreConfig) (*CookieStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("cookie store: path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cookie store: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cookie store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := newCookieStore(db, cfg)
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("path", cfg.Path).Debug("cookie store opened")
	return s, nil
}

func newCookieStore(db *sql.DB, cfg CookieStoreConfig) *CookieStore {
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultCookieTable
	}
	return &CookieStore{db: db, cfg: cfg}
}

func (s *CookieStore) table() string {
	return quoteIdentifier(s.cfg.Table)
}

func (s *CookieStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		provider   TEXT PRIMARY KEY,
		cookies    TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`, s.table())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cookie store: create table: %w", err)
	}
	return nil
}

// Load returns the unexpired cookies saved for provider. A provider without a jar yields
// no cookies and no error.
func (s *CookieStore) Load(ctx context.Context, provider string) ([]*http.Cookie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var raw string
	query := fmt.Sprintf("SELECT cookies FROM %s WHERE provider = ?", s.table())
	err := s.db.QueryRowContext(ctx, query, provider).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cookie store: load %s: %w", provider, err)
	}

	var stored []storedCookie
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("cookie store: decode %s: %w", provider, err)
	}
	now := time.Now()
	out := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		if c.Expires != nil && c.Expires.Before(now) {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: http.SameSite(c.SameSite),
		}
		if c.Expires != nil {
			hc.Expires = *c.Expires
		}
		out = append(out, hc)
	}
	return out, nil
}

// Save replaces the jar of provider.
func (s *CookieStore) Save(ctx context.Context, provider string, cookies []*http.Cookie) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		sc := storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: int(c.SameSite),
		}
		if !c.Expires.IsZero() {
			exp := c.Expires.UTC()
			sc.Expires = &exp
		}
		stored = append(stored, sc)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cookie store: encode %s: %w", provider, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (provider, cookies, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET cookies = excluded.cookies, updated_at = excluded.updated_at`, s.table())
	if _, err := s.db.ExecContext(ctx, query, provider, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("cookie store: save %s: %w", provider, err)
	}
	log.WithFields(log.Fields{"provider": provider, "cookies": len(stored)}).Debug("cookies saved")
	return nil
}

// Clear forgets the jar of provider.
func (s *CookieStore) Clear(ctx context.Context, provider string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE provider = ?", s.table())
	if _, err := s.db.ExecContext(ctx, query, provider); err != nil {
		return fmt.Errorf("cookie store: clear %s: %w", provider, err)
	}
	return nil
}

// Close releases the database.
func (s *CookieStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
