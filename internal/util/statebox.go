// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides filesystem and request helpers shared by the webrelay server.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultStateDir = "~/.webrelay"

// StateBox resolves every path webrelay writes to: the cookie database, browser profiles,
// hooks and logs. All mutable data lives under one root.
type StateBox struct {
	rootPath string
	readOnly bool
	mu       sync.RWMutex
}

// NewStateBox creates a StateBox rooted at root. An empty root falls back to
// WEBRELAY_STATE_DIR and then to ~/.webrelay. WEBRELAY_READONLY=1 forbids writes.
func NewStateBox(root string) (*StateBox, error) {
	if root == "" {
		root = os.Getenv("WEBRELAY_STATE_DIR")
	}
	if root == "" {
		root = defaultStateDir
	}
	resolved, err := ExpandPath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return &StateBox{
		rootPath: resolved,
		readOnly: os.Getenv("WEBRELAY_READONLY") == "1",
	}, nil
}

// ExpandPath expands a leading ~ and cleans the result.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// RootPath returns the resolved root directory.
func (sb *StateBox) RootPath() string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rootPath
}

// IsReadOnly reports whether writes are forbidden.
func (sb *StateBox) IsReadOnly() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.readOnly
}

// CookieDBPath is the SQLite file holding provider cookies.
func (sb *StateBox) CookieDBPath() string {
	return filepath.Join(sb.RootPath(), "cookies.db")
}

// ProfileDir is the persistent browser profile directory.
func (sb *StateBox) ProfileDir() string {
	return filepath.Join(sb.RootPath(), "profile")
}

// HooksDir holds hook definitions.
func (sb *StateBox) HooksDir() string {
	return filepath.Join(sb.RootPath(), "hooks")
}

// LogsDir holds rotated log files.
func (sb *StateBox) LogsDir() string {
	return filepath.Join(sb.RootPath(), "logs")
}

// ResolvePath joins a relative path with the root. Absolute and ~ paths are only cleaned.
func (sb *StateBox) ResolvePath(relativePath string) string {
	if relativePath == "" {
		return sb.RootPath()
	}
	if strings.HasPrefix(relativePath, "~") || filepath.IsAbs(relativePath) {
		cleaned, err := ExpandPath(relativePath)
		if err != nil {
			return filepath.Clean(relativePath)
		}
		return cleaned
	}
	return filepath.Join(sb.RootPath(), relativePath)
}

// EnsureDir creates path with 0700 permissions if it does not exist. A read-only box
// only accepts directories that are already there.
func (sb *StateBox) EnsureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}
	if sb.IsReadOnly() {
		return fmt.Errorf("state directory is read-only: %s", path)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
