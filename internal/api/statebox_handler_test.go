// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/webrelay/internal/util"
)

func serveState(t *testing.T, sb *util.StateBox) (*httptest.ResponseRecorder, StateBoxStatus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/state", StateBoxStatusHandler(sb))

	req, err := http.NewRequest("GET", "/v1/state", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var status StateBoxStatus
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
	}
	return w, status
}

func TestStateBoxStatusHandler_Success(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WEBRELAY_READONLY", "0")

	sb, err := util.NewStateBox(tempDir)
	if err != nil {
		t.Fatalf("Failed to create StateBox: %v", err)
	}
	if err := os.WriteFile(sb.CookieDBPath(), []byte("sqlite"), 0600); err != nil {
		t.Fatalf("Failed to create cookie database: %v", err)
	}
	if err := os.MkdirAll(sb.ProfileDir(), 0700); err != nil {
		t.Fatalf("Failed to create profile directory: %v", err)
	}

	w, status := serveState(t, sb)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if status.RootPath != filepath.Clean(tempDir) {
		t.Errorf("Expected root path %s, got %s", tempDir, status.RootPath)
	}
	if status.ReadOnly {
		t.Error("Expected read-only to be false")
	}
	if status.CookieDatabase == nil || !status.CookieDatabase.Exists {
		t.Error("Expected cookie database to exist")
	}
	if status.CookieDatabase != nil && status.CookieDatabase.Size != int64(len("sqlite")) {
		t.Errorf("Unexpected cookie database size %d", status.CookieDatabase.Size)
	}
	if status.ProfileDir == nil || !status.ProfileDir.Exists {
		t.Error("Expected profile directory to exist")
	}
	if status.HooksDir == nil || status.HooksDir.Exists {
		t.Error("Expected hooks directory to be reported as missing")
	}
	if status.PermissionStatus != "ok" {
		t.Errorf("Expected permission status 'ok', got '%s' (%v)", status.PermissionStatus, status.Warnings)
	}
}

func TestStateBoxStatusHandler_PermissiveCookieDatabase(t *testing.T) {
	sb, err := util.NewStateBox(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create StateBox: %v", err)
	}
	if err := os.WriteFile(sb.CookieDBPath(), nil, 0600); err != nil {
		t.Fatalf("Failed to create cookie database: %v", err)
	}
	if err := os.Chmod(sb.CookieDBPath(), 0644); err != nil {
		t.Fatalf("Failed to chmod cookie database: %v", err)
	}

	_, status := serveState(t, sb)
	if status.PermissionStatus != "warning" {
		t.Errorf("Expected permission status 'warning', got '%s'", status.PermissionStatus)
	}
	if len(status.Warnings) != 1 {
		t.Errorf("Expected one warning, got %v", status.Warnings)
	}
}

func TestStateBoxStatusHandler_MissingRoot(t *testing.T) {
	sb, err := util.NewStateBox(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Failed to create StateBox: %v", err)
	}
	_, status := serveState(t, sb)
	if status.PermissionStatus != "warning" {
		t.Errorf("Expected permission status 'warning', got '%s'", status.PermissionStatus)
	}
	if status.CookieDatabase == nil || status.CookieDatabase.Exists {
		t.Error("Expected cookie database to be missing")
	}
}

func TestStateBoxStatusHandler_ReadOnlyMode(t *testing.T) {
	t.Setenv("WEBRELAY_READONLY", "1")
	sb, err := util.NewStateBox(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create StateBox: %v", err)
	}
	_, status := serveState(t, sb)
	if !status.ReadOnly {
		t.Error("Expected read-only to be true")
	}
}

func TestStateBoxStatusHandler_NilStateBox(t *testing.T) {
	w, _ := serveState(t, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status code %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}
