// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/webrelay/internal/util"
)

// StateBoxStatus describes the state directory for GET /v1/state.
type StateBoxStatus struct {
	RootPath         string      `json:"root_path"`
	ReadOnly         bool        `json:"read_only"`
	CookieDatabase   *FileStatus `json:"cookie_database"`
	ProfileDir       *FileStatus `json:"profile_dir"`
	HooksDir         *FileStatus `json:"hooks_dir"`
	PermissionStatus string      `json:"permission_status"` // "ok", "warning", "error"
	Warnings         []string    `json:"warnings,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// FileStatus is the stat of one state path.
type FileStatus struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode,omitempty"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

func getFileStatus(path string) (*FileStatus, os.FileInfo) {
	status := &FileStatus{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return status, nil
	}
	status.Exists = true
	status.Size = info.Size()
	status.Mode = info.Mode().String()
	status.ModTime = info.ModTime()
	return status, info
}

func (s *StateBoxStatus) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
	if s.PermissionStatus == "ok" {
		s.PermissionStatus = "warning"
	}
}

// StateBoxStatusHandler reports where webrelay keeps its cookies, profiles and hooks, and
// whether any of them are readable by other users.
func StateBoxStatusHandler(sb *util.StateBox) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sb == nil {
			c.JSON(http.StatusServiceUnavailable, errorBody("state directory not initialized", "server_error", ""))
			return
		}

		status := &StateBoxStatus{
			RootPath:         sb.RootPath(),
			ReadOnly:         sb.IsReadOnly(),
			PermissionStatus: "ok",
		}

		if _, err := os.Stat(sb.RootPath()); err != nil {
			if os.IsNotExist(err) {
				status.warn("state directory does not exist")
			} else {
				status.Errors = append(status.Errors, "failed to access state directory")
				status.PermissionStatus = "error"
			}
		}

		var info os.FileInfo
		status.CookieDatabase, info = getFileStatus(sb.CookieDBPath())
		if info != nil && info.Mode().Perm()&0o077 != 0 {
			status.warn("cookie database has overly permissive permissions")
		}
		status.ProfileDir, info = getFileStatus(sb.ProfileDir())
		if info != nil && info.Mode().Perm()&0o077 != 0 {
			status.warn("browser profile directory has overly permissive permissions")
		}
		status.HooksDir, _ = getFileStatus(sb.HooksDir())

		c.JSON(http.StatusOK, status)
	}
}
