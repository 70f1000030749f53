// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// AuditResult describes the permissions of one path under the state directory.
type AuditResult struct {
	Path         string
	CurrentMode  os.FileMode
	RequiredMode os.FileMode
	WasCorrected bool
	Error        error
}

// AuditPermissions reports directories that are not 0700 and sensitive files that are
// not 0600 without changing anything.
func AuditPermissions(sb *StateBox) ([]AuditResult, error) {
	return walkPermissions(sb, false)
}

// HardenPermissions fixes what AuditPermissions would report. Individual chmod failures
// are logged and recorded, only a failed walk is returned as an error.
func HardenPermissions(sb *StateBox) error {
	if sb != nil {
		if _, err := os.Stat(sb.RootPath()); os.IsNotExist(err) {
			log.Warnf("permission hardening: state directory does not exist: %s", sb.RootPath())
			return nil
		}
	}
	results, err := walkPermissions(sb, true)
	if err != nil {
		return err
	}
	corrected, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Error != nil:
			failed++
		case r.WasCorrected:
			corrected++
		}
	}
	if corrected > 0 {
		log.Infof("permission hardening: corrected %d file/directory permissions", corrected)
	}
	if failed > 0 {
		log.Warnf("permission hardening: encountered %d errors", failed)
	}
	return nil
}

func walkPermissions(sb *StateBox, fix bool) ([]AuditResult, error) {
	if sb == nil {
		return nil, fmt.Errorf("StateBox cannot be nil")
	}
	var results []AuditResult
	err := filepath.Walk(sb.RootPath(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("permission audit: failed to access %s: %v", path, err)
			results = append(results, AuditResult{Path: path, Error: err})
			return nil
		}
		var required os.FileMode
		switch {
		case info.IsDir():
			required = 0700
		case isSensitiveFile(path):
			required = 0600
		default:
			return nil
		}

		res := AuditResult{Path: path, CurrentMode: info.Mode().Perm(), RequiredMode: required}
		if res.CurrentMode != required {
			if !fix {
				log.Debugf("permission audit: %s has mode %04o, requires %04o", path, res.CurrentMode, required)
			} else if err := os.Chmod(path, required); err != nil {
				log.Warnf("permission hardening: chmod %s to %04o: %v", path, required, err)
				res.Error = err
			} else {
				log.Infof("security audit: corrected permissions for %s from %04o to %04o", path, res.CurrentMode, required)
				res.WasCorrected = true
			}
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return results, fmt.Errorf("failed to walk state directory: %w", err)
	}
	return results, nil
}

// isSensitiveFile reports whether path holds cookies, credentials or hook secrets.
func isSensitiveFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if base == ".env" {
		return true
	}
	switch filepath.Ext(base) {
	case ".db", ".db-wal", ".db-shm", ".yaml", ".yml":
		return true
	}
	return false
}
