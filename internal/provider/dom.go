// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traylinx/webrelay/internal/browser"
)

// PollInterval is how often DOM helpers re-check the page while waiting.
var PollInterval = 500 * time.Millisecond

// Sleep pauses for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClickIfPresent clicks t when it currently matches an element and reports whether it did.
func ClickIfPresent(ctx context.Context, page browser.Page, t browser.Target) (bool, error) {
	n, err := page.Count(ctx, t)
	if err != nil || n == 0 {
		return false, err
	}
	if err := page.Click(ctx, t); err != nil {
		if errors.Is(err, browser.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Enabled reports whether t exists and is not aria-disabled.
func Enabled(ctx context.Context, page browser.Page, t browser.Target) (bool, error) {
	n, err := page.Count(ctx, t)
	if err != nil || n == 0 {
		return false, err
	}
	v, _, err := page.Attribute(ctx, t, "aria-disabled")
	if err != nil {
		if errors.Is(err, browser.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return v != "true", nil
}

// ClickWhenEnabled waits up to timeout for t to become enabled, then clicks it.
func ClickWhenEnabled(ctx context.Context, page browser.Page, t browser.Target, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := Enabled(ctx, page, t)
		if err != nil {
			return err
		}
		if ok {
			return page.Click(ctx, t)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s still disabled after %s", t.CSS, timeout)
		}
		if err := Sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
}

// HasClass reports whether the class attribute of t contains class.
func HasClass(ctx context.Context, page browser.Page, t browser.Target, class string) (bool, error) {
	v, _, err := page.Attribute(ctx, t, "class")
	if err != nil {
		return false, err
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true, nil
		}
	}
	return false, nil
}

// SetToggle clicks the toggle t when its selected state, signalled by selectedClass,
// differs from want. A missing toggle is ignored.
func SetToggle(ctx context.Context, page browser.Page, t browser.Target, selectedClass string, want bool) error {
	n, err := page.Count(ctx, t)
	if err != nil || n == 0 {
		return err
	}
	on, err := HasClass(ctx, page, t, selectedClass)
	if err != nil {
		return err
	}
	if on == want {
		return nil
	}
	return page.Click(ctx, t)
}

// UploadText writes text to a temporary .txt file and attaches it to the file input t.
// The returned cleanup removes the file once the page has read it.
func UploadText(ctx context.Context, page browser.Page, t browser.Target, text string) (func(), error) {
	dir, err := os.MkdirTemp("", "webrelay-upload-")
	if err != nil {
		return func() {}, fmt.Errorf("create upload dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	path := filepath.Join(dir, "message.txt")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		cleanup()
		return func() {}, fmt.Errorf("write upload file: %w", err)
	}
	if err := page.SetFiles(ctx, t, []string{path}); err != nil {
		cleanup()
		return func() {}, fmt.Errorf("attach upload file: %w", err)
	}
	return cleanup, nil
}
