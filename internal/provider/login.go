// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
)

// LoginForm describes a provider's email and password sign-in page.
type LoginForm struct {
	Provider string

	// Open navigates to the form; nil means the page is already there.
	Open func(ctx context.Context) error

	Form, Email, Password, Submit browser.Target

	// Done accepts the URL the provider lands on after a successful login.
	Done func(url string) bool
}

// FormLogin signs in with creds, or waits for the user to sign in by hand when
// auto-login is off. Failures are classified as AuthExpired.
func FormLogin(ctx context.Context, page browser.Page, creds Credentials, f LoginForm) error {
	if creds.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, creds.LoginTimeout)
		defer cancel()
	}
	fields := log.Fields{"provider": f.Provider}

	if !creds.AutoLogin {
		log.WithFields(fields).Warn("login required, waiting for a manual login in the browser window")
		if err := page.WaitURL(ctx, f.Done); err != nil {
			return engine.Errorf(engine.KindAuthExpired, "%s manual login: %w", f.Provider, err)
		}
		return nil
	}
	if creds.Email == "" || creds.Password == "" {
		return engine.Errorf(engine.KindAuthExpired, "%s auto-login enabled but email or password missing", f.Provider)
	}

	log.WithFields(fields).Info("logging in")
	steps := []func() error{
		func() error {
			if f.Open == nil {
				return nil
			}
			return f.Open(ctx)
		},
		func() error { return page.WaitFor(ctx, f.Form) },
		func() error { return page.Fill(ctx, f.Email, creds.Email) },
		func() error { return page.Fill(ctx, f.Password, creds.Password) },
		func() error { return page.Click(ctx, f.Submit) },
		func() error { return page.WaitURL(ctx, f.Done) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return engine.Errorf(engine.KindAuthExpired, "%s auto-login: %w", f.Provider, err)
		}
	}
	log.WithFields(fields).Info("login successful")
	return nil
}
