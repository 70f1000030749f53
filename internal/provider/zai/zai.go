// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package zai drives chat.z.ai, the GLM web chat.
package zai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/session"
)

const (
	ID         = "zai"
	DefaultURL = "https://chat.z.ai/"
)

// Selector names.
const (
	SelLoginForm     = "login-form"
	SelLoginEmail    = "login-email"
	SelLoginPassword = "login-password"
	SelLoginSubmit   = "login-submit"
	SelPrompt        = "prompt"
	SelSend          = "send"
	SelStop          = "stop"
)

func DefaultSelectors() provider.Selectors {
	return provider.Selectors{
		SelLoginForm:     browser.CSS("form"),
		SelLoginEmail:    browser.CSS("input[type='email']"),
		SelLoginPassword: browser.CSS("input[type='password']"),
		SelLoginSubmit:   browser.CSS("button[type='submit']"),
		SelPrompt:        browser.CSS("textarea#chat-input"),
		SelSend:          browser.CSS("button#send-message-button"),
		SelStop:          browser.CSS("button#stop-message-button"),
	}
}

// Adapter implements provider.Adapter for Z.AI.
type Adapter struct {
	opts     provider.Options
	url      string
	sel      provider.Selectors
	decoders *provider.DecoderSet
	modes    provider.Pending[provider.Behavior]
	ready    time.Duration
}

func New(opts provider.Options) *Adapter {
	a := &Adapter{
		opts:  opts,
		url:   DefaultURL,
		sel:   DefaultSelectors().Merge(opts.Selectors),
		ready: 15 * time.Second,
	}
	if opts.URL != "" {
		a.url = opts.URL
	}
	a.decoders = provider.NewDecoderSet(func(string) provider.FrameDecoder {
		return &decoder{beh: a.opts.Behavior}
	})
	return a
}

func (a *Adapter) ID() string       { return ID }
func (a *Adapter) StartURL() string { return a.url }

// Rules covers both generations of the completion endpoint.
func (a *Adapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: ID, Name: "completion", Method: "POST", Pattern: "**/api/chat/completions*", Action: intercept.ActionModify, Capture: true},
		{Provider: ID, Name: "completion-v2", Method: "POST", Pattern: "**/api/v2/chat/completions*", Action: intercept.ActionModify, Capture: true},
	}
}

// Encode opens a fresh chat and types the whole formatted conversation. The reasoning
// and search switches are applied on the wire by Rewrite.
func (a *Adapter) Encode(ctx context.Context, req *engine.NormalizedRequest, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	if err := page.Navigate(ctx, a.url); err != nil {
		return engine.Errorf(engine.KindNetworkTimeout, "open new chat: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, a.ready)
	err := page.WaitFor(wctx, a.sel.Get(SelPrompt))
	cancel()
	if err != nil {
		return engine.Errorf(engine.KindResponseParseError, "prompt input: %w", err)
	}

	a.modes.Put(req.CorrelationID, a.opts.Behavior.ForModel(req.Model))
	if err := page.Fill(ctx, a.sel.Get(SelPrompt), a.opts.Format.Messages(req.Messages)); err != nil {
		a.modes.Delete(req.CorrelationID)
		return fmt.Errorf("fill prompt: %w", err)
	}
	if err := provider.ClickWhenEnabled(ctx, page, a.sel.Get(SelSend), 5*time.Second); err != nil {
		a.modes.Delete(req.CorrelationID)
		return engine.Errorf(engine.KindResponseParseError, "send: %w", err)
	}
	return nil
}

// Rewrite sets features.enable_thinking and features.web_search. Requests that were
// not started by Encode pass through untouched.
func (a *Adapter) Rewrite(correlationID string, rule intercept.Rule, req *engine.WireMessage) ([]byte, error) {
	beh, ok := a.modes.Get(correlationID)
	if !ok {
		return req.Body, nil
	}
	if !gjson.ValidBytes(req.Body) {
		return nil, fmt.Errorf("completion request is not JSON")
	}
	body, err := sjson.SetBytes(req.Body, "features.enable_thinking", beh.Thinking)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "features.web_search", beh.Search)
}

func (a *Adapter) Abort(ctx context.Context, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return nil
	}
	_, err := provider.ClickIfPresent(ctx, page, a.sel.Get(SelStop))
	return err
}

func (a *Adapter) Decode(correlationID string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error) {
	return a.decoders.Decode(correlationID, msg)
}

func (a *Adapter) Close(correlationID string) ([]engine.NormalizedChunk, error) {
	a.modes.Delete(correlationID)
	return a.decoders.Close(correlationID)
}

func (a *Adapter) IsAuthValid(ctx context.Context, s *session.Session) (bool, error) {
	page := s.Page()
	if page == nil {
		return false, engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	u, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	if strings.Contains(u, "/auth") {
		return false, nil
	}
	token, err := page.Eval(ctx, `() => !!localStorage.getItem("token")`)
	if err != nil {
		return false, err
	}
	return token != "false", nil
}

func (a *Adapter) Login(ctx context.Context, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	return provider.FormLogin(ctx, page, a.opts.Credentials, provider.LoginForm{
		Provider: ID,
		Open: func(ctx context.Context) error {
			if u, _ := page.URL(ctx); strings.Contains(u, "/auth") {
				return nil
			}
			return page.Navigate(ctx, strings.TrimSuffix(a.url, "/")+"/auth")
		},
		Form:     a.sel.Get(SelLoginForm),
		Email:    a.sel.Get(SelLoginEmail),
		Password: a.sel.Get(SelLoginPassword),
		Submit:   a.sel.Get(SelLoginSubmit),
		Done: func(u string) bool {
			return strings.HasPrefix(u, a.url) && !strings.Contains(u, "/auth")
		},
	})
}
