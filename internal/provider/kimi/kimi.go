// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package kimi drives www.kimi.com, Moonshot's web chat.
//
// Kimi signs in by phone or QR code only, so Login always waits for a manual login in
// the browser window; the cookie store keeps the result across restarts.
package kimi

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/session"
)

const (
	ID          = "kimi"
	DefaultURL  = "https://www.kimi.com/"
	Placeholder = "."
)

// Selector names.
const (
	SelPrompt = "prompt"
	SelSend   = "send"
	SelStop   = "stop"
	SelLogin  = "login"
)

func DefaultSelectors() provider.Selectors {
	return provider.Selectors{
		SelPrompt: browser.CSS("div.chat-input-editor"),
		SelSend:   browser.CSS("div.send-button"),
		SelStop:   browser.CSS("div.send-button.stop"),
		SelLogin:  browser.CSS("div.login-modal"),
	}
}

type pending struct {
	prompt string
	search bool
}

// Adapter implements provider.Adapter for Kimi.
type Adapter struct {
	opts     provider.Options
	url      string
	sel      provider.Selectors
	decoders *provider.DecoderSet
	pending  provider.Pending[pending]
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
	if opts.Credentials.AutoLogin {
		log.WithField("provider", ID).Warn("auto-login is not supported, a manual login will be requested")
		a.opts.Credentials.AutoLogin = false
	}
	a.decoders = provider.NewDecoderSet(func(string) provider.FrameDecoder {
		return &decoder{beh: a.opts.Behavior}
	})
	return a
}

func (a *Adapter) ID() string       { return ID }
func (a *Adapter) StartURL() string { return a.url }

func (a *Adapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: ID, Name: "completion", Method: "POST", Pattern: "**/api/chat/*/completion/stream", Action: intercept.ActionModify, Capture: true},
	}
}

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

	a.pending.Put(req.CorrelationID, pending{
		prompt: a.opts.Format.Messages(req.Messages),
		search: a.opts.Behavior.ForModel(req.Model).Search,
	})
	if err := page.Fill(ctx, a.sel.Get(SelPrompt), Placeholder); err != nil {
		a.pending.Delete(req.CorrelationID)
		return fmt.Errorf("fill prompt: %w", err)
	}
	if err := provider.ClickWhenEnabled(ctx, page, a.sel.Get(SelSend), 5*time.Second); err != nil {
		a.pending.Delete(req.CorrelationID)
		return engine.Errorf(engine.KindResponseParseError, "send: %w", err)
	}
	return nil
}

// Rewrite puts the formatted conversation into the last message and sets use_search.
func (a *Adapter) Rewrite(correlationID string, rule intercept.Rule, req *engine.WireMessage) ([]byte, error) {
	p, ok := a.pending.Get(correlationID)
	if !ok {
		return nil, fmt.Errorf("no pending prompt for %s", correlationID)
	}
	n := len(gjson.GetBytes(req.Body, "messages").Array())
	if n == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	body, err := sjson.SetBytes(req.Body, fmt.Sprintf("messages.%d.content", n-1), p.prompt)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "use_search", p.search)
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
	a.pending.Delete(correlationID)
	return a.decoders.Close(correlationID)
}

// IsAuthValid reports false when the login modal is up or no access token is stored.
func (a *Adapter) IsAuthValid(ctx context.Context, s *session.Session) (bool, error) {
	page := s.Page()
	if page == nil {
		return false, engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	if n, err := page.Count(ctx, a.sel.Get(SelLogin)); err != nil {
		return false, err
	} else if n > 0 {
		return false, nil
	}
	token, err := page.Eval(ctx, `() => !!localStorage.getItem("access_token")`)
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
		Done: func(u string) bool {
			if !strings.HasPrefix(u, a.url) {
				return false
			}
			n, err := page.Count(ctx, a.sel.Get(SelLogin))
			return err == nil && n == 0
		},
	})
}
