// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package qwen drives chat.qwen.ai, Alibaba's Qwen web chat.
//
// The page sends a one-character placeholder and the outgoing completion request is
// rewritten to carry the formatted conversation and the reasoning and search switches.
package qwen

import (
	"context"
	"fmt"
	"net/http"
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
	ID         = "qwen"
	DefaultURL = "https://chat.qwen.ai/"

	// Placeholder is typed into the page and replaced on the wire.
	Placeholder = "."
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

// DefaultSelectors matches the Qwen web UI markup.
func DefaultSelectors() provider.Selectors {
	return provider.Selectors{
		SelLoginForm:     browser.CSS("form"),
		SelLoginEmail:    browser.CSS("input[type='email']"),
		SelLoginPassword: browser.CSS("input[type='password']"),
		SelLoginSubmit:   browser.CSS("button[type='submit']"),
		SelPrompt:        browser.CSS("textarea#chat-input"),
		SelSend:          browser.CSS("button#send-message-button"),
		SelStop:          browser.CSS("button.stop-button"),
	}
}

type pending struct {
	prompt string
	beh    provider.Behavior
}

// Adapter implements provider.Adapter for Qwen.
type Adapter struct {
	opts     provider.Options
	url      string
	sel      provider.Selectors
	decoders *provider.DecoderSet
	pending  provider.Pending[pending]
	ready    time.Duration
}

// New creates the adapter.
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

func (a *Adapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: ID, Name: "completion", Method: "POST", Pattern: "**/api/v2/chat/completions*", Action: intercept.ActionModify, Capture: true},
		{Provider: ID, Name: "suggestions", Method: "POST", Pattern: "**/api/v2/task/suggestions/completions*", Action: intercept.ActionSynthesize},
	}
}

// Encode opens a fresh chat, sends the placeholder and leaves the real prompt for
// Rewrite.
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
		beh:    a.opts.Behavior.ForModel(req.Model),
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

// Rewrite swaps the placeholder for the full prompt and applies the mode switches.
func (a *Adapter) Rewrite(correlationID string, rule intercept.Rule, req *engine.WireMessage) ([]byte, error) {
	p, ok := a.pending.Get(correlationID)
	if !ok {
		return nil, fmt.Errorf("no pending prompt for %s", correlationID)
	}
	msgs := gjson.GetBytes(req.Body, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	last := fmt.Sprintf("messages.%d", len(msgs.Array())-1)

	body, err := sjson.SetBytes(req.Body, last+".content", p.prompt)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, last+".feature_config.thinking_enabled", p.beh.Thinking); err != nil {
		return nil, err
	}
	if p.beh.Search {
		if body, err = sjson.SetBytes(body, last+".chat_type", "search"); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Synthesize answers follow-up suggestion requests with an empty list.
func (a *Adapter) Synthesize(correlationID string, rule intercept.Rule, req *engine.WireMessage) (*engine.WireMessage, error) {
	return &engine.WireMessage{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"success":true,"data":{"suggestions":[]}}`),
	}, nil
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

// IsAuthValid checks that the page is off the auth screen and holds a session token.
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
			u, _ := page.URL(ctx)
			if strings.Contains(u, "/auth") {
				return nil
			}
			return page.Navigate(ctx, strings.TrimSuffix(a.url, "/")+"/auth?action=signin")
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
