// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package deepseek drives chat.deepseek.com.
package deepseek

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/session"
)

// ID is the provider identifier.
const ID = "deepseek"

// DefaultURL is the chat page.
const DefaultURL = "https://chat.deepseek.com/"

// Selector names.
const (
	SelLoginForm      = "login-form"
	SelLoginEmail     = "login-email"
	SelLoginPassword  = "login-password"
	SelLoginSubmit    = "login-submit"
	SelNewChat        = "new-chat"
	SelNewChatSidebar = "new-chat-sidebar"
	SelToggle         = "toggle"
	SelPrompt         = "prompt"
	SelFileInput      = "file-input"
	SelSend           = "send"
	SelRegenerate     = "regenerate"
)

const (
	toggleSelected = "ds-toggle-button--selected"
	labelDeepThink = "DeepThink"
	labelSearch    = "Search"
)

// DefaultSelectors matches the DeepSeek web UI markup.
func DefaultSelectors() provider.Selectors {
	return provider.Selectors{
		SelLoginForm:      browser.CSS(".ds-sign-up-form__main"),
		SelLoginEmail:     browser.CSS("input[type='text']"),
		SelLoginPassword:  browser.CSS("input[type='password']"),
		SelLoginSubmit:    browser.CSS(".ds-sign-up-form__register-button"),
		SelNewChat:        browser.CSS("div.e5bf614e div.ds-icon-button._4f3769f").At(1),
		SelNewChatSidebar: browser.CSS("div._5a8ac7a.a084f19e"),
		SelToggle:         browser.CSS("button.ds-toggle-button"),
		SelPrompt:         browser.CSS("textarea[placeholder='Message DeepSeek']"),
		SelFileInput:      browser.CSS("input[type='file']"),
		SelSend:           browser.CSS("div.ds-icon-button._7436101"),
		SelRegenerate:     browser.CSS("div.ds-flex._965abe9._54866f7 div.ds-icon-button").At(1),
	}
}

// Adapter implements provider.Adapter for DeepSeek.
type Adapter struct {
	opts     provider.Options
	url      string
	sel      provider.Selectors
	decoders *provider.DecoderSet

	// lastPrompt remembers the last prompt sent per session for clean regeneration.
	lastPrompt *ristretto.Cache[string, string]
	// chats holds the chat_session_id each session last sent to.
	chats *ristretto.Cache[string, string]
	// turns maps in-flight correlation ids to session ids.
	turns sync.Map

	// settle is the pause that lets the UI react after new chat and toggles.
	settle     time.Duration
	uploadWait time.Duration
}

// New creates the adapter.
func New(opts provider.Options) (*Adapter, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e4,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("deepseek prompt cache: %w", err)
	}
	chats, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("deepseek chat cache: %w", err)
	}
	if opts.Behavior.UploadTimeout <= 0 {
		opts.Behavior.UploadTimeout = 60 * time.Second
	}
	a := &Adapter{
		opts:       opts,
		url:        DefaultURL,
		sel:        DefaultSelectors().Merge(opts.Selectors),
		lastPrompt: cache,
		chats:      chats,
		settle:     500 * time.Millisecond,
		uploadWait: time.Second,
	}
	if opts.URL != "" {
		a.url = opts.URL
	}
	a.decoders = provider.NewDecoderSet(func(string) provider.FrameDecoder {
		return newDecoder(a.opts.Behavior)
	})
	return a, nil
}

func (a *Adapter) ID() string       { return ID }
func (a *Adapter) StartURL() string { return a.url }

// Rules captures completion and regeneration streams and drops error reporting beacons.
func (a *Adapter) Rules() []intercept.Rule {
	return []intercept.Rule{
		{Provider: ID, Name: "completion", Method: "POST", Pattern: "**/api/v0/chat/completion", Action: intercept.ActionObserve, Capture: true},
		{Provider: ID, Name: "regenerate", Method: "POST", Pattern: "**/api/v0/chat/regenerate", Action: intercept.ActionObserve, Capture: true},
		{Provider: ID, Name: "sentry", Pattern: "https://*.ingest.sentry.io/**", Action: intercept.ActionBlock, Priority: 10},
	}
}

// Encode types (or uploads) the formatted conversation and clicks send. When clean
// regeneration is on, the prompt equals the last one sent on this session and that
// chat is still open, the regenerate button is used instead.
func (a *Adapter) Encode(ctx context.Context, req *engine.NormalizedRequest, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	beh := a.opts.Behavior.ForModel(req.Model)
	prompt := a.opts.Format.Messages(req.Messages)
	fields := log.Fields{"request_id": req.CorrelationID, "session": s.ID}
	a.turns.Store(req.CorrelationID, s.ID)

	if beh.CleanRegeneration {
		if last, ok := a.lastPrompt.Get(s.ID); ok && last == prompt && a.sameChat(ctx, page, s.ID) {
			ok, err := provider.Enabled(ctx, page, a.sel.Get(SelRegenerate))
			if err != nil {
				return fmt.Errorf("check regenerate: %w", err)
			}
			if ok {
				log.WithFields(fields).Info("prompt unchanged, regenerating")
				return page.Click(ctx, a.sel.Get(SelRegenerate))
			}
			log.WithFields(fields).Debug("regenerate unavailable, starting a new chat")
		}
	}

	a.chats.Del(s.ID)
	if err := a.newChat(ctx, page); err != nil {
		return err
	}
	if err := provider.Sleep(ctx, a.settle); err != nil {
		return err
	}
	if err := provider.SetToggle(ctx, page, a.sel.Get(SelToggle).WithText(labelDeepThink), toggleSelected, beh.Thinking); err != nil {
		return fmt.Errorf("toggle %s: %w", labelDeepThink, err)
	}
	if err := provider.SetToggle(ctx, page, a.sel.Get(SelToggle).WithText(labelSearch), toggleSelected, beh.Search); err != nil {
		return fmt.Errorf("toggle %s: %w", labelSearch, err)
	}
	if err := provider.Sleep(ctx, a.settle); err != nil {
		return err
	}

	if beh.SendAsTextFile {
		cleanup, err := provider.UploadText(ctx, page, a.sel.Get(SelFileInput), prompt)
		defer cleanup()
		if err != nil {
			return engine.Errorf(engine.KindResponseParseError, "upload prompt: %w", err)
		}
		if err := provider.Sleep(ctx, a.uploadWait); err != nil {
			return err
		}
		if err := provider.ClickWhenEnabled(ctx, page, a.sel.Get(SelSend), beh.UploadTimeout); err != nil {
			return engine.Errorf(engine.KindNetworkTimeout, "send after upload: %w", err)
		}
	} else {
		if n, _ := page.Count(ctx, a.sel.Get(SelPrompt)); n == 0 {
			return engine.Errorf(engine.KindResponseParseError, "prompt input %q not found", a.sel.Get(SelPrompt).CSS)
		}
		if err := page.Fill(ctx, a.sel.Get(SelPrompt), prompt); err != nil {
			return fmt.Errorf("fill prompt: %w", err)
		}
		if err := provider.ClickWhenEnabled(ctx, page, a.sel.Get(SelSend), 2*time.Second); err != nil {
			return engine.Errorf(engine.KindResponseParseError, "send: %w", err)
		}
	}

	if beh.CleanRegeneration {
		a.lastPrompt.Set(s.ID, prompt, int64(len(prompt)))
		a.lastPrompt.Wait()
	}
	return nil
}

// sameChat reports whether the open chat is the one the session last prompted. An
// unobserved chat counts as the same one.
func (a *Adapter) sameChat(ctx context.Context, page browser.Page, sessionID string) bool {
	id, ok := a.chats.Get(sessionID)
	if !ok {
		return true
	}
	u, err := page.URL(ctx)
	if err != nil {
		return false
	}
	if !strings.Contains(u, id) {
		log.WithField("session", sessionID).Debugf("deepseek: chat %s is no longer open", id)
		return false
	}
	return true
}

// Observe records the chat_session_id of completion and regeneration requests.
func (a *Adapter) Observe(correlationID string, rule intercept.Rule, req *engine.WireMessage) {
	if req == nil || (rule.Name != "completion" && rule.Name != "regenerate") {
		return
	}
	sid, ok := a.turns.Load(correlationID)
	if !ok {
		return
	}
	id := gjson.GetBytes(req.Body, "chat_session_id").String()
	if id == "" {
		return
	}
	a.chats.Set(sid.(string), id, int64(len(id)))
	a.chats.Wait()
}

func (a *Adapter) newChat(ctx context.Context, page browser.Page) error {
	for _, name := range []string{SelNewChat, SelNewChatSidebar} {
		clicked, err := provider.ClickIfPresent(ctx, page, a.sel.Get(name))
		if err != nil {
			return fmt.Errorf("click %s: %w", name, err)
		}
		if clicked {
			return nil
		}
	}
	log.Debug("deepseek: no new chat button found, reusing the open chat")
	return nil
}

// Abort clicks the send button, which turns into a stop button while generating.
func (a *Adapter) Abort(ctx context.Context, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return nil
	}
	_, err := provider.ClickIfPresent(ctx, page, a.sel.Get(SelSend))
	return err
}

func (a *Adapter) Decode(correlationID string, msg *engine.WireMessage) ([]engine.NormalizedChunk, error) {
	return a.decoders.Decode(correlationID, msg)
}

func (a *Adapter) Close(correlationID string) ([]engine.NormalizedChunk, error) {
	a.turns.Delete(correlationID)
	return a.decoders.Close(correlationID)
}

// IsAuthValid reports false while the page sits on the sign-in screen.
func (a *Adapter) IsAuthValid(ctx context.Context, s *session.Session) (bool, error) {
	page := s.Page()
	if page == nil {
		return false, engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	u, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	return !strings.Contains(u, "sign_in"), nil
}

// Login fills the sign-in form when auto-login is configured, otherwise it waits for the
// user to log in by hand in the visible window.
func (a *Adapter) Login(ctx context.Context, s *session.Session) error {
	page := s.Page()
	if page == nil {
		return engine.Errorf(engine.KindBrowserCrashed, "session %s has no page", s.ID)
	}
	return provider.FormLogin(ctx, page, a.opts.Credentials, provider.LoginForm{
		Provider: ID,
		Form:     a.sel.Get(SelLoginForm),
		Email:    a.sel.Get(SelLoginEmail),
		Password: a.sel.Get(SelLoginPassword),
		Submit:   a.sel.Get(SelLoginSubmit),
		Done:     a.onChat,
	})
}

func (a *Adapter) onChat(u string) bool {
	return strings.HasPrefix(u, a.url) && !strings.Contains(u, "sign_in")
}
