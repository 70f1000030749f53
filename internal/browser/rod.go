// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/engine"
)

// ErrNotFound is returned when a target matches no element.
var ErrNotFound = errors.New("browser: element not found")

const pollInterval = 200 * time.Millisecond

// RodLauncher launches one Chrome process and hands out incognito stealth contexts.
type RodLauncher struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	proc    *launcher.Launcher
}

// NewRodLauncher creates a launcher. The browser process starts lazily on first use.
func NewRodLauncher(cfg Config) *RodLauncher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultConfig().NavigationTimeout
	}
	return &RodLauncher{cfg: cfg}
}

// connect returns a live browser connection, relaunching when the previous one went stale.
func (l *RodLauncher) connect(ctx context.Context) (*rod.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser != nil {
		if _, err := l.browser.Version(); err == nil {
			return l.browser, nil
		}
		log.Warn("stale browser connection detected, relaunching")
		_ = l.browser.Close()
		l.browser = nil
		if l.proc != nil {
			l.proc.Kill()
			l.proc = nil
		}
	}

	controlURL := l.cfg.ControlURL
	if controlURL == "" {
		proc := launcher.New().Headless(l.cfg.Headless).Leakless(true)
		if l.cfg.Bin != "" {
			proc = proc.Bin(l.cfg.Bin)
		}
		if l.cfg.UserDataDir != "" {
			proc = proc.UserDataDir(l.cfg.UserDataDir)
		}
		proc = proc.Delete(flags.Flag("enable-automation"))
		for _, raw := range l.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				proc = proc.Set(flags.Flag(name), val)
			} else {
				proc = proc.Set(flags.Flag(name))
			}
		}
		u, err := proc.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		l.proc = proc
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	l.browser = b
	log.Debugf("browser connected at %s", controlURL)
	return b, nil
}

// NewContext opens an incognito context with a stealth page.
func (l *RodLauncher) NewContext(ctx context.Context) (Context, error) {
	b, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := stealth.Page(incognito)
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("stealth page: %w", err)
	}
	if l.cfg.ViewportWidth > 0 && l.cfg.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             l.cfg.ViewportWidth,
			Height:            l.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
		}); err != nil {
			log.Warnf("failed to set viewport: %v", err)
		}
	}
	return &rodContext{
		browser: incognito,
		page:    &rodPage{page: page, navTimeout: l.cfg.NavigationTimeout},
	}, nil
}

// Close terminates the browser process.
func (l *RodLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.browser != nil {
		err = l.browser.Close()
		l.browser = nil
	}
	if l.proc != nil {
		l.proc.Kill()
		l.proc = nil
	}
	return err
}

type rodContext struct {
	browser *rod.Browser
	page    *rodPage
}

func (c *rodContext) Page() Page { return c.page }

func (c *rodContext) Alive(ctx context.Context) bool {
	lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.page.page.Context(lctx).Eval(`() => document.readyState`)
	return err == nil
}

func (c *rodContext) Close() error {
	_ = c.page.page.Close()
	return c.browser.Close()
}

type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	pg := p.page.Context(navCtx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) WaitURL(ctx context.Context, match func(string) bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if u, err := p.URL(ctx); err == nil && match(u) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *rodPage) elements(ctx context.Context, t Target) (rod.Elements, error) {
	els, err := p.page.Context(ctx).Elements(t.CSS)
	if err != nil {
		return nil, err
	}
	if t.Text == "" {
		return els, nil
	}
	filtered := make(rod.Elements, 0, len(els))
	for _, el := range els {
		txt, err := el.Text()
		if err != nil {
			continue
		}
		if strings.Contains(txt, t.Text) {
			filtered = append(filtered, el)
		}
	}
	return filtered, nil
}

func (p *rodPage) pick(ctx context.Context, t Target) (*rod.Element, error) {
	els, err := p.elements(ctx, t)
	if err != nil {
		return nil, err
	}
	if t.Nth < 0 || t.Nth >= len(els) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.CSS)
	}
	return els[t.Nth], nil
}

func (p *rodPage) Count(ctx context.Context, t Target) (int, error) {
	els, err := p.elements(ctx, t)
	if err != nil {
		return 0, err
	}
	if t.Nth > 0 {
		// An indexed target exists only when the index is in range.
		if t.Nth < len(els) {
			return 1, nil
		}
		return 0, nil
	}
	return len(els), nil
}

func (p *rodPage) WaitFor(ctx context.Context, t Target) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if n, err := p.Count(ctx, t); err == nil && n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", t.CSS, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *rodPage) Fill(ctx context.Context, t Target, text string) error {
	el, err := p.pick(ctx, t)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) Click(ctx context.Context, t Target) error {
	el, err := p.pick(ctx, t)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Attribute(ctx context.Context, t Target, name string) (string, bool, error) {
	el, err := p.pick(ctx, t)
	if err != nil {
		return "", false, err
	}
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (p *rodPage) Visible(ctx context.Context, t Target) (bool, error) {
	el, err := p.pick(ctx, t)
	if err != nil {
		return false, err
	}
	return el.Visible()
}

func (p *rodPage) SetFiles(ctx context.Context, t Target, paths []string) error {
	el, err := p.pick(ctx, t)
	if err != nil {
		return err
	}
	return el.SetFiles(paths)
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (string, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.JSON("", ""), nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		switch c.SameSite {
		case proto.NetworkCookieSameSiteStrict:
			hc.SameSite = http.SameSiteStrictMode
		case proto.NetworkCookieSameSiteLax:
			hc.SameSite = http.SameSiteLaxMode
		case proto.NetworkCookieSameSiteNone:
			hc.SameSite = http.SameSiteNoneMode
		}
		out = append(out, hc)
	}
	return out, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []*http.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		switch c.SameSite {
		case http.SameSiteStrictMode:
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case http.SameSiteLaxMode:
			param.SameSite = proto.NetworkCookieSameSiteLax
		case http.SameSiteNoneMode:
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		params = append(params, param)
	}
	if len(params) == 0 {
		return nil
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *rodPage) Intercept(patterns []string, handler func(Exchange)) (func() error, error) {
	router := p.page.HijackRequests()
	seen := make(map[string]bool, len(patterns))
	for _, pattern := range patterns {
		if seen[pattern] {
			continue
		}
		seen[pattern] = true
		err := router.Add(pattern, "", func(h *rod.Hijack) {
			handler(&rodExchange{h: h})
		})
		if err != nil {
			_ = router.Stop()
			return nil, fmt.Errorf("hijack %s: %w", pattern, err)
		}
	}
	go router.Run()
	return router.Stop, nil
}

// rodExchange adapts a paused rod hijack. Rod applies the decision after the handler
// returns, so the methods only record it.
type rodExchange struct {
	h *rod.Hijack
}

func (e *rodExchange) Request() *engine.WireMessage {
	req := e.h.Request
	header := http.Header{}
	for k, v := range req.Headers() {
		header.Set(k, v.String())
	}
	return &engine.WireMessage{
		Method:    req.Method(),
		URL:       req.URL().String(),
		Header:    header,
		Body:      []byte(req.Body()),
		StartedAt: time.Now(),
	}
}

func (e *rodExchange) Continue(body []byte) error {
	cont := &proto.FetchContinueRequest{}
	if body != nil {
		cont.PostData = body
	}
	e.h.ContinueRequest(cont)
	return nil
}

func (e *rodExchange) Fail(reason string) error {
	if reason == "" {
		reason = string(proto.NetworkErrorReasonBlockedByClient)
	}
	e.h.Response.Fail(proto.NetworkErrorReason(reason))
	return nil
}

func (e *rodExchange) Fulfill(resp *engine.WireMessage) error {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	e.h.Response.Payload().ResponseCode = status
	for k, vs := range resp.Header {
		for _, v := range vs {
			e.h.Response.SetHeader(k, v)
		}
	}
	e.h.Response.SetBody(resp.Body)
	return nil
}
