// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package browser is the stealth browser automation capability consumed by the engine.
// It exposes page lifecycle, DOM control and network interception as small interfaces so
// that the session, router and adapters never touch the automation library directly; the
// production implementation is backed by go-rod with go-rod/stealth.
package browser

import (
	"context"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traylinx/webrelay/internal/engine"
)

// Launcher creates isolated browser contexts.
type Launcher interface {
	// NewContext launches (or reuses) the browser process and opens a fresh stealth
	// context with a single page.
	NewContext(ctx context.Context) (Context, error)

	// Close terminates the browser process and every context it owns.
	Close() error
}

// Context is one isolated browser context owning exactly one page.
type Context interface {
	Page() Page

	// Alive checks the context; false means the page, context or process is gone.
	Alive(ctx context.Context) bool

	Close() error
}

// Target addresses DOM elements: a CSS selector, optionally narrowed to elements whose text
// contains Text, and the Nth match (zero based).
type Target struct {
	CSS  string `yaml:"css" json:"css"`
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
	Nth  int    `yaml:"nth,omitempty" json:"nth,omitempty"`
}

// UnmarshalYAML accepts a bare selector string as well as the css/text/nth mapping.
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = Target{CSS: node.Value}
		return nil
	}
	type plain Target
	return node.Decode((*plain)(t))
}

// CSS is shorthand for a plain selector target.
func CSS(selector string) Target { return Target{CSS: selector} }

// WithText narrows the target to elements containing text.
func (t Target) WithText(text string) Target {
	t.Text = text
	return t
}

// At selects the n-th match.
func (t Target) At(n int) Target {
	t.Nth = n
	return t
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool { return t.CSS == "" }

// Page is the DOM and network surface of a context.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	// WaitURL blocks until match accepts the current URL or ctx ends.
	WaitURL(ctx context.Context, match func(string) bool) error

	// Count returns how many elements the target currently matches.
	Count(ctx context.Context, t Target) (int, error)

	// WaitFor blocks until the target matches at least one element or ctx ends.
	WaitFor(ctx context.Context, t Target) error

	Fill(ctx context.Context, t Target, text string) error
	Click(ctx context.Context, t Target) error
	Attribute(ctx context.Context, t Target, name string) (string, bool, error)
	Visible(ctx context.Context, t Target) (bool, error)
	SetFiles(ctx context.Context, t Target, paths []string) error

	// Eval runs a JS function expression and returns its JSON-encoded result.
	Eval(ctx context.Context, js string, args ...any) (string, error)

	Cookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, cookies []*http.Cookie) error

	// Intercept pauses every request whose URL matches one of the glob patterns and hands
	// it to handler. The returned function removes the hooks.
	Intercept(patterns []string, handler func(Exchange)) (func() error, error)
}

// Exchange is one paused network request. Exactly one of Continue, Fail or Fulfill decides
// its fate; the decision is applied when the interception handler returns.
type Exchange interface {
	// Request returns a snapshot of the outgoing request.
	Request() *engine.WireMessage

	// Continue sends the request to the network; a non-nil body replaces the payload.
	Continue(body []byte) error

	// Fail aborts the request locally.
	Fail(reason string) error

	// Fulfill answers the request without touching the network.
	Fulfill(resp *engine.WireMessage) error
}

// Config holds browser launch settings.
type Config struct {
	// Bin is the Chrome/Chromium binary; empty lets the launcher download or locate one.
	Bin string `yaml:"bin" json:"bin"`

	// ControlURL attaches to an already running browser instead of launching.
	ControlURL string `yaml:"control-url" json:"control-url"`

	// Headless runs without a visible window. Visible windows trigger fewer bot checks.
	Headless bool `yaml:"headless" json:"headless"`

	// UserDataDir keeps a persistent profile between runs.
	UserDataDir string `yaml:"user-data-dir" json:"user-data-dir"`

	// Flags are extra Chrome switches in "name" or "name=value" form.
	Flags []string `yaml:"flags" json:"flags"`

	ViewportWidth  int `yaml:"viewport-width" json:"viewport-width"`
	ViewportHeight int `yaml:"viewport-height" json:"viewport-height"`

	// NavigationTimeout bounds a single navigation.
	NavigationTimeout time.Duration `yaml:"navigation-timeout" json:"navigation-timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          false,
		ViewportWidth:     1366,
		ViewportHeight:    900,
		NavigationTimeout: 30 * time.Second,
	}
}
