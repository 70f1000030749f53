// Package browsertest provides in-memory fakes of the browser capability so that sessions,
// the interception router and adapters can be exercised without Chrome.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/engine"
)

// ErrClosed is returned by operations on a closed fake.
var ErrClosed = errors.New("browsertest: closed")

// Launcher hands out fake contexts.
type Launcher struct {
	mu sync.Mutex

	// Err, when set, fails every NewContext call.
	Err error

	// Setup runs on each new page before it is returned.
	Setup func(p *Page)

	contexts []*Context
	closed   bool
}

func (l *Launcher) NewContext(ctx context.Context) (browser.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.Err != nil {
		return nil, l.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := NewPage()
	if l.Setup != nil {
		l.Setup(p)
	}
	c := &Context{page: p}
	l.contexts = append(l.contexts, c)
	return c, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, c := range l.contexts {
		_ = c.Close()
	}
	return nil
}

// Contexts returns every context created so far.
func (l *Launcher) Contexts() []*Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Context(nil), l.contexts...)
}

// Created returns how many contexts were created.
func (l *Launcher) Created() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}

// Context is a fake browser context.
type Context struct {
	page *Page

	mu     sync.Mutex
	dead   bool
	closed bool
}

func (c *Context) Page() browser.Page { return c.page }

// FakePage returns the concrete page for test assertions.
func (c *Context) FakePage() *Page { return c.page }

func (c *Context) Alive(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead && !c.closed
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Crash makes Alive report false.
func (c *Context) Crash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Element is a fake DOM node set addressed by one CSS selector.
type Element struct {
	Count  int
	Text   string
	Attrs  map[string]string
	Hidden bool
}

// Page is a scriptable fake page. Every DOM interaction is appended to an action log
// of the form "verb:css[=arg]".
type Page struct {
	mu       sync.Mutex
	url      string
	elements map[string]*Element
	cookies  []*http.Cookie
	actions  []string
	handler  func(browser.Exchange)
	patterns []string

	// OnNavigate, OnClick and OnFill let tests react to page interactions,
	// for example by dispatching a network exchange after a click.
	OnNavigate func(url string)
	OnClick    func(t browser.Target)
	OnFill     func(t browser.Target, text string)

	// EvalFunc answers Eval calls; nil returns "null".
	EvalFunc func(js string, args ...any) (string, error)

	NavigateErr error
}

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{url: "about:blank", elements: make(map[string]*Element)}
}

// SetElement installs or replaces the element set for css.
func (p *Page) SetElement(css string, el *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.Count == 0 {
		el.Count = 1
	}
	p.elements[css] = el
}

// RemoveElement removes the element set for css.
func (p *Page) RemoveElement(css string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, css)
}

// SetURL changes the current URL without logging a navigation.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// Actions returns a copy of the action log.
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// Patterns returns the currently intercepted URL patterns.
func (p *Page) Patterns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.patterns...)
}

// Armed reports whether an interception handler is installed.
func (p *Page) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// Dispatch delivers an exchange to the interception handler, blocking until the handler
// returns, mirroring how a paused request waits for its decision.
func (p *Page) Dispatch(ex *Exchange) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return fmt.Errorf("browsertest: page not intercepting %s", ex.req.URL)
	}
	h(ex)
	return nil
}

func (p *Page) record(action string) {
	p.mu.Lock()
	p.actions = append(p.actions, action)
	p.mu.Unlock()
}

func (p *Page) lookup(t browser.Target) (*Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[t.CSS]
	if !ok || t.Nth >= el.Count {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, t.CSS)
	}
	if t.Text != "" && !strings.Contains(el.Text, t.Text) {
		return nil, fmt.Errorf("%w: %s %q", browser.ErrNotFound, t.CSS, t.Text)
	}
	return el, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.mu.Lock()
	p.url = url
	p.actions = append(p.actions, "navigate:"+url)
	p.mu.Unlock()
	if p.OnNavigate != nil {
		p.OnNavigate(url)
	}
	return nil
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) WaitURL(ctx context.Context, match func(string) bool) error {
	return poll(ctx, func() bool {
		u, _ := p.URL(ctx)
		return match(u)
	})
}

func (p *Page) Count(_ context.Context, t browser.Target) (int, error) {
	el, err := p.lookup(t)
	if err != nil {
		return 0, nil
	}
	if t.Nth > 0 {
		return 1, nil
	}
	return el.Count, nil
}

func (p *Page) WaitFor(ctx context.Context, t browser.Target) error {
	return poll(ctx, func() bool {
		_, err := p.lookup(t)
		return err == nil
	})
}

func (p *Page) Fill(_ context.Context, t browser.Target, text string) error {
	if _, err := p.lookup(t); err != nil {
		return err
	}
	p.record("fill:" + t.CSS + "=" + text)
	if p.OnFill != nil {
		p.OnFill(t, text)
	}
	return nil
}

func (p *Page) Click(_ context.Context, t browser.Target) error {
	if _, err := p.lookup(t); err != nil {
		return err
	}
	action := "click:" + t.CSS
	if t.Nth > 0 {
		action = fmt.Sprintf("%s#%d", action, t.Nth)
	}
	p.record(action)
	if p.OnClick != nil {
		p.OnClick(t)
	}
	return nil
}

func (p *Page) Attribute(_ context.Context, t browser.Target, name string) (string, bool, error) {
	el, err := p.lookup(t)
	if err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (p *Page) Visible(_ context.Context, t browser.Target) (bool, error) {
	el, err := p.lookup(t)
	if err != nil {
		return false, err
	}
	return !el.Hidden, nil
}

func (p *Page) SetFiles(_ context.Context, t browser.Target, paths []string) error {
	if _, err := p.lookup(t); err != nil {
		return err
	}
	p.record("files:" + t.CSS + "=" + strings.Join(paths, ","))
	return nil
}

func (p *Page) Eval(_ context.Context, js string, args ...any) (string, error) {
	p.record("eval")
	if p.EvalFunc != nil {
		return p.EvalFunc(js, args...)
	}
	return "null", nil
}

func (p *Page) Cookies(context.Context) ([]*http.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(_ context.Context, cookies []*http.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Intercept(patterns []string, handler func(browser.Exchange)) (func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return nil, errors.New("browsertest: page already intercepting")
	}
	p.handler = handler
	p.patterns = append([]string(nil), patterns...)
	return func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.handler = nil
		p.patterns = nil
		return nil
	}, nil
}

// Exchange is a fake paused request that records the decision taken for it.
type Exchange struct {
	req *engine.WireMessage

	mu       sync.Mutex
	decision string
	body     []byte
	reason   string
	response *engine.WireMessage
}

// NewExchange builds a paused request.
func NewExchange(method, url string, body []byte) *Exchange {
	return &Exchange{req: &engine.WireMessage{
		Method:    method,
		URL:       url,
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Body:      body,
		StartedAt: time.Now(),
	}}
}

func (e *Exchange) Request() *engine.WireMessage { return e.req.Clone() }

func (e *Exchange) Continue(body []byte) error {
	return e.decide("continue", func() { e.body = body })
}

func (e *Exchange) Fail(reason string) error {
	return e.decide("fail", func() { e.reason = reason })
}

func (e *Exchange) Fulfill(resp *engine.WireMessage) error {
	return e.decide("fulfill", func() { e.response = resp.Clone() })
}

func (e *Exchange) decide(d string, apply func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decision != "" {
		return fmt.Errorf("browsertest: exchange already decided (%s)", e.decision)
	}
	e.decision = d
	apply()
	return nil
}

// Decision returns "continue", "fail", "fulfill" or "" when undecided.
func (e *Exchange) Decision() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision
}

// Body returns the replacement body passed to Continue.
func (e *Exchange) Body() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.body
}

// Reason returns the reason passed to Fail.
func (e *Exchange) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Response returns the response passed to Fulfill.
func (e *Exchange) Response() *engine.WireMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

func poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
