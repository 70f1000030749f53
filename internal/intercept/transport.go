// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/traylinx/webrelay/internal/engine"
)

// hopHeaders are never replayed.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te",
	"Trailer", "Content-Length", "Host", "Accept-Encoding",
}

const acceptEncoding = "gzip, deflate, br, zstd"

// loginMarkers in a 401/403 body indicate expired authentication rather than a bot block.
var loginMarkers = []string{"login", "sign_in", "signin", "unauthorized", "token expired", "invalid token", "authorization"}

// Transport replays intercepted browser requests so their responses can be streamed.
type Transport struct {
	client *http.Client
}

// NewTransport wraps client; nil uses a client tuned for long-lived streams.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = 60 * time.Second
		base.DisableCompression = true
		client = &http.Client{Transport: base}
	}
	return &Transport{client: client}
}

// Response is a replayed response with a decoded body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Do sends req with the given browser cookies attached and returns the response with
// Content-Encoding already removed from the body.
func (t *Transport) Do(ctx context.Context, req *engine.WireMessage, cookies []*http.Cookie) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, engine.Errorf(engine.KindInternal, "build replay request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		hr.Header.Del(h)
	}
	hr.Header.Set("Accept-Encoding", acceptEncoding)
	if hr.Header.Get("Cookie") == "" {
		host := hostOf(req.URL)
		for _, c := range cookies {
			if cookieMatches(c, host) {
				hr.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
			}
		}
	}

	resp, err := t.client.Do(hr)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}
	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, engine.Errorf(engine.KindResponseParseError, "decode %s body: %w", resp.Header.Get("Content-Encoding"), err)
	}
	header := resp.Header.Clone()
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: header, Body: decoded}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return body.Close() }}, nil
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return body.Close() }}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(body), close: body.Close}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return body.Close() }}, nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}

func cookieMatches(c *http.Cookie, host string) bool {
	if c.Domain == "" || host == "" {
		return true
	}
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// ClassifyTransportError maps a round-trip failure onto the engine taxonomy.
func ClassifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return engine.Errorf(engine.KindCancelled, "replay: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.Errorf(engine.KindNetworkTimeout, "replay: %w", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return engine.Errorf(engine.KindNetworkTimeout, "replay: %w", err)
	}
	return engine.Errorf(engine.KindNetworkTimeout, "replay failed: %w", err)
}

// ClassifyStatus maps a non-2xx provider status onto the engine taxonomy. body is a
// prefix of the response body used to tell expired auth from bot blocks.
func ClassifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := strings.ToLower(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized:
		return engine.Errorf(engine.KindAuthExpired, "status %d", status)
	case status == http.StatusForbidden:
		for _, m := range loginMarkers {
			if strings.Contains(snippet, m) {
				return engine.Errorf(engine.KindAuthExpired, "status %d: %s", status, snippet)
			}
		}
		return engine.Errorf(engine.KindProviderBlocked, "status %d", status)
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return engine.Errorf(engine.KindProviderBlocked, "status %d", status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return engine.Errorf(engine.KindNetworkTimeout, "status %d", status)
	case status >= 500:
		return engine.Errorf(engine.KindNetworkTimeout, "status %d: %s", status, snippet)
	}
	return engine.Errorf(engine.KindResponseParseError, "unexpected status %d: %s", status, snippet)
}
