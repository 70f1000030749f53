// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"strings"
)

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader reassembles server-sent events from arbitrarily split byte fragments. Events
// are dispatched only once their terminating blank line has arrived.
type SSEReader struct {
	buf []byte

	event string
	data  []string
	id    string
}

// Feed appends p and returns every event completed by it.
func (r *SSEReader) Feed(p []byte) []SSEEvent {
	r.buf = append(r.buf, p...)
	var out []SSEEvent
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(r.buf[:i], []byte{'\r'}))
		r.buf = r.buf[i+1:]
		if ev, ok := r.line(line); ok {
			out = append(out, ev)
		}
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out
}

// Flush treats any unterminated input as complete and dispatches what is pending.
// Providers that close the stream without a final blank line rely on this.
func (r *SSEReader) Flush() []SSEEvent {
	var out []SSEEvent
	if len(r.buf) > 0 {
		line := strings.TrimSuffix(string(r.buf), "\r")
		r.buf = nil
		if ev, ok := r.line(line); ok {
			out = append(out, ev)
		}
	}
	if ev, ok := r.dispatch(); ok {
		out = append(out, ev)
	}
	return out
}

func (r *SSEReader) line(line string) (SSEEvent, bool) {
	if line == "" {
		return r.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return SSEEvent{}, false
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "data":
		r.data = append(r.data, value)
	case "event":
		r.event = value
	case "id":
		r.id = value
	}
	return SSEEvent{}, false
}

func (r *SSEReader) dispatch() (SSEEvent, bool) {
	if r.data == nil && r.event == "" {
		return SSEEvent{}, false
	}
	ev := SSEEvent{Event: r.event, Data: strings.Join(r.data, "\n"), ID: r.id}
	r.event, r.data = "", nil
	return ev, true
}

// FrameAudit notices streams that decode to nothing because the provider changed its
// format: a body that is not an event stream, or events none of which were recognised.
type FrameAudit struct {
	head   []byte
	frames int
	known  int
}

// Body records the start of the raw body for the error message.
func (a *FrameAudit) Body(p []byte) {
	if n := 256 - len(a.head); n > 0 {
		a.head = append(a.head, p[:min(len(p), n)]...)
	}
}

// Frame counts a non-empty event.
func (a *FrameAudit) Frame() { a.frames++ }

// Known counts an event in the expected format.
func (a *FrameAudit) Known() { a.known++ }

// Check fails when the body held data but nothing the decoder understood.
func (a *FrameAudit) Check(provider string) error {
	if a.frames == 0 {
		if len(bytes.TrimSpace(a.head)) > 0 {
			return ParseError(provider, "response is not an event stream: %s", a.head)
		}
		return nil
	}
	if a.known == 0 {
		return ParseError(provider, "none of %d events matched the expected format", a.frames)
	}
	return nil
}
