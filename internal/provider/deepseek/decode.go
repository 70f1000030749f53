// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package deepseek

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/provider"
)

// Fragment types.
const (
	fragThink    = "THINK"
	fragResponse = "RESPONSE"
	fragSearch   = "SEARCH"
)

// decoder reads DeepSeek's JSON-patch event stream. Frames carry {p, o, v}: p is a path
// into the response object, o the operation (SET, APPEND, BATCH) and v the value. A frame
// without p continues the most recent fragment.
type decoder struct {
	beh provider.Behavior
	sse provider.SSEReader

	types    []string
	thinking bool
	audit    provider.FrameAudit
}

func newDecoder(beh provider.Behavior) *decoder {
	return &decoder{beh: beh}
}

func (d *decoder) Feed(p []byte) ([]engine.NormalizedChunk, error) {
	d.audit.Body(p)
	return d.events(d.sse.Feed(p))
}

func (d *decoder) Finish() ([]engine.NormalizedChunk, error) {
	out, err := d.events(d.sse.Flush())
	if err != nil {
		return nil, err
	}
	if err := d.audit.Check(ID); err != nil {
		return nil, err
	}
	if d.thinking && d.beh.SendThinking {
		out = append(out, provider.Delta("</think>"))
	}
	return out, nil
}

func (d *decoder) events(events []provider.SSEEvent) ([]engine.NormalizedChunk, error) {
	var out []engine.NormalizedChunk
	for _, ev := range events {
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		d.audit.Frame()
		if data == "[DONE]" {
			d.audit.Known()
			continue
		}
		if !gjson.Valid(data) {
			return nil, provider.ParseError(ID, "invalid frame %q", data)
		}
		chunks, err := d.frame(gjson.Parse(data))
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

func (d *decoder) frame(f gjson.Result) ([]engine.NormalizedChunk, error) {
	v := f.Get("v")
	if !v.Exists() {
		// Session bookkeeping such as {"request_message_id": ...}.
		return nil, nil
	}
	d.audit.Known()
	p, o := f.Get("p").String(), f.Get("o").String()

	var text strings.Builder
	var finish engine.FinishReason
	var err error

	switch {
	case p == "" || (p == "response" && o == "BATCH"):
		switch {
		case v.IsArray():
			for _, op := range v.Array() {
				if !op.IsObject() {
					continue
				}
				fr, stop, opErr := d.apply(op.Get("p").String(), op.Get("o").String(), op.Get("v"), &text)
				if fr != "" {
					finish = fr
				}
				if err = opErr; err != nil || stop {
					break
				}
			}
		case v.Type == gjson.String:
			d.appendTo(len(d.types)-1, v.String(), &text)
		case v.IsObject():
			if frags := v.Get("response.fragments"); frags.Exists() {
				err = d.appendFragments(frags, &text)
			}
		}
	default:
		finish, _, err = d.apply(p, o, v, &text)
	}
	if err != nil {
		return nil, err
	}

	var out []engine.NormalizedChunk
	if text.Len() > 0 {
		out = append(out, provider.Delta(text.String()))
	}
	if finish != "" {
		out = append(out, provider.Finish(finish))
	}
	return out, nil
}

// apply runs one patch operation. stop reports that the rest of a batch must be dropped.
func (d *decoder) apply(p, o string, v gjson.Result, text *strings.Builder) (engine.FinishReason, bool, error) {
	p = strings.TrimPrefix(p, "response/")
	switch {
	case p == "status":
		switch v.String() {
		case "CONTENT_FILTER":
			if d.beh.AntiCensorship {
				d.closeThink(text)
				return engine.FinishStop, true, nil
			}
		case "FINISHED":
			d.closeThink(text)
			return engine.FinishStop, false, nil
		}

	case p == "fragments" && o == "APPEND":
		return "", false, d.appendFragments(v, text)

	case strings.HasPrefix(p, "fragments/") && strings.HasSuffix(p, "/content"):
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p, "fragments/"), "/content"))
		if err != nil {
			return "", false, provider.ParseError(ID, "bad fragment path %q", p)
		}
		if idx < 0 {
			idx += len(d.types)
		}
		d.appendTo(idx, v.String(), text)
	}
	return "", false, nil
}

func (d *decoder) appendFragments(frags gjson.Result, text *strings.Builder) error {
	if !frags.IsArray() {
		return provider.ParseError(ID, "fragments value is %s, want array", frags.Type)
	}
	for _, frag := range frags.Array() {
		if !frag.IsObject() {
			continue
		}
		typ := frag.Get("type").String()
		d.types = append(d.types, typ)
		switch {
		case typ == fragThink:
			if d.beh.SendThinking && !d.thinking {
				text.WriteString("<think>")
			}
			d.thinking = true
		case typ == fragResponse:
			d.closeThink(text)
		}
		if c := frag.Get("content"); c.Exists() {
			d.appendTo(len(d.types)-1, c.String(), text)
		}
	}
	return nil
}

// appendTo adds content of the fragment at idx. Reasoning text is relayed only when
// configured; search result fragments never are.
func (d *decoder) appendTo(idx int, content string, text *strings.Builder) {
	typ := fragResponse
	if idx >= 0 && idx < len(d.types) {
		typ = d.types[idx]
	} else if d.thinking {
		typ = fragThink
	}
	switch typ {
	case fragThink:
		if d.beh.SendThinking {
			text.WriteString(content)
		}
	case fragSearch:
	default:
		text.WriteString(content)
	}
}

func (d *decoder) closeThink(text *strings.Builder) {
	if d.thinking && d.beh.SendThinking {
		text.WriteString("</think>")
	}
	d.thinking = false
}
