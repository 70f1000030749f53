package kimi

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/provider"
)

// decoder reads {"event": ..., "text": ...} frames. cmpl carries answer text, k1 carries
// reasoning, all_done ends the stream.
type decoder struct {
	beh      provider.Behavior
	sse      provider.SSEReader
	audit    provider.FrameAudit
	thinking bool
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
	if b := d.endThink(); b != "" {
		out = append(out, provider.Delta(b))
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
	event := f.Get("event")
	if !event.Exists() {
		return nil, provider.ParseError(ID, "frame has no event")
	}
	switch event.String() {
	case "cmpl", "k1", "all_done":
		d.audit.Known()
	}
	switch event.String() {
	case "cmpl":
		text := f.Get("text")
		if !text.Exists() {
			return nil, provider.ParseError(ID, "cmpl frame has no text")
		}
		return []engine.NormalizedChunk{provider.Delta(d.endThink() + text.String())}, nil
	case "k1":
		if !d.beh.SendThinking {
			d.thinking = true
			return nil, nil
		}
		var b strings.Builder
		if !d.thinking {
			b.WriteString("<think>")
		}
		d.thinking = true
		b.WriteString(f.Get("text").String())
		return []engine.NormalizedChunk{provider.Delta(b.String())}, nil
	case "all_done":
		var out []engine.NormalizedChunk
		if b := d.endThink(); b != "" {
			out = append(out, provider.Delta(b))
		}
		return append(out, provider.Finish(engine.FinishStop)), nil
	case "error":
		kind := f.Get("error_type").String()
		msg := f.Get("content").String()
		if strings.Contains(kind, "overloaded") || strings.Contains(kind, "limit") {
			return nil, engine.Errorf(engine.KindProviderBlocked, "kimi: %s %s", kind, msg)
		}
		return nil, provider.ParseError(ID, "error frame %s: %s", kind, msg)
	default:
		// req, resp, ping, rename, search_plus and friends.
		return nil, nil
	}
}

func (d *decoder) endThink() string {
	was := d.thinking
	d.thinking = false
	if was && d.beh.SendThinking {
		return "</think>"
	}
	return ""
}
