package qwen

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/provider"
)

// decoder reads the OpenAI-like event stream of /api/v2/chat/completions. Each frame
// carries choices[0].delta{content, phase, status}; phase "think" is reasoning and a
// "finished" status outside it ends the answer.
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
	if e := f.Get("error"); e.Exists() {
		detail := e.Get("details").String()
		if detail == "" {
			detail = e.Get("message").String()
		}
		code := e.Get("code").String()
		if strings.Contains(strings.ToLower(code), "limit") {
			return nil, engine.Errorf(engine.KindProviderBlocked, "qwen: %s: %s", code, detail)
		}
		return nil, provider.ParseError(ID, "error frame %s: %s", code, detail)
	}
	choices := f.Get("choices")
	if !choices.Exists() {
		// Bookkeeping such as {"response.created": {...}}.
		return nil, nil
	}
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return nil, provider.ParseError(ID, "choices is empty")
	}
	delta := choices.Get("0.delta")
	if !delta.IsObject() {
		return nil, provider.ParseError(ID, "choice has no delta")
	}
	d.audit.Known()

	phase := delta.Get("phase").String()
	content := delta.Get("content").String()
	var text strings.Builder
	switch phase {
	case "think", "thinking_summary":
		if d.beh.SendThinking {
			if !d.thinking {
				text.WriteString("<think>")
			}
			text.WriteString(content)
		}
		d.thinking = true
	default:
		d.closeThink(&text)
		text.WriteString(content)
	}

	var out []engine.NormalizedChunk
	if text.Len() > 0 {
		out = append(out, provider.Delta(text.String()))
	}
	if reason := finishReason(choices.Get("0.finish_reason").String()); reason != "" {
		d.closeThinkChunk(&out)
		return append(out, provider.Finish(reason)), nil
	}
	if delta.Get("status").String() == "finished" && phase != "think" && phase != "thinking_summary" {
		d.closeThinkChunk(&out)
		out = append(out, provider.Finish(engine.FinishStop))
	}
	return out, nil
}

func (d *decoder) closeThink(text *strings.Builder) {
	if d.thinking && d.beh.SendThinking {
		text.WriteString("</think>")
	}
	d.thinking = false
}

func (d *decoder) closeThinkChunk(out *[]engine.NormalizedChunk) {
	var b strings.Builder
	d.closeThink(&b)
	if b.Len() > 0 {
		*out = append(*out, provider.Delta(b.String()))
	}
}

func finishReason(s string) engine.FinishReason {
	switch s {
	case "stop":
		return engine.FinishStop
	case "length":
		return engine.FinishLength
	case "content_filter":
		return engine.FinishContentFilter
	}
	return ""
}
