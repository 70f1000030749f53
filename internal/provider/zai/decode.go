package zai

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/provider"
)

// The thinking phase arrives as rendered markdown: a <details> block whose lines are
// quoted with "> ".
var (
	reasoningTags  = regexp.MustCompile(`(?s)<details[^>]*>|</details>|<summary>.*?</summary>`)
	reasoningQuote = regexp.MustCompile(`(?m)^> ?`)
)

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
	if t := f.Get("type").String(); t != "chat:completion" {
		return nil, nil
	}
	data := f.Get("data")
	if !data.IsObject() {
		return nil, provider.ParseError(ID, "chat:completion frame has no data")
	}
	d.audit.Known()
	if e := data.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("detail").String()
		if msg == "" {
			msg = e.Get("message").String()
		}
		if msg == "" {
			msg = e.String()
		}
		if code := e.Get("code").Int(); code == 429 || strings.Contains(strings.ToLower(msg), "limit") {
			return nil, engine.Errorf(engine.KindProviderBlocked, "zai: %s", msg)
		}
		return nil, provider.ParseError(ID, "error frame: %s", msg)
	}

	var text strings.Builder
	content := data.Get("delta_content").String()
	switch phase := data.Get("phase").String(); phase {
	case "thinking":
		if d.beh.SendThinking {
			r := cleanReasoning(content)
			if !d.thinking {
				text.WriteString("<think>")
				r = strings.TrimLeft(r, "\n")
			}
			text.WriteString(r)
		}
		d.thinking = true
	case "answer", "":
		text.WriteString(d.endThink())
		text.WriteString(content)
	default:
		// tool_call, other: nothing user visible.
	}

	var out []engine.NormalizedChunk
	if text.Len() > 0 {
		out = append(out, provider.Delta(text.String()))
	}
	if data.Get("done").Bool() {
		if b := d.endThink(); b != "" {
			out = append(out, provider.Delta(b))
		}
		out = append(out, provider.Finish(engine.FinishStop))
	}
	return out, nil
}

func (d *decoder) endThink() string {
	wasThinking := d.thinking
	d.thinking = false
	if wasThinking && d.beh.SendThinking {
		return "</think>"
	}
	return ""
}

func cleanReasoning(s string) string {
	s = reasoningTags.ReplaceAllString(s, "")
	return reasoningQuote.ReplaceAllString(s, "")
}
