package api

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/traylinx/webrelay/internal/engine"
)

// Web chat providers never report usage, so it is estimated with cl100k_base.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
)

type tokenCounter struct {
	once  sync.Once
	codec tokenizer.Codec
}

func (t *tokenCounter) count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.WithError(err).Warn("tokenizer unavailable, estimating usage from length")
			return
		}
		t.codec = codec
	})
	if t.codec != nil {
		if ids, _, err := t.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

func (t *tokenCounter) usage(messages []engine.Message, completion string) *Usage {
	prompt := replyPriming
	for _, m := range messages {
		prompt += tokensPerMessage + t.count(string(m.Role)) + t.count(m.Content)
		if m.Name != "" {
			prompt += tokensPerName + t.count(m.Name)
		}
	}
	out := t.count(completion)
	return &Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}
