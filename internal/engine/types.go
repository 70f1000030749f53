// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine defines the provider-agnostic request and response shapes shared by
// every component of the interception engine, together with its error taxonomy.
package engine

import (
	"net/http"
	"strings"
	"time"
)

// Role identifies the author of a message turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name is the optional speaker name carried by OpenAI-style message objects.
	Name string `json:"name,omitempty"`
}

// Params holds optional generation parameters. A nil field means "provider default".
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// NormalizedRequest is the provider-agnostic request accepted by the orchestrator.
// Adapters consume it read-only.
type NormalizedRequest struct {
	// CorrelationID links the request to its chunk stream.
	CorrelationID string `json:"correlation_id"`

	// Provider is the registered provider identifier (e.g. "deepseek").
	Provider string `json:"provider"`

	// Model is the optional provider model hint (e.g. "deepseek-reasoner").
	Model string `json:"model,omitempty"`

	// Messages is the ordered conversation.
	Messages []Message `json:"messages"`

	// Params carries optional generation parameters.
	Params Params `json:"params"`
}

// LastUserMessage returns the content of the final user turn, or an empty string.
func (r *NormalizedRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// FinishReason explains why a stream terminated.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
	FinishError         FinishReason = "error"
)

// NormalizedChunk is one incremental piece of a normalized response stream.
type NormalizedChunk struct {
	CorrelationID string       `json:"correlation_id"`
	Index         int          `json:"index"`
	Delta         string       `json:"delta,omitempty"`
	FinishReason  FinishReason `json:"finish_reason,omitempty"`

	// Err is set only on a terminal error chunk.
	Err *Error `json:"error,omitempty"`
}

// Terminal reports whether the chunk ends its stream.
func (c NormalizedChunk) Terminal() bool {
	return c.FinishReason != ""
}

// WireMessage is a captured provider request or response. It lives only as long as the
// request that produced it.
type WireMessage struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Status    int
	StartedAt time.Time
}

// Clone returns a deep copy so adapters may mutate it freely.
func (w *WireMessage) Clone() *WireMessage {
	if w == nil {
		return nil
	}
	out := *w
	out.Header = w.Header.Clone()
	if w.Body != nil {
		out.Body = append([]byte(nil), w.Body...)
	}
	return &out
}

// ContentType returns the lower-cased media type of the message, without parameters.
func (w *WireMessage) ContentType() string {
	if w == nil || w.Header == nil {
		return ""
	}
	ct := w.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
