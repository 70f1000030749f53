// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/engine"
)

// ChatResponse is a non-streaming chat completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ChatChoice is one choice of a ChatResponse.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatMessage is an assistant message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the estimated token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one server-sent chat.completion.chunk.
type StreamChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []StreamChunkChoice `json:"choices"`
}

// StreamChunkChoice is the single choice of a StreamChunk.
type StreamChunkChoice struct {
	Index        int              `json:"index"`
	Delta        StreamChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// StreamChunkDelta carries the incremental content.
type StreamChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorBody is the OpenAI error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func completionID(correlationID string) string {
	return "chatcmpl-" + correlationID
}

// buildResponse wraps the aggregated text in a chat.completion.
func buildResponse(id, model, content string, finish engine.FinishReason, usage *Usage) ([]byte, error) {
	return json.Marshal(ChatResponse{
		ID:      completionID(id),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: string(engine.RoleAssistant), Content: content},
			FinishReason: openAIFinish(finish),
		}},
		Usage: usage,
	})
}

// buildStreamChunk encodes one chunk. The first chunk of a stream carries the role; a
// non-empty finish closes the choice.
func buildStreamChunk(id, model, content string, first bool, finish engine.FinishReason) []byte {
	chunk := StreamChunk{
		ID:      completionID(id),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []StreamChunkChoice{{Delta: StreamChunkDelta{Content: content}}},
	}
	if first {
		chunk.Choices[0].Delta.Role = string(engine.RoleAssistant)
	}
	if finish != "" {
		reason := openAIFinish(finish)
		chunk.Choices[0].FinishReason = &reason
	}
	data, _ := json.Marshal(chunk)
	return data
}

// openAIFinish maps finish reasons onto the values OpenAI clients understand.
func openAIFinish(r engine.FinishReason) string {
	switch r {
	case engine.FinishLength, engine.FinishContentFilter:
		return string(r)
	default:
		return string(engine.FinishStop)
	}
}

func errorBody(message, typ, code string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message, Type: typ, Code: code}}
}

// statusFor maps an engine failure to an HTTP status and error type.
func statusFor(err error) (int, ErrorBody) {
	e := engine.AsError(err)
	code := string(e.Kind)
	switch e.Kind {
	case engine.KindUnknownProvider:
		return http.StatusNotFound, errorBody(e.Error(), "invalid_request_error", code)
	case engine.KindPoolExhausted, engine.KindSessionStartupFailure:
		return http.StatusServiceUnavailable, errorBody(e.Error(), "server_error", code)
	case engine.KindProviderBlocked:
		return http.StatusTooManyRequests, errorBody(e.Error(), "rate_limit_error", code)
	case engine.KindNetworkTimeout:
		return http.StatusGatewayTimeout, errorBody(e.Error(), "timeout_error", code)
	case engine.KindAuthExpired, engine.KindResponseParseError:
		return http.StatusBadGateway, errorBody(e.Error(), "upstream_error", code)
	case engine.KindCancelled:
		return 499, errorBody(e.Error(), "cancelled", code)
	default:
		return http.StatusInternalServerError, errorBody(e.Error(), "server_error", code)
	}
}

// chatRequest is a decoded POST /v1/chat/completions body.
type chatRequest struct {
	Model    string
	Stream   bool
	Messages []engine.Message
	Params   engine.Params
}

// parseChatRequest reads an OpenAI chat body. Content may be a string or an array of
// parts, of which only text parts are kept. developer turns are treated as system turns.
func parseChatRequest(body []byte) (*chatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	req := &chatRequest{
		Model:  strings.TrimSpace(root.Get("model").String()),
		Stream: root.Get("stream").Bool(),
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	var perr error
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := engine.Role(strings.ToLower(m.Get("role").String()))
		if role == "developer" {
			role = engine.RoleSystem
		}
		switch role {
		case engine.RoleSystem, engine.RoleUser, engine.RoleAssistant:
		default:
			perr = fmt.Errorf("unsupported message role %q", m.Get("role").String())
			return false
		}
		req.Messages = append(req.Messages, engine.Message{
			Role:    role,
			Content: messageText(m.Get("content")),
			Name:    m.Get("name").String(),
		})
		return true
	})
	if perr != nil {
		return nil, perr
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must contain at least one message")
	}

	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Params.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.Params.TopP = &f
	}
	for _, key := range []string{"max_tokens", "max_completion_tokens"} {
		if v := root.Get(key); v.Exists() {
			n := int(v.Int())
			req.Params.MaxTokens = &n
			break
		}
	}
	return req, nil
}

func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}
