package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/orchestrator"
)

// chatCompletions serves POST /v1/chat/completions.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read request body", "invalid_request_error", ""))
		return
	}
	req, err := parseChatRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error", ""))
		return
	}
	providerID, ok := s.cfg.ResolveModel(req.Model)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(fmt.Sprintf("model %q is not served by any enabled provider", req.Model), "invalid_request_error", "model_not_found"))
		return
	}

	id := c.GetString("request_id")
	st, err := s.engine.Submit(c.Request.Context(), &engine.NormalizedRequest{
		CorrelationID: id,
		Provider:      providerID,
		Model:         req.Model,
		Messages:      req.Messages,
		Params:        req.Params,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrDuplicateRequest) {
			c.JSON(http.StatusConflict, errorBody(err.Error(), "invalid_request_error", "duplicate_request"))
			return
		}
		status, eb := statusFor(err)
		c.JSON(status, eb)
		return
	}

	if req.Stream {
		s.streamChat(c, st)
		return
	}
	s.completeChat(c, st, req)
}

// streamChat relays the stream as server-sent events. An error after the headers are
// written is sent as an error event before [DONE].
func (s *Server) streamChat(c *gin.Context, st *orchestrator.Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	w := c.Writer
	write := func(data []byte) {
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		w.Flush()
	}

	first := true
	for chunk := range st.Chunks() {
		if chunk.Delta != "" {
			write(buildStreamChunk(st.ID, st.Model, chunk.Delta, first, ""))
			first = false
		}
		if !chunk.Terminal() {
			continue
		}
		if chunk.Err != nil {
			_, eb := statusFor(chunk.Err)
			data, _ := json.Marshal(eb)
			write(data)
			log.WithFields(log.Fields{"request_id": st.ID, "kind": engine.KindOf(chunk.Err)}).Warn("stream ended with error")
			break
		}
		write(buildStreamChunk(st.ID, st.Model, "", first, chunk.FinishReason))
	}
	write([]byte("[DONE]"))
}

func (s *Server) completeChat(c *gin.Context, st *orchestrator.Stream, req *chatRequest) {
	res, err := orchestrator.Collect(c.Request.Context(), st)
	if err != nil {
		status, eb := statusFor(err)
		c.JSON(status, eb)
		return
	}
	if res.FinishReason == engine.FinishCancelled {
		status, eb := statusFor(engine.ErrCancelled)
		c.JSON(status, eb)
		return
	}
	data, err := buildResponse(st.ID, st.Model, res.Text, res.FinishReason, s.tokens.usage(req.Messages, res.Text))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "server_error", ""))
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
