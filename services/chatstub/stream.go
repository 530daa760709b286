// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatstub

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// tokenEvent and endEvent are the two wire payloads.
type tokenEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type endEvent struct {
	Type    string            `json:"type"`
	Sources []protocol.Source `json:"sources"`
}

// SetSSEHeaders sets the headers of a token stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteFrame writes v as one "data:" frame and flushes it.
func WriteFrame(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// handleStream answers with one token frame per word and a final end
// frame carrying the sources.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("sessionId")

	if s.config.NoStream {
		s.metrics.RecordRequest(observability.EndpointStream, false)
		c.JSON(http.StatusNotImplemented, gin.H{"error": "streaming disabled"})
		return
	}

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordRequest(observability.EndpointStream, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if !s.store.Exists(id) {
		s.notFound(c, observability.EndpointStream, ErrSessionNotFound)
		return
	}

	answer := s.config.Responder(req.Content)
	tokens := Tokens(answer.Text)

	var limiter *rate.Limiter
	if s.config.TokensPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.TokensPerSecond), 1)
	}

	ctx := c.Request.Context()
	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	for _, tok := range tokens {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.abandoned(id, err)
				return
			}
		}
		if err := WriteFrame(c.Writer, tokenEvent{Type: protocol.TypeToken, Content: tok}); err != nil {
			s.abandoned(id, err)
			return
		}
		s.metrics.RecordTokenSent()
	}

	sources := answer.Sources
	if sources == nil {
		sources = []protocol.Source{}
	}
	if err := WriteFrame(c.Writer, endEvent{Type: protocol.TypeEnd, Sources: sources}); err != nil {
		s.abandoned(id, err)
		return
	}

	if err := s.store.AppendExchange(id, req.Content, answer); err != nil {
		s.logger.Warn("session vanished while streaming", "session_id", id)
	}
	s.logger.Debug("stream completed", "session_id", id, "tokens", len(tokens))
	s.metrics.RecordRequest(observability.EndpointStream, true)
}

func (s *Server) abandoned(sessionID string, err error) {
	s.logger.Info("client abandoned stream", "session_id", sessionID, "error", err)
	s.metrics.RecordClientDisconnect()
	s.metrics.RecordRequest(observability.EndpointStream, false)
}
