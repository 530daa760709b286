// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatstub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/chatstream/pkg/observability"
)

// defaultTitle matches the client's default for untitled sessions.
const defaultTitle = "New Conversation"

// messageRequest is the body of the stream and messages endpoints.
type messageRequest struct {
	Content string `json:"content" binding:"required"`
}

// titleRequest is the body of the create and rename endpoints.
type titleRequest struct {
	Title string `json:"title"`
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.Token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.config.Token {
			s.logger.Warn("rejected request without valid token", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	s.metrics.RecordRequest(observability.EndpointSessions, true)
	c.JSON(http.StatusOK, s.store.List())
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req titleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.metrics.RecordRequest(observability.EndpointSessions, false)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = defaultTitle
	}
	rec := s.store.Create(req.Title)
	s.logger.Info("session created", "session_id", rec.ID)
	s.metrics.RecordRequest(observability.EndpointSessions, true)
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("sessionId")
	if err := s.store.Delete(id); err != nil {
		s.notFound(c, observability.EndpointSessions, err)
		return
	}
	s.logger.Info("session deleted", "session_id", id)
	s.metrics.RecordRequest(observability.EndpointSessions, true)
	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
}

func (s *Server) handleRenameSession(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		s.metrics.RecordRequest(observability.EndpointSessions, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := s.store.Rename(c.Param("sessionId"), req.Title); err != nil {
		s.notFound(c, observability.EndpointSessions, err)
		return
	}
	s.metrics.RecordRequest(observability.EndpointSessions, true)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	msgs, err := s.store.Messages(c.Param("sessionId"))
	if err != nil {
		s.notFound(c, observability.EndpointSessions, err)
		return
	}
	s.metrics.RecordRequest(observability.EndpointSessions, true)
	c.JSON(http.StatusOK, msgs)
}

// handleSendMessage is the one-shot endpoint: the whole answer in one
// JSON body.
func (s *Server) handleSendMessage(c *gin.Context) {
	id := c.Param("sessionId")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordRequest(observability.EndpointMessages, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if !s.store.Exists(id) {
		s.notFound(c, observability.EndpointMessages, ErrSessionNotFound)
		return
	}

	answer := s.config.Responder(req.Content)
	if err := s.store.AppendExchange(id, req.Content, answer); err != nil {
		s.notFound(c, observability.EndpointMessages, err)
		return
	}

	var sources any = answer.Sources
	if s.config.StringSources {
		encoded, err := json.Marshal(answer.Sources)
		if err != nil {
			s.metrics.RecordRequest(observability.EndpointMessages, false)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode sources"})
			return
		}
		sources = string(encoded)
	}

	s.logger.Debug("answered without streaming",
		"session_id", id,
		"answer_length", len(answer.Text),
	)
	s.metrics.RecordRequest(observability.EndpointMessages, true)
	c.JSON(http.StatusOK, gin.H{"message": answer.Text, "sources": sources})
}

func (s *Server) notFound(c *gin.Context, endpoint observability.Endpoint, err error) {
	s.metrics.RecordRequest(endpoint, false)
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
