// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatstub is a local chat backend for development and tests.
//
// # Description
//
// It serves the session, streaming and one-shot endpoints the chatstream
// client talks to, with canned answers and in-memory storage:
//
//	GET    /api/chat/sessions
//	POST   /api/chat/sessions
//	DELETE /api/chat/sessions/:sessionId
//	PUT    /api/chat/sessions/:sessionId/title
//	GET    /api/chat/sessions/:sessionId/messages
//	POST   /api/chat/sessions/:sessionId/messages
//	POST   /api/chat/sessions/:sessionId/stream
//
// Switches make it misbehave on purpose: NoStream refuses to stream so the
// client falls back, and StringSources encodes fallback sources as a JSON
// string.
package chatstub

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/observability"
)

// Config configures a Server.
//
// # Fields
//
//   - Token: Optional. When set, requests must carry "Bearer <Token>".
//   - NoStream: Answer the stream endpoint with 501 instead of a stream.
//   - StringSources: Encode fallback sources as a JSON string.
//   - TokensPerSecond: Optional. Paces token frames. 0 means no pacing.
//   - Responder: Optional. Default: EchoResponder.
//   - Logger: Optional. Default: discard.
//   - Metrics: Optional.
type Config struct {
	Token           string
	NoStream        bool
	StringSources   bool
	TokensPerSecond float64
	Responder       Responder
	Logger          *logging.Logger
	Metrics         *observability.ServerMetrics
}

// Server holds the stub's state and handlers.
type Server struct {
	config  Config
	store   *Store
	logger  *logging.Logger
	metrics *observability.ServerMetrics
}

// New creates a Server with an empty store.
func New(config Config) *Server {
	if config.Responder == nil {
		config.Responder = EchoResponder
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		config:  config,
		store:   NewStore(),
		logger:  logger,
		metrics: config.Metrics,
	}
}

// Store returns the backing store, for seeding and inspection.
func (s *Server) Store() *Store {
	return s.store
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chatstub"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api/chat", s.requireToken())
	{
		sessions := api.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.POST("", s.handleCreateSession)
			sessions.DELETE("/:sessionId", s.handleDeleteSession)
			sessions.PUT("/:sessionId/title", s.handleRenameSession)
			sessions.GET("/:sessionId/messages", s.handleGetMessages)
			sessions.POST("/:sessionId/messages", s.handleSendMessage)
			sessions.POST("/:sessionId/stream", s.handleStream)
		}
	}
	return router
}
