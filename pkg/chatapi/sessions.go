// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// =============================================================================
// Session REST
// =============================================================================

// TitleRequest is the body of session create and rename requests.
type TitleRequest struct {
	Title string `json:"title"`
}

// ListSessions returns the caller's sessions in server order.
func (c *Client) ListSessions(ctx context.Context) ([]conversation.Session, error) {
	var wire []sessionWire
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/sessions", nil, &wire); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]conversation.Session, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toSession())
	}
	return out, nil
}

// CreateSession creates a session. A blank title becomes "New Conversation".
func (c *Client) CreateSession(ctx context.Context, title string) (conversation.Session, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultSessionTitle
	}
	var wire sessionWire
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/sessions", TitleRequest{Title: title}, &wire); err != nil {
		return conversation.Session{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.Debug("session created", "session_id", string(wire.ID))
	return wire.toSession(), nil
}

// GetMessages loads the stored history of a session.
//
// Messages keep their server-assigned ids. Assistant sources use the same
// lenient decoding as the fallback path.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	path := fmt.Sprintf("/api/chat/sessions/%s/messages", url.PathEscape(sessionID))

	var wire []messageWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]conversation.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toMessage())
	}
	return out, nil
}

// DeleteSession deletes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/api/chat/sessions/%s", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UpdateSessionTitle renames a session.
func (c *Client) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	path := fmt.Sprintf("/api/chat/sessions/%s/title", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodPut, path, TitleRequest{Title: title}, nil); err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// =============================================================================
// Wire Types
// =============================================================================

type sessionWire struct {
	ID        flexID   `json:"id"`
	Title     string   `json:"title"`
	CreatedAt flexTime `json:"created_at"`
}

func (w sessionWire) toSession() conversation.Session {
	return conversation.Session{
		ID:        string(w.ID),
		Title:     w.Title,
		CreatedAt: w.CreatedAt.Time,
	}
}

type messageWire struct {
	ID        flexID          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   json.RawMessage `json:"sources"`
	Timestamp flexTime        `json:"timestamp"`
	CreatedAt flexTime        `json:"created_at"`
}

func (w messageWire) toMessage() conversation.Message {
	m := conversation.Message{
		ID:        string(w.ID),
		Role:      conversation.Role(w.Role),
		Content:   w.Content,
		Timestamp: w.Timestamp.Time,
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = w.CreatedAt.Time
	}
	if m.Role == conversation.RoleAssistant || len(w.Sources) > 0 {
		m.Sources = protocol.DecodeSources(w.Sources)
	}
	return m
}
