// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the client-side conversation model and the
// pure reducer that applies protocol events to it.
//
// State values are treated as immutable. Every transition returns a new
// State with a freshly allocated Messages slice; the argument is never
// modified. Untouched messages are shared by value, and Sources slices are
// only ever replaced, so sharing them is safe.
package conversation

import (
	"time"

	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// =============================================================================
// Records
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is the client's read-only copy of a server-owned chat session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of the conversation.
//
// ID is client generated for optimistic entries and server assigned for
// messages loaded from history. Content is mutable only while the message
// is the in-flight assistant target.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Sources   []protocol.Source `json:"sources,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// =============================================================================
// State
// =============================================================================

// State is the conversation of the active session.
//
// Messages are in display order. InFlightID names the single assistant
// message still accepting tokens, or is empty.
type State struct {
	SessionID  string
	Messages   []Message
	Sending    bool
	InFlightID string
}

// New returns the state for a freshly selected session.
func New(sessionID string, history []Message) State {
	msgs := make([]Message, len(history))
	copy(msgs, history)
	return State{SessionID: sessionID, Messages: msgs}
}

// Find returns the message with the given id.
func (s State) Find(id string) (Message, bool) {
	if i := s.index(id); i >= 0 {
		return s.Messages[i], true
	}
	return Message{}, false
}

// InFlight returns the in-flight assistant message, if any.
func (s State) InFlight() (Message, bool) {
	if s.InFlightID == "" {
		return Message{}, false
	}
	return s.Find(s.InFlightID)
}

// Clone returns a deep copy, safe to hand to observers.
func (s State) Clone() State {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Sources != nil {
			m.Sources = protocol.CloneSources(m.Sources)
		}
		out.Messages[i] = m
	}
	return out
}

func (s State) index(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// copyMessages returns s with its own Messages backing array.
func (s State) copyMessages() State {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	s.Messages = msgs
	return s
}
