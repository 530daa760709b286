// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatstub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is a stored session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRecord is a stored message. IDs are numeric, as a SQL-backed
// server would assign them.
type MessageRecord struct {
	ID        int64             `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Sources   []protocol.Source `json:"sources,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store keeps sessions and their messages in memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	messages map[string][]MessageRecord
	order    []string
	nextID   int64
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionRecord),
		messages: make(map[string][]MessageRecord),
		now:      time.Now,
	}
}

// Create adds a session. Newest sessions list first.
func (s *Store) Create(title string) SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &SessionRecord{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.sessions[rec.ID] = rec
	s.order = append([]string{rec.ID}, s.order...)
	return *rec
}

// List returns all sessions, newest first.
func (s *Store) List() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.sessions[id])
	}
	return out
}

// Exists reports whether the session exists.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Rename changes a session's title.
func (s *Store) Rename(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	rec.Title = title
	return nil
}

// Delete removes a session and its messages.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Messages returns the session history in order.
func (s *Store) Messages(id string) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]MessageRecord, len(s.messages[id]))
	copy(out, s.messages[id])
	return out, nil
}

// AppendExchange stores a question and its answer.
func (s *Store) AppendExchange(id, question string, answer Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	now := s.now().UTC()
	s.nextID++
	user := MessageRecord{ID: s.nextID, Role: "user", Content: question, Timestamp: now}
	s.nextID++
	assistant := MessageRecord{
		ID:        s.nextID,
		Role:      "assistant",
		Content:   answer.Text,
		Sources:   protocol.CloneSources(answer.Sources),
		Timestamp: now,
	}
	s.messages[id] = append(s.messages[id], user, assistant)
	return nil
}
