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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/credentials"
	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockHTTPClient returns a canned response or error and records the request.
type mockHTTPClient struct {
	response *http.Response
	err      error
	requests []*http.Request
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func createMockResponse(status int, contentType, body string) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// recordedRequest is what the test server saw.
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// requestLog is safe to append from the server goroutine.
type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) add(r recordedRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedRequest, len(l.reqs))
	copy(out, l.reqs)
	return out
}

// newTestServer serves fn and records every request.
func newTestServer(t *testing.T, fn http.HandlerFunc) (*Client, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.add(recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		fn(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:     srv.URL + "/",
		Credentials: credentials.Static("tok-123"),
	})
	return client, seen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// NewClient Tests
// =============================================================================

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})

	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	httpClient, ok := c.client.(*http.Client)
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, httpClient.Timeout)
	_, hasToken := c.creds.Token()
	assert.False(t, hasToken)
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://api.local:9000//", Timeout: time.Second})
	assert.Equal(t, "http://api.local:9000", c.BaseURL())
}

// =============================================================================
// OpenStream Tests
// =============================================================================

func TestOpenStream_SendsRequest(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"token\",\"content\":\"Hi\"}\n\n")
	})

	resp, err := client.OpenStream(context.Background(), "sess/1", "Hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, IsStream(resp))
	require.Len(t, seen.all(), 1)
	req := seen.all()[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/chat/sessions/sess%2F1/stream", req.Path)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
	assert.Equal(t, "Bearer tok-123", req.Header.Get("Authorization"))
	assert.JSONEq(t, `{"content":"Hello"}`, req.Body)
}

func TestOpenStream_NoTokenNoHeader(t *testing.T) {
	mock := &mockHTTPClient{response: createMockResponse(200, "text/plain", "")}
	client := NewClient(Config{HTTPClient: mock})

	_, err := client.OpenStream(context.Background(), "s", "x")
	require.NoError(t, err)
	require.Len(t, mock.requests, 1)
	assert.Empty(t, mock.requests[0].Header.Get("Authorization"))
}

func TestOpenStream_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	client := NewClient(Config{HTTPClient: mock})

	resp, err := client.OpenStream(context.Background(), "s", "x")
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open stream")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCheckStream(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		wantOK      bool
		wantReason  RejectReason
	}{
		{"event stream", 200, "text/event-stream", true, ""},
		{"plain with charset", 200, "text/plain; charset=utf-8", true, ""},
		{"upper case", 200, "Text/Event-Stream", true, ""},
		{"json", 200, "application/json", false, RejectContentType},
		{"missing", 200, "", false, RejectContentType},
		{"server error", 500, "text/event-stream", false, RejectStatus},
		{"not found", 404, "text/plain", false, RejectStatus},
		{"created", 201, "text/event-stream", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := CheckStream(createMockResponse(tt.status, tt.contentType, ""))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}

	ok, reason := CheckStream(nil)
	assert.False(t, ok)
	assert.Equal(t, RejectStatus, reason)
}

// =============================================================================
// SendOnce Tests
// =============================================================================

func TestSendOnce_Sources(t *testing.T) {
	tests := []struct {
		name    string
		sources any
		want    []protocol.Source
	}{
		{
			name:    "array",
			sources: []map[string]any{{"filename": "a.pdf", "relevance_score": 0.9}},
			want:    []protocol.Source{{Filename: "a.pdf", RelevanceScore: 0.9}},
		},
		{
			name:    "string encoded array",
			sources: `[{"filename":"b.md","relevance_score":0.5}]`,
			want:    []protocol.Source{{Filename: "b.md", RelevanceScore: 0.5}},
		},
		{name: "string empty array", sources: "[]", want: []protocol.Source{}},
		{name: "malformed string", sources: "not json", want: []protocol.Source{}},
		{name: "null", sources: nil, want: []protocol.Source{}},
		{name: "object", sources: map[string]any{"x": 1}, want: []protocol.Source{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"message": "Full answer", "sources": tt.sources})
			})

			reply, err := client.SendOnce(context.Background(), "sess-1", "Hello")
			require.NoError(t, err)
			assert.Equal(t, "Full answer", reply.Text)
			assert.Equal(t, tt.want, reply.Sources)

			require.Len(t, seen.all(), 1)
			assert.Equal(t, "/api/chat/sessions/sess-1/messages", seen.all()[0].Path)
			assert.JSONEq(t, `{"content":"Hello"}`, seen.all()[0].Body)
		})
	}
}

func TestSendOnce_ServerError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	})

	_, err := client.SendOnce(context.Background(), "sess-1", "Hello")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "model unavailable", apiErr.Body)
	assert.Contains(t, err.Error(), "server error (503)")
}

func TestSendOnce_BadJSON(t *testing.T) {
	mock := &mockHTTPClient{response: createMockResponse(200, "application/json", "{not json")}
	client := NewClient(Config{HTTPClient: mock})

	_, err := client.SendOnce(context.Background(), "s", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestIsUnauthorized(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.SendOnce(context.Background(), "s", "x")
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsUnauthorized(errors.New("other")))
	assert.Equal(t, "server error (401)", (&APIError{StatusCode: 401}).Error())
}

// =============================================================================
// Session REST Tests
// =============================================================================

func TestListSessions_FlexibleWire(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id": 42, "title": "Numeric", "created_at": "2025-03-01T10:00:00Z"},
			{"id": "abc", "title": "Naive time", "created_at": "2025-03-01T10:00:00.123456"},
			{"id": "x", "title": "Bad time", "created_at": "yesterday"}
		]`)
	})

	sessions, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, "42", sessions[0].ID)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), sessions[0].CreatedAt)
	assert.Equal(t, "abc", sessions[1].ID)
	assert.Equal(t, 123456000, sessions[1].CreatedAt.Nanosecond())
	assert.True(t, sessions[2].CreatedAt.IsZero())
	assert.Equal(t, http.MethodGet, seen.all()[0].Method)
}

func TestCreateSession_DefaultTitle(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "s-1", "title": "New Conversation"})
	})

	session, err := client.CreateSession(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)
	assert.JSONEq(t, `{"title":"New Conversation"}`, seen.all()[0].Body)
	assert.Equal(t, "/api/chat/sessions", seen.all()[0].Path)
}

func TestGetMessages(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id": 1, "role": "user", "content": "Hello", "timestamp": "2025-03-01T10:00:00Z"},
			{"id": 2, "role": "assistant", "content": "Hi there",
			 "sources": "[{\"filename\":\"a.pdf\",\"relevance_score\":0.92}]",
			 "created_at": "2025-03-01 10:00:05"}
		]`)
	})

	msgs, err := client.GetMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "/api/chat/sessions/sess-1/messages", seen.all()[0].Path)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Nil(t, msgs[0].Sources)
	assert.Equal(t, "2", msgs[1].ID)
	assert.Equal(t, []protocol.Source{{Filename: "a.pdf", RelevanceScore: 0.92}}, msgs[1].Sources)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 5, 0, time.UTC), msgs[1].Timestamp)
}

func TestDeleteAndRename(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteSession(context.Background(), "s-1"))
	require.NoError(t, client.UpdateSessionTitle(context.Background(), "s-1", "Renamed"))

	require.Len(t, seen.all(), 2)
	assert.Equal(t, http.MethodDelete, seen.all()[0].Method)
	assert.Equal(t, "/api/chat/sessions/s-1", seen.all()[0].Path)
	assert.Equal(t, http.MethodPut, seen.all()[1].Method)
	assert.Equal(t, "/api/chat/sessions/s-1/title", seen.all()[1].Path)
	assert.JSONEq(t, `{"title":"Renamed"}`, seen.all()[1].Body)
}

func TestDeleteSession_NotFound(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	err := client.DeleteSession(context.Background(), "gone")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
