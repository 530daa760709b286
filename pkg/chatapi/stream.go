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
	"mime"
	"net/http"
	"net/url"

	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// MessageRequest is the body of both the streaming and the fallback request.
type MessageRequest struct {
	Content string `json:"content"`
}

// RejectReason explains why a response cannot be consumed as a stream.
type RejectReason string

const (
	// RejectStatus is a non-2xx response.
	RejectStatus RejectReason = "status"

	// RejectContentType is a 2xx response with a non-stream media type.
	RejectContentType RejectReason = "content_type"
)

// OpenStream starts the streaming request for one user message.
//
// # Description
//
// POSTs {"content": ...} to /api/chat/sessions/{id}/stream and returns the
// response unread. The caller decides with CheckStream whether the body is
// a token stream and must close it in every case.
//
// # Inputs
//
//   - ctx: Cancels the request and any later read of the body.
//   - sessionID: Target session. Path escaped.
//   - content: The user message.
//
// # Outputs
//
//   - *http.Response: Whatever the server answered, any status.
//   - error: Transport failure (connection refused, DNS, ctx cancelled).
func (c *Client) OpenStream(ctx context.Context, sessionID, content string) (*http.Response, error) {
	path := fmt.Sprintf("/api/chat/sessions/%s/stream", url.PathEscape(sessionID))

	req, err := c.newRequest(ctx, http.MethodPost, path, MessageRequest{Content: content}, "text/event-stream")
	if err != nil {
		return nil, err
	}

	c.logger.Debug("opening stream",
		"session_id", sessionID,
		"content_length", len(content),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return resp, nil
}

// CheckStream reports whether resp carries a token stream: a 2xx status
// with media type text/event-stream or text/plain. When it does not, the
// reason is returned.
func CheckStream(resp *http.Response) (bool, RejectReason) {
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, RejectStatus
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false, RejectContentType
	}
	switch mediaType {
	case "text/event-stream", "text/plain":
		return true, ""
	default:
		return false, RejectContentType
	}
}

// IsStream reports whether resp carries a token stream.
func IsStream(resp *http.Response) bool {
	ok, _ := CheckStream(resp)
	return ok
}

// Discard drains and closes a response that will not be consumed.
func (c *Client) Discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	closeBody(resp.Body, c.logger)
}

// =============================================================================
// Fallback
// =============================================================================

// replyWire is the fallback response. Sources arrive either as an array or
// as a JSON string holding an array.
type replyWire struct {
	Message string          `json:"message"`
	Sources json.RawMessage `json:"sources"`
}

// SendOnce sends the message through the non-streaming endpoint.
//
// # Description
//
// POSTs {"content": ...} to /api/chat/sessions/{id}/messages and returns
// the complete answer as a Reply. Malformed sources degrade to an empty
// list rather than failing the call.
//
// # Outputs
//
//   - protocol.Reply: Answer text and sources (never nil).
//   - error: Transport failure, *APIError for non-2xx, or a decode error.
func (c *Client) SendOnce(ctx context.Context, sessionID, content string) (protocol.Reply, error) {
	path := fmt.Sprintf("/api/chat/sessions/%s/messages", url.PathEscape(sessionID))

	var wire replyWire
	if err := c.doJSON(ctx, http.MethodPost, path, MessageRequest{Content: content}, &wire); err != nil {
		return protocol.Reply{}, fmt.Errorf("send message: %w", err)
	}

	return protocol.Reply{
		Text:    wire.Message,
		Sources: protocol.DecodeSources(wire.Sources),
	}, nil
}
