// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chatstream/pkg/chatapi"
	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/pkg/protocol"
	"github.com/AleutianAI/chatstream/pkg/sse"
)

// exchange carries the per-send values shared by the stream and fallback
// paths.
type exchange struct {
	ctx       context.Context
	sessionID string
	content   string
	targetID  string
	logger    *logging.Logger
	span      trace.Span
	start     time.Time

	path   observability.Path
	tokens int
}

// SendMessage sends content to sessionID and assembles the answer.
//
// # Description
//
// Steps, each visible to subscribers as it happens:
//  1. Sending is set and the user message appended, before any network I/O.
//  2. An empty assistant placeholder is appended and becomes the in-flight
//     target.
//  3. The streaming request is opened.
//  4. A 2xx text/event-stream or text/plain response is decoded frame by
//     frame and every event is applied to the placeholder. A body that ends
//     without an end event leaves the accumulated text with empty sources.
//     Any other response, or a transport error opening the stream, falls
//     back to one non-streaming request whose reply fills the placeholder.
//  5. On failure the placeholder is removed, the user message kept, and
//     the notifier told "Failed to send message". Cancellation of ctx is not
//     notified.
//  6. Sending is cleared on every path.
//
// # Inputs
//
//   - ctx: Cancels the request and the decode loop.
//   - sessionID: Must be the selected session.
//   - content: The user message. Must not be blank.
//
// # Outputs
//
//   - error: ErrEmptyContent, ErrSendInFlight, or ErrNoSession before
//     anything changed; otherwise the wrapped failure, with state already
//     reconciled.
func (c *Controller) SendMessage(ctx context.Context, sessionID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if !c.sendSem.TryAcquire(1) {
		c.metrics.RecordRejected()
		return ErrSendInFlight
	}
	defer c.sendSem.Release(1)

	requestID := c.newID()
	logger := c.logger.With("request_id", requestID, "session_id", sessionID)

	userMsg := conversation.Message{
		ID:        c.newID(),
		Role:      conversation.RoleUser,
		Content:   content,
		Timestamp: c.now(),
	}
	accepted := c.commit(func(s conversation.State) (conversation.State, bool) {
		if !c.active || s.SessionID != sessionID {
			return s, false
		}
		return conversation.Append(conversation.WithSending(s, true), userMsg), true
	}, nil)
	if !accepted {
		return ErrNoSession
	}

	ctx, span := c.tracer.Start(ctx, "chat.SendMessage",
		trace.WithAttributes(
			attribute.String("chat.session_id", sessionID),
			attribute.String("chat.request_id", requestID),
			attribute.Int("chat.content_length", len(content)),
		),
	)
	defer span.End()

	c.metrics.SendStarted()
	defer func() {
		c.commit(func(s conversation.State) (conversation.State, bool) {
			if !s.Sending {
				return s, false
			}
			return conversation.WithSending(s, false), true
		}, nil)
		c.metrics.SendEnded()
	}()

	placeholder := conversation.Message{
		ID:        c.newID(),
		Role:      conversation.RoleAssistant,
		Sources:   []protocol.Source{},
		Timestamp: c.now(),
	}
	c.commit(func(s conversation.State) (conversation.State, bool) {
		if s.SessionID != sessionID {
			return s, false
		}
		return conversation.BeginAssistant(s, placeholder), true
	}, nil)

	logger.Debug("send started",
		"message_id", userMsg.ID,
		"placeholder_id", placeholder.ID,
		"content_length", len(content),
	)

	x := &exchange{
		ctx:       ctx,
		sessionID: sessionID,
		content:   content,
		targetID:  placeholder.ID,
		logger:    logger,
		span:      span,
		start:     c.now(),
		path:      observability.PathStream,
	}
	err := c.run(x)

	duration := c.now().Sub(x.start)
	span.SetAttributes(
		attribute.String("chat.path", string(x.path)),
		attribute.Int("chat.tokens", x.tokens),
	)
	c.metrics.RecordSend(x.path, err == nil, duration.Seconds())

	if err != nil {
		c.apply(x.targetID, protocol.Error{Message: err.Error()})
		span.RecordError(err)

		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "context canceled")
			logger.Info("send cancelled", "path", x.path, "duration", duration)
		} else {
			span.SetStatus(codes.Error, err.Error())
			logger.Error("send failed", "path", x.path, "error", err, "duration", duration)
			c.notifier.NotifyError(FailureNotice)
		}
		return fmt.Errorf("send message: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	logger.Debug("send completed",
		"path", x.path,
		"tokens", x.tokens,
		"duration", duration,
	)
	return nil
}

// run opens the stream and decides between the stream and fallback paths.
func (c *Controller) run(x *exchange) error {
	resp, err := c.api.OpenStream(x.ctx, x.sessionID, x.content)
	if err != nil {
		if ctxErr := x.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		x.logger.Warn("stream request failed, using fallback", "error", err)
		return c.fallback(x, observability.FallbackTransport)
	}

	if ok, reason := chatapi.CheckStream(resp); !ok {
		x.logger.Warn("response is not a stream, using fallback",
			"status_code", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
		)
		drain(resp)
		return c.fallback(x, observability.FallbackReason(reason))
	}

	return c.consume(x, resp.Body)
}

// consume decodes the stream body and applies every event to the target.
func (c *Controller) consume(x *exchange, body io.ReadCloser) error {
	defer func() {
		if err := body.Close(); err != nil {
			x.logger.Debug("failed to close stream body", "error", err)
		}
	}()

	var dropped int
	stats, err := sse.Decode(x.ctx, body, func(f sse.Frame) error {
		ev, ok := protocol.Interpret(f.Payload)
		if !ok {
			dropped++
			x.logger.Debug("dropping unrecognized payload", "payload_length", len(f.Payload))
			return nil
		}
		if err := x.ctx.Err(); err != nil {
			return err
		}
		if _, isToken := ev.(protocol.Token); isToken {
			x.tokens++
			c.metrics.RecordToken()
			if x.tokens == 1 {
				c.metrics.RecordTimeToFirstToken(c.now().Sub(x.start).Seconds())
				x.span.AddEvent("first_token")
			}
		}
		c.apply(x.targetID, ev)
		return nil
	}, c.decoderOpts...)

	c.metrics.RecordDropped(observability.DropFrame, stats.Ignored)
	c.metrics.RecordDropped(observability.DropPayload, dropped)
	if stats.DiscardedBytes > 0 {
		c.metrics.RecordDropped(observability.DropTail, 1)
		x.logger.Debug("discarded unterminated frame", "bytes", stats.DiscardedBytes)
	}

	if err != nil {
		return fmt.Errorf("consume stream: %w", err)
	}

	// No end event: keep what arrived, finalize with empty sources.
	c.apply(x.targetID, protocol.End{Sources: []protocol.Source{}})
	return nil
}

// fallback sends the message once without streaming and applies the reply.
func (c *Controller) fallback(x *exchange, reason observability.FallbackReason) error {
	x.path = observability.PathFallback
	c.metrics.RecordFallback(reason)
	x.span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", string(reason))))

	reply, err := c.api.SendOnce(x.ctx, x.sessionID, x.content)
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	c.apply(x.targetID, reply)
	return nil
}

// drain discards what is left of a response that will not be consumed.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	_ = resp.Body.Close()
}
