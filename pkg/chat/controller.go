// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat implements the streaming session controller.
//
// # Description
//
// The Controller owns the conversation state of the active session. A
// send appends the user message and an empty assistant placeholder, opens
// the streaming request, and feeds every decoded event through the
// conversation reducer so observers watch the answer grow token by token.
// When the server cannot stream, the one-shot fallback fills the same
// placeholder in a single step. On failure the placeholder is removed and
// the user message stays.
//
// # Architecture
//
//	SendMessage
//	    │
//	    ├── API.OpenStream ──► sse.Decode ──► protocol.Interpret ──► conversation.Reduce
//	    │
//	    └── API.SendOnce (fallback) ─────────────────────────────► conversation.Reduce
//
// # Thread Safety
//
// All methods are safe for concurrent use. At most one send runs at a time;
// a second SendMessage while one is in flight returns ErrSendInFlight.
// Every state change is committed under a lock and handed to subscribers
// in commit order.
package chat

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/notify"
	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/pkg/protocol"
	"github.com/AleutianAI/chatstream/pkg/sse"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSendInFlight is returned when a send is already running.
	ErrSendInFlight = errors.New("a message is already being sent")

	// ErrNoSession is returned when no session is selected, or the send
	// targets a session other than the selected one.
	ErrNoSession = errors.New("no active session")

	// ErrEmptyContent is returned for blank input.
	ErrEmptyContent = errors.New("message content is empty")
)

// FailureNotice is the user-facing notice for a failed send.
const FailureNotice = "Failed to send message"

// =============================================================================
// Interfaces
// =============================================================================

// API is the part of the backend client the controller needs.
// *chatapi.Client satisfies it.
type API interface {
	OpenStream(ctx context.Context, sessionID, content string) (*http.Response, error)
	SendOnce(ctx context.Context, sessionID, content string) (protocol.Reply, error)
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier sets the sink for user-facing failure notices.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer sets the tracer used for send spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides time.Now for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides the uuid generator for message ids.
func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithDecoderOptions passes options to the frame decoder of every stream.
func WithDecoderOptions(opts ...sse.Option) Option {
	return func(c *Controller) {
		c.decoderOpts = append(c.decoderOpts, opts...)
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller drives sends for the active session and owns its state.
type Controller struct {
	api         API
	notifier    notify.Notifier
	logger      *logging.Logger
	metrics     *observability.ClientMetrics
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	decoderOpts []sse.Option

	sendSem *semaphore.Weighted

	// mu guards state and active.
	mu     sync.Mutex
	state  conversation.State
	active bool

	// pubMu serializes commit+publish so subscribers see commit order.
	pubMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(conversation.State)
	nextSub int
}

// NewController creates a Controller with no session selected.
//
// # Examples
//
//	ctrl := chat.NewController(client,
//	    chat.WithNotifier(notify.NewWriter(os.Stderr)),
//	    chat.WithLogger(logger),
//	)
//	ctrl.SelectSession(session, history)
//	err := ctrl.SendMessage(ctx, session.ID, "Hello")
func NewController(api API, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		notifier: notify.Nop,
		logger:   logging.Discard(),
		tracer:   otel.Tracer("chatstream.chat"),
		now:      time.Now,
		newID:    uuid.NewString,
		sendSem:  semaphore.NewWeighted(1),
		subs:     make(map[int]func(conversation.State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelectSession makes session active with the given history.
//
// The previous state is replaced wholesale. A send still running for the
// old session keeps going, but its events no longer find their target and
// are dropped. The Sending flag carries over until that send finishes.
func (c *Controller) SelectSession(session conversation.Session, history []conversation.Message) {
	c.commit(func(s conversation.State) (conversation.State, bool) {
		next := conversation.New(session.ID, history)
		next.Sending = s.Sending
		return next, true
	}, func() { c.active = true })

	c.logger.Debug("session selected",
		"session_id", session.ID,
		"history_length", len(history),
	)
}

// ClearSession drops the state if sessionID is the active session, as
// after the session was deleted. It reports whether anything was cleared.
func (c *Controller) ClearSession(sessionID string) bool {
	cleared := c.commit(func(s conversation.State) (conversation.State, bool) {
		if !c.active || s.SessionID != sessionID {
			return s, false
		}
		next := conversation.New("", nil)
		next.Sending = s.Sending
		return next, true
	}, func() { c.active = false })

	if cleared {
		c.logger.Debug("session cleared", "session_id", sessionID)
	}
	return cleared
}

// ActiveSession returns the selected session id.
func (c *Controller) ActiveSession() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID, c.active
}

// Snapshot returns a deep copy of the committed state.
func (c *Controller) Snapshot() conversation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe registers fn to receive every committed state, in commit order.
//
// fn runs on the goroutine that made the change and must not call methods
// that change state (SendMessage, SelectSession, ClearSession). Snapshot
// is fine. The returned function unregisters fn.
func (c *Controller) Subscribe(fn func(conversation.State)) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.subs, id)
		})
	}
}

// =============================================================================
// Commit
// =============================================================================

// commit applies fn to the state and publishes the result. Nothing is
// published when fn reports no change. after, if set, runs under the state
// lock once a change was stored.
func (c *Controller) commit(fn func(conversation.State) (conversation.State, bool), after func()) bool {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	next, changed := fn(c.state)
	if !changed {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if after != nil {
		after()
	}
	snap := c.state.Clone()
	c.mu.Unlock()

	c.publish(snap)
	return true
}

// apply feeds one event for targetID through the reducer. Events for a
// target that is no longer in flight are dropped without publishing.
func (c *Controller) apply(targetID string, ev protocol.Event) bool {
	return c.commit(func(s conversation.State) (conversation.State, bool) {
		if s.InFlightID != targetID {
			return s, false
		}
		if _, ok := s.Find(targetID); !ok {
			return s, false
		}
		return conversation.Reduce(s, targetID, ev), true
	}, nil)
}

func (c *Controller) publish(snap conversation.State) {
	c.subsMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	fns := make([]func(conversation.State), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap.Clone())
	}
}
