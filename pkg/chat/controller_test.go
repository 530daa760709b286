// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/chatstream/pkg/chatapi"
	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/notify"
	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/pkg/protocol"
	"github.com/AleutianAI/chatstream/pkg/sse"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeAPI scripts the backend. openFn, when set, replaces openResp/openErr.
type fakeAPI struct {
	mu sync.Mutex

	openFn   func(ctx context.Context) (*http.Response, error)
	openResp *http.Response
	openErr  error

	reply    protocol.Reply
	replyErr error

	openCalls     int
	sendOnceCalls int
}

func (f *fakeAPI) OpenStream(ctx context.Context, sessionID, content string) (*http.Response, error) {
	f.mu.Lock()
	f.openCalls++
	fn, resp, err := f.openFn, f.openResp, f.openErr
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return resp, err
}

func (f *fakeAPI) SendOnce(ctx context.Context, sessionID, content string) (protocol.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendOnceCalls++
	return f.reply, f.replyErr
}

func (f *fakeAPI) calls() (open, once int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls, f.sendOnceCalls
}

// scriptedBody returns its chunks one per Read, then err (or EOF).
type scriptedBody struct {
	mu     sync.Mutex
	chunks []string
	err    error
	onRead func(i int)
	i      int
	closed bool
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	i, onRead := b.i, b.onRead
	b.mu.Unlock()
	if onRead != nil {
		onRead(i)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.i >= len(b.chunks) {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[b.i])
	b.chunks[b.i] = b.chunks[b.i][n:]
	if b.chunks[b.i] == "" {
		b.i++
	}
	return n, nil
}

func (b *scriptedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *scriptedBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func newResponse(status int, contentType string, body io.ReadCloser) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	return &http.Response{StatusCode: status, Header: h, Body: body}
}

func streamOf(chunks ...string) *scriptedBody {
	return &scriptedBody{chunks: chunks}
}

func tokenFrame(s string) string {
	return fmt.Sprintf("data: {\"type\":\"token\",\"content\":%q}\n\n", s)
}

const endFrameA = `data: {"type":"end","sources":[{"filename":"a.pdf","relevance_score":0.92}]}` + "\n\n"

var sourcesA = []protocol.Source{{Filename: "a.pdf", RelevanceScore: 0.92}}

// harness wires a controller to a fake API with recorders attached.
type harness struct {
	api      *fakeAPI
	ctrl     *Controller
	notices  *notify.Recorder
	logs     *logging.BufferedExporter
	metrics  *observability.ClientMetrics
	spans    *tracetest.SpanRecorder
	mu       sync.Mutex
	snapshot []conversation.State
}

func newHarness(t *testing.T, api *fakeAPI, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		api:     api,
		notices: &notify.Recorder{},
		logs:    logging.NewBufferedExporter(),
		metrics: observability.NewClientMetrics(prometheus.NewRegistry()),
		spans:   tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var n int
	base := []Option{
		WithNotifier(h.notices),
		WithLogger(logging.New(logging.Config{Quiet: true, Level: logging.LevelDebug, Exporter: h.logs})),
		WithMetrics(h.metrics),
		WithTracer(tp.Tracer("test")),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	}
	h.ctrl = NewController(api, append(base, opts...)...)
	h.ctrl.SelectSession(conversation.Session{ID: "sess-1", Title: "Test"}, nil)
	h.ctrl.Subscribe(func(s conversation.State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.snapshot = append(h.snapshot, s)
	})
	return h
}

func (h *harness) seen() []conversation.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]conversation.State, len(h.snapshot))
	copy(out, h.snapshot)
	return out
}

// assistantIDs returns every distinct assistant id observed, in order.
func (h *harness) assistantIDs() []string {
	var ids []string
	seen := map[string]bool{}
	for _, s := range h.seen() {
		for _, m := range s.Messages {
			if m.Role == conversation.RoleAssistant && !seen[m.ID] {
				seen[m.ID] = true
				ids = append(ids, m.ID)
			}
		}
	}
	return ids
}

// =============================================================================
// Stream Path Tests
// =============================================================================

func TestSendMessage_StreamAssemblesAnswer(t *testing.T) {
	body := streamOf(tokenFrame("Hi"), tokenFrame(" there"), endFrameA)
	api := &fakeAPI{openResp: newResponse(200, "text/event-stream", body)}
	h := newHarness(t, api)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, conversation.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "Hello", s.Messages[0].Content)
	assert.Equal(t, conversation.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "Hi there", s.Messages[1].Content)
	assert.Equal(t, sourcesA, s.Messages[1].Sources)
	assert.False(t, s.Sending)
	assert.Empty(t, s.InFlightID)
	assert.True(t, body.isClosed())

	var contents []string
	for _, snap := range h.seen() {
		if m, ok := snap.Find(s.Messages[1].ID); ok {
			contents = append(contents, m.Content)
		}
	}
	assert.Equal(t, []string{"", "Hi", "Hi there", "Hi there", "Hi there"}, contents,
		"placeholder, two tokens, end, sending cleared")

	open, once := api.calls()
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, once)
	assert.Empty(t, h.notices.Notices())
}

func TestSendMessage_TokenSplitAcrossChunks(t *testing.T) {
	body := streamOf(
		`data: {"type":"tok`,
		`en","content":"Hi"}`+"\n",
		"\n"+tokenFrame(" there")[:10],
		tokenFrame(" there")[10:]+endFrameA,
	)
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/plain; charset=utf-8", body)})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	s := h.ctrl.Snapshot()
	assert.Equal(t, "Hi there", s.Messages[1].Content)
	assert.Equal(t, sourcesA, s.Messages[1].Sources)
}

func TestSendMessage_IgnoresUnusableFrames(t *testing.T) {
	body := streamOf(
		": keepalive\n\n",
		"event: ping\n\n",
		tokenFrame("A"),
		`data: {"type":"thinking","content":"x"}`+"\n\n",
		"data: not json\n\n",
		"data:\n\n",
		tokenFrame("B"),
		endFrameA,
	)
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream", body)})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	assert.Equal(t, "AB", h.ctrl.Snapshot().Messages[1].Content)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.FramesDroppedTotal.WithLabelValues("frame")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FramesDroppedTotal.WithLabelValues("payload")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TokensTotal))
}

func TestSendMessage_StreamWithoutEnd(t *testing.T) {
	body := streamOf(tokenFrame("partial"), `data: {"type":"token","content":"lost`)
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream", body)})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "partial", s.Messages[1].Content)
	assert.NotNil(t, s.Messages[1].Sources)
	assert.Empty(t, s.Messages[1].Sources)
	assert.Empty(t, s.InFlightID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesDroppedTotal.WithLabelValues("discarded_tail")))
}

func TestSendMessage_UserMessageVisibleBeforeRequest(t *testing.T) {
	api := &fakeAPI{}
	h := newHarness(t, api)

	var during conversation.State
	api.openFn = func(ctx context.Context) (*http.Response, error) {
		during = h.ctrl.Snapshot()
		return newResponse(200, "text/event-stream", streamOf(endFrameA)), nil
	}

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	require.Len(t, during.Messages, 2)
	assert.Equal(t, "Hello", during.Messages[0].Content)
	assert.True(t, during.Sending)
	assert.Equal(t, during.Messages[1].ID, during.InFlightID)
	assert.Empty(t, during.Messages[1].Content)
	assert.NotNil(t, during.Messages[1].Sources)

	first := h.seen()[0]
	require.Len(t, first.Messages, 1, "user message is committed on its own first")
	assert.True(t, first.Sending)
}

// =============================================================================
// Fallback Tests
// =============================================================================

func TestSendMessage_FallbackOnce(t *testing.T) {
	tests := []struct {
		name   string
		resp   func() (*http.Response, *scriptedBody)
		err    error
		reason string
		warn   string
	}{
		{
			name: "json content type",
			resp: func() (*http.Response, *scriptedBody) {
				b := streamOf(`{"message":"ignored"}`)
				return newResponse(200, "application/json", b), b
			},
			reason: "content_type",
			warn:   "response is not a stream, using fallback",
		},
		{
			name: "server error",
			resp: func() (*http.Response, *scriptedBody) {
				b := streamOf("boom")
				return newResponse(500, "text/event-stream", b), b
			},
			reason: "status",
			warn:   "response is not a stream, using fallback",
		},
		{
			name:   "transport error",
			resp:   func() (*http.Response, *scriptedBody) { return nil, nil },
			err:    errors.New("connection refused"),
			reason: "transport",
			warn:   "stream request failed, using fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tt.resp()
			api := &fakeAPI{
				openResp: resp,
				openErr:  tt.err,
				reply:    protocol.Reply{Text: "Full answer", Sources: []protocol.Source{}},
			}
			h := newHarness(t, api)

			require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

			_, once := api.calls()
			assert.Equal(t, 1, once)

			s := h.ctrl.Snapshot()
			require.Len(t, s.Messages, 2)
			assert.Equal(t, "Full answer", s.Messages[1].Content)
			assert.Equal(t, []protocol.Source{}, s.Messages[1].Sources)
			assert.False(t, s.Sending)

			assert.Len(t, h.assistantIDs(), 1, "fallback fills the same placeholder")
			assert.Equal(t, s.Messages[1].ID, h.assistantIDs()[0])

			if body != nil {
				assert.True(t, body.isClosed())
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FallbacksTotal.WithLabelValues(tt.reason)))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SendsTotal.WithLabelValues("fallback", "success")))
			assert.Contains(t, h.logs.Messages(logging.LevelWarn), tt.warn)
		})
	}
}

func TestSendMessage_FallbackFailureRemovesPlaceholder(t *testing.T) {
	api := &fakeAPI{
		openResp: newResponse(200, "application/json", streamOf("{}")),
		replyErr: &chatapi.APIError{StatusCode: 503, Body: "unavailable"},
	}
	h := newHarness(t, api)

	err := h.ctrl.SendMessage(context.Background(), "sess-1", "Hello")

	require.Error(t, err)
	var apiErr *chatapi.APIError
	assert.ErrorAs(t, err, &apiErr)

	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, conversation.RoleUser, s.Messages[0].Role)
	assert.False(t, s.Sending)
	assert.Equal(t, []string{FailureNotice}, h.notices.Notices())

	_, once := api.calls()
	assert.Equal(t, 1, once, "no retry")
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestSendMessage_ReadFailureRemovesPlaceholder(t *testing.T) {
	body := &scriptedBody{
		chunks: []string{tokenFrame("Hi")},
		err:    errors.New("connection reset by peer"),
	}
	api := &fakeAPI{openResp: newResponse(200, "text/event-stream", body)}
	h := newHarness(t, api)

	err := h.ctrl.SendMessage(context.Background(), "sess-1", "Hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")

	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 1, "only the user message remains")
	assert.Equal(t, "Hello", s.Messages[0].Content)
	assert.False(t, s.Sending)
	assert.Empty(t, s.InFlightID)
	assert.Equal(t, []string{FailureNotice}, h.notices.Notices())
	assert.True(t, body.isClosed())

	_, once := api.calls()
	assert.Equal(t, 0, once, "mid-stream failures do not fall back")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SendsTotal.WithLabelValues("stream", "error")))
	assert.Contains(t, h.logs.Messages(logging.LevelError), "send failed")
}

func TestSendMessage_FrameTooLarge(t *testing.T) {
	body := streamOf("data: " + strings.Repeat("x", 64))
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream", body)},
		WithDecoderOptions(sse.WithMaxFrameBytes(32)))

	err := h.ctrl.SendMessage(context.Background(), "sess-1", "Hello")

	assert.ErrorIs(t, err, sse.ErrFrameTooLarge)
	assert.Len(t, h.ctrl.Snapshot().Messages, 1)
	assert.Equal(t, []string{FailureNotice}, h.notices.Notices())
}

func TestSendMessage_CancelNotNotified(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := streamOf(tokenFrame("Hi"), tokenFrame(" there"), endFrameA)
	body.onRead = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream", body)})

	err := h.ctrl.SendMessage(ctx, "sess-1", "Hello")

	assert.ErrorIs(t, err, context.Canceled)
	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.False(t, s.Sending)
	assert.Empty(t, h.notices.Notices())
}

func TestSendMessage_CancelBeforeOpenDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{}
	api.openFn = func(ctx context.Context) (*http.Response, error) {
		cancel()
		return nil, ctx.Err()
	}
	h := newHarness(t, api)

	err := h.ctrl.SendMessage(ctx, "sess-1", "Hello")

	assert.ErrorIs(t, err, context.Canceled)
	_, once := api.calls()
	assert.Equal(t, 0, once)
	assert.Empty(t, h.notices.Notices())
}

// =============================================================================
// Guard Tests
// =============================================================================

func TestSendMessage_Guards(t *testing.T) {
	api := &fakeAPI{}
	ctrl := NewController(api)

	assert.ErrorIs(t, ctrl.SendMessage(context.Background(), "sess-1", "Hello"), ErrNoSession)

	ctrl.SelectSession(conversation.Session{ID: "sess-1"}, nil)
	assert.ErrorIs(t, ctrl.SendMessage(context.Background(), "sess-2", "Hello"), ErrNoSession)
	assert.ErrorIs(t, ctrl.SendMessage(context.Background(), "sess-1", "  \n"), ErrEmptyContent)

	assert.Empty(t, ctrl.Snapshot().Messages)
	assert.False(t, ctrl.Snapshot().Sending)
	open, _ := api.calls()
	assert.Zero(t, open)
}

func TestSendMessage_RejectsConcurrentSend(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{}
	api.openFn = func(ctx context.Context) (*http.Response, error) {
		close(entered)
		<-release
		return newResponse(200, "text/event-stream", streamOf(tokenFrame("ok"), endFrameA)), nil
	}
	h := newHarness(t, api)

	done := make(chan error, 1)
	go func() { done <- h.ctrl.SendMessage(context.Background(), "sess-1", "first") }()
	<-entered

	err := h.ctrl.SendMessage(context.Background(), "sess-1", "second")
	assert.ErrorIs(t, err, ErrSendInFlight)
	assert.True(t, h.ctrl.Snapshot().Sending)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first send did not finish")
	}

	s := h.ctrl.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "first", s.Messages[0].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RejectedSendsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveSends))
}

// =============================================================================
// Session Tests
// =============================================================================

func TestSendMessage_StaleAfterSessionSwitch(t *testing.T) {
	history := []conversation.Message{{ID: "srv-1", Role: conversation.RoleUser, Content: "old"}}

	body := streamOf(tokenFrame("Hi"), tokenFrame(" there"), endFrameA)
	api := &fakeAPI{openResp: newResponse(200, "text/event-stream", body)}
	h := newHarness(t, api)
	body.onRead = func(i int) {
		if i == 1 {
			h.ctrl.SelectSession(conversation.Session{ID: "sess-2"}, history)
		}
	}

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	s := h.ctrl.Snapshot()
	assert.Equal(t, "sess-2", s.SessionID)
	assert.Equal(t, history, s.Messages, "late events do not leak into the new session")
	assert.False(t, s.Sending)
	assert.Empty(t, s.InFlightID)
	assert.Empty(t, h.notices.Notices())
}

func TestClearSession(t *testing.T) {
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream", streamOf(endFrameA))})
	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	assert.False(t, h.ctrl.ClearSession("other"))
	assert.Len(t, h.ctrl.Snapshot().Messages, 2)

	assert.True(t, h.ctrl.ClearSession("sess-1"))
	assert.Empty(t, h.ctrl.Snapshot().Messages)
	_, active := h.ctrl.ActiveSession()
	assert.False(t, active)
	assert.ErrorIs(t, h.ctrl.SendMessage(context.Background(), "sess-1", "again"), ErrNoSession)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	ctrl := NewController(&fakeAPI{})
	var calls int
	unsubscribe := ctrl.Subscribe(func(conversation.State) { calls++ })

	ctrl.SelectSession(conversation.Session{ID: "a"}, nil)
	unsubscribe()
	unsubscribe()
	ctrl.SelectSession(conversation.Session{ID: "b"}, nil)

	assert.Equal(t, 1, calls)
}

func TestSubscribe_ReceivesCopies(t *testing.T) {
	ctrl := NewController(&fakeAPI{})
	ctrl.Subscribe(func(s conversation.State) {
		if len(s.Messages) > 0 {
			s.Messages[0].Content = "mutated by observer"
		}
	})

	ctrl.SelectSession(conversation.Session{ID: "a"}, []conversation.Message{{ID: "m", Content: "original"}})

	assert.Equal(t, "original", ctrl.Snapshot().Messages[0].Content)
}

// =============================================================================
// Observability Tests
// =============================================================================

func TestSendMessage_Span(t *testing.T) {
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream",
		streamOf(tokenFrame("Hi"), endFrameA))})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "chat.SendMessage", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "sess-1", attrs["chat.session_id"])
	assert.Equal(t, "stream", attrs["chat.path"])
	assert.Equal(t, "1", attrs["chat.tokens"])
}

func TestSendMessage_SpanRecordsFailure(t *testing.T) {
	h := newHarness(t, &fakeAPI{
		openErr:  errors.New("dial tcp: refused"),
		replyErr: errors.New("dial tcp: refused"),
	})

	require.Error(t, h.ctrl.SendMessage(context.Background(), "sess-1", "Hello"))

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "fallback")
}

func TestSendMessage_DoesNotLogContent(t *testing.T) {
	secret := "my very private question"
	h := newHarness(t, &fakeAPI{openResp: newResponse(200, "text/event-stream",
		streamOf(tokenFrame("private answer"), endFrameA))})

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "sess-1", secret))

	for _, e := range h.logs.Entries() {
		for k, v := range e.Attrs {
			s := fmt.Sprint(v)
			assert.NotContains(t, s, secret, "attribute %s", k)
			assert.NotContains(t, s, "private answer", "attribute %s", k)
		}
	}
}
