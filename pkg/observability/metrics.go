// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for chat streaming.
//
// # Description
//
// ClientMetrics instruments the streaming session controller:
//   - Send counters (by path and status)
//   - Tokens applied, frames dropped, fallbacks taken
//   - Latency histograms (time to first token, total send duration)
//   - In-flight send gauge
//
// ServerMetrics instruments the local stub backend.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe on a nil receiver, so components can run
// without metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chatstream"

const (
	clientSubsystem = "client"
	serverSubsystem = "stub"
)

// ClientMetrics holds Prometheus metrics for the session controller.
//
// # Fields
//
//   - SendsTotal: Completed sends by path (stream, fallback) and status
//   - TokensTotal: Token events applied to a placeholder
//   - FramesDroppedTotal: Frames or payloads discarded, by reason
//   - FallbacksTotal: Sends that fell back to the one-shot request, by reason
//   - TimeToFirstTokenSeconds: Latency from request to first token
//   - SendDurationSeconds: Total send duration by path and status
//   - ActiveSends: Sends currently in flight (0 or 1 per controller)
//   - RejectedSendsTotal: Sends refused because one was already running
type ClientMetrics struct {
	SendsTotal              *prometheus.CounterVec
	TokensTotal             prometheus.Counter
	FramesDroppedTotal      *prometheus.CounterVec
	FallbacksTotal          *prometheus.CounterVec
	TimeToFirstTokenSeconds prometheus.Histogram
	SendDurationSeconds     *prometheus.HistogramVec
	ActiveSends             prometheus.Gauge
	RejectedSendsTotal      prometheus.Counter
}

// NewClientMetrics creates and registers the controller metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	factory := promauto.With(reg)
	return &ClientMetrics{
		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "sends_total",
				Help:      "Total chat sends by path and status",
			},
			[]string{"path", "status"},
		),

		TokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "tokens_total",
				Help:      "Total token events applied to assistant messages",
			},
		),

		FramesDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "frames_dropped_total",
				Help:      "Total stream frames discarded by reason",
			},
			[]string{"reason"},
		),

		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "fallbacks_total",
				Help:      "Total sends that used the non-streaming request, by reason",
			},
			[]string{"reason"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first applied token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		SendDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "send_duration_seconds",
				Help:      "Total send duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"path", "status"},
		),

		ActiveSends: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "active_sends",
				Help:      "Number of sends currently in flight",
			},
		),

		RejectedSendsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: clientSubsystem,
				Name:      "rejected_sends_total",
				Help:      "Total sends rejected because another send was in flight",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Path is the delivery path a send took.
type Path string

const (
	// PathStream is the incremental streaming path.
	PathStream Path = "stream"

	// PathFallback is the one-shot non-streaming path.
	PathFallback Path = "fallback"
)

// DropReason explains why a frame produced no event.
type DropReason string

const (
	// DropFrame is a frame without the data prefix or with an empty payload.
	DropFrame DropReason = "frame"

	// DropPayload is a payload that was not valid JSON or had an unknown type.
	DropPayload DropReason = "payload"

	// DropTail is an unterminated frame discarded at end of stream.
	DropTail DropReason = "discarded_tail"
)

// FallbackReason explains why the streaming response was not used.
type FallbackReason string

const (
	FallbackTransport   FallbackReason = "transport"
	FallbackStatus      FallbackReason = "status"
	FallbackContentType FallbackReason = "content_type"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordSend records a completed send.
//
// # Inputs
//
//   - path: The delivery path used.
//   - success: Whether the assistant message was finalized.
//   - seconds: Total duration in seconds.
func (m *ClientMetrics) RecordSend(path Path, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := statusLabel(success)
	m.SendsTotal.WithLabelValues(string(path), status).Inc()
	m.SendDurationSeconds.WithLabelValues(string(path), status).Observe(seconds)
}

// RecordToken increments the token counter.
func (m *ClientMetrics) RecordToken() {
	if m == nil {
		return
	}
	m.TokensTotal.Inc()
}

// RecordDropped adds n dropped frames for reason. Non-positive n is ignored.
func (m *ClientMetrics) RecordDropped(reason DropReason, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(string(reason)).Add(float64(n))
}

// RecordFallback increments the fallback counter.
func (m *ClientMetrics) RecordFallback(reason FallbackReason) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(string(reason)).Inc()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *ClientMetrics) RecordTimeToFirstToken(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// SendStarted increments the active sends gauge.
func (m *ClientMetrics) SendStarted() {
	if m == nil {
		return
	}
	m.ActiveSends.Inc()
}

// SendEnded decrements the active sends gauge.
func (m *ClientMetrics) SendEnded() {
	if m == nil {
		return
	}
	m.ActiveSends.Dec()
}

// RecordRejected increments the rejected sends counter.
func (m *ClientMetrics) RecordRejected() {
	if m == nil {
		return
	}
	m.RejectedSendsTotal.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
