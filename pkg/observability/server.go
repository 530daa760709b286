// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Endpoint labels stub server routes.
type Endpoint string

const (
	EndpointStream   Endpoint = "stream"
	EndpointMessages Endpoint = "messages"
	EndpointSessions Endpoint = "sessions"
)

// ServerMetrics holds metrics for the local stub backend.
type ServerMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// TokensSentTotal counts token frames written to streams.
	TokensSentTotal prometheus.Counter

	// ActiveStreams tracks streams currently being written.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts streams abandoned by the client.
	ClientDisconnectsTotal prometheus.Counter
}

// NewServerMetrics creates and registers the stub metrics on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	factory := promauto.With(reg)
	return &ServerMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "requests_total",
				Help:      "Total stub requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		TokensSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "tokens_sent_total",
				Help:      "Total token frames written",
			},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently being written",
			},
		),
		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total streams abandoned by the client",
			},
		),
	}
}

// RecordRequest records a handled request.
func (m *ServerMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordTokenSent increments the token frame counter.
func (m *ServerMetrics) RecordTokenSent() {
	if m == nil {
		return
	}
	m.TokensSentTotal.Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ServerMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ServerMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *ServerMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
