// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol defines the typed events of the chat streaming protocol
// and the interpreter that maps decoded frame payloads onto them.
//
// Event is a closed variant. Token and End arrive on the wire; Error and
// Reply are synthesized by the session controller (transport failure and
// the non-streaming fallback response respectively). Nothing outside this
// package can add a variant.
package protocol

// =============================================================================
// Wire Types
// =============================================================================

const (
	// TypeToken is the wire "type" of an incremental text event.
	TypeToken = "token"

	// TypeEnd is the wire "type" of the terminal event carrying sources.
	TypeEnd = "end"
)

// Source is a retrieved document cited by an assistant answer.
//
// RelevanceScore is in [0,1]. Sources are immutable once attached to a
// message; transitions replace the slice, never edit it.
type Source struct {
	Filename       string  `json:"filename" validate:"required"`
	RelevanceScore float64 `json:"relevance_score" validate:"gte=0,lte=1"`
}

// =============================================================================
// Event Variants
// =============================================================================

// Event is one protocol event, applied in strict arrival order.
type Event interface {
	isEvent()
}

// Token appends Text to the in-flight assistant message.
type Token struct {
	Text string
}

// End sets the in-flight message's sources and finalizes it.
type End struct {
	Sources []Source
}

// Error reports a transport-level failure. Applying it removes the
// in-flight placeholder.
type Error struct {
	Message string
}

// Reply is the complete answer returned by the non-streaming fallback.
// Applying it sets content and sources in one step.
type Reply struct {
	Text    string
	Sources []Source
}

func (Token) isEvent() {}
func (End) isEvent()   {}
func (Error) isEvent() {}
func (Reply) isEvent() {}

// Kind returns a short lowercase name for logs and metric labels.
func Kind(ev Event) string {
	switch ev.(type) {
	case Token:
		return "token"
	case End:
		return "end"
	case Error:
		return "error"
	case Reply:
		return "reply"
	default:
		return "unknown"
	}
}

// CloneSources returns a copy of sources, never nil.
func CloneSources(sources []Source) []Source {
	out := make([]Source, len(sources))
	copy(out, sources)
	return out
}
