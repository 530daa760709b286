// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// Reduce applies one protocol event to the target message.
//
// # Description
//
// Pure state transition. The input state is not modified.
//
//   - Token: target content gains the token text.
//   - End: target sources are replaced by the event's list and the target
//     is finalized. Content is unchanged. Applying End twice leaves the
//     same sources as applying it once.
//   - Reply: target content and sources are replaced and the target is
//     finalized.
//   - Error: target is removed.
//
// A target that is missing, or is not the in-flight message, makes the
// event a no-op. This is how stale completions (session switched or
// deleted while a stream was open) are absorbed.
//
// # Inputs
//
//   - s: Current state.
//   - targetID: Message the event belongs to.
//   - ev: Event to apply. Unknown or nil events are no-ops.
//
// # Outputs
//
//   - State: The next state. Never panics.
func Reduce(s State, targetID string, ev protocol.Event) State {
	if targetID == "" || s.InFlightID != targetID {
		return s
	}
	i := s.index(targetID)
	if i < 0 {
		return s
	}

	switch e := ev.(type) {
	case protocol.Token:
		next := s.copyMessages()
		next.Messages[i].Content += e.Text
		return next

	case protocol.End:
		next := s.copyMessages()
		next.Messages[i].Sources = protocol.CloneSources(e.Sources)
		next.InFlightID = ""
		return next

	case protocol.Reply:
		next := s.copyMessages()
		next.Messages[i].Content = e.Text
		next.Messages[i].Sources = protocol.CloneSources(e.Sources)
		next.InFlightID = ""
		return next

	case protocol.Error:
		msgs := make([]Message, 0, len(s.Messages)-1)
		msgs = append(msgs, s.Messages[:i]...)
		msgs = append(msgs, s.Messages[i+1:]...)
		next := s
		next.Messages = msgs
		next.InFlightID = ""
		return next

	default:
		return s
	}
}

// Append returns s with m added at the end.
func Append(s State, m Message) State {
	msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = append(msgs, m)
	return s
}

// BeginAssistant appends m and makes it the in-flight target.
//
// Any previous in-flight message stops accepting events, keeping at most
// one in-flight message per session.
func BeginAssistant(s State, m Message) State {
	next := Append(s, m)
	next.InFlightID = m.ID
	return next
}

// WithSending returns s with the sending flag set.
func WithSending(s State, sending bool) State {
	s.Sending = sending
	return s
}
