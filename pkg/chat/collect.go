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

	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/protocol"
	"github.com/AleutianAI/chatstream/pkg/sse"
)

// Result is a whole stream collected into one answer.
type Result struct {
	Text    string
	Sources []protocol.Source

	// Ended is true when the stream carried an end event.
	Ended bool

	// Tokens is the number of token events applied.
	Tokens int

	// Stats are the frame decoder counters.
	Stats sse.Stats
}

// collectTarget is the placeholder id used inside Collect.
const collectTarget = "collect"

// Collect reads a complete stream body and returns the final answer.
//
// # Description
//
// For callers that want the answer only once it is complete. Events go
// through the same reducer as SendMessage, so the text and sources match
// what an incremental consumer ends up with.
//
// # Outputs
//
//   - Result: Text, sources (never nil), and counters.
//   - error: Read failure, ErrFrameTooLarge, or ctx cancellation.
func Collect(ctx context.Context, r io.Reader, opts ...sse.Option) (Result, error) {
	s := conversation.BeginAssistant(conversation.New("", nil), conversation.Message{
		ID:      collectTarget,
		Role:    conversation.RoleAssistant,
		Sources: []protocol.Source{},
	})

	var res Result
	stats, err := sse.Decode(ctx, r, func(f sse.Frame) error {
		ev, ok := protocol.Interpret(f.Payload)
		if !ok {
			return nil
		}
		switch ev.(type) {
		case protocol.Token:
			if s.InFlightID == collectTarget {
				res.Tokens++
			}
		case protocol.End:
			res.Ended = true
		}
		s = conversation.Reduce(s, collectTarget, ev)
		return nil
	}, opts...)
	res.Stats = stats
	if err != nil {
		return res, fmt.Errorf("collect stream: %w", err)
	}

	s = conversation.Reduce(s, collectTarget, protocol.End{Sources: []protocol.Source{}})
	msg, _ := s.Find(collectTarget)
	res.Text = msg.Content
	res.Sources = protocol.CloneSources(msg.Sources)
	return res, nil
}
