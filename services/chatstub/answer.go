// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatstub

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/chatstream/pkg/protocol"
)

// Answer is what the stub replies to a question.
type Answer struct {
	Text    string
	Sources []protocol.Source
}

// Responder produces the answer for a question.
type Responder func(question string) Answer

// EchoResponder answers every question by quoting it, citing one document.
func EchoResponder(question string) Answer {
	return Answer{
		Text: fmt.Sprintf("You asked: %q. This is a canned answer from the local stub.", question),
		Sources: []protocol.Source{
			{Filename: "stub-handbook.md", RelevanceScore: 0.87},
		},
	}
}

// Tokens splits text into word tokens that concatenate back to text.
func Tokens(text string) []string {
	var out []string
	for _, tok := range strings.SplitAfter(text, " ") {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
