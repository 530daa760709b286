// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// sourceValidate is shared; validator.Validate caches struct metadata and
// is safe for concurrent use.
var sourceValidate = validator.New()

// payload is the superset of the wire shapes. Sources stays raw so a
// malformed list degrades instead of failing the whole frame.
type payload struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Sources json.RawMessage `json:"sources"`
}

// Interpret maps one frame payload onto a protocol event.
//
// # Description
//
// Parses the JSON payload of a decoded frame. Malformed payloads and
// unknown "type" values are dropped: the second return value is false and
// no error is raised, so one bad frame never aborts an otherwise healthy
// stream. The base protocol never produces Error from payload content.
//
// # Inputs
//
//   - data: Frame payload, i.e. the text after the "data:" prefix.
//
// # Outputs
//
//   - Event: Token or End.
//   - bool: false when the payload was dropped.
//
// # Examples
//
//	ev, ok := protocol.Interpret(`{"type":"token","content":"Hi"}`)
//	// ev == protocol.Token{Text: "Hi"}, ok == true
//
//	_, ok = protocol.Interpret(`{"type":"status","message":"Searching"}`)
//	// ok == false
func Interpret(data string) (Event, bool) {
	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, false
	}

	switch p.Type {
	case TypeToken:
		return Token{Text: p.Content}, true
	case TypeEnd:
		return End{Sources: DecodeSources(p.Sources)}, true
	default:
		return nil, false
	}
}

// DecodeSources decodes a sources field that may be a JSON array or a
// string holding a serialized array.
//
// Anything else (missing, null, a malformed string, a non-array value)
// yields an empty, non-nil slice. Entries that fail validation (empty
// filename, score outside [0,1]) are dropped individually.
func DecodeSources(raw json.RawMessage) []Source {
	out := []Source{}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return out
	}

	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return out
		}
		raw = bytes.TrimSpace([]byte(encoded))
		if len(raw) == 0 {
			return out
		}
	}

	var list []Source
	if err := json.Unmarshal(raw, &list); err != nil {
		return out
	}
	return ValidSources(list)
}

// ValidSources returns the entries of sources that pass validation.
func ValidSources(sources []Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if err := sourceValidate.Struct(s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
