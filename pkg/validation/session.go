// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they are
// placed into request paths or bodies.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTitleLength is the longest session title accepted, in runes.
const MaxTitleLength = 200

// sessionIDPattern matches server-assigned session ids: UUIDs, numeric ids
// and other opaque tokens. No slashes, spaces or dots-only segments.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

// ValidateSessionID rejects ids that cannot be a session id.
//
// Valid ids:
//   - 1-128 characters
//   - Letters, digits, underscores and hyphens
//   - Starting with a letter or digit
//
// Example:
//
//	if err := validation.ValidateSessionID(id); err != nil {
//	    return err
//	}
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q (letters, digits, '_' and '-' only, at most 128)", id)
	}
	return nil
}

// NormalizeTitle trims a session title and checks it.
//
// Titles must be non-blank, at most MaxTitleLength runes, valid UTF-8,
// and free of control characters.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("title cannot be blank")
	}
	if !utf8.ValidString(title) {
		return "", fmt.Errorf("title is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return "", fmt.Errorf("title is %d characters, the limit is %d", n, MaxTitleLength)
	}
	if strings.IndexFunc(title, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("title contains control characters")
	}
	return title, nil
}
