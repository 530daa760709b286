// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers user-facing failure notices.
package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/chatstream/pkg/logging"
)

// Notifier receives short, user-facing error notices.
//
// Implementations must not block for long: NotifyError is called from the
// send path.
type Notifier interface {
	NotifyError(message string)
}

// Func adapts a function to Notifier.
type Func func(message string)

// NotifyError calls f.
func (f Func) NotifyError(message string) { f(message) }

// Nop discards every notice.
var Nop Notifier = Func(func(string) {})

// =============================================================================
// Writer
// =============================================================================

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("196")).
	Bold(true)

// Writer prints notices to a terminal-like stream, styled in red.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter returns a Writer printing to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NotifyError prints the notice on its own line.
func (w *Writer) NotifyError(message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, errorStyle.Render("✗ "+message))
}

// =============================================================================
// Log
// =============================================================================

// Log records notices through a logger at warn level.
type Log struct {
	Logger *logging.Logger
}

// NotifyError logs the notice.
func (l Log) NotifyError(message string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Warn("user notified", "notice", message)
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []string
}

// NotifyError appends the notice.
func (r *Recorder) NotifyError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, message)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notices))
	copy(out, r.notices)
	return out
}

// =============================================================================
// Multi
// =============================================================================

// Multi forwards each notice to all notifiers in order. Nil entries are
// skipped.
func Multi(notifiers ...Notifier) Notifier {
	return Func(func(message string) {
		for _, n := range notifiers {
			if n != nil {
				n.NotifyError(message)
			}
		}
	})
}

var (
	_ Notifier = Func(nil)
	_ Notifier = (*Writer)(nil)
	_ Notifier = Log{}
	_ Notifier = (*Recorder)(nil)
)
