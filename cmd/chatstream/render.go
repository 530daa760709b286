// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/protocol"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Faint(true)
	titleStyle     = lipgloss.NewStyle().Bold(true)
)

func roleLabel(role conversation.Role) string {
	switch role {
	case conversation.RoleUser:
		return userStyle.Render("You")
	case conversation.RoleAssistant:
		return assistantStyle.Render("Assistant")
	default:
		return dimStyle.Render(string(role))
	}
}

func printSessions(w io.Writer, sessions []conversation.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions."))
		return
	}
	for _, s := range sessions {
		created := ""
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s  %s  %s\n", s.ID, titleStyle.Render(s.Title), dimStyle.Render(created))
	}
}

func printMessage(w io.Writer, m conversation.Message) {
	fmt.Fprintf(w, "%s: %s\n", roleLabel(m.Role), m.Content)
	printSources(w, m.Sources)
}

func printSources(w io.Writer, sources []protocol.Source) {
	if len(sources) == 0 {
		return
	}
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("%s (%.2f)", s.Filename, s.RelevanceScore)
	}
	fmt.Fprintln(w, dimStyle.Render("  Sources: "+strings.Join(parts, ", ")))
}

// streamPrinter writes the in-flight assistant reply as it grows.
//
// It is a controller subscriber: it remembers the first placeholder it sees
// and prints whatever content that message gained since the last snapshot.
type streamPrinter struct {
	w       io.Writer
	target  string
	printed int
	started bool
}

func (p *streamPrinter) observe(s conversation.State) {
	if p.target == "" {
		if s.InFlightID == "" {
			return
		}
		p.target = s.InFlightID
	}
	m, ok := s.Find(p.target)
	if !ok {
		return
	}
	if !p.started {
		fmt.Fprintf(p.w, "%s: ", roleLabel(conversation.RoleAssistant))
		p.started = true
	}
	if len(m.Content) > p.printed {
		fmt.Fprint(p.w, m.Content[p.printed:])
		p.printed = len(m.Content)
	}
}

// finish ends the reply line and prints its sources from the final state.
func (p *streamPrinter) finish(s conversation.State) {
	if !p.started {
		return
	}
	fmt.Fprintln(p.w)
	if m, ok := s.Find(p.target); ok {
		printSources(p.w, m.Sources)
	}
}

// reset prepares for the next exchange.
func (p *streamPrinter) reset() {
	p.target = ""
	p.printed = 0
	p.started = false
}
