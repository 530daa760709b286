// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/pkg/validation"
)

func runListSessions(cmd *cobra.Command, a *app) error {
	sessions, err := a.client.ListSessions(cmd.Context())
	if err != nil {
		return describe(err)
	}
	printSessions(a.out, sessions)
	return nil
}

func runCreateSession(cmd *cobra.Command, a *app, args []string) error {
	title := ""
	if len(args) > 0 {
		t, err := validation.NormalizeTitle(args[0])
		if err != nil {
			return err
		}
		title = t
	}
	session, err := a.client.CreateSession(cmd.Context(), title)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(a.out, "Created session %s  %s\n", session.ID, titleStyle.Render(session.Title))
	return nil
}

func runDeleteSession(cmd *cobra.Command, a *app, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := a.client.DeleteSession(cmd.Context(), sessionID); err != nil {
		return describe(err)
	}
	fmt.Fprintf(a.out, "Deleted session %s\n", sessionID)
	return nil
}

func runRenameSession(cmd *cobra.Command, a *app, sessionID, title string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	title, err := validation.NormalizeTitle(title)
	if err != nil {
		return err
	}
	if err := a.client.UpdateSessionTitle(cmd.Context(), sessionID, title); err != nil {
		return describe(err)
	}
	fmt.Fprintf(a.out, "Renamed session %s to %s\n", sessionID, titleStyle.Render(title))
	return nil
}

func runHistory(cmd *cobra.Command, a *app, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	history, err := a.client.GetMessages(cmd.Context(), sessionID)
	if err != nil {
		return describe(err)
	}
	if len(history) == 0 {
		fmt.Fprintln(a.out, dimStyle.Render("No messages yet."))
		return nil
	}
	for _, m := range history {
		printMessage(a.out, m)
	}
	return nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
