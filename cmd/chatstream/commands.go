// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Each call returns an independent
// tree so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var a *app

	rootCmd := &cobra.Command{
		Use:   "chatstream",
		Short: "A terminal client for a streaming chat backend",
		Long: `chatstream talks to a chat backend that streams answers as
server-sent events, falling back to a single request when streaming
is unavailable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			built, err := newApp(flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a = built
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.chatstream/config.yaml)")
	pf.StringVar(&flags.apiURL, "api-url", "", "backend base URL, overrides config and CHATSTREAM_API_URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	pf.BoolVar(&flags.trace, "trace", false, "print trace spans to stderr on exit")

	// withApp runs fn and always releases the app, even when fn fails.
	withApp := func(fn func(a *app) error) (err error) {
		defer func() { err = errors.Join(err, a.close(context.Background())) }()
		return fn(a)
	}

	// --- Sessions ---
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage chat sessions",
	}
	sessionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error { return runListSessions(cmd, a) })
			},
		},
		&cobra.Command{
			Use:   "create [title]",
			Short: "Create a session",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error { return runCreateSession(cmd, a, args) })
			},
		},
		&cobra.Command{
			Use:   "delete [session_id]",
			Short: "Delete a session and its history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error { return runDeleteSession(cmd, a, args[0]) })
			},
		},
		&cobra.Command{
			Use:   "rename [session_id] [title]",
			Short: "Change a session's title",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error { return runRenameSession(cmd, a, args[0], args[1]) })
			},
		},
	)

	// --- History ---
	historyCmd := &cobra.Command{
		Use:   "history [session_id]",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error { return runHistory(cmd, a, args[0]) })
		},
	}

	// --- Send ---
	var quiet bool
	sendCmd := &cobra.Command{
		Use:   "send [session_id] [message]",
		Short: "Send one message and print the answer as it streams",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error { return runSend(cmd, a, args[0], joinArgs(args[1:]), quiet) })
		},
	}
	sendCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final answer text")

	// --- Chat ---
	chatCmd := &cobra.Command{
		Use:   "chat [session_id]",
		Short: "Chat interactively in a session. Enter sends, Ctrl-D exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error { return runChat(cmd, a, args[0]) })
		},
	}

	rootCmd.AddCommand(sessionsCmd, historyCmd, sendCmd, chatCmd)
	return rootCmd
}
