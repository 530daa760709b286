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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/pkg/chat"
	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/validation"
)

// runChat reads lines from stdin and sends each one.
//
// # Description
//
// On a terminal, sends run in the background so the prompt stays live;
// lines typed while an answer is still streaming are ignored. When stdin
// is a pipe or file, lines are sent one after another so scripted input
// is never dropped.
//
// A failed send is reported and the loop continues. EOF (Ctrl-D) or
// cancellation ends the session.
func runChat(cmd *cobra.Command, a *app, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	ctx := cmd.Context()

	history, err := a.client.GetMessages(ctx, sessionID)
	if err != nil {
		return describe(err)
	}
	for _, m := range history {
		printMessage(a.out, m)
	}

	ctrl := a.controller()
	ctrl.SelectSession(conversation.Session{ID: sessionID}, history)

	printer := &streamPrinter{w: a.out}
	unsubscribe := ctrl.Subscribe(printer.observe)
	defer unsubscribe()

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	if interactive {
		fmt.Fprintln(a.out, dimStyle.Render("Enter sends. Ctrl-D exits."))
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	done := make(chan error, 1)
	sending := false
	finished := func(err error) {
		sending = false
		printer.finish(ctrl.Snapshot())
		if err != nil && ctx.Err() == nil {
			a.logger.Debug("chat send failed", "error", err)
			if errors.Is(err, chat.ErrNoSession) {
				fmt.Fprintln(a.errOut, describe(err))
			}
		}
	}

	for {
		if interactive && !sending {
			fmt.Fprint(a.out, userStyle.Render("> "))
		}
		select {
		case <-ctx.Done():
			return nil

		case err := <-done:
			finished(err)

		case line, ok := <-lines:
			if !ok {
				if sending {
					finished(<-done)
				}
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if sending {
				fmt.Fprintln(a.errOut, dimStyle.Render("Still answering, input ignored."))
				continue
			}

			sending = true
			printer.reset()
			go func(content string) {
				done <- ctrl.SendMessage(ctx, sessionID, content)
			}(line)
			if !interactive {
				finished(<-done)
			}
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
