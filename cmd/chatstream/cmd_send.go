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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/pkg/chat"
	"github.com/AleutianAI/chatstream/pkg/chatapi"
	"github.com/AleutianAI/chatstream/pkg/conversation"
	"github.com/AleutianAI/chatstream/pkg/validation"
)

// runSend sends one message.
//
// # Description
//
// The default mode drives a chat.Controller and prints tokens as they
// arrive. With quiet, the stream is collected and only the final text is
// printed, which suits scripts.
func runSend(cmd *cobra.Command, a *app, sessionID, content string, quiet bool) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	ctx := cmd.Context()
	if quiet {
		text, err := collectAnswer(ctx, a, sessionID, content)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintln(a.out, text)
		return nil
	}

	history, err := a.client.GetMessages(ctx, sessionID)
	if err != nil {
		return describe(err)
	}

	ctrl := a.controller()
	ctrl.SelectSession(conversation.Session{ID: sessionID}, history)

	printer := &streamPrinter{w: a.out}
	unsubscribe := ctrl.Subscribe(printer.observe)
	defer unsubscribe()

	err = ctrl.SendMessage(ctx, sessionID, content)
	printer.finish(ctrl.Snapshot())
	if err != nil {
		return describe(err)
	}
	return nil
}

// collectAnswer returns the complete answer text, streaming when the
// backend allows it and falling back to a single request otherwise.
func collectAnswer(ctx context.Context, a *app, sessionID, content string) (string, error) {
	resp, err := a.client.OpenStream(ctx, sessionID, content)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.logger.Warn("stream request failed, using fallback", "error", err)
	} else if ok, reason := chatapi.CheckStream(resp); ok {
		defer resp.Body.Close()
		res, err := chat.Collect(ctx, resp.Body, a.decoderOptions()...)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	} else {
		a.logger.Warn("response is not a stream, using fallback", "reason", string(reason), "status", resp.StatusCode)
		a.client.Discard(resp)
	}

	reply, err := a.client.SendOnce(ctx, sessionID, content)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
