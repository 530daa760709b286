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
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chatstream/cmd/chatstream/config"
	"github.com/AleutianAI/chatstream/pkg/chat"
	"github.com/AleutianAI/chatstream/pkg/chatapi"
	"github.com/AleutianAI/chatstream/pkg/credentials"
	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/notify"
	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/pkg/sse"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	apiURL      string
	logLevel    string
	metricsAddr string
	trace       bool
}

// app is everything a command needs, built once per invocation.
type app struct {
	cfg     config.Config
	logger  *logging.Logger
	creds   *credentials.Enclave
	client  *chatapi.Client
	metrics *observability.ClientMetrics
	tracer  trace.Tracer
	out     io.Writer
	errOut  io.Writer

	closers []func(context.Context) error
}

// newApp loads configuration and wires the client stack.
//
// # Description
//
// Order of precedence for settings: flags, environment (including .env),
// config file, defaults. The bearer token is moved into a memguard
// enclave and the config copy is cleared.
func newApp(flags *globalFlags, out, errOut io.Writer) (*app, error) {
	path := flags.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	lookup, err := config.EnvLookup(".env")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, lookup)
	if err != nil {
		return nil, err
	}
	if flags.apiURL != "" {
		cfg.API.BaseURL = flags.apiURL
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "chatstream",
		JSON:    cfg.Log.JSON,
		Output:  errOut,
	})

	a := &app{
		cfg:    cfg,
		logger: logger,
		creds:  credentials.NewEnclave(cfg.API.Token),
		out:    out,
		errOut: errOut,
	}
	a.cfg.API.Token = ""

	a.client = chatapi.NewClient(chatapi.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Credentials: a.creds,
		Logger:      logger,
	})

	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		a.metrics = observability.NewClientMetrics(reg)
		shutdown, err := serveMetrics(flags.metricsAddr, reg, logger)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	if flags.trace {
		tracer, shutdown, err := newStdoutTracer(errOut)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.tracer = tracer
		a.closers = append(a.closers, shutdown)
	}

	return a, nil
}

// controller builds a chat controller reporting failures to the terminal.
func (a *app) controller() *chat.Controller {
	opts := []chat.Option{
		chat.WithNotifier(notify.Multi(notify.NewWriter(a.errOut), notify.Log{Logger: a.logger})),
		chat.WithLogger(a.logger),
		chat.WithMetrics(a.metrics),
		chat.WithDecoderOptions(a.decoderOptions()...),
	}
	if a.tracer != nil {
		opts = append(opts, chat.WithTracer(a.tracer))
	}
	return chat.NewController(a.client, opts...)
}

func (a *app) decoderOptions() []sse.Option {
	return []sse.Option{
		sse.WithChunkSize(a.cfg.Stream.ChunkSize),
		sse.WithMaxFrameBytes(a.cfg.Stream.MaxFrameBytes),
	}
}

// close flushes telemetry, wipes the token and closes the log file.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.creds.Destroy()
	if err := a.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// describe turns API failures into actionable messages.
func describe(err error) error {
	if chatapi.IsUnauthorized(err) {
		return fmt.Errorf("%w (set CHATSTREAM_TOKEN or api.token)", err)
	}
	return err
}
