// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatstub runs an in-memory chat backend for local development.
//
// It serves the session, stream and fallback endpoints the chatstream
// client uses, answering every question with a canned reply.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chatstream/pkg/logging"
	"github.com/AleutianAI/chatstream/pkg/observability"
	"github.com/AleutianAI/chatstream/services/chatstub"
)

type stubFlags struct {
	addr          string
	token         string
	noStream      bool
	stringSources bool
	tps           float64
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &stubFlags{}
	cmd := &cobra.Command{
		Use:          "chatstub",
		Short:        "Run an in-memory chat backend with canned answers",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", ":8000", "listen address")
	f.StringVar(&flags.token, "token", os.Getenv("CHATSTUB_TOKEN"), "require this bearer token")
	f.BoolVar(&flags.noStream, "no-stream", false, "answer the stream endpoint with 501 to force the fallback path")
	f.BoolVar(&flags.stringSources, "string-sources", false, "encode fallback sources as a JSON string")
	f.Float64Var(&flags.tps, "tps", 20, "tokens per second; 0 sends as fast as possible")
	f.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func serve(ctx context.Context, flags *stubFlags) error {
	level, ok := logging.ParseLevel(flags.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", flags.logLevel)
	}
	logger := logging.New(logging.Config{Level: level, Service: "chatstub"})
	defer logger.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	stub := chatstub.New(chatstub.Config{
		Token:           flags.token,
		NoStream:        flags.noStream,
		StringSources:   flags.stringSources,
		TokensPerSecond: flags.tps,
		Logger:          logger,
		Metrics:         observability.NewServerMetrics(reg),
	})
	router := stub.Router()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	srv := &http.Server{
		Addr:              flags.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chatstub listening", "addr", flags.addr, "stream", !flags.noStream, "auth", flags.token != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
