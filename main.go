// modelmux - OpenAI-compatible router across local and cloud LLM backends.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/gateway"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/usage"

	// Adapter packages register their protocol on import.
	_ "github.com/jeranaias/modelmux/internal/backend/anthropic"
	_ "github.com/jeranaias/modelmux/internal/backend/local"
	_ "github.com/jeranaias/modelmux/internal/backend/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "modelmux:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := log.New(os.Stderr, "[modelmux] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	recorder, err := buildRecorder(cfg)
	if err != nil {
		return err
	}

	orc, err := router.New(cfg, router.Deps{
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Printf("MODELMUX | version=%s session=%s backends=%d",
		gateway.Version, orc.SessionID(), len(orc.Backends()))

	srv := gateway.New(cfg.Gateway, orc, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("SIGNAL | %s", sig)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("SHUTDOWN_ERROR | %v", err)
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Printf("USAGE_CLOSE_ERROR | %v", err)
		}
	}
	return <-errCh
}

// buildRecorder assembles the usage pipeline from configuration. A nil
// recorder is valid and disables recording.
func buildRecorder(cfg *config.Config) (*usage.Recorder, error) {
	if !cfg.Usage.Enabled {
		return nil, nil
	}
	var sinks []usage.Sink
	if cfg.Usage.SQLitePath != "" {
		s, err := usage.NewSQLiteSink(cfg.Usage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("usage: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Usage.JSONLPath != "" {
		s, err := usage.NewJSONLSink(cfg.Usage.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("usage: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return usage.NewRecorder(cfg.Usage.Buffer, sinks...), nil
}
