// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-webhook receives webhook notifications over HTTP and posts
// them to Matrix rooms as a bot user.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"

	"github.com/nim65s/matrix-webhook/pkg/connector"
	"github.com/nim65s/matrix-webhook/pkg/formatter"
	"github.com/nim65s/matrix-webhook/pkg/session"
	"github.com/nim65s/matrix-webhook/pkg/webhook"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flags.showVersion {
		fmt.Printf("matrix-webhook %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := LoadConfig(flags.configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := setupLogging(cfg, flags.verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *log); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("matrix-webhook stopped")
		stop()
		os.Exit(1)
	}
}

// setupLogging compiles the logging block and lowers the minimum level by
// one step per -v.
func setupLogging(cfg *Config, verbose int) (*zerolog.Logger, error) {
	if verbose > 0 {
		level := zerolog.DebugLevel
		if verbose > 1 {
			level = zerolog.TraceLevel
		}
		cfg.Logging.MinLevel = &level
		for i := range cfg.Logging.Writers {
			cfg.Logging.Writers[i].MinLevel = nil
		}
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, err
	}
	exzerolog.SetupDefaults(log)
	return log, nil
}

func run(ctx context.Context, cfg *Config, log zerolog.Logger) error {
	store, err := session.New(cfg.Matrix.StorageLocation)
	if err != nil {
		return fmt.Errorf("failed to open session storage: %w", err)
	}
	client, err := connector.NewClient(&cfg.Matrix, store, log)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close matrix client")
		}
	}()

	if err := client.Login(ctx); err != nil {
		var derr *connector.DeliveryError
		if !errors.As(err, &derr) || derr.Status != http.StatusGatewayTimeout {
			return fmt.Errorf("failed to log in: %w", err)
		}
		// The homeserver may come back later; requests log in on demand.
		log.Warn().Err(err).Msg("Homeserver unreachable at startup, continuing logged out")
	} else {
		log.Info().
			Stringer("user_id", client.UserID()).
			Str("device_id", string(client.DeviceID())).
			Bool("encryption", cfg.Matrix.Encryption).
			Msg("Logged in to Matrix")
	}

	registry := formatter.NewRegistry()
	log.Debug().Str("formatters", strings.Join(registry.Names(), ", ")).Msg("Registered formatters")
	handler := webhook.NewHandler(client, registry, webhook.Options{
		APIKey:         cfg.APIKey,
		MaxBodySize:    cfg.Server.MaxBodySize,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	srv := webhook.NewServer(cfg.Server, handler, log)
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	// In-flight requests finish their retry budget before the client closes.
	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-serveErr
}
