// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aiku/tdm-bridge/pkg/adapters/discord"
	"github.com/aiku/tdm-bridge/pkg/adapters/matrix"
	"github.com/aiku/tdm-bridge/pkg/adapters/telegram"
	"github.com/aiku/tdm-bridge/pkg/admin"
	"github.com/aiku/tdm-bridge/pkg/bridge"
	"github.com/aiku/tdm-bridge/pkg/config"
	"github.com/aiku/tdm-bridge/pkg/loopguard"
	"github.com/aiku/tdm-bridge/pkg/mailbox"
	"github.com/aiku/tdm-bridge/pkg/orchestrator"
	"github.com/aiku/tdm-bridge/pkg/relay"
	"github.com/aiku/tdm-bridge/pkg/telemetry"
)

const tracingFlushTimeout = 5 * time.Second

func runBridge(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(debug)
	if err != nil {
		return err
	}
	log := *logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		return err
	}
	senders := make(map[bridge.Platform]relay.Sender, len(adapters))
	for _, a := range adapters {
		senders[a.Platform()] = a
	}

	guard := loopguard.New(cfg.Relay.DedupWindow)
	engine := relay.NewEngine(relay.Params{
		Guard:       guard,
		Table:       cfg.Table(),
		Senders:     senders,
		Tracer:      tracing.Tracer(),
		Log:         log,
		SendTimeout: cfg.Relay.SendTimeout,
	})
	orch, err := orchestrator.New(orchestrator.Params{
		Handler:       engine,
		Guard:         guard,
		Adapters:      adapters,
		Mailbox:       mailbox.New[bridge.InboundMessage](cfg.Relay.MailboxCapacity),
		PollInterval:  cfg.Relay.MailboxPollInterval,
		SweepInterval: cfg.Relay.SweepInterval,
		Supervisor:    cfg.Supervisor,
		Version:       Tag,
		Log:           log,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version()).
		Int("routes", cfg.Table().Routes()).
		Bool("catch_all", cfg.Table().HasCatchAll()).
		Bool("tracing", tracing.Enabled()).
		Msg("Starting tdm-bridge")

	var wg conc.WaitGroup
	if cfg.Admin.Addr != "" {
		api := admin.New(orch, log)
		wg.Go(func() {
			if err := api.Serve(ctx, cfg.Admin.Addr); err != nil {
				log.Error().Err(err).Msg("Bridge admin API error")
			}
		})
	}
	err = orch.Run(ctx)
	wg.Wait()
	return err
}

// buildAdapters creates an adapter for every enabled platform.
func buildAdapters(cfg *config.Config, log zerolog.Logger) ([]bridge.Adapter, error) {
	var out []bridge.Adapter
	if cfg.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			APIServer:   cfg.Telegram.APIServer,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, a)
	}
	if cfg.Discord.Enabled {
		a, err := discord.New(discord.Config{
			Token:    cfg.Discord.Token,
			Webhooks: cfg.Discord.Webhooks,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, a)
	}
	if cfg.Matrix.Enabled {
		a, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.MatrixRooms(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("matrix: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
