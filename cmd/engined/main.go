package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/duskmoor/moorgate/internal/config"
	"github.com/duskmoor/moorgate/internal/engine"
	"github.com/duskmoor/moorgate/internal/observability"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to engined.toml")
	pflag.Parse()

	log := observability.InitLogger("engined")

	cfg, err := config.LoadEngine(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engined: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, err := engine.Dial(ctx, engine.DialConfig{
		Address:         cfg.GatewayAddr,
		Name:            cfg.Name,
		StartupDeadline: cfg.StartupDeadline.Std(),
		Backoff: engine.BackoffConfig{
			Initial:    cfg.BackoffInitial.Std(),
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.BackoffMax.Std(),
			Jitter:     cfg.BackoffJitter,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("gateway", cfg.GatewayAddr).Msg("attach failed")
		os.Exit(1)
	}
	log.Info().Str("gateway", cfg.GatewayAddr).Str("name", cfg.Name).Msg("attached to gateway")

	rt := engine.NewRuntime(link, &stubWorld{}, engine.NopPersister{}, cfg.SessionQueueDepth, log)
	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine exited")
		os.Exit(1)
	}
}
