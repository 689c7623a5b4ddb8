package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/duskmoor/moorgate/internal/config"
	"github.com/duskmoor/moorgate/internal/gateway"
	"github.com/duskmoor/moorgate/internal/observability"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to gated.toml")
	pflag.Parse()

	log := observability.InitLogger("gated")

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gated: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := gateway.NewService(cfg, log)
	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("gateway exited")
		os.Exit(1)
	}
}
