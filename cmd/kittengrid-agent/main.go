package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kittengrid/agent/internal/agent"
	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/logging"
)

func main() {
	// A .env in the working directory is a convenience for local runs;
	// its absence is not an error.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("kittengrid-agent", flag.ExitOnError)
	bindAddress := fs.String("bind-address", "", "address for the gateway listener (overrides KITTENGRID_BIND_ADDRESS)")
	bindPort := fs.Int("bind-port", 0, "port for the gateway listener (overrides KITTENGRID_BIND_PORT)")
	servicesPath := fs.String("config", "", "path to the services file (default kittengrid.yml)")
	fs.Parse(os.Args[1:])

	cfg := config.FromEnv()
	if *bindAddress != "" {
		cfg.BindAddress = *bindAddress
	}
	if *bindPort != 0 {
		cfg.BindPort = *bindPort
	}

	logger := logging.New(cfg.LogLevel, cfg.PullRequestID, cfg.WorkflowID)

	if cfg.APIKey == "" {
		logger.Fatal().Msg("KITTENGRID_API_KEY is required")
	}

	path, err := config.ResolveServicesPath(*servicesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to locate services file")
	}
	services, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to load services file")
	}
	logger.Info().Str("path", path).Int("services", len(services.Services)).Msg("services loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(logger, cfg, services.Services)
	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent exited with error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info().Msg("agent stopped")
}
