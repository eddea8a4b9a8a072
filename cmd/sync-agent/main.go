package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tillware/shopsync-agent/pkg/config"
	"github.com/tillware/shopsync-agent/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := newAgent(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Agent startup failed")
	}
	defer agent.Close()

	if err := agent.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Agent terminated")
	}
}
