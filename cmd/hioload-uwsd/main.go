// File: cmd/hioload-uwsd/main.go
// Command hioload-uwsd runs the pub/sub WebSocket broker.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Configuration comes from defaults, the YAML file named by HIOLOAD_CONFIG
// and HIOLOAD_* environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/momentics/hioload-uws/internal/config"
	"github.com/momentics/hioload-uws/internal/daemon"
	"github.com/momentics/hioload-uws/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load configuration")
	}

	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.Caller = cfg.Logging.Caller
	logging.Init(lc)

	d, err := daemon.New(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("start broker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("broker stopped")
		os.Exit(1)
	}
	logging.Info().Msg("broker stopped")
}
