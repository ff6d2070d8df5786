// Command tokengated runs a token gate in front of an upstream HTTP service and
// serves the token management API.
//
// Usage:
//
//	tokengated --config tokengated.yaml [--env-file .env]
//
// The management routes (default prefix "") trust the X-Owner-Id and
// X-Policy-Name headers, so they must only be reachable through an
// authenticating proxy that sets them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jassus213/go-token-gate/internal/config"
)

// Version is set with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tokengated:", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "tokengated",
		Usage:   "per-token quota gate and token management API",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON configuration file",
				Sources: cli.EnvVars("TOKENGATE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "optional KEY=VALUE file loaded before the configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override the listen address",
			},
			&cli.StringFlag{
				Name:  "upstream",
				Usage: "override the upstream URL",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := config.LoadEnvFile(cmd.String("env-file"), !cmd.IsSet("env-file")); err != nil {
				return err
			}
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			if v := cmd.String("listen"); v != "" {
				cfg.Listen = v
			}
			if v := cmd.String("upstream"); v != "" {
				cfg.Upstream = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)
			return run(ctx, cfg, logger)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}
