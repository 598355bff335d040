package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/revos/internal/config"
	"github.com/florianilch/revos/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version string) error {
	cmd := &cli.Command{
		Name:    "revos",
		Usage:   "Token lifecycle service for the Revos gateway",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML config file",
			},
			&cli.StringFlag{
				Name:  "env-prefix",
				Usage: "environment variable prefix",
				Value: config.DefaultEnvPrefix,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "otlp-endpoint",
				Usage: "OTLP/HTTP log collector endpoint ('stdout' for the debug exporter)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
			authCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// instrument sets up the observability layer from the root flags and returns
// its shutdown function.
func instrument(ctx context.Context, cmd *cli.Command) (func(context.Context) error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return nil, err
	}

	shutdown, err := observability.Instrument(ctx, level, cmd.String("log-format"), cmd.String("otlp-endpoint"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	return shutdown, nil
}

// loadConfig loads and validates configuration from the root flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:   cmd.String("config"),
		Prefix: cmd.String("env-prefix"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
