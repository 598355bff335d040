package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/revos/internal/app"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the token service with background refresh and the introspection API",
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	shutdown, err := instrument(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
