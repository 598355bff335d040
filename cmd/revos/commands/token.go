package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "One-shot token operations against the gateway",
		Commands: []*cli.Command{
			{
				Name:   "get",
				Usage:  "Fetch a bearer token and print it to stdout",
				Action: tokenGetAction,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "fallback",
						Usage: "use the legacy JSON exchange instead of the primary method",
					},
				},
			},
			{
				Name:   "info",
				Usage:  "Fetch a token and print its expiry details as JSON",
				Action: tokenInfoAction,
			},
		},
	}
}

// tokenGetAction fetches one token directly through the fetcher; no manager,
// no caching. Suited for scripting (revos token get | ...).
func tokenGetAction(ctx context.Context, cmd *cli.Command) error {
	shutdown, err := instrument(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	method := tokensource.MethodPrimary
	if cmd.Bool("fallback") {
		method = tokensource.MethodFallback
	}

	record, err := tokensource.NewFetcher(cfg.Revos.Credentials()).Fetch(ctx, method)
	if err != nil {
		return fmt.Errorf("token fetch failed: %w", err)
	}

	fmt.Println(record.Token)
	return nil
}

// tokenInfoAction warms a throwaway manager and prints its health snapshot,
// exercising the same path the introspection endpoint serves.
func tokenInfoAction(ctx context.Context, cmd *cli.Command) error {
	shutdown, err := instrument(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manager, err := tokenmanager.New(
		tokensource.NewFetcher(cfg.Revos.Credentials()),
		cfg.TokenManager.Policy(),
		tokenmanager.WithSlot(tokenmanager.NewSlot()),
	)
	if err != nil {
		return err
	}

	if _, err := manager.Token(ctx, false); err != nil {
		return fmt.Errorf("token fetch failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(manager.Info())
}
