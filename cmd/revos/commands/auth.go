package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/revos/internal/config"
)

// authCommand returns the 'auth' subcommand for managing gateway credentials.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage gateway credentials in the OS keyring",
		Commands: []*cli.Command{
			{
				Name:   "set",
				Usage:  "Store the client secret for a client ID",
				Action: authSetAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "client-id",
						Usage:    "client ID the secret belongs to",
						Required: true,
					},
				},
			},
			{
				Name:   "clear",
				Usage:  "Remove the stored client secret for a client ID",
				Action: authClearAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "client-id",
						Usage:    "client ID to clear",
						Required: true,
					},
				},
			},
		},
	}
}

func authSetAction(ctx context.Context, cmd *cli.Command) error {
	clientID := cmd.String("client-id")

	secret, err := readSecureInput(ctx, "Enter client secret: ")
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("client secret cannot be empty")
	}

	if err := config.StoreSecret(clientID, secret); err != nil {
		return err
	}

	fmt.Printf("Secret stored for client %s\n", clientID)
	return nil
}

func authClearAction(_ context.Context, cmd *cli.Command) error {
	clientID := cmd.String("client-id")

	if err := config.DeleteSecret(clientID); err != nil {
		return err
	}

	fmt.Printf("Secret cleared for client %s\n", clientID)
	return nil
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
