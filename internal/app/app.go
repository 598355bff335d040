// Package app composes the token lifecycle service: fetcher, manager,
// extractor set, and introspection server, with coordinated startup and
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/revos/internal/config"
	"github.com/florianilch/revos/internal/extractor"
	"github.com/florianilch/revos/internal/tokenmanager"
	"github.com/florianilch/revos/internal/tokensource"
)

// App orchestrates the lifecycle of the token manager and related services.
type App struct {
	cfg     *config.Config
	fetcher *tokensource.Fetcher
	manager *tokenmanager.Manager
	health  *Health
}

// New creates an App from validated configuration.
func New(cfg *config.Config) (*App, error) {
	fetcher := tokensource.NewFetcher(cfg.Revos.Credentials())

	manager, err := tokenmanager.New(fetcher, cfg.TokenManager.Policy())
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	return &App{
		cfg:     cfg,
		fetcher: fetcher,
		manager: manager,
		health:  NewHealth(manager),
	}, nil
}

// Manager exposes the token manager for embedding hosts.
func (a *App) Manager() *tokenmanager.Manager {
	return a.manager
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function
// collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	// Startup phase: warm the token cache and publish the manager before any
	// consumer is constructed, so extractors register as observers.
	slog.InfoContext(gCtx, "starting token background service")
	if err := a.manager.StartBackground(gCtx); err != nil {
		return fmt.Errorf("token service startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.manager.StopBackground()
		return nil
	})

	var extractors *extractor.Set
	if len(a.cfg.LLM.Profiles) > 0 {
		var err error
		extractors, err = extractor.NewSet(a.cfg.LLM.Profiles,
			extractor.WithBaseURL(a.cfg.Revos.BaseURL),
			extractor.WithFetcher(a.fetcher),
		)
		if err != nil {
			a.manager.StopBackground()
			return fmt.Errorf("extractor startup failed: %w", err)
		}
		slog.InfoContext(gCtx, "extractors ready", "profiles", extractors.Names())
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
			extractors.Close()
			return nil
		})
	}

	server := NewServer(a.manager, extractors, a.health)
	serverErrCh, err := server.Start(gCtx, a.cfg.Server.Listen)
	if err != nil {
		a.manager.StopBackground()
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, server.Shutdown)

	a.health.SetStarted(true)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")
	a.health.SetStarted(false)

	// Shutdown phase: stop all services in reverse start order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
