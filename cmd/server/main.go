package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/api"
	"github.com/ahrdadan/capq/internal/broker"
	"github.com/ahrdadan/capq/internal/browser"
	"github.com/ahrdadan/capq/internal/config"
	"github.com/ahrdadan/capq/internal/environment"
	"github.com/ahrdadan/capq/internal/logging"
	"github.com/ahrdadan/capq/internal/queue"
	"github.com/ahrdadan/capq/internal/security"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	// Parse CLI flags
	cfg := config.ParseFlags()

	// Handle --version and --help
	config.HandleFlags(cfg)

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", config.Version).Msgf("Starting %s (Capture + Queue)", config.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Environment
	spec, err := cfg.EnvironmentSpec()
	if err != nil {
		return fmt.Errorf("loading environment recipe: %w", err)
	}
	builder := environment.NewBuilder(spec, environment.Options{
		SkipInstall: cfg.SkipInstall,
		Logger:      logger,
	})
	env, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Str("fingerprint", env.Fingerprint).
		Str("browser", env.BrowserBin).
		Str("output", env.OutputDir).
		Msg("environment ready")

	runner := action.NewRunner(builder, browser.NewRodDriver(logger), action.RunnerOptions{
		NavigationTimeout: cfg.NavTimeout,
		SelectorTimeout:   cfg.SelectorTimeout,
		Logger:            logger,
	})

	// NATS + JetStream setup
	var jobs *api.JobHandler
	if cfg.WithNats {
		logger.Info().Str("url", cfg.NatsURL).Msg("Setting up NATS JetStream")

		natsServer, err := broker.NewServer(ctx, broker.Config{
			BinPath:      cfg.NatsBin,
			StoreDir:     cfg.NatsStore,
			URL:          cfg.NatsURL,
			AutoDownload: cfg.NatsAutoDL,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := natsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start NATS server: %w", err)
		}
		defer func() {
			if err := natsServer.Stop(); err != nil {
				logger.Warn().Err(err).Msg("failed to stop NATS server")
			}
		}()

		manager, err := queue.NewManager(natsServer.JetStream(), queue.ManagerOptions{
			Workers: cfg.Workers,
			Discard: func(result *action.Result) {
				if err := runner.Remove(context.Background(), result.RunID); err != nil {
					logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to discard run")
				}
			},
			Notifier: queue.NewNotifier(nil),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := manager.Start(queue.NewActionProcessor(runner, logger)); err != nil {
			manager.Stop()
			return fmt.Errorf("failed to start queue processor: %w", err)
		}
		defer manager.Stop()

		jobs = api.NewJobHandler(manager, cfg.BaseURL, cfg.ResultTTL)
	}

	app := api.NewApp(logger)
	routes := api.SetupRoutes(app, api.NewHandler(runner, builder, cfg.BaseURL, logger), jobs, api.RouteConfig{
		BaseURL: cfg.BaseURL,
		RateLimit: security.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit,
			Burst:             cfg.RateBurst,
		},
		IdempotencyTTL: cfg.IdempotencyTTL,
		AllowIPs:       cfg.AllowedIPs(),
		MaxBody:        cfg.MaxBody,
	})
	defer routes.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("listening")
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
