package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabmgr/pkg/db"
	"collabmgr/pkg/telemetry"
	"collabmgr/services/api"
	"collabmgr/services/manager/internal/config"
	"collabmgr/services/notify"
	"collabmgr/services/sessions"
)

const serviceName = "collab-manager"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	envFile string
	console bool
	cfg     config.Config
	logger  zerolog.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Manages collaboration tool sessions and model backup pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", g.envFile, err)
			}
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			g.cfg = cfg
			g.logger = telemetry.NewLogger(serviceName, os.Stdout, g.console, cfg.LogLevel)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().BoolVar(&g.console, "console", false, "Human readable log output")

	cmd.AddCommand(
		newServeCommand(g),
		newMigrateCommand(g),
		newReapCommand(g),
		newReconcileCommand(g),
		newTriggerCommand(g),
	)
	return cmd
}

func newServeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and all background loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), g.cfg, g.logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := db.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if err := a.pipelines.Bootstrap(ctx); err != nil {
		return fmt.Errorf("register nightly pipelines: %w", err)
	}

	handler, err := api.New(api.Dependencies{
		Sessions:  a.sessions,
		Pipelines: a.pipelines,
		Files:     a.files,
		Checks: map[string]api.Check{
			"database": func(ctx context.Context) error { return db.Ping(ctx, a.pool) },
		},
		Logger: logger,
	}, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           telemetry.Middleware(serviceName, logger)(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.scheduler.Start(ctx) })
	g.Go(func() error { return a.reconciler.Run(ctx, cfg.ReconcileInterval) })
	g.Go(func() error { return a.collector.Run(ctx, cfg.GCInterval) })
	g.Go(func() error { return a.catalog.Watch(ctx, logger) })
	if a.reaper != nil {
		g.Go(func() error { return a.reaper.Run(ctx, cfg.IdleReaperInterval) })
	} else {
		logger.Warn().Msg("PROMETHEUS_URL not set, idle sessions are not reaped")
	}

	if a.bus != nil {
		warnings, err := notify.NewIdleWarnings(a.mailer, a.engine, notify.IdleWarningConfig{
			MailDomain: cfg.MailDomain,
			BaseURL:    cfg.SessionBaseURL,
		}, logger)
		if err != nil {
			return err
		}
		sub, err := warnings.Listen(ctx, a.bus, sessions.IdleWarningTopic)
		if err != nil {
			return fmt.Errorf("subscribe idle warnings: %w", err)
		}
		defer sub.Close()
	}

	return g.Wait()
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := db.Open(cmd.Context(), g.cfg.DBDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			g.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newReapCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one idle reaper and garbage collection pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.close()

			if a.reaper != nil {
				res, err := a.reaper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				g.logger.Info().Int("alerts", res.Alerts).Int("reaped", res.Reaped).
					Int("failed", res.Failed).Int("warned", res.Warned).Msg("reaper pass finished")
			}
			res, err := a.collector.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			g.logger.Info().Int("orphan_workloads", res.OrphanWorkloads).Int("stale_records", res.StaleRecords).
				Int("failed", res.Failed).Msg("garbage collection finished")
			return nil
		},
	}
}

func newReconcileCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every active pipeline run once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			g.logger.Info().Int("runs", res.Runs).Int("changed", res.Changed).
				Int("appended", res.Appended).Int("failed", res.Failed).Msg("reconciliation finished")
			return nil
		},
	}
}

func newTriggerCommand(g *globals) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "trigger <pipeline-id>",
		Short: "Start a pipeline run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pipeline id: %w", err)
			}
			a, err := newApp(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.pipelines.Trigger(cmd.Context(), pipelineID, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", run.ID, run.ReferenceID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "cli", "User recorded as the trigger of the run")
	return cmd
}
