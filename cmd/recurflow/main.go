// Package main is the entry point for the recurflow service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"recurflow/internal/api"
	"recurflow/internal/config"
	"recurflow/internal/execution"
	httph "recurflow/internal/handlers/http"
	"recurflow/internal/handlers/shell"
	"recurflow/internal/jobstore"
	"recurflow/internal/logging"
	"recurflow/internal/metrics"
	"recurflow/internal/scheduler"
	"recurflow/internal/tasks"
	"recurflow/internal/timer"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recurflow",
		Short:         "Run tasks on recurring schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), serveCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("recurflow %s (commit: %s)\n", version, commit)
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			for _, name := range []string{"addr", "schedules_dir", "tasks_file", "watch_tasks", "db", "workers", "log_level", "log_format", "shutdown_timeout"} {
				if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
					return errors.Wrapf(err, "bind flag %s", name)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to a YAML configuration file")
	f.String("addr", ":8080", "HTTP bind address")
	f.String("schedules_dir", "schedules", "Directory holding one JSON record per scheduled job")
	f.String("tasks_file", "tasks.yaml", "Task definitions file")
	f.Bool("watch_tasks", true, "Reload task definitions when the file changes")
	f.String("db", "recurflow.db", "SQLite DB path for execution bookkeeping")
	f.Int("workers", 8, "Maximum concurrent executions")
	f.String("log_level", "info", "Log level")
	f.String("log_format", logging.FormatConsole, "Log format (console or json)")
	f.Duration("shutdown_timeout", 10*time.Second, "Graceful shutdown timeout")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = logger

	store, err := jobstore.Open(cfg.SchedulesDir)
	if err != nil {
		return err
	}
	registry, err := tasks.Load(cfg.TasksFile, logger)
	if err != nil {
		return err
	}

	db, err := execution.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	execs := execution.NewService(execution.NewRepository(db), map[string]execution.Handler{
		tasks.HandlerShell: shell.Shell{},
		tasks.HandlerHTTP:  httph.HTTP{},
	}, cfg.Workers, logger)
	if _, err := execs.RecoverStale(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tm := timer.New(logger.With().Str("component", "timer").Logger())
	sched := scheduler.NewService(store, registry, execs, tm, logger, scheduler.WithMetrics(metrics.New(reg)))
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if cfg.WatchTasks {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("task watcher stopped")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(sched, execs, reg, logger)}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server")
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs error
	errs = errors.CombineErrors(errs, srv.Shutdown(shutdownCtx))
	errs = errors.CombineErrors(errs, sched.Stop(shutdownCtx))
	errs = errors.CombineErrors(errs, execs.Close(shutdownCtx))
	return errs
}
