package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/internal/app"
	"github.com/YaganovValera/dune-sync/internal/config"
	"github.com/YaganovValera/dune-sync/internal/runner"
	"github.com/YaganovValera/dune-sync/pkg/logger"
)

// exitError carries a process exit status through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "dune-sync",
		Short:         "Fetch the latest Dune query results and write them as JSON files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags(), &cfgFile, &printConfig)

	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		if printConfig {
			cfg.Print(cmd.ErrOrStderr())
		}
		return cfg, nil
	}

	root.AddCommand(newRunCmd(load), newServeCmd(load), newQueriesCmd(load))
	// без подкоманды — одноразовый прогон, как cron-скрипт
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, load, false)
	}
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, cfgFile *string, printConfig *bool) {
	fs.StringVar(cfgFile, "config", "", "path to config file (optional, env and defaults otherwise)")
	fs.BoolVar(printConfig, "print-config", false, "print the effective configuration (secrets redacted)")
}

type loader func(cmd *cobra.Command) (*config.Config, error)

func newRunCmd(load loader) *cobra.Command {
	var bestEffort bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every configured query once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, load, bestEffort)
		},
	}
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "exit 0 even if some queries failed")
	return cmd
}

func runOnce(cmd *cobra.Command, load loader, bestEffort bool) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg.Telemetry.Mode = "run"
	a, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Error("init failed", zap.Error(err))
		return exitError{code: 1}
	}
	defer a.Close(context.Background())

	sum, err := a.RunOnce(ctx)
	if code := exitCode(sum, err, bestEffort || cfg.Sync.BestEffort); code != 0 {
		return exitError{code: code}
	}
	return nil
}

// exitCode: 1 при отсутствии ключа, прерывании или упавших запросах;
// best-effort сохраняет старое поведение (всегда 0), кроме прерывания.
func exitCode(sum runner.Summary, err error, bestEffort bool) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case bestEffort:
		return 0
	case err != nil, !sum.OK():
		return 1
	default:
		return 0
	}
}

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync on an interval and expose /metrics, /healthz and /readyz",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init error: %w", err)
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting service",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
				zap.Duration("interval", cfg.Sync.Interval),
			)
			cfg.Telemetry.Mode = "serve"
			a, err := app.New(ctx, cfg, log, nil)
			if err != nil {
				log.Error("init failed", zap.Error(err))
				return exitError{code: 1}
			}
			defer a.Close(context.Background())

			if err := a.Serve(ctx); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return exitError{code: 1}
			}
			log.Info("shutdown complete")
			return nil
		},
	}
}

func newQueriesCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "queries",
		Short: "List configured queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			printQueries(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printQueries(w io.Writer, cfg *config.Config) {
	for _, q := range cfg.Queries {
		fmt.Fprintf(w, "%d\t%s\t%s\n", q.ID, q.Name, q.OutputPath)
	}
}
