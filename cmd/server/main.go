// Package main implements the consistency node: it serves the election
// and health endpoints, takes part in shard assignment and runs the
// scheduling loop over the central store and the node-local queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/consistency/internal/config"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/platform/postgres"
	"github.com/spf13/cobra"
)

var errUnknownMigrateCommand = errors.New("unknown migrate command")

var migrateCommands = []string{"up", "down", "reset", "status", "version"}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "consistency",
		Short:         "Eventually consistent task scheduling node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to a YAML config file (environment variables override it)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the node until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:       "migrate [up|down|reset|status|version]",
			Short:     "Apply or inspect central store migrations",
			ValidArgs: migrateCommands,
			Args:      validateMigrateArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg, args[0])
			},
		},
	)
	return root
}

func validateMigrateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	for _, c := range migrateCommands {
		if args[0] == c {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", errUnknownMigrateCommand, args[0])
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize application", "error", err)
		return err
	}
	defer app.cleanup()

	return app.run(ctx)
}

func migrate(ctx context.Context, cfg *config.Config, command string) error {
	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Error("failed to close database", "error", cerr)
		}
	}()

	return postgres.Migrate(ctx, db, command, log)
}
