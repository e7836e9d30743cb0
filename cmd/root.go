// Package cmd defines and implements the CLI commands for the searchguard executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/app"
	"github.com/JakeFAU/searchguard/internal/config"
	"github.com/JakeFAU/searchguard/internal/logging"
	"github.com/JakeFAU/searchguard/internal/storage"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services commands use. Tests inject a fake through newApp.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetClient() app.Client
	GetBlobs(ctx context.Context) (storage.BlobStore, error)
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "searchguard",
		Short: "Blocks web searches that contain words from your NG word list.",
		Long: `searchguard watches the search pages open in Chrome and sends any tab whose
query contains a listed word to a block page. The serve command runs the guard;
the other commands edit its word list and settings through the running service.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds and injects the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newCheckCmd(),
		newWordsCmd(),
		newSettingsCmd(),
		newBypassCmd(),
		newExportCmd(),
		newImportCmd(),
		newBackupCmd(),
		newWatchCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
