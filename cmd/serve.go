package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/searchguard/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the guard service:
// the HTTP API, the control mailbox, the bypass timer, and, when enabled, the
// Chrome observers.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the guard service",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	svc, err := server.Build(cmd.Context(), appInstance.GetConfig(), logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run service: %w", err)
	}
	logger.Info("serve command finished")
	return nil
}
