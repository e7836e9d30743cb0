package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/backup"
	"github.com/JakeFAU/searchguard/internal/clock/system"
	"github.com/JakeFAU/searchguard/internal/hash/sha256"
	"github.com/JakeFAU/searchguard/internal/options"
)

func newExportCmd() *cobra.Command {
	var format, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the word list and settings as JSON or YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := appInstance.GetClient().GetState(cmd.Context())
			if err != nil {
				return fmt.Errorf("get state: %w", err)
			}
			var data []byte
			switch format {
			case "json":
				data, err = options.ExportJSON(cfg)
			case "yaml", "yml":
				data, err = options.ExportYAML(cfg)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			appInstance.GetLogger().Info("exported settings", zap.String("path", outPath), zap.Int("words", len(cfg.WordList)))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "file to write (default stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load a word list and settings export (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			patch, err := options.ImportJSON(data)
			if err != nil {
				return err
			}
			cfg, err := appInstance.GetClient().SetState(cmd.Context(), patch)
			if err != nil {
				return fmt.Errorf("apply import: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported, %d words\n", len(cfg.WordList))
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the word list and settings into the backup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := backupService(cmd)
			if err != nil {
				return err
			}
			res, err := svc.Backup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d words)\n", res.Path, res.URI, res.Words)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <path>",
		Short: "Apply a backup from the backup store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := backupService(cmd)
			if err != nil {
				return err
			}
			cfg, err := svc.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s, %d words\n", args[0], len(cfg.WordList))
			return nil
		},
	})
	return cmd
}

func backupService(cmd *cobra.Command) (*backup.Service, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	blobs, err := appInstance.GetBlobs(cmd.Context())
	if err != nil {
		return nil, err
	}
	return backup.New(appInstance.GetClient(), blobs, sha256.New(), system.New(), appInstance.GetLogger())
}
