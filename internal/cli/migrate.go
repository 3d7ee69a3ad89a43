package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"collabverse/internal/storage"
)

type migrateResult struct {
	Database string `json:"database"`
	Version  uint   `json:"version"`
}

// NewMigrateCommand applies the embedded schema migrations.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0755); err != nil {
				return WrapExitError(ExitCommandError, "create database directory", err)
			}
			version, err := storage.RunMigrations(opts.DBPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "migrate "+opts.DBPath, err)
			}
			return printJSON(cmd.OutOrStdout(), migrateResult{Database: opts.DBPath, Version: version})
		},
	}
}
