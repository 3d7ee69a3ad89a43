package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"collabverse/internal/config"
	"collabverse/internal/log"
	"collabverse/internal/services"
	"collabverse/internal/storage"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath  string
	Actor   string
	Verbose bool
}

// NewRootCommand creates the financectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "financectl",
		Short:         "Collabverse finance administration",
		Long:          "Run migrations and inspect or set budgets and expenses in the Collabverse finance SQLite database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.DBPath) == "" {
				return NewExitError(ExitCommandError, "--db must not be empty")
			}
			if strings.TrimSpace(opts.Actor) == "" {
				return NewExitError(ExitCommandError, "--actor must not be empty")
			}

			// stdout carries the JSON result, so logs go to stderr.
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			log.SetDefault(log.New(log.Config{
				Level:     level,
				Format:    "text",
				Component: log.ComponentCLI,
				Output:    cmd.ErrOrStderr(),
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", config.Load().SQLiteDBPath, "SQLite database path (defaults to SQLITE_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "financectl", "actor id recorded on writes")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewBudgetCommand(opts))
	cmd.AddCommand(NewExpensesCommand(opts))

	return cmd
}

// openService opens the SQLite store, migrating it first. The returned
// close function releases the database.
func (o *RootOptions) openService() (*services.FinanceService, func() error, error) {
	repo, err := storage.NewSQLiteRepository(o.DBPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open database "+o.DBPath, err)
	}
	return services.NewFinanceService(repo), repo.Close, nil
}
