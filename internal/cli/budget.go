package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"collabverse/internal/services"
)

// NewBudgetCommand groups the budget subcommands.
func NewBudgetCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show or set a project budget",
	}
	cmd.AddCommand(newBudgetShowCommand(opts))
	cmd.AddCommand(newBudgetSetCommand(opts))
	return cmd
}

func newBudgetShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <projectId>",
		Short: "Print a budget with its current usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := opts.openService()
			if err != nil {
				return err
			}
			defer closeDB()

			b, err := svc.GetBudget(cmd.Context(), args[0])
			if err != nil {
				return serviceError("get budget", err)
			}
			if b == nil {
				return NewExitError(ExitFailure, fmt.Sprintf("project %q has no budget", args[0]))
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
}

type budgetSetOptions struct {
	currency   string
	total      string
	warn       float64
	categories []string
}

func newBudgetSetCommand(opts *RootOptions) *cobra.Command {
	setOpts := &budgetSetOptions{}

	cmd := &cobra.Command{
		Use:   "set <projectId>",
		Short: "Replace a project's budget definition",
		Long: `Replace a project's budget definition.

Categories keep the order given. A limit is optional:
  financectl budget set p1 --currency EUR --total 1000 --warn 0.8 \
    --category travel=300 --category software`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := services.BudgetInput{
				Currency: setOpts.currency,
				Total:    setOpts.total,
			}
			if cmd.Flags().Changed("warn") {
				w := setOpts.warn
				in.WarnThreshold = &w
			}
			for _, raw := range setOpts.categories {
				c, err := parseCategoryFlag(raw)
				if err != nil {
					return err
				}
				in.Categories = append(in.Categories, c)
			}

			svc, closeDB, err := opts.openService()
			if err != nil {
				return err
			}
			defer closeDB()

			stored, err := svc.UpsertBudget(cmd.Context(), args[0], in, opts.Actor)
			if err != nil {
				return serviceError("set budget", err)
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}

	cmd.Flags().StringVar(&setOpts.currency, "currency", "", "ISO 4217 currency code")
	cmd.Flags().StringVar(&setOpts.total, "total", "", "budget total as a decimal amount")
	cmd.Flags().Float64Var(&setOpts.warn, "warn", 0, "warn threshold between 0 and 1")
	cmd.Flags().StringArrayVar(&setOpts.categories, "category", nil, "category as name or name=limit (repeatable)")
	_ = cmd.MarkFlagRequired("currency")
	_ = cmd.MarkFlagRequired("total")

	return cmd
}

// parseCategoryFlag splits "name=limit"; a bare name has no limit.
func parseCategoryFlag(raw string) (services.BudgetCategoryInput, error) {
	name, limit, hasLimit := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return services.BudgetCategoryInput{}, NewExitError(ExitFailure, fmt.Sprintf("invalid --category %q: name is empty", raw))
	}
	c := services.BudgetCategoryInput{Name: name}
	if hasLimit {
		limit = strings.TrimSpace(limit)
		if limit == "" {
			return services.BudgetCategoryInput{}, NewExitError(ExitFailure, fmt.Sprintf("invalid --category %q: limit is empty", raw))
		}
		c.Limit = &limit
	}
	return c, nil
}
