package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"collabverse/internal/core"
	"collabverse/internal/store"
)

type (
	pagination struct {
		Page       int `json:"page"`
		PageSize   int `json:"pageSize"`
		Total      int `json:"total"`
		TotalPages int `json:"totalPages"`
	}

	expenseList struct {
		Items      []core.Expense `json:"items"`
		Pagination pagination     `json:"pagination"`
	}
)

// NewExpensesCommand groups the read-only expense subcommands.
func NewExpensesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expenses",
		Short: "Inspect expenses",
	}
	cmd.AddCommand(newExpensesListCommand(opts))
	cmd.AddCommand(newExpensesGetCommand(opts))
	return cmd
}

func newExpensesListCommand(opts *RootOptions) *cobra.Command {
	var (
		project  string
		status   string
		category string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's expenses, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := opts.openService()
			if err != nil {
				return err
			}
			defer closeDB()

			result, err := svc.ListExpenses(cmd.Context(), store.ListFilter{
				ProjectID: project,
				Status:    core.ExpenseStatus(status),
				Category:  category,
				Page:      page,
				PageSize:  pageSize,
			})
			if err != nil {
				return serviceError("list expenses", err)
			}

			items := result.Items
			if items == nil {
				items = []core.Expense{}
			}
			return printJSON(cmd.OutOrStdout(), expenseList{
				Items: items,
				Pagination: pagination{
					Page:       result.Page,
					PageSize:   result.PageSize,
					Total:      result.Total,
					TotalPages: result.TotalPages,
				},
			})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "only expenses in this status")
	cmd.Flags().StringVar(&category, "category", "", "only expenses in this category")
	cmd.Flags().IntVar(&page, "page", store.DefaultPage, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", store.DefaultPageSize, fmt.Sprintf("items per page (max %d)", store.MaxPageSize))
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newExpensesGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <expenseId>",
		Short: "Print one expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := opts.openService()
			if err != nil {
				return err
			}
			defer closeDB()

			e, err := svc.GetExpense(cmd.Context(), args[0])
			if err != nil {
				return serviceError("get expense", err)
			}
			if e == nil {
				return NewExitError(ExitFailure, fmt.Sprintf("expense %q not found", args[0]))
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}
