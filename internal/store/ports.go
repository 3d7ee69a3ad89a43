// Package store defines the persistence port of the finance core. Backends
// live in internal/store/memory and internal/storage.
package store

import (
	"context"
	"strings"
	"time"

	"collabverse/internal/core"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type (
	// ExpenseStore persists expenses, budgets and the idempotency ledger.
	// Lookups of missing records return nil and no error.
	ExpenseStore interface {
		Create(ctx context.Context, e core.Expense, actorID string) (core.Expense, error)
		FindByID(ctx context.Context, id string) (*core.Expense, error)
		List(ctx context.Context, f ListFilter) ([]core.Expense, int, error)
		// Update writes the patched fields. When p.Status is set the
		// transition is checked against the stored status and written in the
		// same step as the fields.
		Update(ctx context.Context, id string, p ExpensePatch) (*core.Expense, error)
		// ChangeStatus moves an expense one step forward to status. It fails
		// with core.ErrInvalidStatusTransition unless the stored status is
		// status.Previous() at the moment of the write.
		ChangeStatus(ctx context.Context, id string, status core.ExpenseStatus, actorID string) (*core.Expense, error)
		// AggregateByCategory reads one consistent snapshot of a project's
		// counted spend.
		AggregateByCategory(ctx context.Context, q AggregateQuery) (core.SpendTotals, error)

		// WithIdempotency runs handler at most once per key. Later calls with
		// the same key return the expense recorded by the first success.
		WithIdempotency(ctx context.Context, key string, handler CreateFunc) (core.Expense, error)

		GetBudget(ctx context.Context, projectID string) (*core.Budget, error)
		UpsertBudget(ctx context.Context, projectID string, b core.Budget) (core.Budget, error)
	}

	CreateFunc func(ctx context.Context) (core.Expense, error)

	ListFilter struct {
		ProjectID string
		Status    core.ExpenseStatus
		Category  string
		DateFrom  *time.Time
		DateTo    *time.Time
		Search    string
		Page      int
		PageSize  int
	}

	// ExpensePatch carries the mutable fields of an expense. Nil means
	// unchanged; ClearTaxAmount removes the tax amount.
	ExpensePatch struct {
		TaskID         *string
		Date           *time.Time
		Amount         *core.Money
		Currency       *string
		Category       *string
		Description    *string
		Vendor         *string
		PaymentMethod  *string
		TaxAmount      *core.Money
		ClearTaxAmount bool
		Status         *core.ExpenseStatus
	}

	AggregateQuery struct {
		ProjectID string
		Statuses  []core.ExpenseStatus
		// Currency restricts ByCategory to one currency when set; spend in
		// other currencies is reported in Excluded.
		Currency string
	}
)

// Normalize applies the pagination defaults and caps.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset is the number of rows skipped before the current page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// IsEmpty reports whether the patch changes any field other than status.
func (p ExpensePatch) IsEmpty() bool {
	return p.TaskID == nil && p.Date == nil && p.Amount == nil && p.Currency == nil &&
		p.Category == nil && p.Description == nil && p.Vendor == nil &&
		p.PaymentMethod == nil && p.TaxAmount == nil && !p.ClearTaxAmount
}

// Apply copies the patched fields onto e. Status is left to the backend,
// which checks the transition first.
func (p ExpensePatch) Apply(e *core.Expense) {
	if p.TaskID != nil {
		e.TaskID = *p.TaskID
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Currency != nil {
		e.Currency = *p.Currency
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Vendor != nil {
		e.Vendor = *p.Vendor
	}
	if p.PaymentMethod != nil {
		e.PaymentMethod = *p.PaymentMethod
	}
	if p.ClearTaxAmount {
		e.TaxAmount = nil
	} else if p.TaxAmount != nil {
		tax := *p.TaxAmount
		e.TaxAmount = &tax
	}
}

// Matches reports whether e passes every filter condition. Backends that
// cannot push filtering down to a query engine use it directly.
func (f ListFilter) Matches(e core.Expense) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Category != "" && core.NormalizeCategory(e.Category) != core.NormalizeCategory(f.Category) {
		return false
	}
	if f.DateFrom != nil && e.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && e.Date.After(*f.DateTo) {
		return false
	}
	if q := searchTerm(f.Search); q != "" {
		if !containsFold(e.Description, q) && !containsFold(e.Vendor, q) && !containsFold(e.Category, q) {
			return false
		}
	}
	return true
}

// Less orders by date desc, then createdAt desc, then id desc.
func Less(a, b core.Expense) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func searchTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsFold(s, lowerTerm string) bool {
	return strings.Contains(strings.ToLower(s), lowerTerm)
}
