package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"collabverse/internal/core"
	"collabverse/internal/store"
)

// FinanceService validates expense and budget operations and delegates
// persistence to an ExpenseStore. It holds no state of its own.
type FinanceService struct {
	store store.ExpenseStore
}

func NewFinanceService(s store.ExpenseStore) *FinanceService {
	return &FinanceService{store: s}
}

type (
	// CreateExpenseInput carries raw client values; amounts and dates are
	// parsed here so every backend sees validated data.
	CreateExpenseInput struct {
		WorkspaceID    string
		ProjectID      string
		TaskID         string
		Date           string
		Amount         string
		Currency       string
		Category       string
		Description    string
		Vendor         string
		PaymentMethod  string
		TaxAmount      *string
		Status         string
		IdempotencyKey string
	}

	// UpdateExpenseInput holds the fields a client may change. Nil means
	// unchanged. An empty TaxAmount clears it.
	UpdateExpenseInput struct {
		TaskID        *string
		Date          *string
		Amount        *string
		Currency      *string
		Category      *string
		Description   *string
		Vendor        *string
		PaymentMethod *string
		TaxAmount     *string
		Status        *string
	}

	BudgetInput struct {
		Currency      string
		Total         string
		WarnThreshold *float64
		Categories    []BudgetCategoryInput
	}

	BudgetCategoryInput struct {
		Name  string
		Limit *string
	}

	ExpensePage struct {
		Items      []core.Expense
		Page       int
		PageSize   int
		Total      int
		TotalPages int
	}
)

// CreateExpense validates in and stores a new expense. With an idempotency
// key the create runs at most once per key and repeats return the original.
func (s *FinanceService) CreateExpense(ctx context.Context, in CreateExpenseInput, actorID string) (core.Expense, error) {
	e, err := buildExpense(in)
	if err != nil {
		return core.Expense{}, err
	}

	create := func(ctx context.Context) (core.Expense, error) {
		return s.store.Create(ctx, e, actorID)
	}

	var created core.Expense
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		created, err = s.store.WithIdempotency(ctx, key, create)
	} else {
		created, err = create(ctx)
	}
	if err != nil {
		return core.Expense{}, err
	}

	slog.InfoContext(ctx, "Expense created",
		"expense_id", created.ID,
		"project_id", created.ProjectID,
		"status", created.Status,
		"actor_id", actorID)
	return created, nil
}

func buildExpense(in CreateExpenseInput) (core.Expense, error) {
	required := []struct{ field, value string }{
		{"workspaceId", in.WorkspaceID},
		{"projectId", in.ProjectID},
		{"date", in.Date},
		{"amount", in.Amount},
		{"currency", in.Currency},
		{"category", in.Category},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return core.Expense{}, fmt.Errorf("%w: %s is required", core.ErrValidation, r.field)
		}
	}

	date, err := core.ParseDate(in.Date)
	if err != nil {
		return core.Expense{}, err
	}
	amount, err := parsePositive(in.Amount)
	if err != nil {
		return core.Expense{}, err
	}
	var tax *core.Money
	if in.TaxAmount != nil && strings.TrimSpace(*in.TaxAmount) != "" {
		t, err := core.ParseAmount(*in.TaxAmount)
		if err != nil {
			return core.Expense{}, err
		}
		tax = &t
	}
	currency, err := core.ParseCurrency(in.Currency)
	if err != nil {
		return core.Expense{}, err
	}
	status := core.StatusDraft
	if strings.TrimSpace(in.Status) != "" {
		if status, err = core.ParseStatus(in.Status); err != nil {
			return core.Expense{}, err
		}
	}

	return core.Expense{
		WorkspaceID:   strings.TrimSpace(in.WorkspaceID),
		ProjectID:     strings.TrimSpace(in.ProjectID),
		TaskID:        strings.TrimSpace(in.TaskID),
		Date:          date,
		Amount:        amount,
		Currency:      currency,
		Category:      strings.TrimSpace(in.Category),
		Description:   strings.TrimSpace(in.Description),
		Vendor:        strings.TrimSpace(in.Vendor),
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
		TaxAmount:     tax,
		Status:        status,
	}, nil
}

func parsePositive(s string) (core.Money, error) {
	m, err := core.ParseAmount(s)
	if err != nil {
		return core.Money{}, err
	}
	if err := m.Validate(); err != nil {
		return core.Money{}, err
	}
	return m, nil
}

// GetExpense returns nil when the expense does not exist.
func (s *FinanceService) GetExpense(ctx context.Context, id string) (*core.Expense, error) {
	return s.store.FindByID(ctx, id)
}

func (s *FinanceService) ListExpenses(ctx context.Context, f store.ListFilter) (ExpensePage, error) {
	if f.Status != "" {
		st, err := core.ParseStatus(string(f.Status))
		if err != nil {
			return ExpensePage{}, err
		}
		f.Status = st
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return ExpensePage{}, fmt.Errorf("%w: dateFrom is after dateTo", core.ErrValidation)
	}
	f = f.Normalize()

	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return ExpensePage{}, err
	}
	return ExpensePage{
		Items:      items,
		Page:       f.Page,
		PageSize:   f.PageSize,
		Total:      total,
		TotalPages: (total + f.PageSize - 1) / f.PageSize,
	}, nil
}

// UpdateExpense validates every patched field and the status transition
// before writing. It returns nil when the expense does not exist.
func (s *FinanceService) UpdateExpense(ctx context.Context, id string, in UpdateExpenseInput, actorID string) (*core.Expense, error) {
	current, err := s.store.FindByID(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}

	patch, err := buildPatch(in)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		if err := core.ValidateTransition(current.Status, *patch.Status); err != nil {
			return nil, err
		}
	}

	// The store re-checks the transition against the row it writes, so a
	// concurrent change fails here instead of being overwritten.
	var updated *core.Expense
	switch {
	case patch.IsEmpty() && patch.Status == nil:
		return current, nil
	case patch.IsEmpty():
		updated, err = s.store.ChangeStatus(ctx, id, *patch.Status, actorID)
	default:
		updated, err = s.store.Update(ctx, id, patch)
	}
	if err != nil || updated == nil {
		return nil, err
	}
	if patch.Status != nil {
		slog.InfoContext(ctx, "Expense status changed",
			"expense_id", id,
			"previous_status", current.Status,
			"status", updated.Status,
			"actor_id", actorID)
	}
	return updated, nil
}

func buildPatch(in UpdateExpenseInput) (store.ExpensePatch, error) {
	var p store.ExpensePatch
	if in.TaskID != nil {
		v := strings.TrimSpace(*in.TaskID)
		p.TaskID = &v
	}
	if in.Date != nil {
		d, err := core.ParseDate(*in.Date)
		if err != nil {
			return p, err
		}
		p.Date = &d
	}
	if in.Amount != nil {
		m, err := parsePositive(*in.Amount)
		if err != nil {
			return p, err
		}
		p.Amount = &m
	}
	if in.Currency != nil {
		c, err := core.ParseCurrency(*in.Currency)
		if err != nil {
			return p, err
		}
		p.Currency = &c
	}
	if in.Category != nil {
		c := strings.TrimSpace(*in.Category)
		if c == "" {
			return p, fmt.Errorf("%w: category must not be empty", core.ErrValidation)
		}
		p.Category = &c
	}
	if in.Description != nil {
		v := strings.TrimSpace(*in.Description)
		p.Description = &v
	}
	if in.Vendor != nil {
		v := strings.TrimSpace(*in.Vendor)
		p.Vendor = &v
	}
	if in.PaymentMethod != nil {
		v := strings.TrimSpace(*in.PaymentMethod)
		p.PaymentMethod = &v
	}
	if in.TaxAmount != nil {
		if strings.TrimSpace(*in.TaxAmount) == "" {
			p.ClearTaxAmount = true
		} else {
			t, err := core.ParseAmount(*in.TaxAmount)
			if err != nil {
				return p, err
			}
			p.TaxAmount = &t
		}
	}
	if in.Status != nil {
		st, err := core.ParseStatus(*in.Status)
		if err != nil {
			return p, err
		}
		p.Status = &st
	}
	return p, nil
}

// GetBudget returns the budget with usage derived from counted expenses in
// the budget currency, or nil when the project has no budget.
func (s *FinanceService) GetBudget(ctx context.Context, projectID string) (*core.Budget, error) {
	b, err := s.store.GetBudget(ctx, projectID)
	if err != nil || b == nil {
		return nil, err
	}

	spend, err := s.store.AggregateByCategory(ctx, store.AggregateQuery{
		ProjectID: projectID,
		Statuses:  core.CountedStatuses(),
		Currency:  b.Currency,
	})
	if err != nil {
		return nil, err
	}

	out, err := core.BuildUsage(*b, spend.ByCategory)
	if err != nil {
		return nil, err
	}
	if len(spend.Excluded) > 0 {
		out.CurrencyMismatch = true
		excluded := make([]any, 0, 2*len(spend.Excluded))
		for code, m := range spend.Excluded {
			excluded = append(excluded, code, m.String())
		}
		slog.WarnContext(ctx, "Budget ignores expenses in other currencies",
			"project_id", projectID,
			"currency", b.Currency,
			slog.Group("excluded", excluded...))
	}
	return &out, nil
}

// UpsertBudget validates and replaces the project's budget definition.
func (s *FinanceService) UpsertBudget(ctx context.Context, projectID string, in BudgetInput, actorID string) (core.Budget, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return core.Budget{}, fmt.Errorf("%w: projectId is required", core.ErrValidation)
	}

	currency, err := core.ParseCurrency(in.Currency)
	if err != nil {
		return core.Budget{}, err
	}
	total, err := core.ParseAmount(in.Total)
	if err != nil {
		return core.Budget{}, err
	}
	if w := in.WarnThreshold; w != nil && (math.IsNaN(*w) || *w < 0 || *w > 1) {
		return core.Budget{}, fmt.Errorf("%w: %v", core.ErrInvalidWarnThreshold, *w)
	}

	categories := make([]core.BudgetCategory, 0, len(in.Categories))
	seen := make(map[string]bool, len(in.Categories))
	for i, c := range in.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return core.Budget{}, fmt.Errorf("%w: categories[%d].name is required", core.ErrValidation, i)
		}
		key := core.NormalizeCategory(name)
		if seen[key] {
			return core.Budget{}, fmt.Errorf("%w: duplicate category %q", core.ErrValidation, name)
		}
		seen[key] = true

		bc := core.BudgetCategory{Name: name}
		if c.Limit != nil {
			limit, err := core.ParseAmount(*c.Limit)
			if err != nil {
				return core.Budget{}, err
			}
			bc.Limit = &limit
		}
		categories = append(categories, bc)
	}

	var warn *float64
	if in.WarnThreshold != nil {
		w := *in.WarnThreshold
		warn = &w
	}
	stored, err := s.store.UpsertBudget(ctx, projectID, core.Budget{
		ProjectID:     projectID,
		Currency:      currency,
		Total:         total,
		WarnThreshold: warn,
		Categories:    categories,
		UpdatedBy:     actorID,
	})
	if err != nil {
		return core.Budget{}, err
	}

	slog.InfoContext(ctx, "Budget updated",
		"project_id", projectID,
		"currency", currency,
		"actor_id", actorID)
	return stored, nil
}
