package services

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabverse/internal/core"
	"collabverse/internal/storage"
	"collabverse/internal/store"
	"collabverse/internal/store/memory"
)

func strPtr(s string) *string { return &s }

func newService(t *testing.T) (*FinanceService, store.ExpenseStore) {
	t.Helper()
	s := memory.New()
	return NewFinanceService(s), s
}

func validInput() CreateExpenseInput {
	return CreateExpenseInput{
		WorkspaceID: "W1",
		ProjectID:   "P1",
		Date:        "2025-03-01",
		Amount:      "250.00",
		Currency:    "usd",
		Category:    " Design ",
		Status:      "draft",
	}
}

func spent(t *testing.T, svc *FinanceService, project string) *core.Budget {
	t.Helper()
	b, err := svc.GetBudget(context.Background(), project)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func TestDraftExpenseCountsOnlyAfterSubmission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.UpsertBudget(ctx, "P1", BudgetInput{Currency: "USD", Total: "1000.00"}, "owner")
	require.NoError(t, err)

	e, err := svc.CreateExpense(ctx, validInput(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", e.Currency)
	assert.Equal(t, "Design", e.Category)
	assert.Equal(t, core.StatusDraft, e.Status)

	assert.Equal(t, "0.00", spent(t, svc, "P1").SpentTotal.String())

	for _, st := range []string{"pending", "approved"} {
		_, err := svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Status: strPtr(st)}, "manager")
		require.NoError(t, err)
	}

	b := spent(t, svc, "P1")
	assert.Equal(t, "250.00", b.SpentTotal.String())
	require.Len(t, b.CategoriesUsage, 1)
	assert.Equal(t, "Design", b.CategoriesUsage[0].Name)
	assert.Equal(t, "250.00", b.CategoriesUsage[0].Spent.String())
	assert.False(t, b.CurrencyMismatch)
}

func TestSkippingStatusIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	e, err := svc.CreateExpense(ctx, validInput(), "user-1")
	require.NoError(t, err)

	amount := "1.00"
	_, err = svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Amount: &amount, Status: strPtr("approved")}, "manager")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition)
	assert.Equal(t, "INVALID_STATUS_TRANSITION", core.CodeOf(err))

	got, err := svc.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, got.Status)
	assert.Equal(t, "250.00", got.Amount.String(), "no field is written when the transition fails")
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateExpenseInput)
		want   error
	}{
		{"too many decimals", func(in *CreateExpenseInput) { in.Amount = "12.345" }, core.ErrInvalidAmount},
		{"zero amount", func(in *CreateExpenseInput) { in.Amount = "0.00" }, core.ErrAmountNotPositive},
		{"negative amount", func(in *CreateExpenseInput) { in.Amount = "-3" }, core.ErrInvalidAmount},
		{"bad tax", func(in *CreateExpenseInput) { in.TaxAmount = strPtr("1.234") }, core.ErrInvalidAmount},
		{"bad currency", func(in *CreateExpenseInput) { in.Currency = "EURO" }, core.ErrInvalidCurrency},
		{"bad status", func(in *CreateExpenseInput) { in.Status = "paid" }, core.ErrInvalidStatus},
		{"bad date", func(in *CreateExpenseInput) { in.Date = "yesterday" }, core.ErrInvalidDate},
		{"date before 1900", func(in *CreateExpenseInput) { in.Date = "1500-01-01" }, core.ErrInvalidDate},
		{"date after 2199", func(in *CreateExpenseInput) { in.Date = "9999-12-31" }, core.ErrInvalidDate},
		{"amount above ceiling", func(in *CreateExpenseInput) { in.Amount = "50000000000000000.00" }, core.ErrInvalidAmount},
		{"missing project", func(in *CreateExpenseInput) { in.ProjectID = " " }, core.ErrValidation},
		{"missing category", func(in *CreateExpenseInput) { in.Category = "" }, core.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc, s := newService(t)

			in := validInput()
			tc.mutate(&in)
			_, err := svc.CreateExpense(ctx, in, "user-1")
			require.ErrorIs(t, err, tc.want)

			_, total, err := s.List(ctx, store.ListFilter{})
			require.NoError(t, err)
			assert.Zero(t, total, "store must not be mutated")
		})
	}
}

func TestCreateDefaultsToDraft(t *testing.T) {
	svc, _ := newService(t)
	in := validInput()
	in.Status = ""
	in.TaxAmount = strPtr("12.5")

	e, err := svc.CreateExpense(context.Background(), in, "user-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, e.Status)
	require.NotNil(t, e.TaxAmount)
	assert.Equal(t, "12.50", e.TaxAmount.String())
}

func TestConcurrentIdempotentCreate(t *testing.T) {
	backends := map[string]func(t *testing.T) store.ExpenseStore{
		"memory": func(t *testing.T) store.ExpenseStore { return memory.New() },
		"sqlite": func(t *testing.T) store.ExpenseStore {
			repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "finance.db"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			svc := NewFinanceService(s)

			in := validInput()
			in.IdempotencyKey = "key-1"

			var (
				wg  sync.WaitGroup
				ids [2]string
			)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e, err := svc.CreateExpense(ctx, in, "user-1")
					assert.NoError(t, err)
					ids[i] = e.ID
				}(i)
			}
			wg.Wait()

			assert.NotEmpty(t, ids[0])
			assert.Equal(t, ids[0], ids[1])

			_, total, err := s.List(ctx, store.ListFilter{ProjectID: "P1"})
			require.NoError(t, err)
			assert.Equal(t, 1, total)

			again, err := svc.CreateExpense(ctx, in, "someone-else")
			require.NoError(t, err)
			assert.Equal(t, ids[0], again.ID)
			assert.Equal(t, "user-1", again.CreatedBy)
		})
	}
}

func TestUpdateExpense(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	in := validInput()
	in.TaxAmount = strPtr("5.00")
	e, err := svc.CreateExpense(ctx, in, "user-1")
	require.NoError(t, err)

	updated, err := svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{
		Category:  strPtr(" Travel "),
		Currency:  strPtr("eur"),
		TaxAmount: strPtr(""),
		Status:    strPtr("pending"),
	}, "manager")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "Travel", updated.Category)
	assert.Equal(t, "EUR", updated.Currency)
	assert.Nil(t, updated.TaxAmount)
	assert.Equal(t, core.StatusPending, updated.Status)
	assert.Equal(t, "user-1", updated.CreatedBy)

	missing, err := svc.UpdateExpense(ctx, "nope", UpdateExpenseInput{Status: strPtr("pending")}, "manager")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Amount: strPtr("0")}, "manager")
	require.ErrorIs(t, err, core.ErrAmountNotPositive)

	_, err = svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Category: strPtr("  ")}, "manager")
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Status: strPtr("pending")}, "manager")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition, "same-state moves are rejected")
}

func TestListExpenses(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	for i := 0; i < 5; i++ {
		_, err := svc.CreateExpense(ctx, validInput(), "user-1")
		require.NoError(t, err)
	}

	page, err := svc.ListExpenses(ctx, store.ListFilter{ProjectID: "P1", PageSize: 2, Page: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Items, 1)

	page, err = svc.ListExpenses(ctx, store.ListFilter{ProjectID: "P1", Status: "DRAFT"})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, store.DefaultPageSize, page.PageSize)

	_, err = svc.ListExpenses(ctx, store.ListFilter{ProjectID: "P1", Status: "paid"})
	require.ErrorIs(t, err, core.ErrInvalidStatus)
}

func TestUpsertBudgetValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	over := 1.5
	neg := -0.1

	cases := []struct {
		name string
		in   BudgetInput
		want error
	}{
		{"bad currency", BudgetInput{Currency: "E", Total: "1"}, core.ErrInvalidCurrency},
		{"bad total", BudgetInput{Currency: "EUR", Total: "1.001"}, core.ErrInvalidAmount},
		{"threshold above one", BudgetInput{Currency: "EUR", Total: "1", WarnThreshold: &over}, core.ErrInvalidWarnThreshold},
		{"negative threshold", BudgetInput{Currency: "EUR", Total: "1", WarnThreshold: &neg}, core.ErrInvalidWarnThreshold},
		{"empty category", BudgetInput{Currency: "EUR", Total: "1", Categories: []BudgetCategoryInput{{Name: " "}}}, core.ErrValidation},
		{"duplicate category", BudgetInput{Currency: "EUR", Total: "1", Categories: []BudgetCategoryInput{{Name: "Design"}, {Name: "design "}}}, core.ErrValidation},
		{"bad limit", BudgetInput{Currency: "EUR", Total: "1", Categories: []BudgetCategoryInput{{Name: "Design", Limit: strPtr("x")}}}, core.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.UpsertBudget(ctx, "P1", tc.in, "owner")
			require.ErrorIs(t, err, tc.want)
		})
	}

	b, err := svc.GetBudget(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, b, "failed upserts must not store anything")
}

func TestBudgetRoundTripAndUsage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	warn := 0.0

	stored, err := svc.UpsertBudget(ctx, "P1", BudgetInput{
		Currency:      "usd",
		Total:         "0",
		WarnThreshold: &warn,
		Categories: []BudgetCategoryInput{
			{Name: "Design", Limit: strPtr("0.00")},
			{Name: "Travel"},
		},
	}, "owner")
	require.NoError(t, err)
	assert.Equal(t, "USD", stored.Currency)
	assert.Equal(t, "0.00", stored.Total.String())
	assert.Nil(t, stored.SpentTotal)
	assert.Equal(t, "owner", stored.UpdatedBy)

	b := spent(t, svc, "P1")
	assert.Equal(t, "0.00", b.SpentTotal.String())
	require.Len(t, b.CategoriesUsage, 2)
	assert.Equal(t, "0.00", b.CategoriesUsage[0].Limit.String())
	assert.Nil(t, b.CategoriesUsage[1].Limit)
	assert.False(t, b.OverBudget)

	in := validInput()
	in.Status = "pending"
	_, err = svc.CreateExpense(ctx, in, "user-1")
	require.NoError(t, err)

	b = spent(t, svc, "P1")
	assert.True(t, b.OverBudget)
	assert.True(t, b.CategoriesUsage[0].OverLimit)
}

func TestGetBudgetFlagsCurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.UpsertBudget(ctx, "P1", BudgetInput{Currency: "EUR", Total: "100.00"}, "owner")
	require.NoError(t, err)

	in := validInput()
	in.Status = "pending"
	_, err = svc.CreateExpense(ctx, in, "user-1")
	require.NoError(t, err)

	b := spent(t, svc, "P1")
	assert.True(t, b.CurrencyMismatch)
	assert.Equal(t, "0.00", b.SpentTotal.String())
}

func TestGetBudgetLargeSpendStaysPositive(t *testing.T) {
	backends := map[string]func(t *testing.T) store.ExpenseStore{
		"memory": func(t *testing.T) store.ExpenseStore { return memory.New() },
		"sqlite": func(t *testing.T) store.ExpenseStore {
			repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "finance.db"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewFinanceService(newStore(t))

			_, err := svc.UpsertBudget(ctx, "P1", BudgetInput{Currency: "USD", Total: "1.00"}, "owner")
			require.NoError(t, err)

			in := validInput()
			in.Status = "pending"
			in.Amount = "999999999999.99"
			for i := 0; i < 2; i++ {
				_, err := svc.CreateExpense(ctx, in, "user-1")
				require.NoError(t, err)
			}

			b := spent(t, svc, "P1")
			assert.Equal(t, "1999999999999.98", b.SpentTotal.String())
			assert.True(t, b.OverBudget)
		})
	}
}

func TestGetBudgetReportsOverflow(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	svc := NewFinanceService(s)

	_, err := svc.UpsertBudget(ctx, "P1", BudgetInput{Currency: "USD", Total: "1.00"}, "owner")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, core.Expense{
			ProjectID: "P1",
			Date:      core.MinDate,
			Amount:    core.Money{Cents: math.MaxInt64 / 2},
			Currency:  "USD",
			Category:  "ops",
			Status:    core.StatusPending,
		}, "import")
		require.NoError(t, err)
	}

	_, err = svc.GetBudget(ctx, "P1")
	require.ErrorIs(t, err, core.ErrAmountOverflow)
}

// staleReadStore serves the snapshot taken before another client's write.
type staleReadStore struct {
	store.ExpenseStore
	snapshot core.Expense
}

func (s staleReadStore) FindByID(context.Context, string) (*core.Expense, error) {
	e := s.snapshot
	return &e, nil
}

func TestUpdateExpenseRejectsTransitionFromStaleRead(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	svc := NewFinanceService(backing)

	e, err := svc.CreateExpense(ctx, validInput(), "user-1")
	require.NoError(t, err)
	_, err = svc.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Status: strPtr("pending")}, "user-2")
	require.NoError(t, err)

	stale := NewFinanceService(staleReadStore{ExpenseStore: backing, snapshot: e})

	_, err = stale.UpdateExpense(ctx, e.ID, UpdateExpenseInput{
		Amount: strPtr("99.00"),
		Status: strPtr("pending"),
	}, "user-3")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition)

	_, err = stale.UpdateExpense(ctx, e.ID, UpdateExpenseInput{Status: strPtr("pending")}, "user-3")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition)

	found, err := backing.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, found.Status)
	assert.Equal(t, "250.00", found.Amount.String(), "fields must not change when the transition fails")
}

func TestGetBudgetMissing(t *testing.T) {
	svc, _ := newService(t)
	b, err := svc.GetBudget(context.Background(), "P404")
	require.NoError(t, err)
	assert.Nil(t, b)
}

type failingStore struct {
	store.ExpenseStore
}

func (failingStore) Create(context.Context, core.Expense, string) (core.Expense, error) {
	return core.Expense{}, errors.New("disk full")
}

func TestStoreErrorsAreNotDomainErrors(t *testing.T) {
	svc := NewFinanceService(failingStore{ExpenseStore: memory.New()})
	_, err := svc.CreateExpense(context.Background(), validInput(), "user-1")
	require.Error(t, err)
	assert.False(t, core.IsDomainError(err))
	assert.Equal(t, core.CodeInternal, core.CodeOf(err))
}
