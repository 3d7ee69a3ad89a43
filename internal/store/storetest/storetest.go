// Package storetest holds the behaviour every store.ExpenseStore backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabverse/internal/core"
	"collabverse/internal/store"
)

// Factory builds an empty store whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) store.ExpenseStore

// Clock is a deterministic time source that advances one second per call.
type Clock struct {
	mu  sync.Mutex
	cur time.Time
}

func NewClock() *Clock {
	return &Clock{cur: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func day(s string) time.Time {
	d, err := core.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewExpense returns a valid expense for tests.
func NewExpense(project, category, amount string, status core.ExpenseStatus) core.Expense {
	return core.Expense{
		WorkspaceID: "ws-1",
		ProjectID:   project,
		Date:        day("2025-03-01"),
		Amount:      core.MustParseAmount(amount),
		Currency:    "EUR",
		Category:    category,
		Status:      status,
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAssignsIdentity", func(t *testing.T) { testCreate(t, newStore) })
	t.Run("FindByIDMissing", func(t *testing.T) { testFindMissing(t, newStore) })
	t.Run("ListFiltersAndOrder", func(t *testing.T) { testList(t, newStore) })
	t.Run("ListPagination", func(t *testing.T) { testListPagination(t, newStore) })
	t.Run("UpdateKeepsImmutableFields", func(t *testing.T) { testUpdate(t, newStore) })
	t.Run("ChangeStatus", func(t *testing.T) { testChangeStatus(t, newStore) })
	t.Run("ChangeStatusRejectsStaleTransition", func(t *testing.T) { testChangeStatusStale(t, newStore) })
	t.Run("UpdateWithStatusIsAtomic", func(t *testing.T) { testUpdateWithStatus(t, newStore) })
	t.Run("DateRange", func(t *testing.T) { testDateRange(t, newStore) })
	t.Run("AggregateByCategory", func(t *testing.T) { testAggregate(t, newStore) })
	t.Run("AggregateOverflow", func(t *testing.T) { testAggregateOverflow(t, newStore) })
	t.Run("IdempotencySequential", func(t *testing.T) { testIdempotencySequential(t, newStore) })
	t.Run("IdempotencyConcurrent", func(t *testing.T) { testIdempotencyConcurrent(t, newStore) })
	t.Run("IdempotencyHandlerFailure", func(t *testing.T) { testIdempotencyFailure(t, newStore) })
	t.Run("BudgetRoundTrip", func(t *testing.T) { testBudgetRoundTrip(t, newStore) })
}

func testCreate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := newStore(t, clock.Now)

	tax := core.MustParseAmount("2.20")
	in := NewExpense("p1", "Design", "12.30", core.StatusDraft)
	in.TaxAmount = &tax
	in.Vendor = "Acme"

	got, err := s.Create(ctx, in, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "user-1", got.CreatedBy)
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, got.CreatedAt.Equal(got.UpdatedAt))

	found, err := s.FindByID(ctx, got.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "12.30", found.Amount.String())
	require.NotNil(t, found.TaxAmount)
	assert.Equal(t, "2.20", found.TaxAmount.String())
	assert.Equal(t, "Design", found.Category)
	assert.Equal(t, "Acme", found.Vendor)
	assert.True(t, found.Date.Equal(in.Date))
	assert.True(t, found.CreatedAt.Equal(got.CreatedAt))

	withID := NewExpense("p1", "Design", "1.00", core.StatusDraft)
	withID.ID = "fixed-id"
	created, err := s.Create(ctx, withID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", created.ID)
}

func testFindMissing(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	e, err := s.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, e)

	u, err := s.Update(ctx, "nope", store.ExpensePatch{})
	require.NoError(t, err)
	assert.Nil(t, u)

	c, err := s.ChangeStatus(ctx, "nope", core.StatusPending, "user-1")
	require.NoError(t, err)
	assert.Nil(t, c)

	b, err := s.GetBudget(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func testList(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	mk := func(project, cat, date, desc string, status core.ExpenseStatus) core.Expense {
		e := NewExpense(project, cat, "10.00", status)
		e.Date = day(date)
		e.Description = desc
		created, err := s.Create(ctx, e, "user-1")
		require.NoError(t, err)
		return created
	}
	a := mk("p1", "Design", "2025-03-01", "Logo draft", core.StatusDraft)
	b := mk("p1", "design", "2025-03-05", "Poster", core.StatusPending)
	c := mk("p1", "Travel", "2025-03-05", "Train to Milan", core.StatusPending)
	mk("p2", "Design", "2025-03-02", "Other project", core.StatusPending)

	items, total, err := s.List(ctx, store.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	// Same date: the later created expense comes first.
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(items))

	items, total, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Category: "DESIGN"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{b.ID, a.ID}, ids(items))

	items, _, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Status: core.StatusDraft})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(items))

	from, to := day("2025-03-01"), day("2025-03-01")
	items, _, err = s.List(ctx, store.ListFilter{ProjectID: "p1", DateFrom: &from, DateTo: &to})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(items))

	items, _, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Search: "milan"})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids(items))

	items, _, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Search: "TRAV"})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids(items), "search covers category")

	items, total, err = s.List(ctx, store.ListFilter{ProjectID: "p3"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, items)
}

func testListPagination(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	for i := 0; i < 25; i++ {
		_, err := s.Create(ctx, NewExpense("p1", "Ops", "1.00", core.StatusPending), "user-1")
		require.NoError(t, err)
	}

	items, total, err := s.List(ctx, store.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, items, store.DefaultPageSize)

	items, total, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, items, 10)

	items, _, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, items, 5)

	items, total, err = s.List(ctx, store.ListFilter{ProjectID: "p1", Page: 9})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Empty(t, items)
}

func testUpdate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	tax := core.MustParseAmount("1.00")
	in := NewExpense("p1", "Design", "10.00", core.StatusDraft)
	in.TaxAmount = &tax
	created, err := s.Create(ctx, in, "user-1")
	require.NoError(t, err)

	amount := core.MustParseAmount("99.99")
	vendor := "New vendor"
	updated, err := s.Update(ctx, created.ID, store.ExpensePatch{
		Amount:         &amount,
		Vendor:         &vendor,
		ClearTaxAmount: true,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.ProjectID, updated.ProjectID)
	assert.Equal(t, created.WorkspaceID, updated.WorkspaceID)
	assert.Equal(t, created.CreatedBy, updated.CreatedBy)
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, "99.99", updated.Amount.String())
	assert.Equal(t, "New vendor", updated.Vendor)
	assert.Nil(t, updated.TaxAmount)
	assert.Equal(t, core.StatusDraft, updated.Status)

	found, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "99.99", found.Amount.String())
	assert.Nil(t, found.TaxAmount)
}

func testChangeStatus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	created, err := s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	require.NoError(t, err)

	changed, err := s.ChangeStatus(ctx, created.ID, core.StatusPending, "user-2")
	require.NoError(t, err)
	require.NotNil(t, changed)
	assert.Equal(t, core.StatusPending, changed.Status)
	assert.True(t, changed.UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, "user-1", changed.CreatedBy)

	_, err = s.ChangeStatus(ctx, created.ID, core.StatusPayable, "user-2")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition, "skipping approved")
	_, err = s.ChangeStatus(ctx, created.ID, core.StatusDraft, "user-2")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition, "moving backward")

	found, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, found.Status)
}

// testChangeStatusStale replays two clients that both read a draft: the
// second one to write must not move the expense a second time.
func testChangeStatusStale(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	created, err := s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	require.NoError(t, err)

	_, err = s.ChangeStatus(ctx, created.ID, core.StatusPending, "user-1")
	require.NoError(t, err)
	_, err = s.ChangeStatus(ctx, created.ID, core.StatusApproved, "user-1")
	require.NoError(t, err)

	_, err = s.ChangeStatus(ctx, created.ID, core.StatusPending, "user-2")
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition)

	found, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, found.Status)
}

func testUpdateWithStatus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	created, err := s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	require.NoError(t, err)

	amount := core.MustParseAmount("20.00")
	pending := core.StatusPending
	updated, err := s.Update(ctx, created.ID, store.ExpensePatch{Amount: &amount, Status: &pending})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, core.StatusPending, updated.Status)
	assert.Equal(t, "20.00", updated.Amount.String())

	// The expense is pending now, so a patch built from the draft read fails
	// and leaves every field untouched.
	stale := core.MustParseAmount("30.00")
	_, err = s.Update(ctx, created.ID, store.ExpensePatch{Amount: &stale, Status: &pending})
	require.ErrorIs(t, err, core.ErrInvalidStatusTransition)

	found, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", found.Amount.String())
	assert.Equal(t, core.StatusPending, found.Status)
}

func testDateRange(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	for _, d := range []time.Time{
		time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	} {
		e := NewExpense("p1", "Design", "1.00", core.StatusDraft)
		e.Date = d
		_, err := s.Create(ctx, e, "user-1")
		require.ErrorIs(t, err, core.ErrInvalidDate, d.String())
	}
	_, total, err := s.List(ctx, store.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "rejected dates must not be stored")

	edges := []time.Time{
		core.MinDate,
		time.Date(2199, 12, 31, 23, 59, 59, 999999999, time.UTC),
	}
	for _, d := range edges {
		e := NewExpense("p1", "Design", "1.00", core.StatusDraft)
		e.Date = d
		created, err := s.Create(ctx, e, "user-1")
		require.NoError(t, err)

		found, err := s.FindByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.True(t, found.Date.Equal(d), "stored %s, read back %s", d, found.Date)
	}

	created, err := s.Create(ctx, NewExpense("p1", "Design", "1.00", core.StatusDraft), "user-1")
	require.NoError(t, err)
	far := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err = s.Update(ctx, created.ID, store.ExpensePatch{Date: &far})
	require.ErrorIs(t, err, core.ErrInvalidDate)
}

func testAggregate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	seed := []core.Expense{
		NewExpense("p1", "design", "100.00", core.StatusApproved),
		NewExpense("p1", "Design", "50.00", core.StatusPending),
		NewExpense("p1", "Design", "999.00", core.StatusDraft),
		NewExpense("p1", "travel", "0.10", core.StatusClosed),
		NewExpense("p1", "travel", "0.10", core.StatusClosed),
		NewExpense("p1", "travel", "0.10", core.StatusPayable),
		NewExpense("p2", "design", "7.00", core.StatusApproved),
	}
	usd := NewExpense("p1", "Design", "5.00", core.StatusApproved)
	usd.Currency = "USD"
	seed = append(seed, usd)
	for _, e := range seed {
		_, err := s.Create(ctx, e, "user-1")
		require.NoError(t, err)
	}

	spend, err := s.AggregateByCategory(ctx, store.AggregateQuery{
		ProjectID: "p1",
		Statuses:  core.CountedStatuses(),
		Currency:  "eur",
	})
	require.NoError(t, err)
	totals := spend.ByCategory
	require.Len(t, totals, 2)
	assert.Equal(t, "Design", totals["design"].Name)
	assert.Equal(t, "150.00", totals["design"].Amount.String())
	assert.Equal(t, "0.30", totals["travel"].Amount.String())
	require.Len(t, spend.Excluded, 1)
	assert.Equal(t, "5.00", spend.Excluded["USD"].String())

	all, err := s.AggregateByCategory(ctx, store.AggregateQuery{ProjectID: "p1", Statuses: core.CountedStatuses()})
	require.NoError(t, err)
	assert.Equal(t, "155.00", all.ByCategory["design"].Amount.String())
	assert.Empty(t, all.Excluded)

	none, err := s.AggregateByCategory(ctx, store.AggregateQuery{ProjectID: "p1", Statuses: []core.ExpenseStatus{}})
	require.NoError(t, err)
	assert.Empty(t, none.ByCategory)
	assert.Empty(t, none.Excluded)
}

func testAggregateOverflow(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	for i := 0; i < 3; i++ {
		e := NewExpense("p1", "Ops", "1.00", core.StatusPending)
		e.Amount = core.Money{Cents: math.MaxInt64 / 2}
		_, err := s.Create(ctx, e, "user-1")
		require.NoError(t, err)
	}

	_, err := s.AggregateByCategory(ctx, store.AggregateQuery{
		ProjectID: "p1",
		Statuses:  core.CountedStatuses(),
		Currency:  "EUR",
	})
	require.ErrorIs(t, err, core.ErrAmountOverflow)
}

func testIdempotencySequential(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	var calls int32
	handler := func(ctx context.Context) (core.Expense, error) {
		atomic.AddInt32(&calls, 1)
		return s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	}

	first, err := s.WithIdempotency(ctx, "key-1", handler)
	require.NoError(t, err)
	second, err := s.WithIdempotency(ctx, "key-1", handler)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, total, err := s.List(ctx, store.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	other, err := s.WithIdempotency(ctx, "key-2", handler)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func testIdempotencyConcurrent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	const callers = 16
	var (
		wg    sync.WaitGroup
		calls int32
		start = make(chan struct{})
		got   = make([]string, callers)
		errs  = make([]error, callers)
	)
	handler := func(ctx context.Context) (core.Expense, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e, err := s.WithIdempotency(ctx, "race-key", handler)
			got[i], errs[i] = e.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		assert.Equal(t, got[0], got[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, total, err := s.List(ctx, store.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func testIdempotencyFailure(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	boom := errors.New("boom")
	_, err := s.WithIdempotency(ctx, "key-1", func(context.Context) (core.Expense, error) {
		return core.Expense{}, boom
	})
	require.ErrorIs(t, err, boom)

	e, err := s.WithIdempotency(ctx, "key-1", func(ctx context.Context) (core.Expense, error) {
		return s.Create(ctx, NewExpense("p1", "Design", "10.00", core.StatusDraft), "user-1")
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
}

func testBudgetRoundTrip(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock().Now)

	warn := 0.0
	zero := core.Money{}
	limit := core.MustParseAmount("250.50")
	in := core.Budget{
		Currency:      "EUR",
		Total:         core.Money{},
		WarnThreshold: &warn,
		Categories: []core.BudgetCategory{
			{Name: "Design", Limit: &limit},
			{Name: "Travel", Limit: &zero},
			{Name: "Misc"},
		},
		UpdatedBy: "user-1",
	}
	stored, err := s.UpsertBudget(ctx, "p1", in)
	require.NoError(t, err)
	assert.Equal(t, "p1", stored.ProjectID)
	assert.False(t, stored.UpdatedAt.IsZero())

	got, err := s.GetBudget(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "0.00", got.Total.String())
	require.NotNil(t, got.WarnThreshold)
	assert.Equal(t, 0.0, *got.WarnThreshold)
	require.Len(t, got.Categories, 3)
	assert.Equal(t, "Design", got.Categories[0].Name)
	assert.Equal(t, "250.50", got.Categories[0].Limit.String())
	require.NotNil(t, got.Categories[1].Limit)
	assert.True(t, got.Categories[1].Limit.IsZero())
	assert.Nil(t, got.Categories[2].Limit)
	assert.Equal(t, "user-1", got.UpdatedBy)
	assert.Nil(t, got.SpentTotal)

	replaced, err := s.UpsertBudget(ctx, "p1", core.Budget{Currency: "USD", Total: core.MustParseAmount("10.00")})
	require.NoError(t, err)
	assert.NotNil(t, replaced.Categories)

	got, err = s.GetBudget(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "USD", got.Currency)
	assert.Nil(t, got.WarnThreshold)
	assert.Empty(t, got.Categories)
}

func ids(items []core.Expense) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}
