// Package memory is the in-process ExpenseStore used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"collabverse/internal/core"
	"collabverse/internal/store"
)

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	expenses map[string]core.Expense
	budgets  map[string]core.Budget
	ledger   map[string]string

	// group coalesces concurrent creates that share an idempotency key.
	group singleflight.Group
}

var _ store.ExpenseStore = (*Store)(nil)

type Option func(*Store)

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		expenses: map[string]core.Expense{},
		budgets:  map[string]core.Budget{},
		ledger:   map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a copy of e and returns it with id and audit fields set.
func (s *Store) Create(_ context.Context, e core.Expense, actorID string) (core.Expense, error) {
	if err := core.ValidateDate(e.Date); err != nil {
		return core.Expense{}, err
	}
	e = e.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.now().UTC()
	e.CreatedBy = actorID
	e.CreatedAt = now
	e.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenses[e.ID] = e
	return e.Clone(), nil
}

func (s *Store) FindByID(_ context.Context, id string) (*core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

func (s *Store) List(_ context.Context, f store.ListFilter) ([]core.Expense, int, error) {
	f = f.Normalize()

	s.mu.Lock()
	matched := make([]core.Expense, 0, len(s.expenses))
	for _, e := range s.expenses {
		if f.Matches(e) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return store.Less(matched[i], matched[j]) })

	total := len(matched)
	start := f.Offset()
	if start >= total {
		return []core.Expense{}, total, nil
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) Update(_ context.Context, id string, p store.ExpensePatch) (*core.Expense, error) {
	if p.Date != nil {
		if err := core.ValidateDate(*p.Date); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, nil
	}
	if p.Status != nil {
		if err := core.ValidateTransition(e.Status, *p.Status); err != nil {
			return nil, err
		}
		e.Status = *p.Status
	}
	p.Apply(&e)
	e.UpdatedAt = s.now().UTC()
	s.expenses[id] = e
	out := e.Clone()
	return &out, nil
}

func (s *Store) ChangeStatus(_ context.Context, id string, status core.ExpenseStatus, _ string) (*core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, nil
	}
	if err := core.ValidateTransition(e.Status, status); err != nil {
		return nil, err
	}
	e.Status = status
	e.UpdatedAt = s.now().UTC()
	s.expenses[id] = e
	out := e.Clone()
	return &out, nil
}

func (s *Store) AggregateByCategory(_ context.Context, q store.AggregateQuery) (core.SpendTotals, error) {
	s.mu.Lock()
	var scoped []core.Expense
	for _, e := range s.expenses {
		if e.ProjectID == q.ProjectID {
			scoped = append(scoped, e)
		}
	}
	s.mu.Unlock()
	return core.SumSpend(scoped, q.Statuses, q.Currency)
}

// WithIdempotency returns the expense already recorded for key, or runs
// handler once and records its result. Concurrent callers with the same key
// wait for the single in-flight handler and share its result.
func (s *Store) WithIdempotency(ctx context.Context, key string, handler store.CreateFunc) (core.Expense, error) {
	if err := ctx.Err(); err != nil {
		return core.Expense{}, err
	}
	if e, ok := s.recorded(key); ok {
		return e, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if e, ok := s.recorded(key); ok {
			return e, nil
		}
		e, err := handler(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.ledger[key] = e.ID
		s.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return core.Expense{}, err
	}
	return v.(core.Expense).Clone(), nil
}

func (s *Store) recorded(key string) (core.Expense, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ledger[key]
	if !ok {
		return core.Expense{}, false
	}
	e, ok := s.expenses[id]
	if !ok {
		return core.Expense{}, false
	}
	return e.Clone(), true
}

func (s *Store) GetBudget(_ context.Context, projectID string) (*core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[projectID]
	if !ok {
		return nil, nil
	}
	out := b.Clone()
	return &out, nil
}

func (s *Store) UpsertBudget(_ context.Context, projectID string, b core.Budget) (core.Budget, error) {
	b = b.Clone().Definition()
	b.ProjectID = projectID
	b.UpdatedAt = s.now().UTC()
	if b.Categories == nil {
		b.Categories = []core.BudgetCategory{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[projectID] = b
	return b.Clone(), nil
}
