package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"collabverse/internal/core"
	"collabverse/internal/store"

	_ "modernc.org/sqlite"
)

const (
	DefaultIdempotencyWait = 5 * time.Second
	idempotencyPoll        = 25 * time.Millisecond
)

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
	wait    time.Duration
}

var _ store.ExpenseStore = (*SQLiteRepository)(nil)

type Option func(*SQLiteRepository)

// WithClock overrides time.Now for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *SQLiteRepository) { r.now = now }
}

// WithIdempotencyWait bounds how long a create waits for another request
// holding the same idempotency key.
func WithIdempotencyWait(d time.Duration) Option {
	return func(r *SQLiteRepository) {
		if d > 0 {
			r.wait = d
		}
	}
}

func dsn(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func NewSQLiteRepository(dbPath string, opts ...Option) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if _, err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	repo := &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     time.Now,
		wait:    DefaultIdempotencyWait,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// txKey carries the *sql.Tx of an idempotent create to the handler's store calls.
type txKey struct{}

// q returns queries bound to the transaction in ctx, if any. With a single
// pooled connection, work inside an open transaction must go through it.
func (r *SQLiteRepository) q(ctx context.Context) *Queries {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return r.queries.WithTx(tx)
	}
	return r.queries
}

// inTx runs fn in the transaction already carried by ctx, or in a new one
// that is committed when fn succeeds.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(q *Queries) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(r.queries.WithTx(tx))
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(r.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Create(ctx context.Context, e core.Expense, actorID string) (core.Expense, error) {
	if err := core.ValidateDate(e.Date); err != nil {
		return core.Expense{}, err
	}
	e = e.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := r.now().UTC()
	e.CreatedBy = actorID
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := r.q(ctx).InsertExpense(ctx, e); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	slog.DebugContext(ctx, "Expense saved to SQLite",
		"expense_id", e.ID,
		"project_id", e.ProjectID,
		"amount_cents", e.Amount.Cents)

	// Round-trip through the column encoding so callers see what FindByID returns.
	e.Date = fromNanos(toNanos(e.Date))
	e.CreatedAt = fromNanos(toNanos(e.CreatedAt))
	e.UpdatedAt = e.CreatedAt
	return e, nil
}

func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*core.Expense, error) {
	e, err := r.q(ctx).GetExpense(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get expense %s: %w", id, err)
	}
	return &e, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f store.ListFilter) ([]core.Expense, int, error) {
	f = f.Normalize()
	q := r.q(ctx)

	total, err := q.CountExpenses(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count expenses: %w", err)
	}
	if f.Offset() >= total {
		return []core.Expense{}, total, nil
	}

	items, err := q.ListExpenses(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list expenses: %w", err)
	}
	return items, total, nil
}

// Update writes the patched fields, and the patched status when set, in one
// transaction.
func (r *SQLiteRepository) Update(ctx context.Context, id string, p store.ExpensePatch) (*core.Expense, error) {
	if p.Date != nil {
		if err := core.ValidateDate(*p.Date); err != nil {
			return nil, err
		}
	}

	var out *core.Expense
	err := r.inTx(ctx, func(q *Queries) error {
		e, err := q.GetExpense(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get expense %s: %w", id, err)
		}

		from := e.Status
		if p.Status != nil {
			if err := core.ValidateTransition(from, *p.Status); err != nil {
				return err
			}
		}
		p.Apply(&e)
		e.UpdatedAt = fromNanos(toNanos(r.now()))
		if err := q.UpdateExpenseFields(ctx, e); err != nil {
			return fmt.Errorf("update expense %s: %w", id, err)
		}
		if p.Status != nil {
			ok, err := q.UpdateExpenseStatus(ctx, id, from, *p.Status, e.UpdatedAt)
			if err != nil {
				return fmt.Errorf("change status of %s: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s changed concurrently", core.ErrInvalidStatusTransition, id)
			}
			e.Status = *p.Status
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeStatus writes status only while the row is still in
// status.Previous(), so two racing transitions cannot both succeed.
func (r *SQLiteRepository) ChangeStatus(ctx context.Context, id string, status core.ExpenseStatus, actorID string) (*core.Expense, error) {
	ok, err := r.q(ctx).UpdateExpenseStatus(ctx, id, status.Previous(), status, r.now())
	if err != nil {
		return nil, fmt.Errorf("change status of %s: %w", id, err)
	}
	if !ok {
		current, err := r.FindByID(ctx, id)
		if err != nil || current == nil {
			return nil, err
		}
		if err := core.ValidateTransition(current.Status, status); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s changed concurrently", core.ErrInvalidStatusTransition, id)
	}
	slog.DebugContext(ctx, "Expense status changed",
		"expense_id", id,
		"status", status,
		"actor_id", actorID)
	return r.FindByID(ctx, id)
}

// AggregateByCategory sums the rows of a single SELECT, so the requested
// currency and the excluded currencies come from the same snapshot.
func (r *SQLiteRepository) AggregateByCategory(ctx context.Context, q store.AggregateQuery) (core.SpendTotals, error) {
	rows, err := r.q(ctx).ListSpend(ctx, q.ProjectID, q.Statuses)
	if err != nil {
		return core.SpendTotals{}, fmt.Errorf("aggregate expenses for %s: %w", q.ProjectID, err)
	}
	totals, err := core.SumSpend(rows, q.Statuses, q.Currency)
	if err != nil {
		return core.SpendTotals{}, fmt.Errorf("aggregate expenses for %s: %w", q.ProjectID, err)
	}
	return totals, nil
}

// WithIdempotency reserves key, runs handler and records its expense id in
// one transaction, so a failure or crash leaves neither the key nor the
// expense behind. The primary key on idempotency_keys decides the single
// winner; losers return the winner's expense once it commits, or
// ErrIdempotencyInProgress after the idempotency wait.
func (r *SQLiteRepository) WithIdempotency(ctx context.Context, key string, handler store.CreateFunc) (core.Expense, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	for {
		id, found, err := r.queries.LookupIdempotencyKey(waitCtx, key)
		if err != nil {
			return core.Expense{}, r.waitError(ctx, waitCtx, key, fmt.Errorf("lookup idempotency key: %w", err))
		}

		switch {
		case found && id != "":
			e, err := r.FindByID(ctx, id)
			if err != nil {
				return core.Expense{}, err
			}
			if e == nil {
				return core.Expense{}, fmt.Errorf("idempotency key %q references missing expense %s", key, id)
			}
			return *e, nil

		case found:
			// A reservation committed without an expense is left by a
			// process that died mid-request. Reclaim it once it is older
			// than the wait any live holder could still need.
			reclaimed, err := r.queries.ReclaimIdempotencyKey(waitCtx, key, r.now().Add(-r.wait))
			if err != nil {
				return core.Expense{}, r.waitError(ctx, waitCtx, key, fmt.Errorf("reclaim idempotency key: %w", err))
			}
			if reclaimed {
				slog.WarnContext(ctx, "Reclaimed stale idempotency key", "idempotency_key", key)
				continue
			}
			select {
			case <-waitCtx.Done():
				return core.Expense{}, r.waitError(ctx, waitCtx, key, waitCtx.Err())
			case <-time.After(idempotencyPoll):
			}

		default:
			e, won, err := r.runReserved(ctx, waitCtx, key, handler)
			if err != nil {
				return core.Expense{}, err
			}
			if won {
				return e, nil
			}
			// Another request committed the key first; read its result.
		}
	}
}

// runReserved takes a connection within the idempotency wait, then reserves
// key and runs handler in a transaction bound to ctx. won is false when the
// key already existed.
func (r *SQLiteRepository) runReserved(ctx, waitCtx context.Context, key string, handler store.CreateFunc) (e core.Expense, won bool, err error) {
	conn, err := r.db.Conn(waitCtx)
	if err != nil {
		return core.Expense{}, false, r.waitError(ctx, waitCtx, key, fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("begin idempotent create: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	won, err = q.ReserveIdempotencyKey(ctx, key, r.now())
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !won {
		return core.Expense{}, false, nil
	}

	e, err = handler(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		return core.Expense{}, true, err
	}
	if err := q.CompleteIdempotencyKey(ctx, key, e.ID); err != nil {
		return core.Expense{}, true, fmt.Errorf("record idempotency key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Expense{}, true, fmt.Errorf("commit idempotent create: %w", err)
	}
	return e, true, nil
}

// waitError reports ErrIdempotencyInProgress when only the idempotency wait
// expired, and err otherwise.
func (r *SQLiteRepository) waitError(ctx, waitCtx context.Context, key string, err error) error {
	if ctx.Err() == nil && waitCtx.Err() != nil {
		return fmt.Errorf("%w: %s", core.ErrIdempotencyInProgress, key)
	}
	return err
}

func (r *SQLiteRepository) GetBudget(ctx context.Context, projectID string) (*core.Budget, error) {
	b, err := r.q(ctx).GetBudget(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget %s: %w", projectID, err)
	}
	return &b, nil
}

func (r *SQLiteRepository) UpsertBudget(ctx context.Context, projectID string, b core.Budget) (core.Budget, error) {
	b = b.Clone().Definition()
	b.ProjectID = projectID
	b.UpdatedAt = fromNanos(toNanos(r.now()))
	if b.Categories == nil {
		b.Categories = []core.BudgetCategory{}
	}
	if err := r.q(ctx).UpsertBudget(ctx, b); err != nil {
		return core.Budget{}, fmt.Errorf("upsert budget %s: %w", projectID, err)
	}
	slog.InfoContext(ctx, "Budget saved to SQLite",
		"project_id", projectID,
		"currency", b.Currency,
		"total_cents", b.Total.Cents)
	return b, nil
}
