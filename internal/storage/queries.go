package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"collabverse/internal/core"
	"collabverse/internal/store"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const expenseColumns = `id, workspace_id, project_id, task_id, date, amount_cents, currency,
	category, description, vendor, payment_method, tax_cents, status,
	created_by, created_at, updated_at`

const insertExpense = `INSERT INTO expenses (
	id, workspace_id, project_id, task_id, date, amount_cents, currency,
	category, category_key, description, vendor, payment_method, tax_cents, status,
	created_by, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertExpense(ctx context.Context, e core.Expense) error {
	_, err := q.db.ExecContext(ctx, insertExpense,
		e.ID, e.WorkspaceID, e.ProjectID, e.TaskID, toNanos(e.Date), e.Amount.Cents, e.Currency,
		e.Category, core.NormalizeCategory(e.Category), e.Description, e.Vendor, e.PaymentMethod,
		nullableCents(e.TaxAmount), string(e.Status),
		e.CreatedBy, toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	)
	return err
}

const getExpense = `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`

func (q *Queries) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	return scanExpense(q.db.QueryRowContext(ctx, getExpense, id))
}

const updateExpenseFields = `UPDATE expenses SET
	task_id = ?, date = ?, amount_cents = ?, currency = ?, category = ?, category_key = ?,
	description = ?, vendor = ?, payment_method = ?, tax_cents = ?, updated_at = ?
WHERE id = ?`

func (q *Queries) UpdateExpenseFields(ctx context.Context, e core.Expense) error {
	_, err := q.db.ExecContext(ctx, updateExpenseFields,
		e.TaskID, toNanos(e.Date), e.Amount.Cents, e.Currency, e.Category, core.NormalizeCategory(e.Category),
		e.Description, e.Vendor, e.PaymentMethod, nullableCents(e.TaxAmount), toNanos(e.UpdatedAt),
		e.ID,
	)
	return err
}

const updateExpenseStatus = `UPDATE expenses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

// UpdateExpenseStatus writes to only while the row is still in from and
// reports whether it did.
func (q *Queries) UpdateExpenseStatus(ctx context.Context, id string, from, to core.ExpenseStatus, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, updateExpenseStatus, string(to), toNanos(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// listWhere renders the filter as a WHERE clause with positional args.
func listWhere(f store.ListFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		conds = append(conds, "category_key = ?")
		args = append(args, core.NormalizeCategory(f.Category))
	}
	if f.DateFrom != nil {
		conds = append(conds, "date >= ?")
		args = append(args, toNanos(*f.DateFrom))
	}
	if f.DateTo != nil {
		conds = append(conds, "date <= ?")
		args = append(args, toNanos(*f.DateTo))
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" {
		conds = append(conds, "(instr(lower(description), ?) > 0 OR instr(lower(vendor), ?) > 0 OR instr(lower(category), ?) > 0)")
		args = append(args, term, term, term)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q *Queries) CountExpenses(ctx context.Context, f store.ListFilter) (int, error) {
	where, args := listWhere(f)
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses`+where, args...).Scan(&n)
	return n, err
}

func (q *Queries) ListExpenses(ctx context.Context, f store.ListFilter) ([]core.Expense, error) {
	where, args := listWhere(f)
	query := `SELECT ` + expenseColumns + ` FROM expenses` + where +
		` ORDER BY date DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, f.Offset())

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []core.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSpend returns category, currency, amount and status of a project's
// expenses in the given statuses. Summing happens in Go so overflow is
// reported the same way by every backend.
func (q *Queries) ListSpend(ctx context.Context, projectID string, statuses []core.ExpenseStatus) ([]core.Expense, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []interface{}{projectID}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := q.db.QueryContext(ctx, `SELECT category, currency, amount_cents, status FROM expenses
	WHERE project_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		var (
			e      core.Expense
			status string
		)
		if err := rows.Scan(&e.Category, &e.Currency, &e.Amount.Cents, &status); err != nil {
			return nil, err
		}
		e.ProjectID = projectID
		e.Status = core.ExpenseStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

const reserveIdempotencyKey = `INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)
ON CONFLICT(key) DO NOTHING`

// ReserveIdempotencyKey reports whether this call inserted the key.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, reserveIdempotencyKey, key, toNanos(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (q *Queries) CompleteIdempotencyKey(ctx context.Context, key, expenseID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE idempotency_keys SET expense_id = ? WHERE key = ? AND expense_id IS NULL`, expenseID, key)
	return err
}

// ReclaimIdempotencyKey deletes a reservation that never recorded an expense
// and was made before cutoff. It reports whether a row was removed.
func (q *Queries) ReclaimIdempotencyKey(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM idempotency_keys
	WHERE key = ? AND expense_id IS NULL AND created_at < ?`, key, toNanos(cutoff))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LookupIdempotencyKey returns the recorded expense id. found is false when
// no row exists; an empty id is a reservation that was committed without an
// expense.
func (q *Queries) LookupIdempotencyKey(ctx context.Context, key string) (id string, found bool, err error) {
	var expenseID sql.NullString
	err = q.db.QueryRowContext(ctx, `SELECT expense_id FROM idempotency_keys WHERE key = ?`, key).Scan(&expenseID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return expenseID.String, true, nil
}

type budgetCategoryRow struct {
	Name       string `json:"name"`
	LimitCents *int64 `json:"limit_cents,omitempty"`
}

const getBudget = `SELECT project_id, currency, total_cents, warn_threshold, categories, updated_by, updated_at
FROM budgets WHERE project_id = ?`

func (q *Queries) GetBudget(ctx context.Context, projectID string) (core.Budget, error) {
	var (
		b          core.Budget
		warn       sql.NullFloat64
		categories string
		updatedAt  int64
	)
	err := q.db.QueryRowContext(ctx, getBudget, projectID).Scan(
		&b.ProjectID, &b.Currency, &b.Total.Cents, &warn, &categories, &b.UpdatedBy, &updatedAt,
	)
	if err != nil {
		return core.Budget{}, err
	}
	if warn.Valid {
		w := warn.Float64
		b.WarnThreshold = &w
	}
	b.UpdatedAt = fromNanos(updatedAt)

	var rows []budgetCategoryRow
	if err := json.Unmarshal([]byte(categories), &rows); err != nil {
		return core.Budget{}, fmt.Errorf("decode budget categories: %w", err)
	}
	b.Categories = make([]core.BudgetCategory, len(rows))
	for i, r := range rows {
		b.Categories[i] = core.BudgetCategory{Name: r.Name}
		if r.LimitCents != nil {
			b.Categories[i].Limit = &core.Money{Cents: *r.LimitCents}
		}
	}
	return b, nil
}

const upsertBudget = `INSERT INTO budgets (project_id, currency, total_cents, warn_threshold, categories, updated_by, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
	currency = excluded.currency,
	total_cents = excluded.total_cents,
	warn_threshold = excluded.warn_threshold,
	categories = excluded.categories,
	updated_by = excluded.updated_by,
	updated_at = excluded.updated_at`

func (q *Queries) UpsertBudget(ctx context.Context, b core.Budget) error {
	rows := make([]budgetCategoryRow, len(b.Categories))
	for i, c := range b.Categories {
		rows[i] = budgetCategoryRow{Name: c.Name}
		if c.Limit != nil {
			cents := c.Limit.Cents
			rows[i].LimitCents = &cents
		}
	}
	categories, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode budget categories: %w", err)
	}
	var warn sql.NullFloat64
	if b.WarnThreshold != nil {
		warn = sql.NullFloat64{Float64: *b.WarnThreshold, Valid: true}
	}
	_, err = q.db.ExecContext(ctx, upsertBudget,
		b.ProjectID, b.Currency, b.Total.Cents, warn, string(categories), b.UpdatedBy, toNanos(b.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e                          core.Expense
		status                     string
		date, createdAt, updatedAt int64
		taxCents                   sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.ProjectID, &e.TaskID, &date, &e.Amount.Cents, &e.Currency,
		&e.Category, &e.Description, &e.Vendor, &e.PaymentMethod, &taxCents, &status,
		&e.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return core.Expense{}, err
	}
	e.Status = core.ExpenseStatus(status)
	e.Date = fromNanos(date)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	if taxCents.Valid {
		e.TaxAmount = &core.Money{Cents: taxCents.Int64}
	}
	return e, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableCents(m *core.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: m.Cents, Valid: true}
}
