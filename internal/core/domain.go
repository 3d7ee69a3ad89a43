package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	StatusDraft    ExpenseStatus = "draft"
	StatusPending  ExpenseStatus = "pending"
	StatusApproved ExpenseStatus = "approved"
	StatusPayable  ExpenseStatus = "payable"
	StatusClosed   ExpenseStatus = "closed"
)

type (
	ExpenseStatus string

	Expense struct {
		ID            string        `json:"id"`
		WorkspaceID   string        `json:"workspaceId"`
		ProjectID     string        `json:"projectId"`
		TaskID        string        `json:"taskId,omitempty"`
		Date          time.Time     `json:"date"`
		Amount        Money         `json:"amount"`
		Currency      string        `json:"currency"`
		Category      string        `json:"category"`
		Description   string        `json:"description,omitempty"`
		Vendor        string        `json:"vendor,omitempty"`
		PaymentMethod string        `json:"paymentMethod,omitempty"`
		TaxAmount     *Money        `json:"taxAmount,omitempty"`
		Status        ExpenseStatus `json:"status"`
		CreatedBy     string        `json:"createdBy"`
		CreatedAt     time.Time     `json:"createdAt"`
		UpdatedAt     time.Time     `json:"updatedAt"`
	}

	BudgetCategory struct {
		Name  string `json:"name"`
		Limit *Money `json:"limit,omitempty"`
	}

	// Budget is the per-project spending ceiling. SpentTotal and the fields
	// after it are derived on read and stay empty in stored definitions.
	Budget struct {
		ProjectID     string           `json:"projectId"`
		Currency      string           `json:"currency"`
		Total         Money            `json:"total"`
		WarnThreshold *float64         `json:"warnThreshold,omitempty"`
		Categories    []BudgetCategory `json:"categories"`
		UpdatedBy     string           `json:"updatedBy,omitempty"`
		UpdatedAt     time.Time        `json:"updatedAt"`

		SpentTotal       *Money          `json:"spentTotal,omitempty"`
		CategoriesUsage  []CategoryUsage `json:"categoriesUsage,omitempty"`
		Warn             bool            `json:"warn,omitempty"`
		OverBudget       bool            `json:"overBudget,omitempty"`
		CurrencyMismatch bool            `json:"currencyMismatch,omitempty"`
	}

	CategoryUsage struct {
		Name      string `json:"name"`
		Spent     Money  `json:"spent"`
		Limit     *Money `json:"limit,omitempty"`
		OverLimit bool   `json:"overLimit,omitempty"`
	}
)

var statusOrder = []ExpenseStatus{StatusDraft, StatusPending, StatusApproved, StatusPayable, StatusClosed}

// Statuses returns every status in workflow order.
func Statuses() []ExpenseStatus {
	return append([]ExpenseStatus(nil), statusOrder...)
}

// CountedStatuses are the statuses whose expenses count toward budget spend.
func CountedStatuses() []ExpenseStatus {
	return []ExpenseStatus{StatusPending, StatusApproved, StatusPayable, StatusClosed}
}

func (s ExpenseStatus) String() string {
	return string(s)
}

func (s ExpenseStatus) IsValid() bool {
	return s.rank() >= 0
}

func (s ExpenseStatus) rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStatus normalizes s and checks it is a known status.
func ParseStatus(s string) (ExpenseStatus, error) {
	st := ExpenseStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is one step forward in the
// workflow. Same-state, backward and skipping moves are all rejected.
func CanTransition(from, to ExpenseStatus) bool {
	f, t := from.rank(), to.rank()
	return f >= 0 && t >= 0 && t == f+1
}

// Previous returns the only status that may transition into s, or "" for
// draft and unknown statuses.
func (s ExpenseStatus) Previous() ExpenseStatus {
	if r := s.rank(); r > 0 {
		return statusOrder[r-1]
	}
	return ""
}

// ValidateTransition wraps ErrInvalidStatusTransition when CanTransition is false.
func ValidateTransition(from, to ExpenseStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// NormalizeCategory is the aggregation key for a category label.
func NormalizeCategory(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Expense dates must fall in [MinDate, MaxDate). Both store backends can
// represent every instant in this range exactly.
var (
	MinDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxDate = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParseDate accepts an RFC 3339 timestamp or a plain YYYY-MM-DD date (UTC midnight).
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
		}
	}
	t = t.UTC()
	if err := ValidateDate(t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ValidateDate fails with ErrInvalidDate outside [MinDate, MaxDate).
func ValidateDate(t time.Time) error {
	if t.Before(MinDate) || !t.Before(MaxDate) {
		return fmt.Errorf("%w: %s outside %s..%s", ErrInvalidDate,
			t.UTC().Format(time.RFC3339), MinDate.Format("2006-01-02"), MaxDate.Format("2006-01-02"))
	}
	return nil
}

// Clone returns a copy that shares no pointers with e.
func (e Expense) Clone() Expense {
	if e.TaxAmount != nil {
		tax := *e.TaxAmount
		e.TaxAmount = &tax
	}
	return e
}

// Clone returns a copy that shares no pointers or slices with b.
func (b Budget) Clone() Budget {
	if b.WarnThreshold != nil {
		w := *b.WarnThreshold
		b.WarnThreshold = &w
	}
	if b.Categories != nil {
		cats := make([]BudgetCategory, len(b.Categories))
		for i, c := range b.Categories {
			if c.Limit != nil {
				l := *c.Limit
				c.Limit = &l
			}
			cats[i] = c
		}
		b.Categories = cats
	}
	if b.SpentTotal != nil {
		s := *b.SpentTotal
		b.SpentTotal = &s
	}
	if b.CategoriesUsage != nil {
		b.CategoriesUsage = append([]CategoryUsage(nil), b.CategoriesUsage...)
	}
	return b
}

// Definition strips the derived usage fields.
func (b Budget) Definition() Budget {
	b.SpentTotal = nil
	b.CategoriesUsage = nil
	b.Warn = false
	b.OverBudget = false
	b.CurrencyMismatch = false
	return b
}
