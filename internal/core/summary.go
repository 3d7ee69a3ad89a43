package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount Money
}

// CategoryTotals maps a normalized category key to its display label and
// summed amount.
type CategoryTotals map[string]CategoryAmount

// SpendTotals is the counted spend of one project. ByCategory holds the
// requested currency, or every currency when none was requested. Excluded
// holds spend in other currencies keyed by upper-cased code.
type SpendTotals struct {
	ByCategory CategoryTotals
	Excluded   map[string]Money
}

// Total sums every category.
func (t CategoryTotals) Total() (Money, error) {
	var (
		sum Money
		err error
	)
	for _, c := range t {
		if sum, err = sum.Add(c.Amount); err != nil {
			return Money{}, err
		}
	}
	return sum, nil
}

// AddExpense accumulates one amount under the normalized category. The label
// kept for a key is the lexicographically smallest trimmed spelling seen.
func (t CategoryTotals) AddExpense(category string, amount Money) error {
	key := NormalizeCategory(category)
	label := strings.TrimSpace(category)
	cur, ok := t[key]
	if !ok || label < cur.Name {
		cur.Name = label
	}
	sum, err := cur.Amount.Add(amount)
	if err != nil {
		return fmt.Errorf("category %q: %w", label, err)
	}
	cur.Amount = sum
	t[key] = cur
	return nil
}

// SumSpend filters expenses to the counted statuses and sums their cents per
// normalized category. With a currency set, expenses in other currencies go
// to Excluded instead.
func SumSpend(expenses []Expense, counted []ExpenseStatus, currency string) (SpendTotals, error) {
	include := make(map[ExpenseStatus]bool, len(counted))
	for _, s := range counted {
		include[s] = true
	}
	out := SpendTotals{ByCategory: CategoryTotals{}, Excluded: map[string]Money{}}
	for _, e := range expenses {
		if !include[e.Status] {
			continue
		}
		if currency != "" && !strings.EqualFold(e.Currency, currency) {
			code := strings.ToUpper(e.Currency)
			sum, err := out.Excluded[code].Add(e.Amount)
			if err != nil {
				return SpendTotals{}, fmt.Errorf("currency %s: %w", code, err)
			}
			out.Excluded[code] = sum
			continue
		}
		if err := out.ByCategory.AddExpense(e.Category, e.Amount); err != nil {
			return SpendTotals{}, err
		}
	}
	return out, nil
}

// BuildUsage merges a budget definition with category totals.
//
// Declared categories come first in declared order, with zero spend when no
// expense used them. Categories that only appear in totals follow, sorted by
// key and without a limit.
func BuildUsage(b Budget, totals CategoryTotals) (Budget, error) {
	out := b.Clone().Definition()
	usage := make([]CategoryUsage, 0, len(b.Categories)+len(totals))
	declared := make(map[string]bool, len(b.Categories))

	for _, c := range b.Categories {
		key := NormalizeCategory(c.Name)
		declared[key] = true
		u := CategoryUsage{Name: c.Name, Spent: totals[key].Amount}
		if c.Limit != nil {
			limit := *c.Limit
			u.Limit = &limit
			u.OverLimit = u.Spent.Cents > limit.Cents
		}
		usage = append(usage, u)
	}

	extra := make([]string, 0, len(totals))
	for key := range totals {
		if !declared[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		usage = append(usage, CategoryUsage{Name: totals[key].Name, Spent: totals[key].Amount})
	}

	spent, err := totals.Total()
	if err != nil {
		return Budget{}, err
	}
	out.SpentTotal = &spent
	out.CategoriesUsage = usage
	out.OverBudget = spent.Cents > b.Total.Cents
	out.Warn = reachesThreshold(spent, b.Total, b.WarnThreshold)
	return out, nil
}

func reachesThreshold(spent, total Money, threshold *float64) bool {
	if threshold == nil || total.Cents <= 0 {
		return false
	}
	limit := decimal.NewFromInt(total.Cents).Mul(decimal.NewFromFloat(*threshold))
	return decimal.NewFromInt(spent.Cents).GreaterThanOrEqual(limit)
}
