// Package core provides money parsing and handling utilities.
//
// This file contains functions for parsing monetary amounts from decimal
// strings into integer cents and formatting them back. Amounts never pass
// through float64.
package core

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

// MaxAmountCents is the largest amount ParseAmount accepts, 999999999999.99.
const MaxAmountCents int64 = 99_999_999_999_999

// Money is an amount in minor units (cents).
type Money struct {
	Cents int64
}

// ParseAmount converts a non-negative decimal string to Money.
//
// At most two fractional digits are accepted and no rounding is performed:
//
//	ParseAmount("12.34")  -> 1234
//	ParseAmount("12.5")   -> 1250
//	ParseAmount("7")      -> 700
//	ParseAmount("12.345") -> ErrInvalidAmount
//	ParseAmount("-1")     -> ErrInvalidAmount
//
// Amounts above MaxAmountCents are rejected with ErrInvalidAmount.
//
// Zero is a valid amount here; callers that need a strictly positive value
// check Money.Validate.
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if !amountPattern.MatchString(s) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has more than 2 decimal digits", ErrInvalidAmount, s)
	}
	bi := cents.BigInt()
	if !bi.IsInt64() || bi.Int64() > MaxAmountCents {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return Money{Cents: bi.Int64()}, nil
}

// MustParseAmount is ParseAmount for literals known to be valid.
func MustParseAmount(s string) Money {
	m, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseCurrency checks for exactly three ASCII letters and returns the
// upper-cased code. The code is not checked against an ISO 4217 list.
func ParseCurrency(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
		}
	}
	return strings.ToUpper(s), nil
}

// Validate fails with ErrAmountNotPositive unless the amount is above zero.
func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrAmountNotPositive
	}
	return nil
}

// Add returns m + o, or ErrAmountOverflow when the sum does not fit in int64.
func (m Money) Add(o Money) (Money, error) {
	if (o.Cents > 0 && m.Cents > math.MaxInt64-o.Cents) ||
		(o.Cents < 0 && m.Cents < math.MinInt64-o.Cents) {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrAmountOverflow, m, o)
	}
	return Money{Cents: m.Cents + o.Cents}, nil
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Cents == 0
}

// String formats the amount with exactly two fractional digits, e.g. "12.30".
func (m Money) String() string {
	cents := m.Cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}

// MarshalJSON encodes the amount as a decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a decimal string in the ParseAmount format.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amount must be a string", ErrInvalidAmount)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
