package core

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		ok  bool
	}{
		{"1", 100, true},
		{"1.0", 100, true},
		{"1.23", 123, true},
		{"0.01", 1, true},
		{"0", 0, true},
		{"12.5", 1250, true},
		{" 2.50 ", 250, true},
		{"999999999999.99", 99999999999999, true},
		{"1000000000000", 0, false},
		{"50000000000000000.00", 0, false},
		{"92233720368547758.08", 0, false},
		{"12.345", 0, false},
		{"1,23", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1e3", 0, false},
		{".5", 0, false},
		{"1.", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%q expected ErrInvalidAmount, got %v", tc.in, err)
		}
	}
}

func TestMoneyString(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		5:      "0.05",
		30:     "0.30",
		1234:   "12.34",
		100000: "1000.00",
		-250:   "-2.50",
	}
	for cents, want := range cases {
		if got := (Money{Cents: cents}).String(); got != want {
			t.Fatalf("%d: expected %q, got %q", cents, want, got)
		}
	}
}

func TestMoneyAddIsExact(t *testing.T) {
	dime := MustParseAmount("0.10")
	var (
		sum Money
		err error
	)
	for i := 0; i < 3; i++ {
		if sum, err = sum.Add(dime); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if sum.String() != "0.30" {
		t.Fatalf("expected 0.30, got %s", sum)
	}
}

func TestMoneyAddOverflow(t *testing.T) {
	top := Money{Cents: math.MaxInt64 - 1}
	if got, err := top.Add(Money{Cents: 1}); err != nil || got.Cents != math.MaxInt64 {
		t.Fatalf("expected MaxInt64, got %d (err=%v)", got.Cents, err)
	}
	if _, err := top.Add(Money{Cents: 2}); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	bottom := Money{Cents: math.MinInt64 + 1}
	if _, err := bottom.Add(Money{Cents: -2}); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow below zero, got %v", err)
	}
}

func TestMoneyValidate(t *testing.T) {
	if err := (Money{Cents: 1}).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := (Money{Cents: 0}).Validate(); !errors.Is(err, ErrAmountNotPositive) {
		t.Fatalf("expected ErrAmountNotPositive for zero, got %v", err)
	}
}

func TestParseCurrency(t *testing.T) {
	good := map[string]string{"EUR": "EUR", "usd": "USD", " Gbp ": "GBP"}
	for in, want := range good {
		got, err := ParseCurrency(in)
		if err != nil || got != want {
			t.Fatalf("%q expected %q, got %q (err=%v)", in, want, got, err)
		}
	}
	for _, in := range []string{"", "EU", "EURO", "E1R", "€UR"} {
		if _, err := ParseCurrency(in); !errors.Is(err, ErrInvalidCurrency) {
			t.Fatalf("%q expected ErrInvalidCurrency, got %v", in, err)
		}
	}
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(Money{Cents: 1050})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"10.50"` {
		t.Fatalf("expected \"10.50\", got %s", b)
	}

	var m Money
	if err := json.Unmarshal([]byte(`"7.5"`), &m); err != nil || m.Cents != 750 {
		t.Fatalf("expected 750, got %d (err=%v)", m.Cents, err)
	}
	if err := json.Unmarshal([]byte(`7.5`), &m); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected numbers to be rejected, got %v", err)
	}
}
