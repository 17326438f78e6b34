/*
Package money provides the fixed-point amount type used for every balance.

PURPOSE:
  All loan arithmetic (principal, outstanding interest, payments, summaries)
  goes through Money so that repeated additions and subtractions never drift
  the way float64 does. 0.1 + 0.2 is exactly 0.3 here.

DESIGN:
  - Immutable value type wrapping decimal.Decimal (field is unexported)
  - Single currency: the ledger does not do multi-currency
  - Zero value is a valid zero amount
  - JSON accepts numbers or strings, emits strings ("150.00" round-trips exactly)
  - Implements sql.Scanner / driver.Valuer, stored as TEXT

USAGE:
  pay := money.MustParse("150")
  interestPaid := pay.Min(loan.OutstandingInterest)
  remaining := pay.Sub(interestPaid)

SEE ALSO:
  - ledger/loan.go: balance mutations
  - ledger/allocator.go: waterfall arithmetic
*/
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places used for display and rounding.
const Places = 2

// Money is an immutable fixed-point amount.
type Money struct {
	amount decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func New(d decimal.Decimal) Money  { return Money{amount: d} }
func NewFromInt(v int64) Money     { return Money{amount: decimal.NewFromInt(v)} }
func NewFromFloat(v float64) Money { return Money{amount: decimal.NewFromFloat(v)} }

// NewFromString parses a decimal string such as "1250.50".
func NewFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{amount: d}, nil
}

// MustParse is NewFromString that panics. Intended for constants and tests.
func MustParse(s string) Money {
	m, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Sum adds all amounts.
func Sum(ms ...Money) Money {
	total := Zero
	for _, m := range ms {
		total = total.Add(m)
	}
	return total
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func (m Money) Decimal() decimal.Decimal    { return m.amount }
func (m Money) Add(o Money) Money           { return Money{amount: m.amount.Add(o.amount)} }
func (m Money) Sub(o Money) Money           { return Money{amount: m.amount.Sub(o.amount)} }
func (m Money) Mul(f decimal.Decimal) Money { return Money{amount: m.amount.Mul(f)} }
func (m Money) Neg() Money                  { return Money{amount: m.amount.Neg()} }
func (m Money) Round(places int32) Money    { return Money{amount: m.amount.Round(places)} }

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// ClampZero returns max(0, m).
func (m Money) ClampZero() Money {
	if m.IsNegative() {
		return Zero
	}
	return m
}

// DivFloor returns floor(m / unit) as a whole count. Returns 0 when unit is not positive.
func (m Money) DivFloor(unit Money) int64 {
	if !unit.IsPositive() {
		return 0
	}
	return m.amount.Div(unit.amount).Floor().IntPart()
}

// =============================================================================
// COMPARISON
// =============================================================================

func (m Money) IsZero() bool                    { return m.amount.IsZero() }
func (m Money) IsPositive() bool                { return m.amount.IsPositive() }
func (m Money) IsNegative() bool                { return m.amount.IsNegative() }
func (m Money) Equal(o Money) bool              { return m.amount.Equal(o.amount) }
func (m Money) GreaterThan(o Money) bool        { return m.amount.GreaterThan(o.amount) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.amount.GreaterThanOrEqual(o.amount) }
func (m Money) LessThan(o Money) bool           { return m.amount.LessThan(o.amount) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.amount.LessThanOrEqual(o.amount) }

// =============================================================================
// FORMATTING & ENCODING
// =============================================================================

// String formats with two decimal places, e.g. "450.00".
func (m Money) String() string { return m.amount.StringFixed(Places) }

// Float64 is for metrics only. Never feed it back into balance math.
func (m Money) Float64() float64 {
	f, _ := m.amount.Float64()
	return f
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.amount.String() + `"`), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	m.amount = d
	return nil
}

// Value stores the amount as its exact decimal string.
func (m Money) Value() (driver.Value, error) {
	return m.amount.String(), nil
}

// Scan reads TEXT, numeric or NULL columns.
func (m *Money) Scan(src any) error {
	if src == nil {
		*m = Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	m.amount = d
	return nil
}
