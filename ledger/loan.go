/*
Package ledger is the loan ledger engine.

PURPOSE:
  Governs how a loan's principal and outstanding-interest balances evolve
  under two external events - an accrual tick and a payment - and how those
  events roll up into monthly summaries and per-customer totals.

KEY CONCEPTS IN THIS FILE (loan.go):
  - LoanAccount: the mutable entity; every mutation ends in RecomputeBalance
  - AccrualPolicy: flat amount per period (default) or compounding rate
  - Normalize: one-time backfill of rows written by older schemas

INVARIANTS (checked by CheckInvariants after every mutation):
  1. CurrentBalance == Principal + OutstandingInterest
  2. Principal >= 0, OutstandingInterest >= 0
  3. Status is Paid only when both balances are exactly zero
  4. TotalInterestPaid never decreases

SEE ALSO:
  - accrual.go: AccrualEngine (eligibility + sweep)
  - allocator.go: PaymentAllocator (waterfall / split)
  - aggregator.go: customer totals and monthly summaries
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/money"
)

// CurrentSchemaVersion is stamped by Normalize.
const CurrentSchemaVersion = 2

var hundred = decimal.NewFromInt(100)

// =============================================================================
// STATUS & POLICY
// =============================================================================

type LoanStatus string

const (
	StatusActive    LoanStatus = "active"
	StatusPaid      LoanStatus = "paid"      // terminal: both balances reached zero
	StatusDefaulted LoanStatus = "defaulted" // terminal: external decision, never set by the engine
)

func (s LoanStatus) Valid() bool {
	return s == StatusActive || s == StatusPaid || s == StatusDefaulted
}

// AccrualPolicy selects how a period's interest is computed.
type AccrualPolicy string

const (
	// PolicyFlat charges MonthlyInterestAmount every period. Non-compounding.
	PolicyFlat AccrualPolicy = "flat"

	// PolicyCompounding charges CurrentBalance * InterestRatePercent / 100,
	// i.e. interest is charged on unpaid interest too. Must be chosen explicitly.
	PolicyCompounding AccrualPolicy = "compounding"
)

func (p AccrualPolicy) Valid() bool {
	return p == PolicyFlat || p == PolicyCompounding
}

// =============================================================================
// LOAN ACCOUNT
// =============================================================================

type LoanAccount struct {
	ID                    string          `json:"id"`
	CustomerID            string          `json:"customer_id"`
	OriginalPrincipal     money.Money     `json:"original_principal"`
	Principal             money.Money     `json:"principal"`
	OutstandingInterest   money.Money     `json:"outstanding_interest"`
	MonthlyInterestAmount money.Money     `json:"monthly_interest_amount"`
	AccrualPolicy         AccrualPolicy   `json:"accrual_policy"`
	InterestRatePercent   decimal.Decimal `json:"interest_rate_percent"`
	TotalInterestPaid     money.Money     `json:"total_interest_paid"`

	// InterestPaidUntilMonth counts whole periods of interest covered by
	// TotalInterestPaid. Arrears reporting only; never drives status.
	InterestPaidUntilMonth int64 `json:"interest_paid_until_month"`

	CurrentBalance money.Money `json:"current_balance"` // derived, see RecomputeBalance

	StartDate               Date `json:"start_date"`
	LastAccrualDate         Date `json:"last_accrual_date"`
	NextDueDate             Date `json:"next_due_date"`
	LastInterestPaymentDate Date `json:"last_interest_payment_date"`

	Status        LoanStatus `json:"status"`
	SchemaVersion int        `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LoanTerms are the caller-supplied parameters of a new loan.
type LoanTerms struct {
	CustomerID            string
	Principal             money.Money
	MonthlyInterestAmount money.Money
	StartDate             Date
	Policy                AccrualPolicy   // empty means PolicyFlat
	InterestRatePercent   decimal.Decimal // PolicyCompounding only
}

// NewLoan creates an active loan. Fails with ValidationError on bad terms.
func NewLoan(id string, terms LoanTerms, now time.Time) (*LoanAccount, error) {
	if terms.Policy == "" {
		terms.Policy = PolicyFlat
	}
	switch {
	case terms.CustomerID == "":
		return nil, invalid("customer_id", "is required")
	case !terms.Principal.IsPositive():
		return nil, invalid("principal", "must be positive, got %s", terms.Principal)
	case terms.StartDate.IsZero():
		return nil, invalid("start_date", "is required")
	case terms.MonthlyInterestAmount.IsNegative():
		return nil, invalid("monthly_interest_amount", "must not be negative")
	case !terms.Policy.Valid():
		return nil, invalid("accrual_policy", "unknown policy %q", terms.Policy)
	case terms.Policy == PolicyCompounding && !terms.InterestRatePercent.IsPositive():
		return nil, invalid("interest_rate_percent", "must be positive for compounding loans")
	}

	loan := &LoanAccount{
		ID:                    id,
		CustomerID:            terms.CustomerID,
		OriginalPrincipal:     terms.Principal,
		Principal:             terms.Principal,
		OutstandingInterest:   money.Zero,
		MonthlyInterestAmount: terms.MonthlyInterestAmount,
		AccrualPolicy:         terms.Policy,
		InterestRatePercent:   terms.InterestRatePercent,
		TotalInterestPaid:     money.Zero,
		StartDate:             terms.StartDate,
		NextDueDate:           terms.StartDate.AddMonths(1),
		Status:                StatusActive,
		SchemaVersion:         CurrentSchemaVersion,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	loan.RecomputeBalance()
	return loan, nil
}

// Clone returns a copy safe to mutate without touching the original.
func (l *LoanAccount) Clone() *LoanAccount {
	c := *l
	return &c
}

// =============================================================================
// MUTATIONS - each one ends in RecomputeBalance
// =============================================================================

// RecomputeBalance is the single reconciliation point for the derived balance.
// When nothing is owed both balances are forced to exactly zero and an active
// loan becomes Paid.
func (l *LoanAccount) RecomputeBalance() {
	l.CurrentBalance = l.Principal.Add(l.OutstandingInterest)
	if !l.Principal.IsPositive() && !l.OutstandingInterest.IsPositive() {
		l.Principal = money.Zero
		l.OutstandingInterest = money.Zero
		l.CurrentBalance = money.Zero
		if l.Status == StatusActive {
			l.Status = StatusPaid
		}
	}
}

// ApplyAccrual adds one period's interest booked on period (see PeriodDate).
// The dates advance even for a zero amount so the loan is not re-selected on
// every tick once caught up.
func (l *LoanAccount) ApplyAccrual(amount money.Money, period Date) {
	l.OutstandingInterest = l.OutstandingInterest.Add(amount)
	l.LastAccrualDate = period
	l.NextDueDate = period.AddMonths(1)
	l.RecomputeBalance()
}

// ApplyPayment reduces both balances (clamped at zero) and records the
// realized interest.
func (l *LoanAccount) ApplyPayment(interestPortion, principalPortion money.Money, on Date) {
	l.OutstandingInterest = l.OutstandingInterest.Sub(interestPortion).ClampZero()
	l.Principal = l.Principal.Sub(principalPortion).ClampZero()
	l.TotalInterestPaid = l.TotalInterestPaid.Add(interestPortion)
	if l.MonthlyInterestAmount.IsPositive() {
		l.InterestPaidUntilMonth = l.TotalInterestPaid.DivFloor(l.MonthlyInterestAmount)
	}
	if interestPortion.IsPositive() {
		l.LastInterestPaymentDate = on
	}
	l.RecomputeBalance()
}

// MarkDefaulted records the external decision to stop servicing the loan.
func (l *LoanAccount) MarkDefaulted() error {
	if l.Status != StatusActive {
		return invalid("status", "only active loans can be defaulted, loan is %s", l.Status)
	}
	l.Status = StatusDefaulted
	return nil
}

// =============================================================================
// ACCRUAL HELPERS
// =============================================================================

// AccrualReference is the date eligibility is measured from.
func (l *LoanAccount) AccrualReference() Date {
	if !l.LastAccrualDate.IsZero() {
		return l.LastAccrualDate
	}
	return l.StartDate
}

// IsAccrualDue reports whether at least one calendar month separates the
// reference date from asOf. Only active loans are ever due.
func (l *LoanAccount) IsAccrualDue(asOf Date) bool {
	return l.Status == StatusActive && MonthsBetween(l.AccrualReference(), asOf) >= 1
}

// PeriodDate is the date the next accrual is booked on when swept at asOf.
// A loan more than one period behind books the oldest missed period first,
// one month after its reference date, so each tick closes one period.
func (l *LoanAccount) PeriodDate(asOf Date) Date {
	ref := l.AccrualReference()
	if MonthsBetween(ref, asOf) > 1 {
		return ref.addMonthsClamped(1)
	}
	return asOf
}

// AccrualAmount returns the interest for one period under the loan's policy.
func (l *LoanAccount) AccrualAmount() money.Money {
	if l.AccrualPolicy == PolicyCompounding {
		return l.CurrentBalance.Mul(l.InterestRatePercent.Div(hundred)).Round(money.Places)
	}
	return l.MonthlyInterestAmount
}

// =============================================================================
// INVARIANTS & NORMALIZATION
// =============================================================================

// CheckInvariants returns a ConsistencyError if the loan is not safe to persist.
func (l *LoanAccount) CheckInvariants() error {
	switch {
	case l.Principal.IsNegative():
		return &ConsistencyError{LoanID: l.ID, Reason: "negative principal " + l.Principal.String()}
	case l.OutstandingInterest.IsNegative():
		return &ConsistencyError{LoanID: l.ID, Reason: "negative outstanding interest " + l.OutstandingInterest.String()}
	case !l.CurrentBalance.Equal(l.Principal.Add(l.OutstandingInterest)):
		return &ConsistencyError{LoanID: l.ID, Reason: "current balance " + l.CurrentBalance.String() +
			" != principal + outstanding interest " + l.Principal.Add(l.OutstandingInterest).String()}
	case l.Status == StatusPaid && !l.CurrentBalance.IsZero():
		return &ConsistencyError{LoanID: l.ID, Reason: "paid loan with balance " + l.CurrentBalance.String()}
	case l.TotalInterestPaid.IsNegative():
		return &ConsistencyError{LoanID: l.ID, Reason: "negative total interest paid"}
	case !l.Status.Valid():
		return &ConsistencyError{LoanID: l.ID, Reason: "unknown status " + string(l.Status)}
	}
	return nil
}

// Normalize backfills fields missing from rows written by older schemas.
// Defaults:
//   - OriginalPrincipal <- Principal
//   - Status            <- active
//   - AccrualPolicy     <- compounding if only a rate was stored, else flat
//   - NextDueDate       <- (LastAccrualDate or StartDate) + 1 month
//   - CurrentBalance    <- recomputed
//
// Returns true if anything changed.
func (l *LoanAccount) Normalize() bool {
	if l.SchemaVersion >= CurrentSchemaVersion {
		return false
	}
	if l.OriginalPrincipal.IsZero() {
		l.OriginalPrincipal = l.Principal
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	if l.AccrualPolicy == "" {
		if l.MonthlyInterestAmount.IsZero() && l.InterestRatePercent.IsPositive() {
			l.AccrualPolicy = PolicyCompounding
		} else {
			l.AccrualPolicy = PolicyFlat
		}
	}
	if l.NextDueDate.IsZero() && !l.AccrualReference().IsZero() {
		l.NextDueDate = l.AccrualReference().AddMonths(1)
	}
	if l.MonthlyInterestAmount.IsPositive() {
		l.InterestPaidUntilMonth = l.TotalInterestPaid.DivFloor(l.MonthlyInterestAmount)
	}
	l.RecomputeBalance()
	l.SchemaVersion = CurrentSchemaVersion
	return true
}
