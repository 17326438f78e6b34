package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

func newLoan(t *testing.T, principal, monthly string) *ledger.LoanAccount {
	t.Helper()
	loan, err := ledger.NewLoan("LOAN-1", ledger.LoanTerms{
		CustomerID:            "CUST-1",
		Principal:             money.MustParse(principal),
		MonthlyInterestAmount: money.MustParse(monthly),
		StartDate:             ledger.NewDate(2025, time.January, 1),
	}, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return loan
}

// =============================================================================
// BALANCE RECONCILIATION
// =============================================================================

func TestRecomputeBalance_AfterEveryMutation(t *testing.T) {
	loan := newLoan(t, "500", "100")
	assertBalanced(t, loan)

	loan.ApplyAccrual(amt("100"), ledger.NewDate(2025, time.February, 1))
	assertBalanced(t, loan)
	assert.Equal(t, "600.00", loan.CurrentBalance.String())

	loan.ApplyPayment(amt("60"), amt("0"), ledger.NewDate(2025, time.February, 3))
	assertBalanced(t, loan)
	assert.Equal(t, "540.00", loan.CurrentBalance.String())

	loan.ApplyPayment(amt("40"), amt("100"), ledger.NewDate(2025, time.February, 4))
	assertBalanced(t, loan)
	assert.Equal(t, "400.00", loan.CurrentBalance.String())
}

func TestApplyPayment_ClampsAtZero(t *testing.T) {
	loan := newLoan(t, "500", "100")
	loan.ApplyAccrual(amt("100"), ledger.NewDate(2025, time.February, 1))

	loan.ApplyPayment(amt("150"), amt("900"), ledger.NewDate(2025, time.February, 2))

	assert.Equal(t, "0.00", loan.Principal.String())
	assert.Equal(t, "0.00", loan.OutstandingInterest.String())
	assert.True(t, loan.CurrentBalance.IsZero())
	assert.Equal(t, ledger.StatusPaid, loan.Status)
	assertBalanced(t, loan)
}

func TestApplyPayment_TracksRealizedInterest(t *testing.T) {
	// GIVEN: A loan charging 100 per month with three months accrued
	// WHEN: 250 of interest is paid across two payments
	// THEN: Two whole periods are covered and the last payment date is recorded
	loan := newLoan(t, "1000", "100")
	loan.ApplyAccrual(amt("300"), ledger.NewDate(2025, time.April, 1))

	loan.ApplyPayment(amt("150"), amt("0"), ledger.NewDate(2025, time.April, 2))
	loan.ApplyPayment(amt("100"), amt("0"), ledger.NewDate(2025, time.April, 9))

	assert.Equal(t, "250.00", loan.TotalInterestPaid.String())
	assert.Equal(t, int64(2), loan.InterestPaidUntilMonth)
	assert.Equal(t, "2025-04-09", loan.LastInterestPaymentDate.String())

	loan.ApplyPayment(amt("0"), amt("10"), ledger.NewDate(2025, time.April, 20))
	assert.Equal(t, "2025-04-09", loan.LastInterestPaymentDate.String(), "principal-only payment keeps the date")
}

func TestRecomputeBalance_DefaultedStaysDefaulted(t *testing.T) {
	loan := newLoan(t, "100", "10")
	require.NoError(t, loan.MarkDefaulted())

	loan.ApplyPayment(amt("0"), amt("100"), ledger.NewDate(2025, time.March, 1))

	assert.True(t, loan.CurrentBalance.IsZero())
	assert.Equal(t, ledger.StatusDefaulted, loan.Status)
}

func TestCheckInvariants_DetectsDrift(t *testing.T) {
	loan := newLoan(t, "100", "10")
	loan.CurrentBalance = amt("99")

	err := loan.CheckInvariants()

	var cerr *ledger.ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "LOAN-1", cerr.LoanID)
	assert.True(t, errors.Is(err, ledger.ErrConsistency))
	assert.False(t, ledger.IsRetryable(err))
}

// =============================================================================
// ACCRUAL AMOUNT
// =============================================================================

func TestPeriodDate(t *testing.T) {
	tests := []struct {
		name string
		ref  ledger.Date
		asOf ledger.Date
		want string
	}{
		{"one period due", ledger.NewDate(2025, time.January, 10), ledger.NewDate(2025, time.February, 3), "2025-02-03"},
		{"three behind", ledger.NewDate(2025, time.January, 10), ledger.NewDate(2025, time.April, 1), "2025-02-10"},
		{"month end clamps", ledger.NewDate(2025, time.January, 31), ledger.NewDate(2025, time.April, 1), "2025-02-28"},
		{"across year end", ledger.NewDate(2024, time.November, 30), ledger.NewDate(2025, time.February, 1), "2024-12-30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := newLoan(t, "1000", "50")
			loan.LastAccrualDate = tt.ref

			assert.Equal(t, tt.want, loan.PeriodDate(tt.asOf).String())
		})
	}
}

func TestAccrualAmount_Flat(t *testing.T) {
	loan := newLoan(t, "1000", "75")
	loan.ApplyAccrual(loan.AccrualAmount(), ledger.NewDate(2025, time.February, 1))
	loan.ApplyAccrual(loan.AccrualAmount(), ledger.NewDate(2025, time.March, 1))

	assert.Equal(t, "150.00", loan.OutstandingInterest.String(), "flat policy never charges interest on interest")
}

func TestAccrualAmount_Compounding(t *testing.T) {
	// GIVEN: 1000 at 10% compounding
	// WHEN: Two periods accrue
	// THEN: 100, then 110 (charged on the unpaid interest too)
	loan, err := ledger.NewLoan("LOAN-2", ledger.LoanTerms{
		CustomerID:          "CUST-1",
		Principal:           amt("1000"),
		StartDate:           ledger.NewDate(2025, time.January, 1),
		Policy:              ledger.PolicyCompounding,
		InterestRatePercent: decimal.NewFromInt(10),
	}, time.Now())
	require.NoError(t, err)

	first := loan.AccrualAmount()
	loan.ApplyAccrual(first, ledger.NewDate(2025, time.February, 1))
	second := loan.AccrualAmount()
	loan.ApplyAccrual(second, ledger.NewDate(2025, time.March, 1))

	assert.Equal(t, "100.00", first.String())
	assert.Equal(t, "110.00", second.String())
	assert.Equal(t, "1210.00", loan.CurrentBalance.String())
}

func TestAccrualAmount_CompoundingRoundsToCents(t *testing.T) {
	loan, err := ledger.NewLoan("LOAN-3", ledger.LoanTerms{
		CustomerID:          "CUST-1",
		Principal:           amt("333.33"),
		StartDate:           ledger.NewDate(2025, time.January, 1),
		Policy:              ledger.PolicyCompounding,
		InterestRatePercent: decimal.RequireFromString("1.5"),
	}, time.Now())
	require.NoError(t, err)

	assert.True(t, amt("5").Equal(loan.AccrualAmount()), "333.33 * 1.5%% = 4.99995 -> 5.00, got %s", loan.AccrualAmount())
}

// =============================================================================
// NORMALIZATION
// =============================================================================

func TestNormalize_BackfillsLegacyRow(t *testing.T) {
	// GIVEN: A row written before status, policy and the derived balance existed
	legacy := &ledger.LoanAccount{
		ID:                    "LOAN-old",
		CustomerID:            "CUST-1",
		Principal:             amt("800"),
		OutstandingInterest:   amt("40"),
		MonthlyInterestAmount: amt("20"),
		TotalInterestPaid:     amt("60"),
		StartDate:             ledger.NewDate(2024, time.November, 5),
		LastAccrualDate:       ledger.NewDate(2025, time.January, 5),
	}

	changed := legacy.Normalize()

	assert.True(t, changed)
	assert.Equal(t, ledger.StatusActive, legacy.Status)
	assert.Equal(t, ledger.PolicyFlat, legacy.AccrualPolicy)
	assert.Equal(t, "800.00", legacy.OriginalPrincipal.String())
	assert.Equal(t, "840.00", legacy.CurrentBalance.String())
	assert.Equal(t, "2025-02-05", legacy.NextDueDate.String())
	assert.Equal(t, int64(3), legacy.InterestPaidUntilMonth)
	assert.Equal(t, ledger.CurrentSchemaVersion, legacy.SchemaVersion)
	assertBalanced(t, legacy)

	assert.False(t, legacy.Normalize(), "second pass is a no-op")
}

func TestNormalize_RateOnlyRowIsCompounding(t *testing.T) {
	legacy := &ledger.LoanAccount{
		ID:                  "LOAN-rate",
		Principal:           amt("100"),
		InterestRatePercent: decimal.NewFromInt(5),
		StartDate:           ledger.NewDate(2025, time.January, 1),
	}

	legacy.Normalize()

	assert.Equal(t, ledger.PolicyCompounding, legacy.AccrualPolicy)
}
