package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// CUSTOMER TOTALS
// =============================================================================

func TestRefreshCustomerBalance_SumsActiveLoansOnly(t *testing.T) {
	// GIVEN: A customer with an active, a paid and a defaulted loan
	// WHEN: The total is refreshed
	// THEN: It equals the active loan's balance exactly
	f := newFixture(t)
	c := f.customer(t, "Alice")
	active := f.owing(t, c.ID)
	paid := f.loan(t, c.ID, "75.25", "5", ledger.NewDate(2025, time.January, 1))
	_, err := f.ledger.Payments.ApplyWaterfall(f.ctx, ledger.WaterfallPayment{
		LoanID: paid.ID, PayAmount: amt("75.25"), PaymentDate: payDay,
	})
	require.NoError(t, err)
	defaulted := f.loan(t, c.ID, "999", "9", ledger.NewDate(2025, time.January, 1))
	_, err = f.ledger.DefaultLoan(f.ctx, defaulted.ID)
	require.NoError(t, err)

	total, err := f.ledger.Aggregator.RefreshCustomerBalance(f.ctx, c.ID)

	require.NoError(t, err)
	assert.True(t, total.Equal(f.reload(t, active.ID).CurrentBalance))
	assert.Equal(t, "600.00", total.String())
}

func TestRefreshCustomerBalance_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, "Alice")
	f.loan(t, c.ID, "300", "10", ledger.NewDate(2025, time.January, 1))

	stored, err := f.store.LoadCustomer(f.ctx, c.ID)
	require.NoError(t, err)
	stored.TotalBalance = amt("12345")
	require.NoError(t, f.store.SaveCustomer(f.ctx, stored))

	n, err := f.ledger.Aggregator.RecalculateAll(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "300.00", f.customerTotal(t, c.ID))
}

func TestRefreshCustomerBalance_UnknownCustomer(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Aggregator.RefreshCustomerBalance(f.ctx, "CUST-missing")

	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// MONTHLY SUMMARIES
// =============================================================================

func TestMonthlySummary_ProfitIsRealizedInterest(t *testing.T) {
	// GIVEN: Interest payments of 30 and 45 in March
	// WHEN: The March bucket is read
	// THEN: Profit is 75
	f := newFixture(t)
	c := f.customer(t, "Alice")
	loan := f.owing(t, c.ID)

	for _, pay := range []string{"30", "45"} {
		_, err := f.ledger.Payments.ApplyWaterfall(f.ctx, ledger.WaterfallPayment{
			LoanID: loan.ID, PayAmount: amt(pay), PaymentDate: ledger.NewDate(2025, time.March, 3),
		})
		require.NoError(t, err)
	}

	march, err := f.ledger.Aggregator.MonthlySummary(f.ctx, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, "75.00", march.Profit.String())
	assert.Equal(t, "75.00", march.TotalInterest.String())
	assert.Equal(t, "0.00", march.TotalPrincipal.String())
	assert.Equal(t, "75.00", march.TotalReceived.String())
	assert.Equal(t, 2, march.PaymentCount)
}

func TestMonthlySummary_BucketsByPaymentMonth(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, "Alice")
	loan := f.owing(t, c.ID)

	_, err := f.ledger.Payments.ApplyWaterfall(f.ctx, ledger.WaterfallPayment{
		LoanID: loan.ID, PayAmount: amt("150"), PaymentDate: ledger.NewDate(2025, time.February, 28),
	})
	require.NoError(t, err)
	_, err = f.ledger.Payments.ApplySplit(f.ctx, ledger.SplitPayment{
		LoanID: loan.ID, PrincipalPaid: amt("50"), PaymentDate: ledger.NewDate(2025, time.March, 1),
	})
	require.NoError(t, err)

	summaries, err := f.ledger.Aggregator.MonthlySummaries(f.ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, ledger.MonthKey("2025-03"), summaries[0].Month, "newest first")
	assert.Equal(t, "0.00", summaries[0].Profit.String())
	assert.Equal(t, "50.00", summaries[0].TotalPrincipal.String())
	assert.Equal(t, ledger.MonthKey("2025-02"), summaries[1].Month)
	assert.Equal(t, "100.00", summaries[1].Profit.String())
	assert.Equal(t, "50.00", summaries[1].TotalPrincipal.String())
	assert.Equal(t, "150.00", summaries[1].TotalReceived.String())
}

func TestMonthlySummary_EmptyMonthIsNotCreated(t *testing.T) {
	f := newFixture(t)

	s, err := f.ledger.Aggregator.MonthlySummary(f.ctx, "2024-12")

	require.NoError(t, err)
	assert.Equal(t, 0, s.PaymentCount)
	assert.True(t, s.Profit.IsZero())
	all, _ := f.ledger.Aggregator.MonthlySummaries(f.ctx)
	assert.Empty(t, all)
}

func TestApplyPaymentToSummary_Idempotent(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, "Alice")
	loan := f.owing(t, c.ID)
	p, err := f.ledger.Payments.ApplyWaterfall(f.ctx, ledger.WaterfallPayment{
		LoanID: loan.ID, PayAmount: amt("30"), PaymentDate: payDay,
	})
	require.NoError(t, err)

	applied, err := f.ledger.Aggregator.ApplyPaymentToSummary(f.ctx, p)

	require.NoError(t, err)
	assert.False(t, applied, "already counted by the outbox")
	feb, _ := f.ledger.Aggregator.MonthlySummary(f.ctx, "2025-02")
	assert.Equal(t, "30.00", feb.Profit.String())
	assert.Equal(t, 1, feb.PaymentCount)
}

func TestRebuildMonthlySummaries_ReplaysPayments(t *testing.T) {
	// GIVEN: A corrupted bucket
	// WHEN: Summaries are rebuilt
	// THEN: Buckets match the payment records again
	f := newFixture(t)
	c := f.customer(t, "Alice")
	loan := f.owing(t, c.ID)
	for _, pay := range []string{"30", "45"} {
		_, err := f.ledger.Payments.ApplyWaterfall(f.ctx, ledger.WaterfallPayment{
			LoanID: loan.ID, PayAmount: amt(pay), PaymentDate: payDay,
		})
		require.NoError(t, err)
	}
	broken, err := f.store.LoadOrCreateMonthlySummary(f.ctx, "2025-02")
	require.NoError(t, err)
	broken.Profit = amt("1")
	require.NoError(t, f.store.SaveMonthlySummary(f.ctx, broken))

	n, err := f.ledger.Aggregator.RebuildMonthlySummaries(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	feb, _ := f.ledger.Aggregator.MonthlySummary(f.ctx, "2025-02")
	assert.Equal(t, "75.00", feb.Profit.String())
	assert.Equal(t, 2, feb.PaymentCount)

	_, err = f.ledger.Outbox.DrainOutbox(f.ctx, 0)
	require.NoError(t, err)
	feb, _ = f.ledger.Aggregator.MonthlySummary(f.ctx, "2025-02")
	assert.Equal(t, "75.00", feb.Profit.String(), "replayed payments are not counted again")
}
