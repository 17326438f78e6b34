package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
)

func TestAccrualScheduler_RunsOnStartAndIsIdempotent(t *testing.T) {
	// GIVEN: A loan one month past its start date
	// WHEN: The scheduler ticks several times on the same day
	// THEN: The loan is accrued exactly once
	h, router := newTestHandler(t)
	c := createCustomer(t, router, "Alice", "0")
	loan := createLoan(t, router, fmt.Sprintf(`{"customer_id": %q, "principal": "1000", "start_date": "2025-02-25",
		"accrual": {"monthly_amount": "40"}}`, c.ID))

	s := h.Scheduler
	s.CheckInterval = 10 * time.Millisecond
	s.Start()
	s.Start()

	require.Eventually(t, func() bool {
		report, ok := s.LastResult()
		return ok && report.Sweep.Skipped == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	accruals, err := h.Ledger.Accruals.AccrualsForLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Len(t, accruals, 1)
	assert.Equal(t, ledger.MonthKey("2025-03"), accruals[0].Period)
	assert.False(t, s.GetNextRunTime().IsZero())

	rec := do(t, router, http.MethodGet, "/api/customers/"+c.ID, nil)
	assert.Equal(t, "1040.00", decode[CustomerDetailDTO](t, rec).TotalBalance.String())
}

func TestAccrualScheduler_Disabled(t *testing.T) {
	h, _ := newTestHandler(t)
	s := h.Scheduler
	s.Enabled = false

	s.Start()
	s.Stop()

	_, ok := s.LastResult()
	assert.False(t, ok)
	assert.True(t, s.GetNextRunTime().IsZero())
}

func TestAccrualScheduler_RunAtReport(t *testing.T) {
	h, router := newTestHandler(t)
	c := createCustomer(t, router, "Alice", "0")
	createLoan(t, router, fmt.Sprintf(`{"customer_id": %q, "principal": "500", "start_date": "2025-01-05",
		"accrual": {"monthly_amount": "10"}}`, c.ID))

	report, err := h.Scheduler.RunAt(context.Background(), ledger.NewDate(2025, time.March, 5))

	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", report.AsOf.String())
	assert.Equal(t, 1, report.Sweep.Accrued)
	assert.Equal(t, "10.00", report.Sweep.TotalInterest.String())
	assert.Empty(t, report.Error)
	assert.Equal(t, testNow, report.StartedAt)

	last, ok := h.Scheduler.LastResult()
	require.True(t, ok)
	assert.Equal(t, report.Sweep.RunID, last.Sweep.RunID)
}
