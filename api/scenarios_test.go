/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:

	Loads each scenario into a SQLite store and checks the state it leaves:
	- Every loan satisfies the balance invariants
	- Customer totals equal the sum of their active loans
	- Known balances for the simpler scenarios

These double as end-to-end tests: scenarios go through the real engine.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/store/sqlite"
)

var scenarioNow = time.Date(2025, time.June, 15, 8, 0, 0, 0, time.UTC)

func setupScenarioHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := func() time.Time { return scenarioNow }
	l := ledger.New(store, ledger.WithLogger(quietLogger()), ledger.WithNow(now))
	h := NewHandler(l, quietLogger())
	h.Now = now
	h.Scheduler.Clock = now
	return h, NewRouter(h, nil)
}

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// assertConsistent checks every loan's invariants and every customer total.
func assertConsistent(t *testing.T, h *Handler) {
	t.Helper()
	ctx := context.Background()

	loans, err := h.store().ListLoans(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, loans)

	active := map[string]money.Money{}
	for _, loan := range loans {
		assert.NoError(t, loan.CheckInvariants(), loan.ID)
		if loan.Status == ledger.StatusActive {
			active[loan.CustomerID] = active[loan.CustomerID].Add(loan.CurrentBalance)
		}
	}

	customers, err := h.store().ListCustomers(ctx)
	require.NoError(t, err)
	for _, c := range customers {
		assert.True(t, c.TotalBalance.Equal(active[c.ID]),
			"%s total %s, active loans %s", c.Name, c.TotalBalance, active[c.ID])
	}

	tasks, err := h.store().PendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestScenarios_AllConsistent(t *testing.T) {
	// GIVEN: Every available scenario
	// WHEN: Each is loaded into the same store in turn
	// THEN: The store only holds the last one and it is consistent
	h, router := setupScenarioHandler(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			loadScenario(t, router, s.ID)
			assertConsistent(t, h)

			rec := do(t, router, http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, s.ID, decode[ScenarioDTO](t, rec).ID)
		})
	}

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestScenario_Starter(t *testing.T) {
	// GIVEN: A 10000 loan at 150 per month started two months ago
	// WHEN: The starter scenario is loaded
	// THEN: Two accruals are applied and the 150 payment clears one of them
	h, router := setupScenarioHandler(t)
	loadScenario(t, router, "starter")

	loans, err := h.store().ListLoans(context.Background())
	require.NoError(t, err)
	require.Len(t, loans, 1)
	loan := loans[0]
	assert.Equal(t, "10150.00", loan.CurrentBalance.String())
	assert.Equal(t, "150.00", loan.OutstandingInterest.String())
	assert.Equal(t, "2025-07-15", loan.NextDueDate.String())

	accruals, err := h.Ledger.Accruals.AccrualsForLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Len(t, accruals, 2)

	rec := do(t, router, http.MethodGet, "/api/summaries/monthly/2025-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150.00", decode[ledger.MonthlySummary](t, rec).Profit.String())
}

func TestScenario_MixedPortfolio(t *testing.T) {
	h, router := setupScenarioHandler(t)
	loadScenario(t, router, "mixed-portfolio")
	ctx := context.Background()

	loans, err := h.store().ListLoans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 4)

	byStatus := map[ledger.LoanStatus]int{}
	for _, loan := range loans {
		byStatus[loan.Status]++
	}
	assert.Equal(t, map[ledger.LoanStatus]int{
		ledger.StatusActive:    2,
		ledger.StatusPaid:      1,
		ledger.StatusDefaulted: 1,
	}, byStatus)

	// 1000 of Malee's 1200 interest plus the 270 cleared by the payoff
	summary, err := h.Ledger.Aggregator.MonthlySummary(ctx, "2025-06")
	require.NoError(t, err)
	assert.Equal(t, "1270.00", summary.Profit.String())
	assert.Equal(t, "4770.00", summary.TotalReceived.String())
	assert.Equal(t, 3, summary.PaymentCount)
}

func TestScenario_Arrears(t *testing.T) {
	h, router := setupScenarioHandler(t)
	loadScenario(t, router, "arrears")

	balances := map[string]string{}
	loans, err := h.store().ListLoans(context.Background())
	require.NoError(t, err)
	for _, loan := range loans {
		balances[loan.OriginalPrincipal.String()] = loan.CurrentBalance.String()
	}
	assert.Equal(t, map[string]string{
		"15000.00": "16200.00", // four months at 300
		"6000.00":  "6900.00",  // five months at 180
	}, balances)

	rec := do(t, router, http.MethodGet, "/api/notifications/appointments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	appointments := decode[[]ledger.Appointment](t, rec)
	require.Len(t, appointments, 2)
	assert.Equal(t, ledger.PriorityHigh, appointments[0].Priority)
	assert.Equal(t, "Kanya Raksa", appointments[0].CustomerName)
	assert.Equal(t, 2, appointments[1].DaysUntil)
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	h, router := setupScenarioHandler(t)
	loadScenario(t, router, "mixed-portfolio")
	loadScenario(t, router, "starter")

	customers, err := h.store().ListCustomers(context.Background())
	require.NoError(t, err)
	assert.Len(t, customers, 1)

	summaries, err := h.Ledger.Aggregator.MonthlySummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "150.00", summaries[0].TotalReceived.String())
}
