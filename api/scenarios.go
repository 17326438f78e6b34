/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built loan portfolios that populate the store with realistic
	data. Each scenario creates customers and loans from factory presets,
	replays the monthly accrual sweeps up to today and applies payments, so
	every balance shown went through the real engine.

AVAILABLE SCENARIOS:

	starter:          One flat loan, two months accrued, one payment
	mixed-portfolio:  Customer-rate, compounding, paid-off and defaulted loans
	arrears:          Loans months behind with appointments due

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create customers
 3. Create loans via factory JSON presets
 4. Replay one sweep per month from the oldest start date to today
 5. Apply payments, then drain the outbox

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mixed-portfolio"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Router handlers
  - factory/terms.go: Loan JSON presets
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter",
		Name:        "Starter",
		Description: "One flat-interest loan, two months accrued, one interest payment",
	},
	{
		ID:          "mixed-portfolio",
		Name:        "Mixed Portfolio",
		Description: "Customer-rate, compounding, paid-off and defaulted loans with payments",
	},
	{
		ID:          "arrears",
		Name:        "Arrears",
		Description: "Loans four months behind, appointments today and in two days",
	},
}

// resetter is implemented by stores that can be wiped for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(*scenarioBuilder) error
	switch req.ScenarioID {
	case "starter":
		loader = loadStarterScenario
	case "mixed-portfolio":
		loader = loadMixedPortfolioScenario
	case "arrears":
		loader = loadArrearsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	store, ok := h.store().(resetter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Store does not support reset", nil)
		return
	}
	if err := store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	b := &scenarioBuilder{h: h, ctx: ctx, today: h.today()}
	if err := loader(b); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	if _, err := h.Ledger.Outbox.DrainOutbox(ctx, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to drain outbox", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadStarterScenario(b *scenarioBuilder) error {
	somchai, err := b.customer("Somchai Jaidee", "0811111111", "0", 5, 1)
	if err != nil {
		return err
	}
	loan, err := b.loan(somchai, factory.FlatTermsJSON(somchai.ID, "10000", "150", b.monthsAgo(2).String()))
	if err != nil {
		return err
	}
	if err := b.catchUp(2); err != nil {
		return err
	}
	return b.waterfall(loan, "150", b.today, "first interest payment")
}

func loadMixedPortfolioScenario(b *scenarioBuilder) error {
	malee, err := b.customer("Malee Srisuk", "0822222222", "2", 0, 1)
	if err != nil {
		return err
	}
	niran, err := b.customer("Niran Thongdee", "0833333333", "1.5", 1, 2)
	if err != nil {
		return err
	}
	prasert, err := b.customer("Prasert Wongsa", "0844444444", "3", 10, 3)
	if err != nil {
		return err
	}

	start := b.monthsAgo(3).String()

	// No accrual block: flat at the customer's 2%, 400 per month
	maleeLoan, err := b.loan(malee, fmt.Sprintf(`{"customer_id": %q, "principal": "20000", "start_date": %q}`, malee.ID, start))
	if err != nil {
		return err
	}
	niranLoan, err := b.loan(niran, factory.CompoundingTermsJSON(niran.ID, "5000", "1.5", start))
	if err != nil {
		return err
	}
	paidOff, err := b.loan(prasert, factory.FlatTermsJSON(prasert.ID, "3000", "90", start))
	if err != nil {
		return err
	}
	written, err := b.loan(prasert, factory.FlatTermsJSON(prasert.ID, "8000", "200", start))
	if err != nil {
		return err
	}

	if err := b.catchUp(3); err != nil {
		return err
	}

	if err := b.waterfall(maleeLoan, "1000", b.today.AddDays(-2), "partial interest"); err != nil {
		return err
	}
	if _, err := b.h.Ledger.Payments.ApplySplit(b.ctx, ledger.SplitPayment{
		LoanID:        niranLoan.ID,
		PrincipalPaid: money.MustParse("500"),
		PaymentDate:   b.today.AddDays(-1),
		Note:          "principal only",
	}); err != nil {
		return err
	}

	current, err := b.h.Ledger.GetLoan(b.ctx, paidOff.ID)
	if err != nil {
		return err
	}
	if err := b.waterfall(paidOff, current.CurrentBalance.String(), b.today, "payoff"); err != nil {
		return err
	}

	_, err = b.h.Ledger.DefaultLoan(b.ctx, written.ID)
	return err
}

func loadArrearsScenario(b *scenarioBuilder) error {
	for i, c := range []struct {
		name, phone, principal, monthly string
		appointmentIn                   int
	}{
		{"Kanya Raksa", "0855555555", "15000", "300", 0},
		{"Wichai Boonmee", "0866666666", "6000", "180", 2},
	} {
		customer, err := b.customer(c.name, c.phone, "0", c.appointmentIn, 3)
		if err != nil {
			return err
		}
		if _, err := b.loan(customer, factory.FlatTermsJSON(customer.ID, c.principal, c.monthly, b.monthsAgo(4+i).String())); err != nil {
			return err
		}
	}
	return b.catchUp(5)
}

// =============================================================================
// BUILDER
// =============================================================================

type scenarioBuilder struct {
	h     *Handler
	ctx   context.Context
	today ledger.Date
}

func (b *scenarioBuilder) monthsAgo(n int) ledger.Date {
	return b.today.AddMonths(-n)
}

func (b *scenarioBuilder) customer(name, phone, rate string, appointmentIn, reminderDays int) (*ledger.Customer, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, err
	}
	return b.h.Ledger.CreateCustomer(b.ctx, ledger.Customer{
		Name:                name,
		Phone:               phone,
		InterestRatePercent: r,
		AppointmentDate:     b.today.AddDays(appointmentIn),
		ReminderDays:        reminderDays,
		CreatedDate:         b.monthsAgo(6),
	})
}

func (b *scenarioBuilder) loan(c *ledger.Customer, termsJSON string) (*ledger.LoanAccount, error) {
	terms, err := b.h.TermsFactory.ParseTerms([]byte(termsJSON), c.InterestRatePercent)
	if err != nil {
		return nil, err
	}
	return b.h.Ledger.CreateLoan(b.ctx, terms)
}

// catchUp replays one sweep per month for the last n months, ending today.
func (b *scenarioBuilder) catchUp(n int) error {
	for k := n - 1; k >= 0; k-- {
		result, err := b.h.Ledger.Accruals.Sweep(b.ctx, b.monthsAgo(k))
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return errors.New("sweep failed for some loans")
		}
	}
	return nil
}

func (b *scenarioBuilder) waterfall(loan *ledger.LoanAccount, amount string, on ledger.Date, note string) error {
	_, err := b.h.Ledger.Payments.ApplyWaterfall(b.ctx, ledger.WaterfallPayment{
		LoanID:      loan.ID,
		PayAmount:   money.MustParse(amount),
		PaymentDate: on,
		Note:        note,
	})
	return err
}
