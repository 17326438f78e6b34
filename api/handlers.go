/*
handlers.go - HTTP API handlers for the loan ledger

PURPOSE:
  Exposes the loan ledger engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every balance change to the ledger.

ENDPOINTS:
  Customers:
    GET    /api/customers                 List customers
    POST   /api/customers                 Create customer
    GET    /api/customers/{id}            Customer with loans
    PUT    /api/customers/{id}            Update contact fields
    DELETE /api/customers/{id}            Delete (only without loans)
    GET    /api/customers/{id}/loans      Loans of a customer
    POST   /api/customers/{id}/refresh    Recompute total balance

  Loans:
    GET    /api/loans?customer_id=        List loans
    POST   /api/loans                     Create loan from JSON terms
    GET    /api/loans/{id}                Loan with terms
    DELETE /api/loans/{id}                Delete loan, payments, accruals
    POST   /api/loans/{id}/payments       Apply payment (waterfall | split)
    GET    /api/loans/{id}/payments       Payment history
    GET    /api/loans/{id}/accruals       Accrual journal
    POST   /api/loans/{id}/accrue?as_of=  Accrue one loan
    POST   /api/loans/{id}/default        Mark defaulted

  Reports:
    GET    /api/payments?month=           All payments
    GET    /api/summaries/monthly         Monthly summaries, newest first
    GET    /api/summaries/monthly/{month} One month (YYYY-MM)
    GET    /api/notifications/due         Loans due as of a date
    GET    /api/notifications/upcoming    Loans due within N days
    GET    /api/notifications/appointments Customer appointments

  Admin:
    POST   /api/admin/sweep?as_of=        Run the accrual sweep now
    GET    /api/admin/sweeps              Sweep audit records
    GET    /api/admin/scheduler           Last scheduler run
    POST   /api/admin/recalculate         Recompute every customer total
    POST   /api/admin/summaries/rebuild   Rebuild summaries from payments
    GET    /api/admin/outbox              Pending derived-update tasks
    POST   /api/admin/outbox/drain        Process pending tasks

ERROR HANDLING:
  Errors are returned as JSON {error, details} with HTTP status:
  - 400: Validation errors, invalid input
  - 404: Loan, customer or payment not found
  - 409: Duplicate accrual for the period
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger       *ledger.Ledger
	TermsFactory *factory.TermsFactory
	Scheduler    *AccrualScheduler

	// Now is the clock behind default dates (today, as_of).
	Now func() time.Time

	logger *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the ledger. The scheduler it
// creates is not started; cmd/server configures and starts it.
func NewHandler(l *ledger.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:       l,
		TermsFactory: factory.NewTermsFactory(),
		Scheduler:    NewAccrualScheduler(l, logger),
		Now:          time.Now,
		logger:       logger,
	}
}

func (h *Handler) store() ledger.Store { return h.Ledger.Store() }

func (h *Handler) today() ledger.Date { return ledger.DateOf(h.Now()) }

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns all customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.store().ListCustomers(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list customers", err)
		return
	}
	writeJSON(w, http.StatusOK, customers)
}

// GetCustomer returns a customer with its loans.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.store().LoadCustomer(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get customer", err)
		return
	}
	loans, err := h.store().ListLoansByCustomer(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to list loans", err)
		return
	}

	writeJSON(w, http.StatusOK, CustomerDetailDTO{Customer: c, Loans: loans})
}

// CreateCustomer creates a new customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCustomer(w, r)
	if !ok {
		return
	}

	created, err := h.Ledger.CreateCustomer(r.Context(), c)
	if err != nil {
		writeLedgerError(w, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateCustomer replaces the contact fields of a customer.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeCustomer(w, r)
	if !ok {
		return
	}

	updated, err := h.Ledger.UpdateCustomer(r.Context(), chi.URLParam(r, "id"), c)
	if err != nil {
		writeLedgerError(w, "Failed to update customer", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteCustomer removes a customer that has no loans.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteCustomer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeLedgerError(w, "Failed to delete customer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetCustomerLoans returns the loans of a customer.
func (h *Handler) GetCustomerLoans(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store().LoadCustomer(r.Context(), id); err != nil {
		writeLedgerError(w, "Failed to get customer", err)
		return
	}

	loans, err := h.store().ListLoansByCustomer(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

// RefreshCustomer recomputes the customer's total balance.
func (h *Handler) RefreshCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Ledger.Aggregator.RefreshCustomerBalance(r.Context(), id); err != nil {
		writeLedgerError(w, "Failed to refresh customer", err)
		return
	}

	c, err := h.store().LoadCustomer(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) decodeCustomer(w http.ResponseWriter, r *http.Request) (ledger.Customer, bool) {
	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return ledger.Customer{}, false
	}

	c := ledger.Customer{
		Name:                req.Name,
		Phone:               req.Phone,
		InterestRatePercent: req.InterestRatePercent,
		ReminderDays:        req.ReminderDays,
		Status:              ledger.CustomerStatus(req.Status),
	}
	var err error
	if c.AppointmentDate, err = optionalDate(req.AppointmentDate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid appointment_date format (use YYYY-MM-DD)", err)
		return ledger.Customer{}, false
	}
	if c.CreatedDate, err = optionalDate(req.CreatedDate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid created_date format (use YYYY-MM-DD)", err)
		return ledger.Customer{}, false
	}
	return c, true
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns all loans, or one customer's with ?customer_id=.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	var (
		loans []*ledger.LoanAccount
		err   error
	)
	if customerID := r.URL.Query().Get("customer_id"); customerID != "" {
		loans, err = h.store().ListLoansByCustomer(r.Context(), customerID)
	} else {
		loans, err = h.store().ListLoans(r.Context())
	}
	if err != nil {
		writeLedgerError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

// CreateLoan creates a loan from JSON terms. Without an accrual block the
// loan is flat at the customer's rate.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var tj factory.LoanTermsJSON
	if err := json.NewDecoder(r.Body).Decode(&tj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if tj.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return
	}
	if tj.StartDate == "" {
		tj.StartDate = h.today().String()
	}

	customer, err := h.store().LoadCustomer(r.Context(), tj.CustomerID)
	if err != nil {
		writeLedgerError(w, "Failed to get customer", err)
		return
	}

	terms, err := h.TermsFactory.FromJSON(tj, customer.InterestRatePercent)
	if err != nil {
		writeLedgerError(w, "Invalid loan terms", err)
		return
	}

	loan, err := h.Ledger.CreateLoan(r.Context(), terms)
	if err != nil {
		writeLedgerError(w, "Failed to create loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.loanDetail(loan))
}

// GetLoan returns a loan with its terms.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Ledger.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, h.loanDetail(loan))
}

// DeleteLoan removes a loan with its payments and accruals.
func (h *Handler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeleteLoan(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeLedgerError(w, "Failed to delete loan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// DefaultLoan marks an active loan defaulted.
func (h *Handler) DefaultLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Ledger.DefaultLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, "Failed to default loan", err)
		return
	}
	writeJSON(w, http.StatusOK, h.loanDetail(loan))
}

// AccrueLoan accrues one loan as of ?as_of= (default today).
func (h *Handler) AccrueLoan(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}

	accrual, err := h.Ledger.Accruals.AccrueLoan(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		writeLedgerError(w, "Failed to accrue loan", err)
		return
	}
	writeJSON(w, http.StatusOK, AccrueResponse{Accrued: accrual != nil, Accrual: accrual})
}

// GetLoanAccruals returns the accrual journal of a loan.
func (h *Handler) GetLoanAccruals(w http.ResponseWriter, r *http.Request) {
	accruals, err := h.Ledger.Accruals.AccrualsForLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, "Failed to list accruals", err)
		return
	}
	writeJSON(w, http.StatusOK, accruals)
}

func (h *Handler) loanDetail(loan *ledger.LoanAccount) LoanDetailDTO {
	return LoanDetailDTO{LoanAccount: loan, Terms: h.TermsFactory.ToJSON(loan)}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment applies a waterfall or split payment to a loan.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date := h.today()
	if req.PaymentDate != "" {
		d, err := ledger.ParseDate(req.PaymentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payment_date format (use YYYY-MM-DD)", err)
			return
		}
		date = d
	}

	loanID := chi.URLParam(r, "id")
	var (
		payment *ledger.Payment
		err     error
	)
	switch ledger.PaymentMode(req.Mode) {
	case "", ledger.ModeWaterfall:
		payment, err = h.Ledger.Payments.ApplyWaterfall(r.Context(), ledger.WaterfallPayment{
			LoanID:      loanID,
			PayAmount:   req.PayAmount,
			PaymentDate: date,
			Note:        req.Note,
			SlipURL:     req.SlipURL,
		})
	case ledger.ModeSplit:
		payment, err = h.Ledger.Payments.ApplySplit(r.Context(), ledger.SplitPayment{
			LoanID:        loanID,
			InterestPaid:  req.InterestPaid,
			PrincipalPaid: req.PrincipalPaid,
			PaymentDate:   date,
			Note:          req.Note,
			SlipURL:       req.SlipURL,
		})
	default:
		writeError(w, http.StatusBadRequest, "Unknown payment mode (use waterfall or split)", nil)
		return
	}
	if err != nil {
		writeLedgerError(w, "Failed to apply payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// GetLoanPayments returns the payments of a loan, oldest first.
func (h *Handler) GetLoanPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Ledger.Payments.PaymentsForLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// ListPayments returns every payment, optionally one month's (?month=YYYY-MM).
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	var month ledger.MonthKey
	if raw := r.URL.Query().Get("month"); raw != "" {
		m, err := ledger.ParseMonthKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
			return
		}
		month = m
	}

	payments, err := h.store().ListPayments(r.Context(), "")
	if err != nil {
		writeLedgerError(w, "Failed to list payments", err)
		return
	}
	if month != "" {
		filtered := make([]*ledger.Payment, 0, len(payments))
		for _, p := range payments {
			if p.PaymentDate.MonthKey() == month {
				filtered = append(filtered, p)
			}
		}
		payments = filtered
	}
	writeJSON(w, http.StatusOK, payments)
}

// =============================================================================
// SUMMARY & NOTIFICATION HANDLERS
// =============================================================================

// ListMonthlySummaries returns every month bucket, newest first.
func (h *Handler) ListMonthlySummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Ledger.Aggregator.MonthlySummaries(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list summaries", err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetMonthlySummary returns one month; a month without payments is zero.
func (h *Handler) GetMonthlySummary(w http.ResponseWriter, r *http.Request) {
	month, err := ledger.ParseMonthKey(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
		return
	}

	summary, err := h.Ledger.Aggregator.MonthlySummary(r.Context(), month)
	if err != nil {
		writeLedgerError(w, "Failed to get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// DueLoans returns active loans due on or before ?as_of=.
func (h *Handler) DueLoans(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	loans, err := h.Ledger.DueLoans(r.Context(), asOf)
	if err != nil {
		writeLedgerError(w, "Failed to list due loans", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

// UpcomingLoans returns active loans due within ?days= (default 7).
func (h *Handler) UpcomingLoans(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid days", err)
			return
		}
		days = n
	}

	loans, err := h.Ledger.UpcomingLoans(r.Context(), asOf, days)
	if err != nil {
		writeLedgerError(w, "Failed to list upcoming loans", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

// Appointments returns customer appointments inside their reminder window.
func (h *Handler) Appointments(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	appointments, err := h.Ledger.Appointments(r.Context(), asOf)
	if err != nil {
		writeLedgerError(w, "Failed to list appointments", err)
		return
	}
	writeJSON(w, http.StatusOK, appointments)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the accrual sweep as of ?as_of= and drains the outbox.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}

	report, err := h.Scheduler.RunAt(r.Context(), asOf)
	if err != nil {
		writeLedgerError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListSweeps returns sweep audit records, newest first (?limit=, default 20).
func (h *Handler) ListSweeps(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	runs, err := h.Ledger.Accruals.Runs(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to list sweeps", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetSchedulerStatus reports the scheduler's last run.
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"enabled":  h.Scheduler.Enabled,
		"interval": h.Scheduler.CheckInterval.String(),
	}
	if next := h.Scheduler.GetNextRunTime(); !next.IsZero() {
		status["next_run"] = next
	}
	if last, ok := h.Scheduler.LastResult(); ok {
		status["last_run"] = last
	}
	writeJSON(w, http.StatusOK, status)
}

// RecalculateAll recomputes every customer's total balance.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.Aggregator.RecalculateAll(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to recalculate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"customers": n})
}

// RebuildSummaries rebuilds every monthly summary from the payment records.
func (h *Handler) RebuildSummaries(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.Aggregator.RebuildMonthlySummaries(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to rebuild summaries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"payments": n})
}

// ListPendingTasks returns outbox tasks not yet completed.
func (h *Handler) ListPendingTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	tasks, err := h.store().PendingTasks(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []ledger.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// DrainOutbox processes pending outbox tasks (?limit=).
func (h *Handler) DrainOutbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	result, err := h.Ledger.Outbox.DrainOutbox(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to drain outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError picks the status from the error kind.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateAccrual):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// asOf reads ?as_of=YYYY-MM-DD, defaulting to today.
func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) (ledger.Date, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return h.today(), true
	}
	d, err := ledger.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return ledger.Date{}, false
	}
	return d, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return n, true
}

func optionalDate(s string) (ledger.Date, error) {
	if s == "" {
		return ledger.Date{}, nil
	}
	return ledger.ParseDate(s)
}
