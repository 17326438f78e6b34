// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. Records are
// copied on the way in and out so callers never share state with the store.
type Memory struct {
	mu   *sync.RWMutex
	s    *state
	inTx bool // view handed to a WithTx callback; the lock is already held
}

type state struct {
	loans         map[string]ledger.LoanAccount
	customers     map[string]ledger.Customer
	payments      map[string]ledger.Payment
	accruals      map[string][]ledger.Accrual // by loan id, append order
	summaries     map[ledger.MonthKey]ledger.MonthlySummary
	contributions map[string]bool // payment ids already in a summary
	tasks         map[string]ledger.Task
	runs          map[string]ledger.AccrualRun
}

func newState() *state {
	return &state{
		loans:         make(map[string]ledger.LoanAccount),
		customers:     make(map[string]ledger.Customer),
		payments:      make(map[string]ledger.Payment),
		accruals:      make(map[string][]ledger.Accrual),
		summaries:     make(map[ledger.MonthKey]ledger.MonthlySummary),
		contributions: make(map[string]bool),
		tasks:         make(map[string]ledger.Task),
		runs:          make(map[string]ledger.AccrualRun),
	}
}

func NewMemory() *Memory {
	return &Memory{mu: &sync.RWMutex{}, s: newState()}
}

var _ ledger.Store = (*Memory)(nil)

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	view := &Memory{mu: m.mu, s: m.s, inTx: true}
	if err := fn(view); err != nil {
		*m.s = *snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.accruals {
		c.accruals[k] = append([]ledger.Accrual(nil), v...)
	}
	for k, v := range s.summaries {
		c.summaries[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

// =============================================================================
// LOANS
// =============================================================================

func (m *Memory) LoadLoan(_ context.Context, id string) (*ledger.LoanAccount, error) {
	defer m.rlock()()
	loan, ok := m.s.loans[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "loan", ID: id}
	}
	return &loan, nil
}

func (m *Memory) SaveLoan(_ context.Context, loan *ledger.LoanAccount) error {
	defer m.lock()()
	m.s.loans[loan.ID] = *loan
	return nil
}

func (m *Memory) DeleteLoan(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.s.loans[id]; !ok {
		return &ledger.NotFoundError{Kind: "loan", ID: id}
	}
	delete(m.s.loans, id)
	delete(m.s.accruals, id)
	for pid, p := range m.s.payments {
		if p.LoanID == id {
			delete(m.s.payments, pid)
		}
	}
	return nil
}

func (m *Memory) ListLoans(_ context.Context) ([]*ledger.LoanAccount, error) {
	defer m.rlock()()
	return m.s.loansWhere(func(*ledger.LoanAccount) bool { return true }), nil
}

func (m *Memory) ListActiveLoans(_ context.Context) ([]*ledger.LoanAccount, error) {
	defer m.rlock()()
	return m.s.loansWhere(func(l *ledger.LoanAccount) bool { return l.Status == ledger.StatusActive }), nil
}

func (m *Memory) ListLoansByCustomer(_ context.Context, customerID string) ([]*ledger.LoanAccount, error) {
	defer m.rlock()()
	return m.s.loansWhere(func(l *ledger.LoanAccount) bool { return l.CustomerID == customerID }), nil
}

// loansWhere returns copies ordered by start date, then id.
func (s *state) loansWhere(keep func(*ledger.LoanAccount) bool) []*ledger.LoanAccount {
	out := make([]*ledger.LoanAccount, 0, len(s.loans))
	for _, loan := range s.loans {
		loan := loan
		if keep(&loan) {
			out = append(out, &loan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) LoadCustomer(_ context.Context, id string) (*ledger.Customer, error) {
	defer m.rlock()()
	c, ok := m.s.customers[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "customer", ID: id}
	}
	return &c, nil
}

func (m *Memory) SaveCustomer(_ context.Context, c *ledger.Customer) error {
	defer m.lock()()
	m.s.customers[c.ID] = *c
	return nil
}

func (m *Memory) DeleteCustomer(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.s.customers[id]; !ok {
		return &ledger.NotFoundError{Kind: "customer", ID: id}
	}
	delete(m.s.customers, id)
	return nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]*ledger.Customer, error) {
	defer m.rlock()()
	out := make([]*ledger.Customer, 0, len(m.s.customers))
	for _, c := range m.s.customers {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) SavePayment(_ context.Context, p *ledger.Payment) error {
	defer m.lock()()
	m.s.payments[p.ID] = *p
	return nil
}

func (m *Memory) LoadPayment(_ context.Context, id string) (*ledger.Payment, error) {
	defer m.rlock()()
	p, ok := m.s.payments[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "payment", ID: id}
	}
	return &p, nil
}

func (m *Memory) ListPayments(_ context.Context, loanID string) ([]*ledger.Payment, error) {
	defer m.rlock()()
	out := make([]*ledger.Payment, 0)
	for _, p := range m.s.payments {
		p := p
		if loanID == "" || p.LoanID == loanID {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// ACCRUALS
// =============================================================================

func (m *Memory) AppendAccrual(_ context.Context, a *ledger.Accrual) error {
	defer m.lock()()
	for _, existing := range m.s.accruals[a.LoanID] {
		if existing.Period == a.Period {
			return ledger.ErrDuplicateAccrual
		}
	}
	m.s.accruals[a.LoanID] = append(m.s.accruals[a.LoanID], *a)
	return nil
}

func (m *Memory) ListAccruals(_ context.Context, loanID string) ([]*ledger.Accrual, error) {
	defer m.rlock()()
	out := make([]*ledger.Accrual, 0, len(m.s.accruals[loanID]))
	for _, a := range m.s.accruals[loanID] {
		a := a
		out = append(out, &a)
	}
	return out, nil
}

// =============================================================================
// MONTHLY SUMMARIES
// =============================================================================

func (m *Memory) LoadOrCreateMonthlySummary(_ context.Context, month ledger.MonthKey) (*ledger.MonthlySummary, error) {
	defer m.lock()()
	s := m.s.summaryLocked(month)
	return &s, nil
}

func (m *Memory) SaveMonthlySummary(_ context.Context, s *ledger.MonthlySummary) error {
	defer m.lock()()
	s.UpdatedAt = time.Now()
	m.s.summaries[s.Month] = *s
	return nil
}

func (m *Memory) AddToMonthlySummary(_ context.Context, c ledger.SummaryContribution) (bool, error) {
	defer m.lock()()
	if m.s.contributions[c.PaymentID] {
		return false, nil
	}
	s := m.s.summaryLocked(c.Month)
	s.Apply(c)
	s.UpdatedAt = time.Now()
	m.s.summaries[c.Month] = s
	m.s.contributions[c.PaymentID] = true
	return true, nil
}

func (s *state) summaryLocked(month ledger.MonthKey) ledger.MonthlySummary {
	if existing, ok := s.summaries[month]; ok {
		return existing
	}
	now := time.Now()
	created := ledger.MonthlySummary{Month: month, CreatedAt: now, UpdatedAt: now}
	s.summaries[month] = created
	return created
}

func (m *Memory) ListMonthlySummaries(_ context.Context) ([]*ledger.MonthlySummary, error) {
	defer m.rlock()()
	out := make([]*ledger.MonthlySummary, 0, len(m.s.summaries))
	for _, s := range m.s.summaries {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	return out, nil
}

func (m *Memory) ResetMonthlySummaries(_ context.Context) error {
	defer m.lock()()
	m.s.summaries = make(map[ledger.MonthKey]ledger.MonthlySummary)
	m.s.contributions = make(map[string]bool)
	return nil
}

// =============================================================================
// OUTBOX TASKS
// =============================================================================

func (m *Memory) EnqueueTasks(_ context.Context, tasks ...ledger.Task) error {
	defer m.lock()()
	for _, t := range tasks {
		m.s.tasks[t.ID] = t
	}
	return nil
}

func (m *Memory) PendingTasks(_ context.Context, limit int) ([]ledger.Task, error) {
	defer m.rlock()()
	var out []ledger.Task
	for _, t := range m.s.tasks {
		if t.CompletedAt == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CompleteTask(_ context.Context, id string) error {
	defer m.lock()()
	t, ok := m.s.tasks[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "task", ID: id}
	}
	now := time.Now()
	t.CompletedAt = &now
	m.s.tasks[id] = t
	return nil
}

func (m *Memory) FailTask(_ context.Context, id string, cause error) error {
	defer m.lock()()
	t, ok := m.s.tasks[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "task", ID: id}
	}
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	m.s.tasks[id] = t
	return nil
}

// =============================================================================
// ACCRUAL RUNS
// =============================================================================

func (m *Memory) SaveAccrualRun(_ context.Context, run *ledger.AccrualRun) error {
	defer m.lock()()
	m.s.runs[run.ID] = *run
	return nil
}

func (m *Memory) ListAccrualRuns(_ context.Context, limit int) ([]*ledger.AccrualRun, error) {
	defer m.rlock()()
	out := make([]*ledger.AccrualRun, 0, len(m.s.runs))
	for _, r := range m.s.runs {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	defer m.lock()()
	*m.s = *newState()
	return nil
}
