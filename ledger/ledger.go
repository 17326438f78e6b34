/*
ledger.go - Engine wiring: shared dependencies and loan/customer lifecycle

ARCHITECTURE:
  Ledger owns what every component shares:
  - the Store
  - per-loan and per-customer KeyedMutex
  - clock, id generator, logger
  - configuration (overpayment policy, sweep concurrency)

  Components hang off it:
    Accruals   *AccrualEngine     - eligibility + sweep
    Payments   *PaymentAllocator  - waterfall / split
    Aggregator *Aggregator        - customer totals, monthly summaries
    Outbox     *OutboxProcessor   - derived-update tasks

WRITE ORDERING:
  1. Lock the loan
  2. Load, mutate a clone, RecomputeBalance, CheckInvariants
  3. WithTx: loan (authoritative) + record + outbox tasks
  4. Run the tasks inline; failures stay queued for DrainOutbox

USAGE:
  l := ledger.New(store, ledger.WithLogger(logger))
  loan, err := l.CreateLoan(ctx, terms)
  payment, err := l.Payments.ApplyWaterfall(ctx, ledger.WaterfallPayment{...})
  result, err := l.Accruals.Sweep(ctx, ledger.DateOf(time.Now()))
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// OPTIONS
// =============================================================================

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithNow overrides time.Now for record timestamps. Eligibility always uses
// the explicit asOf argument, never the clock.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithOverpaymentPolicy(p OverpaymentPolicy) Option {
	return func(l *Ledger) { l.overpayment = p }
}

// WithSweepConcurrency bounds how many loans a sweep accrues in parallel.
func WithSweepConcurrency(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepConcurrency = n
		}
	}
}

// WithObserver receives engine events (metrics).
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithIDGenerator replaces the uuid-based generator (tests).
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// Observer is notified after each committed engine event.
type Observer interface {
	PaymentApplied(p *Payment)
	LoanAccrued(a *Accrual)
	SweepCompleted(run *AccrualRun, elapsed time.Duration)
	TaskProcessed(kind TaskKind, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) PaymentApplied(*Payment)                   {}
func (NopObserver) LoanAccrued(*Accrual)                      {}
func (NopObserver) SweepCompleted(*AccrualRun, time.Duration) {}
func (NopObserver) TaskProcessed(TaskKind, error)             {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store         Store
	loanLocks     *KeyedMutex
	customerLocks *KeyedMutex

	logger           *slog.Logger
	now              func() time.Time
	newID            func(prefix string) string
	overpayment      OverpaymentPolicy
	sweepConcurrency int
	observer         Observer

	Accruals   *AccrualEngine
	Payments   *PaymentAllocator
	Aggregator *Aggregator
	Outbox     *OutboxProcessor
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:            store,
		loanLocks:        NewKeyedMutex(),
		customerLocks:    NewKeyedMutex(),
		logger:           slog.Default(),
		now:              time.Now,
		newID:            defaultID,
		overpayment:      OverpaymentReject,
		sweepConcurrency: 4,
		observer:         NopObserver{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.Accruals = &AccrualEngine{l: l}
	l.Payments = &PaymentAllocator{l: l}
	l.Aggregator = &Aggregator{l: l}
	l.Outbox = &OutboxProcessor{l: l}
	return l
}

func defaultID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Store exposes the underlying store for read-only queries.
func (l *Ledger) Store() Store { return l.store }

// OverpaymentPolicy reports the configured policy.
func (l *Ledger) OverpaymentPolicy() OverpaymentPolicy { return l.overpayment }

func (l *Ledger) refreshTask(customerID string) Task {
	return Task{
		ID:         l.newID("TASK"),
		Kind:       TaskRefreshCustomer,
		CustomerID: customerID,
		CreatedAt:  l.now(),
	}
}

// =============================================================================
// LOAN LIFECYCLE
// =============================================================================

// CreateLoan validates terms, persists the loan and refreshes the owner's total.
// The customer must exist.
func (l *Ledger) CreateLoan(ctx context.Context, terms LoanTerms) (*LoanAccount, error) {
	loan, err := NewLoan(l.newID("LOAN"), terms, l.now())
	if err != nil {
		return nil, err
	}
	task := l.refreshTask(loan.CustomerID)
	if err := l.saveNewLoan(ctx, loan, task); err != nil {
		return nil, err
	}

	l.logger.Info("loan created",
		"loan_id", loan.ID,
		"customer_id", loan.CustomerID,
		"principal", loan.Principal.String(),
		"policy", loan.AccrualPolicy,
	)
	l.Outbox.runInline(ctx, task)
	return loan, nil
}

// saveNewLoan holds the customer lock so DeleteCustomer cannot remove the
// owner between the existence check and the insert. The lock is released
// before the refresh task runs, which takes it again.
func (l *Ledger) saveNewLoan(ctx context.Context, loan *LoanAccount, task Task) error {
	unlock := l.customerLocks.Lock(loan.CustomerID)
	defer unlock()

	if _, err := l.store.LoadCustomer(ctx, loan.CustomerID); err != nil {
		return err
	}
	err := l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveLoan(ctx, loan); err != nil {
			return err
		}
		return tx.EnqueueTasks(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (l *Ledger) GetLoan(ctx context.Context, id string) (*LoanAccount, error) {
	return l.store.LoadLoan(ctx, id)
}

// DefaultLoan marks an active loan defaulted. It leaves the customer's
// active total, so the total is refreshed.
func (l *Ledger) DefaultLoan(ctx context.Context, id string) (*LoanAccount, error) {
	unlock := l.loanLocks.Lock(id)
	defer unlock()

	loan, err := l.store.LoadLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	next := loan.Clone()
	if err := next.MarkDefaulted(); err != nil {
		return nil, err
	}
	next.UpdatedAt = l.now()

	task := l.refreshTask(next.CustomerID)
	err = l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveLoan(ctx, next); err != nil {
			return err
		}
		return tx.EnqueueTasks(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("default loan: %w", err)
	}

	l.logger.Warn("loan defaulted", "loan_id", id, "balance", next.CurrentBalance.String())
	l.Outbox.runInline(ctx, task)
	return next, nil
}

// DeleteLoan removes a loan with its payments and accruals. Monthly summaries
// keep the realized amounts; run RebuildMonthlySummaries to drop them.
func (l *Ledger) DeleteLoan(ctx context.Context, id string) error {
	unlock := l.loanLocks.Lock(id)
	defer unlock()

	loan, err := l.store.LoadLoan(ctx, id)
	if err != nil {
		return err
	}
	task := l.refreshTask(loan.CustomerID)
	err = l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.DeleteLoan(ctx, id); err != nil {
			return err
		}
		return tx.EnqueueTasks(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("delete loan: %w", err)
	}

	l.logger.Warn("loan deleted", "loan_id", id, "customer_id", loan.CustomerID)
	l.Outbox.runInline(ctx, task)
	return nil
}

// =============================================================================
// CUSTOMER LIFECYCLE
// =============================================================================

// CreateCustomer validates and stores a new customer with a zero total.
func (l *Ledger) CreateCustomer(ctx context.Context, c Customer) (*Customer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.ID = l.newID("CUST")
	c.TotalBalance = money.Zero
	if c.CreatedDate.IsZero() {
		c.CreatedDate = DateOf(l.now())
	}
	c.UpdatedAt = l.now()
	if err := l.store.SaveCustomer(ctx, &c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return &c, nil
}

// UpdateCustomer replaces the contact fields. TotalBalance is engine-owned
// and never taken from the caller.
func (l *Ledger) UpdateCustomer(ctx context.Context, id string, update Customer) (*Customer, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	unlock := l.customerLocks.Lock(id)
	defer unlock()

	existing, err := l.store.LoadCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	update.ID = existing.ID
	update.TotalBalance = existing.TotalBalance
	update.CreatedDate = existing.CreatedDate
	update.UpdatedAt = l.now()
	if err := l.store.SaveCustomer(ctx, &update); err != nil {
		return nil, fmt.Errorf("update customer: %w", err)
	}
	return &update, nil
}

// DeleteCustomer refuses while the customer still owns loans.
func (l *Ledger) DeleteCustomer(ctx context.Context, id string) error {
	unlock := l.customerLocks.Lock(id)
	defer unlock()

	if _, err := l.store.LoadCustomer(ctx, id); err != nil {
		return err
	}
	loans, err := l.store.ListLoansByCustomer(ctx, id)
	if err != nil {
		return err
	}
	if len(loans) > 0 {
		return invalid("id", "customer %s still has %d loan(s)", id, len(loans))
	}
	return l.store.DeleteCustomer(ctx, id)
}
