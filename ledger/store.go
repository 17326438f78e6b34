/*
store.go - Persistence contract the engine needs

PURPOSE:
  Defines the interface between the ledger engine and its document/row
  store. Implementations:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: production SQLite

ATOMICITY:
  Every Save is atomic per entity. WithTx groups the authoritative write
  (loan + payment/accrual record + outbox tasks) so it commits all-or-nothing.
  Derived entities (summary, customer total) are NOT written inside that
  transaction - they are outbox tasks, replayed until they succeed.

NOT FOUND:
  Load* methods return a *NotFoundError (errors.Is(err, ErrNotFound)).

SEE ALSO:
  - outbox.go: task processing
  - aggregator.go: summary / customer writes
*/
package ledger

import "context"

// LoanStore persists loan accounts.
type LoanStore interface {
	LoadLoan(ctx context.Context, id string) (*LoanAccount, error)
	SaveLoan(ctx context.Context, loan *LoanAccount) error

	// DeleteLoan removes the loan with its payments and accruals.
	// Destructive admin operation; summaries are not rewound.
	DeleteLoan(ctx context.Context, id string) error

	ListLoans(ctx context.Context) ([]*LoanAccount, error)
	ListActiveLoans(ctx context.Context) ([]*LoanAccount, error)
	ListLoansByCustomer(ctx context.Context, customerID string) ([]*LoanAccount, error)
}

type CustomerStore interface {
	LoadCustomer(ctx context.Context, id string) (*Customer, error)
	SaveCustomer(ctx context.Context, c *Customer) error
	DeleteCustomer(ctx context.Context, id string) error
	ListCustomers(ctx context.Context) ([]*Customer, error)
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p *Payment) error
	LoadPayment(ctx context.Context, id string) (*Payment, error)

	// ListPayments returns payments ordered by date. Empty loanID lists all.
	ListPayments(ctx context.Context, loanID string) ([]*Payment, error)
}

type AccrualStore interface {
	// AppendAccrual fails with ErrDuplicateAccrual if (LoanID, Period) exists.
	AppendAccrual(ctx context.Context, a *Accrual) error
	ListAccruals(ctx context.Context, loanID string) ([]*Accrual, error)
}

type SummaryStore interface {
	LoadOrCreateMonthlySummary(ctx context.Context, month MonthKey) (*MonthlySummary, error)
	SaveMonthlySummary(ctx context.Context, s *MonthlySummary) error

	// AddToMonthlySummary atomically adds c to its month bucket, creating the
	// bucket if needed. Returns applied=false if c.PaymentID was already added.
	AddToMonthlySummary(ctx context.Context, c SummaryContribution) (applied bool, err error)

	// ListMonthlySummaries returns all buckets, newest month first.
	ListMonthlySummaries(ctx context.Context) ([]*MonthlySummary, error)

	// ResetMonthlySummaries drops all buckets and contribution markers (repair only).
	ResetMonthlySummaries(ctx context.Context) error
}

type TaskStore interface {
	EnqueueTasks(ctx context.Context, tasks ...Task) error
	PendingTasks(ctx context.Context, limit int) ([]Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, cause error) error
}

type RunStore interface {
	SaveAccrualRun(ctx context.Context, run *AccrualRun) error
	ListAccrualRuns(ctx context.Context, limit int) ([]*AccrualRun, error)
}

// Store is everything the engine persists.
type Store interface {
	LoanStore
	CustomerStore
	PaymentStore
	AccrualStore
	SummaryStore
	TaskStore
	RunStore

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
