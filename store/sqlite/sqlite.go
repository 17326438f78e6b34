/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable storage for loans, customers, payments, the accrual journal,
  monthly summaries, outbox tasks and sweep audit records.

KEY TABLES:
  loans:                 LoanAccount rows (upserted, never replaced)
  customers:             contact data + derived total_balance
  payments:              immutable payment snapshots
  accruals:              journal, UNIQUE(loan_id, period)
  monthly_summaries:     one row per YYYY-MM
  summary_contributions: payment ids already counted in a summary
  tasks:                 outbox of derived updates
  accrual_runs:          one row per sweep

MONEY:
  Amounts are TEXT holding the exact decimal string. Arithmetic never happens
  in SQL (SQLite would go through REAL); summary increments are read, added
  with decimal and written back inside one transaction under the write lock.

LEGACY ROWS:
  Loan columns added after the first schema are nullable. Every loaded loan
  goes through LoanAccount.Normalize, and New rewrites rows whose
  schema_version is behind.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  ":memory:" database is shared by every call and WithTx never waits on
  itself.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/ledger"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store using SQLite.
type Store struct {
	db   *sql.DB
	mu   *sync.RWMutex
	q    querier
	inTx bool // view handed to a WithTx callback; the lock is already held
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, mu: &sync.RWMutex{}, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if _, err := store.upgradeLegacyLoans(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade legacy loans: %w", err)
	}

	return store, nil
}

const connParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

// dsn appends the connection parameters, keeping any the caller passed
// (file:loans.db?mode=rwc).
func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + connParams
	}
	return dbPath + "?" + connParams
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		interest_rate_percent TEXT NOT NULL DEFAULT '0',
		appointment_date TEXT,
		reminder_days INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'normal',
		total_balance TEXT NOT NULL DEFAULT '0',
		created_date TEXT,
		updated_at TEXT
	);

	-- Columns after start_date are nullable so rows from older schemas load.
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		outstanding_interest TEXT NOT NULL DEFAULT '0',
		monthly_interest_amount TEXT NOT NULL DEFAULT '0',
		start_date TEXT NOT NULL,
		original_principal TEXT,
		accrual_policy TEXT,
		interest_rate_percent TEXT NOT NULL DEFAULT '0',
		total_interest_paid TEXT NOT NULL DEFAULT '0',
		interest_paid_until_month INTEGER NOT NULL DEFAULT 0,
		current_balance TEXT,
		last_accrual_date TEXT,
		next_due_date TEXT,
		last_interest_payment_date TEXT,
		status TEXT,
		schema_version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT,
		updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_loans_customer ON loans(customer_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, next_due_date);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		customer_id TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		mode TEXT NOT NULL,
		interest_paid TEXT NOT NULL,
		principal_paid TEXT NOT NULL,
		pay_amount TEXT NOT NULL,
		unapplied_amount TEXT NOT NULL DEFAULT '0',
		for_interest_month INTEGER NOT NULL DEFAULT 0,
		balance_after TEXT NOT NULL,
		principal_after TEXT NOT NULL,
		outstanding_interest_after TEXT NOT NULL,
		note TEXT,
		slip_url TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_loan_date ON payments(loan_id, payment_date);

	-- One accrual per loan per calendar month.
	CREATE TABLE IF NOT EXISTS accruals (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		customer_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		policy TEXT NOT NULL,
		accrued_on TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(loan_id, period)
	);

	CREATE TABLE IF NOT EXISTS monthly_summaries (
		month TEXT PRIMARY KEY,
		total_interest TEXT NOT NULL DEFAULT '0',
		total_principal TEXT NOT NULL DEFAULT '0',
		total_received TEXT NOT NULL DEFAULT '0',
		profit TEXT NOT NULL DEFAULT '0',
		payment_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summary_contributions (
		payment_id TEXT PRIMARY KEY,
		month TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payment_id TEXT,
		customer_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(created_at) WHERE completed_at IS NULL;

	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		eligible INTEGER NOT NULL DEFAULT 0,
		accrued INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		total_interest TEXT NOT NULL DEFAULT '0',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.atomic(ctx, func(view *Store) error { return fn(view) })
}

// atomic runs fn against a transactional view, reusing the open
// transaction when called from inside WithTx.
func (s *Store) atomic(ctx context.Context, fn func(view *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &Store{db: s.db, mu: s.mu, q: sqlTx, inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, customer_id, principal, outstanding_interest, monthly_interest_amount,
	start_date, original_principal, accrual_policy, interest_rate_percent, total_interest_paid,
	interest_paid_until_month, current_balance, last_accrual_date, next_due_date,
	last_interest_payment_date, status, schema_version, created_at, updated_at`

func (s *Store) LoadLoan(ctx context.Context, id string) (*ledger.LoanAccount, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", id)
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Kind: "loan", ID: id}
	}
	return loan, err
}

func (s *Store) SaveLoan(ctx context.Context, loan *ledger.LoanAccount) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			principal = excluded.principal,
			outstanding_interest = excluded.outstanding_interest,
			monthly_interest_amount = excluded.monthly_interest_amount,
			start_date = excluded.start_date,
			original_principal = excluded.original_principal,
			accrual_policy = excluded.accrual_policy,
			interest_rate_percent = excluded.interest_rate_percent,
			total_interest_paid = excluded.total_interest_paid,
			interest_paid_until_month = excluded.interest_paid_until_month,
			current_balance = excluded.current_balance,
			last_accrual_date = excluded.last_accrual_date,
			next_due_date = excluded.next_due_date,
			last_interest_payment_date = excluded.last_interest_payment_date,
			status = excluded.status,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
	`,
		loan.ID,
		loan.CustomerID,
		loan.Principal,
		loan.OutstandingInterest,
		loan.MonthlyInterestAmount,
		dateArg(loan.StartDate),
		loan.OriginalPrincipal,
		string(loan.AccrualPolicy),
		loan.InterestRatePercent.String(),
		loan.TotalInterestPaid,
		loan.InterestPaidUntilMonth,
		loan.CurrentBalance,
		dateArg(loan.LastAccrualDate),
		dateArg(loan.NextDueDate),
		dateArg(loan.LastInterestPaymentDate),
		string(loan.Status),
		loan.SchemaVersion,
		timeArg(loan.CreatedAt),
		timeArg(loan.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

// DeleteLoan removes the loan; payments and accruals cascade.
func (s *Store) DeleteLoan(ctx context.Context, id string) error {
	return s.atomic(ctx, func(view *Store) error {
		for _, table := range []string{"payments", "accruals"} {
			if _, err := view.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE loan_id = ?", id); err != nil {
				return fmt.Errorf("failed to delete %s of loan: %w", table, err)
			}
		}
		res, err := view.q.ExecContext(ctx, "DELETE FROM loans WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ledger.NotFoundError{Kind: "loan", ID: id}
		}
		return nil
	})
}

func (s *Store) ListLoans(ctx context.Context) ([]*ledger.LoanAccount, error) {
	defer s.rlock()()
	return s.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans ORDER BY start_date, id")
}

// ListActiveLoans treats a NULL status (legacy row) as active.
func (s *Store) ListActiveLoans(ctx context.Context) ([]*ledger.LoanAccount, error) {
	defer s.rlock()()
	return s.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans WHERE status = ? OR status IS NULL ORDER BY start_date, id",
		string(ledger.StatusActive))
}

func (s *Store) ListLoansByCustomer(ctx context.Context, customerID string) ([]*ledger.LoanAccount, error) {
	defer s.rlock()()
	return s.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans WHERE customer_id = ? ORDER BY start_date, id", customerID)
}

func (s *Store) queryLoans(ctx context.Context, query string, args ...any) ([]*ledger.LoanAccount, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	loans := make([]*ledger.LoanAccount, 0)
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

func scanLoan(sc scanner) (*ledger.LoanAccount, error) {
	var (
		loan                                       ledger.LoanAccount
		startDate, lastAccrual, nextDue, lastPaid  sql.NullString
		policy, status, rate, createdAt, updatedAt sql.NullString
	)
	err := sc.Scan(
		&loan.ID, &loan.CustomerID, &loan.Principal, &loan.OutstandingInterest, &loan.MonthlyInterestAmount,
		&startDate, &loan.OriginalPrincipal, &policy, &rate, &loan.TotalInterestPaid,
		&loan.InterestPaidUntilMonth, &loan.CurrentBalance, &lastAccrual, &nextDue,
		&lastPaid, &status, &loan.SchemaVersion, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan loan: %w", err)
	}

	for _, d := range []struct {
		dst *ledger.Date
		src sql.NullString
	}{
		{&loan.StartDate, startDate},
		{&loan.LastAccrualDate, lastAccrual},
		{&loan.NextDueDate, nextDue},
		{&loan.LastInterestPaymentDate, lastPaid},
	} {
		if *d.dst, err = parseDate(d.src); err != nil {
			return nil, fmt.Errorf("loan %s: %w", loan.ID, err)
		}
	}
	if loan.InterestRatePercent, err = parseDecimal(rate); err != nil {
		return nil, fmt.Errorf("loan %s: %w", loan.ID, err)
	}
	loan.AccrualPolicy = ledger.AccrualPolicy(policy.String)
	loan.Status = ledger.LoanStatus(status.String)
	loan.CreatedAt = parseTime(createdAt)
	loan.UpdatedAt = parseTime(updatedAt)

	loan.Normalize()
	return &loan, nil
}

// upgradeLegacyLoans rewrites rows written by older schemas.
func (s *Store) upgradeLegacyLoans(ctx context.Context) (int, error) {
	upgraded := 0
	err := s.atomic(ctx, func(view *Store) error {
		loans, err := view.queryLoans(ctx, "SELECT "+loanColumns+" FROM loans WHERE schema_version < ?", ledger.CurrentSchemaVersion)
		if err != nil {
			return err
		}
		for _, loan := range loans {
			if err := view.SaveLoan(ctx, loan); err != nil {
				return err
			}
			upgraded++
		}
		return nil
	})
	return upgraded, err
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, phone, interest_rate_percent, appointment_date, reminder_days,
	status, total_balance, created_date, updated_at`

func (s *Store) LoadCustomer(ctx context.Context, id string) (*ledger.Customer, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Kind: "customer", ID: id}
	}
	return c, err
}

func (s *Store) SaveCustomer(ctx context.Context, c *ledger.Customer) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			interest_rate_percent = excluded.interest_rate_percent,
			appointment_date = excluded.appointment_date,
			reminder_days = excluded.reminder_days,
			status = excluded.status,
			total_balance = excluded.total_balance,
			created_date = excluded.created_date,
			updated_at = excluded.updated_at
	`,
		c.ID,
		c.Name,
		nullString(c.Phone),
		c.InterestRatePercent.String(),
		dateArg(c.AppointmentDate),
		c.ReminderDays,
		string(c.Status),
		c.TotalBalance,
		dateArg(c.CreatedDate),
		timeArg(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "customer", ID: id}
	}
	return nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]*ledger.Customer, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, "SELECT "+customerColumns+" FROM customers ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	customers := make([]*ledger.Customer, 0)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func scanCustomer(sc scanner) (*ledger.Customer, error) {
	var (
		c                                      ledger.Customer
		phone, rate, appointment, created, upd sql.NullString
		status                                 string
	)
	err := sc.Scan(&c.ID, &c.Name, &phone, &rate, &appointment, &c.ReminderDays,
		&status, &c.TotalBalance, &created, &upd)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}

	c.Phone = phone.String
	c.Status = ledger.CustomerStatus(status)
	c.UpdatedAt = parseTime(upd)
	if c.InterestRatePercent, err = parseDecimal(rate); err != nil {
		return nil, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	if c.AppointmentDate, err = parseDate(appointment); err != nil {
		return nil, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	if c.CreatedDate, err = parseDate(created); err != nil {
		return nil, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	return &c, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, loan_id, customer_id, payment_date, mode, interest_paid, principal_paid,
	pay_amount, unapplied_amount, for_interest_month, balance_after, principal_after,
	outstanding_interest_after, note, slip_url, created_at`

func (s *Store) SavePayment(ctx context.Context, p *ledger.Payment) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.LoanID,
		p.CustomerID,
		dateArg(p.PaymentDate),
		string(p.Mode),
		p.InterestPaid,
		p.PrincipalPaid,
		p.PayAmount,
		p.UnappliedAmount,
		p.ForInterestMonth,
		p.BalanceAfter,
		p.PrincipalAfter,
		p.OutstandingInterestAfter,
		nullString(p.Note),
		nullString(p.SlipURL),
		timeArg(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payment %s already recorded: %w", p.ID, err)
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *Store) LoadPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	defer s.rlock()()

	row := s.q.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Kind: "payment", ID: id}
	}
	return p, err
}

func (s *Store) ListPayments(ctx context.Context, loanID string) ([]*ledger.Payment, error) {
	defer s.rlock()()

	query := "SELECT " + paymentColumns + " FROM payments"
	var args []any
	if loanID != "" {
		query += " WHERE loan_id = ?"
		args = append(args, loanID)
	}
	query += " ORDER BY payment_date, created_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*ledger.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(sc scanner) (*ledger.Payment, error) {
	var (
		p                          ledger.Payment
		paymentDate, mode, created string
		note, slip                 sql.NullString
	)
	err := sc.Scan(&p.ID, &p.LoanID, &p.CustomerID, &paymentDate, &mode, &p.InterestPaid, &p.PrincipalPaid,
		&p.PayAmount, &p.UnappliedAmount, &p.ForInterestMonth, &p.BalanceAfter, &p.PrincipalAfter,
		&p.OutstandingInterestAfter, &note, &slip, &created)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	if p.PaymentDate, err = ledger.ParseDate(paymentDate); err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.Mode = ledger.PaymentMode(mode)
	p.Note = note.String
	p.SlipURL = slip.String
	p.CreatedAt = parseTime(sql.NullString{String: created, Valid: true})
	return &p, nil
}

// =============================================================================
// ACCRUALS
// =============================================================================

func (s *Store) AppendAccrual(ctx context.Context, a *ledger.Accrual) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accruals (id, loan_id, customer_id, period, amount, policy, accrued_on, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.LoanID,
		a.CustomerID,
		string(a.Period),
		a.Amount,
		string(a.Policy),
		dateArg(a.AccruedOn),
		a.BalanceAfter,
		timeArg(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateAccrual
		}
		return fmt.Errorf("failed to append accrual: %w", err)
	}
	return nil
}

func (s *Store) ListAccruals(ctx context.Context, loanID string) ([]*ledger.Accrual, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, loan_id, customer_id, period, amount, policy, accrued_on, balance_after, created_at
		FROM accruals WHERE loan_id = ? ORDER BY period, created_at
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accruals: %w", err)
	}
	defer rows.Close()

	accruals := make([]*ledger.Accrual, 0)
	for rows.Next() {
		var (
			a                                  ledger.Accrual
			period, policy, accruedOn, created string
		)
		if err := rows.Scan(&a.ID, &a.LoanID, &a.CustomerID, &period, &a.Amount, &policy,
			&accruedOn, &a.BalanceAfter, &created); err != nil {
			return nil, fmt.Errorf("failed to scan accrual: %w", err)
		}
		a.Period = ledger.MonthKey(period)
		a.Policy = ledger.AccrualPolicy(policy)
		if a.AccruedOn, err = ledger.ParseDate(accruedOn); err != nil {
			return nil, fmt.Errorf("accrual %s: %w", a.ID, err)
		}
		a.CreatedAt = parseTime(sql.NullString{String: created, Valid: true})
		accruals = append(accruals, &a)
	}
	return accruals, rows.Err()
}

// =============================================================================
// MONTHLY SUMMARIES
// =============================================================================

const summaryColumns = `month, total_interest, total_principal, total_received, profit,
	payment_count, created_at, updated_at`

func (s *Store) LoadOrCreateMonthlySummary(ctx context.Context, month ledger.MonthKey) (*ledger.MonthlySummary, error) {
	var summary *ledger.MonthlySummary
	err := s.atomic(ctx, func(view *Store) error {
		var err error
		summary, err = view.loadOrCreateSummary(ctx, month)
		return err
	})
	return summary, err
}

func (s *Store) loadOrCreateSummary(ctx context.Context, month ledger.MonthKey) (*ledger.MonthlySummary, error) {
	now := timeArg(time.Now())
	if _, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO monthly_summaries (month, created_at, updated_at) VALUES (?, ?, ?)",
		string(month), now, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create monthly summary: %w", err)
	}
	row := s.q.QueryRowContext(ctx, "SELECT "+summaryColumns+" FROM monthly_summaries WHERE month = ?", string(month))
	return scanSummary(row)
}

func (s *Store) SaveMonthlySummary(ctx context.Context, summary *ledger.MonthlySummary) error {
	defer s.lock()()
	return s.saveSummary(ctx, summary)
}

func (s *Store) saveSummary(ctx context.Context, summary *ledger.MonthlySummary) error {
	summary.UpdatedAt = time.Now()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = summary.UpdatedAt
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO monthly_summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(month) DO UPDATE SET
			total_interest = excluded.total_interest,
			total_principal = excluded.total_principal,
			total_received = excluded.total_received,
			profit = excluded.profit,
			payment_count = excluded.payment_count,
			updated_at = excluded.updated_at
	`,
		string(summary.Month),
		summary.TotalInterest,
		summary.TotalPrincipal,
		summary.TotalReceived,
		summary.Profit,
		summary.PaymentCount,
		timeArg(summary.CreatedAt),
		timeArg(summary.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save monthly summary: %w", err)
	}
	return nil
}

// AddToMonthlySummary records the contribution marker and adds c to its
// bucket in one transaction. A known payment id is a no-op.
func (s *Store) AddToMonthlySummary(ctx context.Context, c ledger.SummaryContribution) (bool, error) {
	applied := false
	err := s.atomic(ctx, func(view *Store) error {
		res, err := view.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO summary_contributions (payment_id, month, created_at) VALUES (?, ?, ?)",
			c.PaymentID, string(c.Month), timeArg(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to record contribution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		summary, err := view.loadOrCreateSummary(ctx, c.Month)
		if err != nil {
			return err
		}
		summary.Apply(c)
		if err := view.saveSummary(ctx, summary); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) ListMonthlySummaries(ctx context.Context) ([]*ledger.MonthlySummary, error) {
	defer s.rlock()()

	rows, err := s.q.QueryContext(ctx, "SELECT "+summaryColumns+" FROM monthly_summaries ORDER BY month DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]*ledger.MonthlySummary, 0)
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *Store) ResetMonthlySummaries(ctx context.Context) error {
	return s.atomic(ctx, func(view *Store) error {
		for _, table := range []string{"summary_contributions", "monthly_summaries"} {
			if _, err := view.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func scanSummary(sc scanner) (*ledger.MonthlySummary, error) {
	var (
		summary          ledger.MonthlySummary
		month            string
		created, updated sql.NullString
	)
	if err := sc.Scan(&month, &summary.TotalInterest, &summary.TotalPrincipal, &summary.TotalReceived,
		&summary.Profit, &summary.PaymentCount, &created, &updated); err != nil {
		return nil, fmt.Errorf("failed to scan monthly summary: %w", err)
	}
	summary.Month = ledger.MonthKey(month)
	summary.CreatedAt = parseTime(created)
	summary.UpdatedAt = parseTime(updated)
	return &summary, nil
}

// =============================================================================
// OUTBOX TASKS
// =============================================================================

func (s *Store) EnqueueTasks(ctx context.Context, tasks ...ledger.Task) error {
	return s.atomic(ctx, func(view *Store) error {
		for _, t := range tasks {
			_, err := view.q.ExecContext(ctx, `
				INSERT INTO tasks (id, kind, payment_id, customer_id, attempts, last_error, created_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				t.ID,
				string(t.Kind),
				nullString(t.PaymentID),
				nullString(t.CustomerID),
				t.Attempts,
				nullString(t.LastError),
				timeArg(t.CreatedAt),
				timePtrArg(t.CompletedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}
		}
		return nil
	})
}

// PendingTasks returns incomplete tasks, oldest first. limit <= 0 means all.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]ledger.Task, error) {
	defer s.rlock()()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, kind, payment_id, customer_id, attempts, last_error, created_at
		FROM tasks WHERE completed_at IS NULL
		ORDER BY created_at, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ledger.Task
	for rows.Next() {
		var (
			t                              ledger.Task
			kind                           string
			paymentID, customerID, lastErr sql.NullString
			created                        sql.NullString
		)
		if err := rows.Scan(&t.ID, &kind, &paymentID, &customerID, &t.Attempts, &lastErr, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Kind = ledger.TaskKind(kind)
		t.PaymentID = paymentID.String
		t.CustomerID = customerID.String
		t.LastError = lastErr.String
		t.CreatedAt = parseTime(created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CompleteTask(ctx context.Context, id string) error {
	defer s.lock()()
	return s.updateTask(ctx, id, "UPDATE tasks SET completed_at = ? WHERE id = ?", timeArg(time.Now()), id)
}

func (s *Store) FailTask(ctx context.Context, id string, cause error) error {
	defer s.lock()()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.updateTask(ctx, id, "UPDATE tasks SET attempts = attempts + 1, last_error = ? WHERE id = ?", msg, id)
}

func (s *Store) updateTask(ctx context.Context, id, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

// =============================================================================
// ACCRUAL RUNS
// =============================================================================

func (s *Store) SaveAccrualRun(ctx context.Context, r *ledger.AccrualRun) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accrual_runs (id, as_of, status, eligible, accrued, skipped, failed, total_interest, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			eligible = excluded.eligible,
			accrued = excluded.accrued,
			skipped = excluded.skipped,
			failed = excluded.failed,
			total_interest = excluded.total_interest,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID,
		dateArg(r.AsOf),
		string(r.Status),
		r.Eligible,
		r.Accrued,
		r.Skipped,
		r.Failed,
		r.TotalInterest,
		nullString(r.Error),
		timeArg(r.StartedAt),
		timePtrArg(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save accrual run: %w", err)
	}
	return nil
}

// ListAccrualRuns returns runs newest first. limit <= 0 means all.
func (s *Store) ListAccrualRuns(ctx context.Context, limit int) ([]*ledger.AccrualRun, error) {
	defer s.rlock()()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, as_of, status, eligible, accrued, skipped, failed, total_interest, error, started_at, completed_at
		FROM accrual_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accrual runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*ledger.AccrualRun, 0)
	for rows.Next() {
		var (
			r                          ledger.AccrualRun
			asOf, status               string
			runErr, started, completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &asOf, &status, &r.Eligible, &r.Accrued, &r.Skipped, &r.Failed,
			&r.TotalInterest, &runErr, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan accrual run: %w", err)
		}
		if r.AsOf, err = ledger.ParseDate(asOf); err != nil {
			return nil, fmt.Errorf("accrual run %s: %w", r.ID, err)
		}
		r.Status = ledger.RunStatus(status)
		r.Error = runErr.String
		r.StartedAt = parseTime(started)
		if completed.Valid {
			t := parseTime(completed)
			r.CompletedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.atomic(ctx, func(view *Store) error {
		tables := []string{"payments", "accruals", "loans", "customers", "summary_contributions",
			"monthly_summaries", "tasks", "accrual_runs"}
		for _, table := range tables {
			if _, err := view.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func dateArg(d ledger.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeArg(*t)
}

func parseDate(ns sql.NullString) (ledger.Date, error) {
	if !ns.Valid {
		return ledger.Date{}, nil
	}
	return ledger.ParseDate(ns.String)
}

// parseTime accepts the fixed layout and plain RFC3339 from older rows.
func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, ns.String); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, ns.String)
	return t
}

func parseDecimal(ns sql.NullString) (decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", ns.String, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
