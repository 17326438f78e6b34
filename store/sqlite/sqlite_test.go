package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func amt(s string) money.Money { return money.MustParse(s) }

func sampleLoan(t *testing.T, id string) *ledger.LoanAccount {
	t.Helper()
	loan, err := ledger.NewLoan(id, ledger.LoanTerms{
		CustomerID:            "CUST-1",
		Principal:             amt("1000.50"),
		MonthlyInterestAmount: amt("25"),
		StartDate:             ledger.NewDate(2025, time.January, 31),
	}, time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return loan
}

// =============================================================================
// CONNECTION
// =============================================================================

func TestDSN(t *testing.T) {
	assert.Equal(t, ":memory:?"+connParams, dsn(":memory:"))
	assert.Equal(t, "loans.db?"+connParams, dsn("loans.db"))
	assert.Equal(t, "file:loans.db?mode=rwc&"+connParams, dsn("file:loans.db?mode=rwc"))
}

func TestNew_URIWithQuery(t *testing.T) {
	// GIVEN: A file URI that already carries a query string
	// WHEN: The store is opened
	// THEN: The caller's and the store's parameters both apply
	path := filepath.Join(t.TempDir(), "loans.db")
	s, err := New("file:" + path + "?mode=rwc")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var foreignKeys int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
	var journal string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	ctx := context.Background()
	require.NoError(t, s.SaveLoan(ctx, sampleLoan(t, "LOAN-1")))
	_, err = s.LoadLoan(ctx, "LOAN-1")
	assert.NoError(t, err)
}

// =============================================================================
// LOANS
// =============================================================================

func TestStore_LoanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	loan := sampleLoan(t, "LOAN-1")
	loan.ApplyAccrual(amt("25"), ledger.NewDate(2025, time.February, 28))
	loan.ApplyPayment(amt("10.10"), amt("0.40"), ledger.NewDate(2025, time.March, 2))

	require.NoError(t, s.SaveLoan(ctx, loan))
	got, err := s.LoadLoan(ctx, "LOAN-1")

	require.NoError(t, err)
	assert.Equal(t, "1000.10", got.Principal.String())
	assert.Equal(t, "14.90", got.OutstandingInterest.String())
	assert.Equal(t, "1015.00", got.CurrentBalance.String())
	assert.Equal(t, "10.10", got.TotalInterestPaid.String())
	assert.Equal(t, "2025-02-28", got.LastAccrualDate.String())
	assert.Equal(t, "2025-03-28", got.NextDueDate.String())
	assert.Equal(t, "2025-03-02", got.LastInterestPaymentDate.String())
	assert.True(t, got.LastAccrualDate.Equal(loan.LastAccrualDate))
	assert.Equal(t, ledger.StatusActive, got.Status)
	assert.Equal(t, ledger.PolicyFlat, got.AccrualPolicy)
	assert.Equal(t, ledger.CurrentSchemaVersion, got.SchemaVersion)
	assert.True(t, got.CreatedAt.Equal(loan.CreatedAt))
	assert.NoError(t, got.CheckInvariants())
}

func TestStore_SaveLoanUpdatesInPlace(t *testing.T) {
	// GIVEN: A loan with a payment
	// WHEN: The loan is saved again
	// THEN: The row is updated and its payment survives
	ctx := context.Background()
	s := newTestStore(t)
	loan := sampleLoan(t, "LOAN-1")
	require.NoError(t, s.SaveLoan(ctx, loan))
	require.NoError(t, s.SavePayment(ctx, &ledger.Payment{
		ID: "PAY-1", LoanID: loan.ID, CustomerID: loan.CustomerID,
		PaymentDate: ledger.NewDate(2025, time.February, 1), Mode: ledger.ModeSplit,
		PrincipalPaid: amt("100"), PayAmount: amt("100"), CreatedAt: time.Now(),
	}))

	loan.ApplyPayment(money.Zero, amt("100"), ledger.NewDate(2025, time.February, 1))
	require.NoError(t, s.SaveLoan(ctx, loan))

	got, err := s.LoadLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "900.50", got.Principal.String())
	payments, err := s.ListPayments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestStore_CompoundingRateIsExact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	loan, err := ledger.NewLoan("LOAN-c", ledger.LoanTerms{
		CustomerID:          "CUST-1",
		Principal:           amt("333.33"),
		StartDate:           ledger.NewDate(2025, time.January, 1),
		Policy:              ledger.PolicyCompounding,
		InterestRatePercent: decimal.RequireFromString("1.5"),
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveLoan(ctx, loan))

	got, err := s.LoadLoan(ctx, loan.ID)

	require.NoError(t, err)
	assert.Equal(t, "1.5", got.InterestRatePercent.String())
	assert.Equal(t, "5.00", got.AccrualAmount().String())
}

func TestStore_LoanNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadLoan(context.Background(), "LOAN-missing")

	assert.True(t, ledger.IsNotFound(err))
	assert.True(t, ledger.IsNotFound(s.DeleteLoan(context.Background(), "LOAN-missing")))
}

func TestStore_ListActiveLoans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	active := sampleLoan(t, "LOAN-a")
	defaulted := sampleLoan(t, "LOAN-d")
	require.NoError(t, defaulted.MarkDefaulted())
	require.NoError(t, s.SaveLoan(ctx, active))
	require.NoError(t, s.SaveLoan(ctx, defaulted))

	loans, err := s.ListActiveLoans(ctx)

	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "LOAN-a", loans[0].ID)
	all, err := s.ListLoansByCustomer(ctx, "CUST-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_DeleteLoanCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	loan := sampleLoan(t, "LOAN-1")
	require.NoError(t, s.SaveLoan(ctx, loan))
	require.NoError(t, s.SavePayment(ctx, &ledger.Payment{
		ID: "PAY-1", LoanID: loan.ID, CustomerID: loan.CustomerID,
		PaymentDate: ledger.NewDate(2025, time.February, 1), Mode: ledger.ModeWaterfall,
		PayAmount: amt("5"), InterestPaid: amt("5"), CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendAccrual(ctx, &ledger.Accrual{
		ID: "ACR-1", LoanID: loan.ID, CustomerID: loan.CustomerID, Period: "2025-02",
		Amount: amt("25"), Policy: ledger.PolicyFlat, AccruedOn: ledger.NewDate(2025, time.February, 28),
		CreatedAt: time.Now(),
	}))

	require.NoError(t, s.DeleteLoan(ctx, loan.ID))

	payments, err := s.ListPayments(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, payments)
	accruals, err := s.ListAccruals(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, accruals)
}

// =============================================================================
// LEGACY ROWS
// =============================================================================

func TestStore_UpgradesLegacyLoansOnOpen(t *testing.T) {
	// GIVEN: A database file holding a loan row from an older schema
	// WHEN: The store is reopened
	// THEN: The row is backfilled and stamped with the current schema version
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loans.db")
	s, err := New(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO loans (id, customer_id, principal, outstanding_interest, monthly_interest_amount, start_date)
		VALUES ('LOAN-old', 'CUST-1', '800', '40', '20', '2024-11-05')`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var version int
	require.NoError(t, s.db.QueryRow("SELECT schema_version FROM loans WHERE id = 'LOAN-old'").Scan(&version))
	assert.Equal(t, ledger.CurrentSchemaVersion, version)

	loan, err := s.LoadLoan(ctx, "LOAN-old")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, loan.Status)
	assert.Equal(t, ledger.PolicyFlat, loan.AccrualPolicy)
	assert.Equal(t, "800.00", loan.OriginalPrincipal.String())
	assert.Equal(t, "840.00", loan.CurrentBalance.String())
	assert.Equal(t, "2024-12-05", loan.NextDueDate.String())
}

// =============================================================================
// CUSTOMERS, ACCRUALS, SUMMARIES
// =============================================================================

func TestStore_CustomerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := &ledger.Customer{
		ID: "CUST-1", Name: "Alice", Phone: "0812345678",
		InterestRatePercent: decimal.RequireFromString("2.5"),
		AppointmentDate:     ledger.NewDate(2025, time.April, 1),
		ReminderDays:        3, Status: ledger.CustomerOverdue,
		TotalBalance: amt("1234.56"), CreatedDate: ledger.NewDate(2025, time.January, 2),
	}
	require.NoError(t, s.SaveCustomer(ctx, c))

	got, err := s.LoadCustomer(ctx, "CUST-1")

	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "0812345678", got.Phone)
	assert.Equal(t, "2.5", got.InterestRatePercent.String())
	assert.Equal(t, "2025-04-01", got.AppointmentDate.String())
	assert.Equal(t, 3, got.ReminderDays)
	assert.Equal(t, ledger.CustomerOverdue, got.Status)
	assert.Equal(t, "1234.56", got.TotalBalance.String())

	require.NoError(t, s.DeleteCustomer(ctx, "CUST-1"))
	_, err = s.LoadCustomer(ctx, "CUST-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_DuplicateAccrualPeriod(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveLoan(ctx, sampleLoan(t, "LOAN-1")))
	accrual := func(id string) *ledger.Accrual {
		return &ledger.Accrual{
			ID: id, LoanID: "LOAN-1", CustomerID: "CUST-1", Period: "2025-02",
			Amount: amt("25"), Policy: ledger.PolicyFlat,
			AccruedOn: ledger.NewDate(2025, time.February, 28), CreatedAt: time.Now(),
		}
	}
	require.NoError(t, s.AppendAccrual(ctx, accrual("ACR-1")))

	err := s.AppendAccrual(ctx, accrual("ACR-2"))

	assert.True(t, errors.Is(err, ledger.ErrDuplicateAccrual))
	list, err := s.ListAccruals(ctx, "LOAN-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_AddToMonthlySummary_ExactAndIdempotent(t *testing.T) {
	// GIVEN: Contributions with amounts a float would round
	// WHEN: They are added, one of them twice
	// THEN: Totals are exact and the repeat is ignored
	ctx := context.Background()
	s := newTestStore(t)

	for _, c := range []ledger.SummaryContribution{
		{PaymentID: "PAY-1", Month: "2025-03", Interest: amt("0.10"), Received: amt("0.10")},
		{PaymentID: "PAY-2", Month: "2025-03", Interest: amt("0.20"), Principal: amt("5"), Received: amt("5.20")},
	} {
		applied, err := s.AddToMonthlySummary(ctx, c)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	applied, err := s.AddToMonthlySummary(ctx, ledger.SummaryContribution{
		PaymentID: "PAY-1", Month: "2025-03", Interest: amt("0.10"), Received: amt("0.10"),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	summaries, err := s.ListMonthlySummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].Profit.Equal(amt("0.3")))
	assert.Equal(t, "5.30", summaries[0].TotalReceived.String())
	assert.Equal(t, 2, summaries[0].PaymentCount)

	require.NoError(t, s.ResetMonthlySummaries(ctx))
	applied, err = s.AddToMonthlySummary(ctx, ledger.SummaryContribution{
		PaymentID: "PAY-1", Month: "2025-03", Interest: amt("0.10"), Received: amt("0.10"),
	})
	require.NoError(t, err)
	assert.True(t, applied, "reset clears contribution markers")
}

func TestStore_ConcurrentSummaryAdds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddToMonthlySummary(ctx, ledger.SummaryContribution{
				PaymentID: "PAY-" + string(rune('a'+i)), Month: "2025-03",
				Interest: amt("1.01"), Received: amt("1.01"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	summary, err := s.LoadOrCreateMonthlySummary(ctx, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, "25.25", summary.Profit.String())
	assert.Equal(t, 25, summary.PaymentCount)
}

// =============================================================================
// TRANSACTIONS, TASKS, RUNS
// =============================================================================

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.SaveLoan(ctx, sampleLoan(t, "LOAN-1")))
		require.NoError(t, tx.EnqueueTasks(ctx, ledger.Task{
			ID: "TASK-1", Kind: ledger.TaskRefreshCustomer, CustomerID: "CUST-1", CreatedAt: time.Now(),
		}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.LoadLoan(ctx, "LOAN-1")
	assert.True(t, ledger.IsNotFound(err))
	tasks, err := s.PendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestStore_TaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.EnqueueTasks(ctx,
		ledger.Task{ID: "TASK-2", Kind: ledger.TaskApplySummary, PaymentID: "PAY-1", CreatedAt: base.Add(time.Second)},
		ledger.Task{ID: "TASK-1", Kind: ledger.TaskRefreshCustomer, CustomerID: "CUST-1", CreatedAt: base},
	))

	require.NoError(t, s.FailTask(ctx, "TASK-2", errors.New("db locked")))
	require.NoError(t, s.CompleteTask(ctx, "TASK-1"))

	pending, err := s.PendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "TASK-2", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "db locked", pending[0].LastError)
	assert.Equal(t, "PAY-1", pending[0].PaymentID)
	assert.True(t, ledger.IsNotFound(s.CompleteTask(ctx, "TASK-missing")))
}

func TestStore_AccrualRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"RUN-1", "RUN-2", "RUN-3"} {
		require.NoError(t, s.SaveAccrualRun(ctx, &ledger.AccrualRun{
			ID: id, AsOf: ledger.NewDate(2025, time.March, 1+i), Status: ledger.RunRunning,
			StartedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	done := base.Add(time.Minute)
	require.NoError(t, s.SaveAccrualRun(ctx, &ledger.AccrualRun{
		ID: "RUN-3", AsOf: ledger.NewDate(2025, time.March, 3), Status: ledger.RunCompleted,
		Accrued: 4, TotalInterest: amt("100"), StartedAt: base.Add(2 * time.Millisecond), CompletedAt: &done,
	}))

	runs, err := s.ListAccrualRuns(ctx, 2)

	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "RUN-3", runs[0].ID)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 4, runs[0].Accrued)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, runs[0].CompletedAt.Equal(done))
	assert.Equal(t, "RUN-2", runs[1].ID)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestStore_DrivesLedger(t *testing.T) {
	// GIVEN: A ledger backed by SQLite
	// WHEN: A loan accrues and takes a waterfall payment
	// THEN: Loan, customer total and monthly summary agree
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s, ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	c, err := l.CreateCustomer(ctx, ledger.Customer{Name: "Alice"})
	require.NoError(t, err)
	loan, err := l.CreateLoan(ctx, ledger.LoanTerms{
		CustomerID: c.ID, Principal: amt("500"), MonthlyInterestAmount: amt("100"),
		StartDate: ledger.NewDate(2025, time.January, 10),
	})
	require.NoError(t, err)

	result, err := l.Accruals.Sweep(ctx, ledger.NewDate(2025, time.February, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accrued)

	_, err = l.Payments.ApplyWaterfall(ctx, ledger.WaterfallPayment{
		LoanID: loan.ID, PayAmount: amt("150"), PaymentDate: ledger.NewDate(2025, time.February, 15),
	})
	require.NoError(t, err)

	got, err := s.LoadLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", got.OutstandingInterest.String())
	assert.Equal(t, "450.00", got.Principal.String())

	customer, err := s.LoadCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "450.00", customer.TotalBalance.String())

	feb, err := l.Aggregator.MonthlySummary(ctx, "2025-02")
	require.NoError(t, err)
	assert.Equal(t, "100.00", feb.Profit.String())
	assert.Equal(t, "150.00", feb.TotalReceived.String())

	pending, err := s.PendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
