/*
accrual.go - AccrualEngine: eligibility, per-loan accrual, portfolio sweep

ELIGIBILITY:
  A loan is due when it is active and at least one calendar month separates
  its reference date (LastAccrualDate, else StartDate) from asOf:

    MonthsBetween(ref, asOf) = (y2-y1)*12 + (m2-m1) >= 1

  Day of month is ignored: a loan started Jan 31 is due on Feb 1, a loan
  started Mar 5 is not due on Mar 25.

ONE PER TICK:
  A loan three months behind catches up over three sweeps. While more than
  one month behind, each accrual is booked one month after the reference
  date (the oldest missed period); the last one is booked on asOf. After
  that a second sweep in the same month finds nothing. The accrual journal
  is unique on (loan, YYYY-MM) as a storage-level guard.

    start Jan 1, sweeps Apr 1, 2, 3  ->  periods 2025-02, 2025-03, 2025-04

SWEEP:
  Active loans are accrued in parallel (errgroup, SetLimit). Work within a
  loan is serialized by the loan lock; eligibility is re-checked under it.
  Per-loan failures are counted, not fatal. Each sweep leaves an AccrualRun.
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/loan-ledger/money"
	"golang.org/x/sync/errgroup"
)

type AccrualEngine struct {
	l *Ledger
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	RunID         string      `json:"run_id"`
	AsOf          Date        `json:"as_of"`
	Eligible      int         `json:"eligible"`
	Accrued       int         `json:"accrued"`
	Skipped       int         `json:"skipped"`
	Failed        int         `json:"failed"`
	TotalInterest money.Money `json:"total_interest"`
	Errors        []string    `json:"errors,omitempty"`
}

// Sweep accrues every eligible active loan once for asOf.
// It fails only if the loan list cannot be read; per-loan errors are counted.
func (e *AccrualEngine) Sweep(ctx context.Context, asOf Date) (SweepResult, error) {
	l := e.l
	if asOf.IsZero() {
		return SweepResult{}, invalid("as_of", "is required")
	}

	started := l.now()
	run := &AccrualRun{
		ID:            l.newID("RUN"),
		AsOf:          asOf,
		Status:        RunRunning,
		TotalInterest: money.Zero,
		StartedAt:     started,
	}
	if err := l.store.SaveAccrualRun(ctx, run); err != nil {
		return SweepResult{}, fmt.Errorf("record sweep: %w", err)
	}

	loans, err := l.store.ListActiveLoans(ctx)
	if err != nil {
		e.finishRun(ctx, run, err, started)
		return SweepResult{RunID: run.ID, AsOf: asOf}, fmt.Errorf("list active loans: %w", err)
	}

	result := SweepResult{RunID: run.ID, AsOf: asOf, TotalInterest: money.Zero}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(l.sweepConcurrency)
	for _, loan := range loans {
		due := loan.IsAccrualDue(asOf)
		mu.Lock()
		if due {
			result.Eligible++
		} else {
			result.Skipped++
		}
		mu.Unlock()
		if !due {
			continue
		}
		loanID := loan.ID
		g.Go(func() error {
			accrual, err := e.AccrueLoan(ctx, loanID, asOf)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
				l.logger.Error("accrual failed", "loan_id", loanID, "as_of", asOf.String(), "error", err)
			case accrual == nil:
				// no longer due under the lock (paid off or accrued meanwhile)
				result.Eligible--
				result.Skipped++
			default:
				result.Accrued++
				result.TotalInterest = result.TotalInterest.Add(accrual.Amount)
			}
			return nil
		})
	}
	_ = g.Wait()

	run.Eligible = result.Eligible
	run.Accrued = result.Accrued
	run.Skipped = result.Skipped
	run.Failed = result.Failed
	run.TotalInterest = result.TotalInterest
	e.finishRun(ctx, run, nil, started)

	l.logger.Info("accrual sweep completed",
		"run_id", run.ID,
		"as_of", asOf.String(),
		"eligible", result.Eligible,
		"accrued", result.Accrued,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"total_interest", result.TotalInterest.String(),
	)
	return result, nil
}

func (e *AccrualEngine) finishRun(ctx context.Context, run *AccrualRun, cause error, started time.Time) {
	l := e.l
	completed := l.now()
	run.CompletedAt = &completed
	run.Status = RunCompleted
	if cause != nil {
		run.Status = RunFailed
		run.Error = cause.Error()
	}
	if err := l.store.SaveAccrualRun(ctx, run); err != nil {
		l.logger.Error("failed to record sweep", "run_id", run.ID, "error", err)
	}
	l.observer.SweepCompleted(run, completed.Sub(started))
}

// AccrueLoan applies one period of interest to a single loan if it is due
// as of asOf. Returns (nil, nil) when the loan is not due.
func (e *AccrualEngine) AccrueLoan(ctx context.Context, loanID string, asOf Date) (*Accrual, error) {
	l := e.l
	if asOf.IsZero() {
		return nil, invalid("as_of", "is required")
	}

	unlock := l.loanLocks.Lock(loanID)
	defer unlock()

	loan, err := l.store.LoadLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsAccrualDue(asOf) {
		return nil, nil
	}

	period := loan.PeriodDate(asOf)
	next := loan.Clone()
	amount := next.AccrualAmount()
	next.ApplyAccrual(amount, period)
	next.UpdatedAt = l.now()
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	accrual := &Accrual{
		ID:           l.newID("ACR"),
		LoanID:       next.ID,
		CustomerID:   next.CustomerID,
		Period:       period.MonthKey(),
		Amount:       amount,
		Policy:       next.AccrualPolicy,
		AccruedOn:    asOf,
		BalanceAfter: next.CurrentBalance,
		CreatedAt:    l.now(),
	}
	task := l.refreshTask(next.CustomerID)

	err = l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveLoan(ctx, next); err != nil {
			return err
		}
		if err := tx.AppendAccrual(ctx, accrual); err != nil {
			return err
		}
		return tx.EnqueueTasks(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("accrue loan %s: %w", loanID, err)
	}

	l.logger.Debug("interest accrued",
		"loan_id", next.ID,
		"period", accrual.Period,
		"amount", amount.String(),
		"balance", next.CurrentBalance.String(),
	)
	l.observer.LoanAccrued(accrual)
	l.Outbox.runInline(ctx, task)
	return accrual, nil
}

// AccrualsForLoan returns the loan's accrual journal, oldest first.
func (e *AccrualEngine) AccrualsForLoan(ctx context.Context, loanID string) ([]*Accrual, error) {
	if _, err := e.l.store.LoadLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return e.l.store.ListAccruals(ctx, loanID)
}

// Runs lists recent sweeps, newest first.
func (e *AccrualEngine) Runs(ctx context.Context, limit int) ([]*AccrualRun, error) {
	return e.l.store.ListAccrualRuns(ctx, limit)
}
