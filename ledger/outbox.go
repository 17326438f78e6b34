/*
outbox.go - Derived-update tasks committed with the authoritative write

FLOW:
  allocator / accrual / lifecycle:
    WithTx { SaveLoan, Save record, EnqueueTasks }   <- all or nothing
    runInline(tasks)                                 <- best effort, right away
  scheduler / admin:
    DrainOutbox(limit)                               <- retries leftovers

TASKS:
  apply_summary     -> Aggregator.ApplyPaymentToSummary (idempotent per payment)
  refresh_customer  -> Aggregator.RefreshCustomerBalance (full recompute)

  Both are safe to run twice, so a crash between commit and completion only
  delays the derived update. A NotFound target (customer or payment deleted
  since) completes the task with a warning.
*/
package ledger

import (
	"context"
	"fmt"
)

const defaultDrainLimit = 100

type OutboxProcessor struct {
	l *Ledger
}

// DrainResult counts what one drain pass did.
type DrainResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// DrainOutbox processes up to limit pending tasks, oldest first.
func (o *OutboxProcessor) DrainOutbox(ctx context.Context, limit int) (DrainResult, error) {
	if limit <= 0 {
		limit = defaultDrainLimit
	}
	tasks, err := o.l.store.PendingTasks(ctx, limit)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list pending tasks: %w", err)
	}

	var result DrainResult
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if o.run(ctx, t) {
			result.Completed++
		} else {
			result.Failed++
		}
	}
	if len(tasks) > 0 {
		o.l.logger.Info("outbox drained", "completed", result.Completed, "failed", result.Failed)
	}
	return result, nil
}

// runInline executes freshly committed tasks. Failures stay pending.
func (o *OutboxProcessor) runInline(ctx context.Context, tasks ...Task) {
	for _, t := range tasks {
		o.run(ctx, t)
	}
}

// run processes one task and records the outcome. Reports success.
func (o *OutboxProcessor) run(ctx context.Context, t Task) bool {
	l := o.l
	err := o.process(ctx, t)
	l.observer.TaskProcessed(t.Kind, err)

	if err != nil {
		l.logger.Warn("outbox task failed",
			"task_id", t.ID,
			"kind", t.Kind,
			"attempt", t.Attempts+1,
			"error", err,
		)
		if ferr := l.store.FailTask(ctx, t.ID, err); ferr != nil {
			l.logger.Error("failed to record task failure", "task_id", t.ID, "error", ferr)
		}
		return false
	}
	if cerr := l.store.CompleteTask(ctx, t.ID); cerr != nil {
		l.logger.Error("failed to complete task", "task_id", t.ID, "error", cerr)
		return false
	}
	return true
}

func (o *OutboxProcessor) process(ctx context.Context, t Task) error {
	l := o.l
	switch t.Kind {
	case TaskApplySummary:
		p, err := l.store.LoadPayment(ctx, t.PaymentID)
		if IsNotFound(err) {
			l.logger.Warn("summary task for missing payment", "task_id", t.ID, "payment_id", t.PaymentID)
			return nil
		}
		if err != nil {
			return err
		}
		_, err = l.Aggregator.ApplyPaymentToSummary(ctx, p)
		return err

	case TaskRefreshCustomer:
		_, err := l.Aggregator.RefreshCustomerBalance(ctx, t.CustomerID)
		if IsNotFound(err) {
			l.logger.Warn("refresh task for missing customer", "task_id", t.ID, "customer_id", t.CustomerID)
			return nil
		}
		return err

	default:
		l.logger.Error("unknown outbox task kind", "task_id", t.ID, "kind", t.Kind)
		return nil
	}
}
