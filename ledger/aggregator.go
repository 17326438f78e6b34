/*
aggregator.go - Derived views: customer totals and monthly summaries

CUSTOMER TOTAL:
  Customer.TotalBalance = sum(CurrentBalance) over the customer's ACTIVE loans.
  Always recomputed from scratch and overwritten, never incremented, so a
  refresh is safe to repeat. Serialized per customer.

MONTHLY SUMMARY:
  One bucket per YYYY-MM of the payment date. Each payment contributes once:

    totalInterest  += interestPaid   (profit is the same number)
    totalPrincipal += principalPaid
    totalReceived  += payAmount
    paymentCount   += 1

  The store applies the increment atomically and remembers the payment id,
  so replaying the outbox never double-counts.

REPAIR:
  RebuildMonthlySummaries drops every bucket and replays the payment records.
  RecalculateAll refreshes every customer.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/loan-ledger/money"
)

type Aggregator struct {
	l *Ledger
}

// RefreshCustomerBalance recomputes and stores the customer's active total.
func (a *Aggregator) RefreshCustomerBalance(ctx context.Context, customerID string) (money.Money, error) {
	l := a.l
	unlock := l.customerLocks.Lock(customerID)
	defer unlock()

	customer, err := l.store.LoadCustomer(ctx, customerID)
	if err != nil {
		return money.Zero, err
	}
	loans, err := l.store.ListLoansByCustomer(ctx, customerID)
	if err != nil {
		return money.Zero, fmt.Errorf("list loans of customer %s: %w", customerID, err)
	}

	total := money.Zero
	for _, loan := range loans {
		if loan.Status == StatusActive {
			total = total.Add(loan.CurrentBalance)
		}
	}

	if customer.TotalBalance.Equal(total) {
		return total, nil
	}
	customer.TotalBalance = total
	customer.UpdatedAt = l.now()
	if err := l.store.SaveCustomer(ctx, customer); err != nil {
		return money.Zero, fmt.Errorf("save customer %s: %w", customerID, err)
	}
	l.logger.Debug("customer total refreshed", "customer_id", customerID, "total", total.String())
	return total, nil
}

// RecalculateAll refreshes every customer and returns how many succeeded.
// Failures are joined into the returned error.
func (a *Aggregator) RecalculateAll(ctx context.Context) (int, error) {
	customers, err := a.l.store.ListCustomers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list customers: %w", err)
	}

	var errs []error
	refreshed := 0
	for _, c := range customers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := a.RefreshCustomerBalance(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("customer %s: %w", c.ID, err))
			continue
		}
		refreshed++
	}

	a.l.logger.Info("customer totals recalculated", "customers", len(customers), "refreshed", refreshed)
	return refreshed, errors.Join(errs...)
}

// ApplyPaymentToSummary adds the payment to its month bucket.
// Returns false if the payment was already counted.
func (a *Aggregator) ApplyPaymentToSummary(ctx context.Context, p *Payment) (bool, error) {
	applied, err := a.l.store.AddToMonthlySummary(ctx, ContributionOf(*p))
	if err != nil {
		return false, fmt.Errorf("add payment %s to summary: %w", p.ID, err)
	}
	return applied, nil
}

// RebuildMonthlySummaries recomputes every bucket from the payment records
// and returns the number of payments replayed.
func (a *Aggregator) RebuildMonthlySummaries(ctx context.Context) (int, error) {
	l := a.l
	replayed := 0
	err := l.store.WithTx(ctx, func(tx Store) error {
		payments, err := tx.ListPayments(ctx, "")
		if err != nil {
			return err
		}
		if err := tx.ResetMonthlySummaries(ctx); err != nil {
			return err
		}
		for _, p := range payments {
			if _, err := tx.AddToMonthlySummary(ctx, ContributionOf(*p)); err != nil {
				return fmt.Errorf("replay payment %s: %w", p.ID, err)
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild monthly summaries: %w", err)
	}
	l.logger.Warn("monthly summaries rebuilt", "payments", replayed)
	return replayed, nil
}

// MonthlySummaries lists all buckets, newest month first.
func (a *Aggregator) MonthlySummaries(ctx context.Context) ([]*MonthlySummary, error) {
	summaries, err := a.l.store.ListMonthlySummaries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Month > summaries[j].Month
	})
	return summaries, nil
}

// MonthlySummary returns one bucket. A month without payments reads as an
// empty bucket; nothing is created.
func (a *Aggregator) MonthlySummary(ctx context.Context, month MonthKey) (*MonthlySummary, error) {
	summaries, err := a.l.store.ListMonthlySummaries(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		if s.Month == month {
			return s, nil
		}
	}
	return &MonthlySummary{
		Month:          month,
		TotalInterest:  money.Zero,
		TotalPrincipal: money.Zero,
		TotalReceived:  money.Zero,
		Profit:         money.Zero,
	}, nil
}
