/*
allocator.go - PaymentAllocator: apply a repayment to a loan

MODES:
  Waterfall (single amount, interest first):
    interestPaid  = min(pay, outstandingInterest)
    principalPaid = min(pay - interestPaid, principal)

  Split (caller chose both components):
    each component is applied independently, clamped at zero

  Example - interest 100, principal 500:
    pay 60  -> interestPaid 60,  principalPaid 0   -> interest 40, principal 500
    pay 150 -> interestPaid 100, principalPaid 50  -> interest 0,  principal 450

OVERPAYMENT:
  OverpaymentReject (default): paying more than is owed is a ValidationError.
    In split mode each component is checked against its own balance.
  OverpaymentDiscard: the loan is clamped to what is owed and the excess is
    kept on the payment as UnappliedAmount.

PERSISTENCE:
  Loan, payment snapshot and outbox tasks (apply_summary, refresh_customer)
  commit in one WithTx. The summary and customer total follow via the outbox.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/warp/loan-ledger/money"
)

type OverpaymentPolicy string

const (
	OverpaymentReject  OverpaymentPolicy = "reject"
	OverpaymentDiscard OverpaymentPolicy = "discard"
)

func (p OverpaymentPolicy) Valid() bool {
	return p == OverpaymentReject || p == OverpaymentDiscard
}

// WaterfallPayment is a single amount allocated interest first.
type WaterfallPayment struct {
	LoanID      string
	PayAmount   money.Money
	PaymentDate Date
	Note        string
	SlipURL     string
}

// SplitPayment carries explicit interest and principal components.
type SplitPayment struct {
	LoanID        string
	InterestPaid  money.Money
	PrincipalPaid money.Money
	PaymentDate   Date
	Note          string
	SlipURL       string
}

// Allocation is how much of a payment goes where.
type Allocation struct {
	Interest  money.Money
	Principal money.Money
	Unapplied money.Money
}

// Waterfall splits pay across outstanding interest, then principal.
// Whatever remains after both are cleared is Unapplied.
func Waterfall(pay, outstandingInterest, principal money.Money) Allocation {
	interest := pay.Min(outstandingInterest.ClampZero())
	rest := pay.Sub(interest)
	toPrincipal := rest.Min(principal.ClampZero())
	return Allocation{
		Interest:  interest,
		Principal: toPrincipal,
		Unapplied: rest.Sub(toPrincipal),
	}
}

type PaymentAllocator struct {
	l *Ledger
}

// ApplyWaterfall records a single-amount payment.
func (a *PaymentAllocator) ApplyWaterfall(ctx context.Context, req WaterfallPayment) (*Payment, error) {
	switch {
	case req.LoanID == "":
		return nil, invalid("loan_id", "is required")
	case !req.PayAmount.IsPositive():
		return nil, invalid("pay_amount", "must be positive, got %s", req.PayAmount)
	case req.PaymentDate.IsZero():
		return nil, invalid("payment_date", "is required")
	}

	p := &Payment{
		LoanID:      req.LoanID,
		PaymentDate: req.PaymentDate,
		Mode:        ModeWaterfall,
		Note:        req.Note,
		SlipURL:     req.SlipURL,
	}
	return a.apply(ctx, p, func(loan *LoanAccount) (Allocation, error) {
		alloc := Waterfall(req.PayAmount, loan.OutstandingInterest, loan.Principal)
		if alloc.Unapplied.IsPositive() && a.l.overpayment == OverpaymentReject {
			return Allocation{}, invalid("pay_amount", "%s exceeds the %s owed", req.PayAmount, loan.CurrentBalance)
		}
		return alloc, nil
	})
}

// ApplySplit records a payment with explicit components.
func (a *PaymentAllocator) ApplySplit(ctx context.Context, req SplitPayment) (*Payment, error) {
	switch {
	case req.LoanID == "":
		return nil, invalid("loan_id", "is required")
	case req.InterestPaid.IsNegative():
		return nil, invalid("interest_paid", "must not be negative")
	case req.PrincipalPaid.IsNegative():
		return nil, invalid("principal_paid", "must not be negative")
	case req.InterestPaid.IsZero() && req.PrincipalPaid.IsZero():
		return nil, invalid("pay_amount", "interest_paid and principal_paid are both zero")
	case req.PaymentDate.IsZero():
		return nil, invalid("payment_date", "is required")
	}

	p := &Payment{
		LoanID:      req.LoanID,
		PaymentDate: req.PaymentDate,
		Mode:        ModeSplit,
		Note:        req.Note,
		SlipURL:     req.SlipURL,
	}
	return a.apply(ctx, p, func(loan *LoanAccount) (Allocation, error) {
		excessInterest := req.InterestPaid.Sub(loan.OutstandingInterest).ClampZero()
		excessPrincipal := req.PrincipalPaid.Sub(loan.Principal).ClampZero()
		if a.l.overpayment == OverpaymentReject {
			if excessInterest.IsPositive() {
				return Allocation{}, invalid("interest_paid", "%s exceeds the %s interest owed", req.InterestPaid, loan.OutstandingInterest)
			}
			if excessPrincipal.IsPositive() {
				return Allocation{}, invalid("principal_paid", "%s exceeds the %s principal owed", req.PrincipalPaid, loan.Principal)
			}
		}
		return Allocation{
			Interest:  req.InterestPaid.Sub(excessInterest),
			Principal: req.PrincipalPaid.Sub(excessPrincipal),
			Unapplied: excessInterest.Add(excessPrincipal),
		}, nil
	})
}

// apply runs the locked load -> allocate -> mutate -> persist sequence.
// p carries the request fields; the rest is filled from the mutated loan.
func (a *PaymentAllocator) apply(ctx context.Context, p *Payment, allocate func(*LoanAccount) (Allocation, error)) (*Payment, error) {
	l := a.l

	unlock := l.loanLocks.Lock(p.LoanID)
	defer unlock()

	loan, err := l.store.LoadLoan(ctx, p.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.Status == StatusPaid {
		return nil, invalid("loan_id", "loan %s is already paid", loan.ID)
	}

	alloc, err := allocate(loan)
	if err != nil {
		return nil, err
	}

	next := loan.Clone()
	next.ApplyPayment(alloc.Interest, alloc.Principal, p.PaymentDate)
	next.UpdatedAt = l.now()
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	p.ID = l.newID("PAY")
	p.CustomerID = next.CustomerID
	p.InterestPaid = alloc.Interest
	p.PrincipalPaid = alloc.Principal
	p.PayAmount = alloc.Interest.Add(alloc.Principal)
	p.UnappliedAmount = alloc.Unapplied
	p.ForInterestMonth = next.InterestPaidUntilMonth
	p.BalanceAfter = next.CurrentBalance
	p.PrincipalAfter = next.Principal
	p.OutstandingInterestAfter = next.OutstandingInterest
	p.CreatedAt = l.now()

	tasks := []Task{
		{
			ID:        l.newID("TASK"),
			Kind:      TaskApplySummary,
			PaymentID: p.ID,
			CreatedAt: l.now(),
		},
		l.refreshTask(next.CustomerID),
	}

	err = l.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveLoan(ctx, next); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		return tx.EnqueueTasks(ctx, tasks...)
	})
	if err != nil {
		return nil, fmt.Errorf("apply payment to loan %s: %w", p.LoanID, err)
	}

	attrs := []any{
		"payment_id", p.ID,
		"loan_id", p.LoanID,
		"mode", p.Mode,
		"interest", p.InterestPaid.String(),
		"principal", p.PrincipalPaid.String(),
		"balance", p.BalanceAfter.String(),
	}
	if p.UnappliedAmount.IsPositive() {
		l.logger.Warn("overpayment discarded", append(attrs, "unapplied", p.UnappliedAmount.String())...)
	} else {
		l.logger.Info("payment applied", attrs...)
	}
	if next.Status == StatusPaid {
		l.logger.Info("loan paid off", "loan_id", next.ID, "customer_id", next.CustomerID)
	}

	l.observer.PaymentApplied(p)
	l.Outbox.runInline(ctx, tasks...)
	return p, nil
}

// PaymentsForLoan returns the loan's payments ordered by date.
func (a *PaymentAllocator) PaymentsForLoan(ctx context.Context, loanID string) ([]*Payment, error) {
	if _, err := a.l.store.LoadLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return a.l.store.ListPayments(ctx, loanID)
}
