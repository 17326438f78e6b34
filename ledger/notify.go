package ledger

import (
	"context"
	"sort"
)

// Reminder priorities for appointment notifications.
type Priority string

const (
	PriorityHigh   Priority = "high"   // appointment is today
	PriorityMedium Priority = "medium" // tomorrow
	PriorityLow    Priority = "low"
)

// Appointment is a customer whose appointment falls inside their reminder window.
type Appointment struct {
	CustomerID      string   `json:"customer_id"`
	CustomerName    string   `json:"customer_name"`
	Phone           string   `json:"phone"`
	AppointmentDate Date     `json:"appointment_date"`
	DaysUntil       int      `json:"days_until"`
	Priority        Priority `json:"priority"`
}

// DueLoans returns active loans with NextDueDate on or before asOf,
// earliest due first.
func (l *Ledger) DueLoans(ctx context.Context, asOf Date) ([]*LoanAccount, error) {
	if asOf.IsZero() {
		return nil, invalid("as_of", "is required")
	}
	return l.activeLoansWhere(ctx, func(loan *LoanAccount) bool {
		return !loan.NextDueDate.IsZero() && loan.NextDueDate.BeforeOrEqual(asOf)
	})
}

// UpcomingLoans returns active loans due after asOf and within horizonDays.
func (l *Ledger) UpcomingLoans(ctx context.Context, asOf Date, horizonDays int) ([]*LoanAccount, error) {
	if asOf.IsZero() {
		return nil, invalid("as_of", "is required")
	}
	if horizonDays < 0 {
		return nil, invalid("days", "must not be negative")
	}
	horizon := asOf.AddDays(horizonDays)
	return l.activeLoansWhere(ctx, func(loan *LoanAccount) bool {
		return loan.NextDueDate.After(asOf) && loan.NextDueDate.BeforeOrEqual(horizon)
	})
}

func (l *Ledger) activeLoansWhere(ctx context.Context, keep func(*LoanAccount) bool) ([]*LoanAccount, error) {
	loans, err := l.store.ListActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*LoanAccount, 0, len(loans))
	for _, loan := range loans {
		if keep(loan) {
			out = append(out, loan)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextDueDate.Before(out[j].NextDueDate)
	})
	return out, nil
}

// Appointments returns customers whose appointment is between 0 and
// ReminderDays days after asOf, soonest first.
func (l *Ledger) Appointments(ctx context.Context, asOf Date) ([]Appointment, error) {
	if asOf.IsZero() {
		return nil, invalid("as_of", "is required")
	}
	customers, err := l.store.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}

	var out []Appointment
	for _, c := range customers {
		if c.AppointmentDate.IsZero() {
			continue
		}
		days := DaysBetween(asOf, c.AppointmentDate)
		if days < 0 || days > c.ReminderDays {
			continue
		}
		out = append(out, Appointment{
			CustomerID:      c.ID,
			CustomerName:    c.Name,
			Phone:           c.Phone,
			AppointmentDate: c.AppointmentDate,
			DaysUntil:       days,
			Priority:        priorityFor(days),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysUntil < out[j].DaysUntil })
	return out, nil
}

func priorityFor(daysUntil int) Priority {
	switch daysUntil {
	case 0:
		return PriorityHigh
	case 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
