package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// PAYMENT - Immutable once created
// =============================================================================

type PaymentMode string

const (
	ModeWaterfall PaymentMode = "waterfall" // single amount, interest first
	ModeSplit     PaymentMode = "split"     // caller chose both components
)

// Payment is written exactly once, by the PaymentAllocator, together with the
// loan mutation it describes. The *After fields snapshot the loan for replay.
type Payment struct {
	ID          string      `json:"id"`
	LoanID      string      `json:"loan_id"`
	CustomerID  string      `json:"customer_id"`
	PaymentDate Date        `json:"payment_date"`
	Mode        PaymentMode `json:"mode"`

	InterestPaid  money.Money `json:"interest_paid"`
	PrincipalPaid money.Money `json:"principal_paid"`
	PayAmount     money.Money `json:"pay_amount"` // InterestPaid + PrincipalPaid

	// UnappliedAmount is the excess over what was owed (OverpaymentDiscard only).
	UnappliedAmount money.Money `json:"unapplied_amount"`

	ForInterestMonth         int64       `json:"for_interest_month"`
	BalanceAfter             money.Money `json:"balance_after"`
	PrincipalAfter           money.Money `json:"principal_after"`
	OutstandingInterestAfter money.Money `json:"outstanding_interest_after"`

	Note      string    `json:"note,omitempty"`
	SlipURL   string    `json:"slip_url,omitempty"` // opaque; never fetched or validated
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// MONTHLY SUMMARY - One per YYYY-MM, additive only
// =============================================================================

type MonthlySummary struct {
	Month          MonthKey    `json:"month"`
	TotalInterest  money.Money `json:"total_interest"`
	TotalPrincipal money.Money `json:"total_principal"`
	TotalReceived  money.Money `json:"total_received"`
	Profit         money.Money `json:"profit"` // realized interest; the only profit definition
	PaymentCount   int         `json:"payment_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SummaryContribution is one payment's additive share of a month bucket.
// PaymentID is the idempotency key: a contribution is applied at most once.
type SummaryContribution struct {
	PaymentID string
	Month     MonthKey
	Interest  money.Money
	Principal money.Money
	Received  money.Money
}

// ContributionOf derives the summary contribution of a payment.
func ContributionOf(p Payment) SummaryContribution {
	return SummaryContribution{
		PaymentID: p.ID,
		Month:     p.PaymentDate.MonthKey(),
		Interest:  p.InterestPaid,
		Principal: p.PrincipalPaid,
		Received:  p.PayAmount,
	}
}

// Apply adds c into s.
func (s *MonthlySummary) Apply(c SummaryContribution) {
	s.TotalInterest = s.TotalInterest.Add(c.Interest)
	s.Profit = s.Profit.Add(c.Interest)
	s.TotalPrincipal = s.TotalPrincipal.Add(c.Principal)
	s.TotalReceived = s.TotalReceived.Add(c.Received)
	s.PaymentCount++
}

// =============================================================================
// CUSTOMER
// =============================================================================

type CustomerStatus string

const (
	CustomerNormal  CustomerStatus = "normal"
	CustomerOverdue CustomerStatus = "overdue"
	CustomerBadDebt CustomerStatus = "bad_debt"
)

// Customer is the owner of loans. The engine only writes TotalBalance;
// everything else is contact data kept for the API and reminders.
type Customer struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Phone               string          `json:"phone"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	AppointmentDate     Date            `json:"appointment_date"`
	ReminderDays        int             `json:"reminder_days"`
	Status              CustomerStatus  `json:"status"`
	TotalBalance        money.Money     `json:"total_balance"` // derived, see Aggregator
	CreatedDate         Date            `json:"created_date"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Validate checks the contact fields and fills defaults.
func (c *Customer) Validate() error {
	if c.Name == "" {
		return invalid("name", "is required")
	}
	if c.InterestRatePercent.IsNegative() {
		return invalid("interest_rate_percent", "must not be negative")
	}
	if c.ReminderDays <= 0 {
		c.ReminderDays = 1
	}
	switch c.Status {
	case "":
		c.Status = CustomerNormal
	case CustomerNormal, CustomerOverdue, CustomerBadDebt:
	default:
		return invalid("status", "unknown status %q", c.Status)
	}
	return nil
}

// =============================================================================
// ACCRUAL JOURNAL
// =============================================================================

// Accrual records one applied accrual. (LoanID, Period) is unique.
type Accrual struct {
	ID           string        `json:"id"`
	LoanID       string        `json:"loan_id"`
	CustomerID   string        `json:"customer_id"`
	Period       MonthKey      `json:"period"`
	Amount       money.Money   `json:"amount"`
	Policy       AccrualPolicy `json:"policy"`
	AccruedOn    Date          `json:"accrued_on"`
	BalanceAfter money.Money   `json:"balance_after"`
	CreatedAt    time.Time     `json:"created_at"`
}

// =============================================================================
// ACCRUAL RUN - Audit record of one sweep
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type AccrualRun struct {
	ID            string      `json:"id"`
	AsOf          Date        `json:"as_of"`
	Status        RunStatus   `json:"status"`
	Eligible      int         `json:"eligible"`
	Accrued       int         `json:"accrued"`
	Skipped       int         `json:"skipped"`
	Failed        int         `json:"failed"`
	TotalInterest money.Money `json:"total_interest"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// =============================================================================
// OUTBOX TASK - Derived update queued with the authoritative write
// =============================================================================

type TaskKind string

const (
	TaskApplySummary    TaskKind = "apply_summary"
	TaskRefreshCustomer TaskKind = "refresh_customer"
)

type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	PaymentID   string     `json:"payment_id,omitempty"`
	CustomerID  string     `json:"customer_id,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
