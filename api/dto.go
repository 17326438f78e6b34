/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication that are not domain
  records. Loans, payments, accruals, summaries and runs already carry JSON
  tags and are returned as-is; the types here cover request bodies and the
  responses that combine several records.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Composite response types

TYPES:
  Customer:
    CustomerRequest, CustomerDetailDTO

  Loan:
    LoanDetailDTO (wraps factory.LoanTermsJSON)

  Payment:
    PaymentRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/terms.go: LoanTermsJSON type
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerRequest is the body of customer create and update.
type CustomerRequest struct {
	Name                string          `json:"name"`
	Phone               string          `json:"phone"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	AppointmentDate     string          `json:"appointment_date,omitempty"` // YYYY-MM-DD
	ReminderDays        int             `json:"reminder_days,omitempty"`
	Status              string          `json:"status,omitempty"`
	CreatedDate         string          `json:"created_date,omitempty"`
}

// CustomerDetailDTO is a customer with its loans.
type CustomerDetailDTO struct {
	*ledger.Customer
	Loans []*ledger.LoanAccount `json:"loans"`
}

// =============================================================================
// LOANS & PAYMENTS
// =============================================================================

// LoanDetailDTO is a loan with the terms it can be recreated from.
type LoanDetailDTO struct {
	*ledger.LoanAccount
	Terms factory.LoanTermsJSON `json:"terms"`
}

// PaymentRequest is the body of POST /api/loans/{id}/payments.
//
// Mode "waterfall" (default) uses PayAmount; mode "split" uses
// InterestPaid and PrincipalPaid.
type PaymentRequest struct {
	Mode          string      `json:"mode"`
	PayAmount     money.Money `json:"pay_amount"`
	InterestPaid  money.Money `json:"interest_paid"`
	PrincipalPaid money.Money `json:"principal_paid"`
	PaymentDate   string      `json:"payment_date,omitempty"` // YYYY-MM-DD, default today
	Note          string      `json:"note,omitempty"`
	SlipURL       string      `json:"slip_url,omitempty"`
}

// AccrueResponse reports a single-loan accrual.
type AccrueResponse struct {
	Accrued bool            `json:"accrued"`
	Accrual *ledger.Accrual `json:"accrual,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo portfolio.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
