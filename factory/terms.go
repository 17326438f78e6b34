/*
Package factory provides JSON to Go loan-terms conversion.

PURPOSE:
  Converts JSON loan definitions into ledger.LoanTerms. The accrual strategy
  (flat amount or compounding rate) is configured per loan in JSON, so the
  API, demo scenarios and imports all build loans the same way.

JSON SCHEMA:
  {
    "customer_id": "CUST-...",
    "principal": "5000",
    "start_date": "2025-01-10",
    "accrual": {
      "type": "flat",
      "monthly_amount": "150"
    }
  }

  accrual.type:
    flat         monthly_amount, or rate_percent of the principal, or the
                 customer's rate when neither is given
    compounding  rate_percent (or the customer's rate) applied to the
                 current balance every period

KEY FEATURES:
  - Missing accrual block means flat at the customer's rate
  - Amounts accept JSON numbers or strings
  - Errors are *ledger.ValidationError, so the API answers 400

USAGE:
  f := factory.NewTermsFactory()
  terms, err := f.ParseTerms(body, customer.InterestRatePercent)
  loan, err := l.CreateLoan(ctx, terms)

SEE ALSO:
  - ledger/loan.go: LoanTerms and the accrual policies
  - api/scenarios.go: demo portfolios built from these presets
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// LoanTermsJSON is the JSON representation of a new loan.
type LoanTermsJSON struct {
	CustomerID string       `json:"customer_id"`
	Principal  money.Money  `json:"principal"`
	StartDate  string       `json:"start_date"` // YYYY-MM-DD
	Accrual    *AccrualJSON `json:"accrual,omitempty"`
}

// AccrualJSON represents the accrual strategy of a loan.
type AccrualJSON struct {
	Type          string           `json:"type"` // flat, compounding
	MonthlyAmount *money.Money     `json:"monthly_amount,omitempty"`
	RatePercent   *decimal.Decimal `json:"rate_percent,omitempty"`
}

// =============================================================================
// TERMS FACTORY
// =============================================================================

// TermsFactory converts JSON loan definitions to ledger.LoanTerms.
type TermsFactory struct{}

// NewTermsFactory creates a new terms factory.
func NewTermsFactory() *TermsFactory {
	return &TermsFactory{}
}

// ParseTerms parses JSON into LoanTerms. customerRate is the fallback
// percent per month when the accrual block names neither amount nor rate.
func (f *TermsFactory) ParseTerms(data []byte, customerRate decimal.Decimal) (ledger.LoanTerms, error) {
	var tj LoanTermsJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return ledger.LoanTerms{}, &ledger.ValidationError{Message: fmt.Sprintf("malformed loan terms: %v", err)}
	}
	return f.FromJSON(tj, customerRate)
}

// FromJSON converts LoanTermsJSON to ledger.LoanTerms.
func (f *TermsFactory) FromJSON(tj LoanTermsJSON, customerRate decimal.Decimal) (ledger.LoanTerms, error) {
	terms := ledger.LoanTerms{
		CustomerID: tj.CustomerID,
		Principal:  tj.Principal,
	}

	if tj.StartDate != "" {
		start, err := ledger.ParseDate(tj.StartDate)
		if err != nil {
			return ledger.LoanTerms{}, &ledger.ValidationError{Field: "start_date", Message: err.Error()}
		}
		terms.StartDate = start
	}

	accrual := AccrualJSON{Type: string(ledger.PolicyFlat)}
	if tj.Accrual != nil {
		accrual = *tj.Accrual
	}

	rate := customerRate
	if accrual.RatePercent != nil {
		rate = *accrual.RatePercent
	}
	if rate.IsNegative() {
		return ledger.LoanTerms{}, &ledger.ValidationError{Field: "accrual.rate_percent", Message: "must not be negative"}
	}

	switch parsePolicy(accrual.Type) {
	case ledger.PolicyFlat:
		terms.Policy = ledger.PolicyFlat
		if accrual.MonthlyAmount != nil {
			terms.MonthlyInterestAmount = *accrual.MonthlyAmount
		} else {
			terms.MonthlyInterestAmount = FlatAmount(tj.Principal, rate)
		}

	case ledger.PolicyCompounding:
		if !rate.IsPositive() {
			return ledger.LoanTerms{}, &ledger.ValidationError{
				Field:   "accrual.rate_percent",
				Message: "compounding loans need a positive rate",
			}
		}
		terms.Policy = ledger.PolicyCompounding
		terms.InterestRatePercent = rate

	default:
		return ledger.LoanTerms{}, &ledger.ValidationError{
			Field:   "accrual.type",
			Message: fmt.Sprintf("unknown accrual type: %s", accrual.Type),
		}
	}

	return terms, nil
}

// ToJSON converts a loan back to the JSON it could have been created from.
func (f *TermsFactory) ToJSON(loan *ledger.LoanAccount) LoanTermsJSON {
	tj := LoanTermsJSON{
		CustomerID: loan.CustomerID,
		Principal:  loan.OriginalPrincipal,
		StartDate:  loan.StartDate.String(),
	}

	switch loan.AccrualPolicy {
	case ledger.PolicyCompounding:
		rate := loan.InterestRatePercent
		tj.Accrual = &AccrualJSON{Type: string(ledger.PolicyCompounding), RatePercent: &rate}
	default:
		amount := loan.MonthlyInterestAmount
		tj.Accrual = &AccrualJSON{Type: string(ledger.PolicyFlat), MonthlyAmount: &amount}
	}
	return tj
}

// FlatAmount is ratePercent of principal, rounded to cents.
func FlatAmount(principal money.Money, ratePercent decimal.Decimal) money.Money {
	return principal.Mul(ratePercent.Div(decimal.NewFromInt(100))).Round(money.Places)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePolicy(s string) ledger.AccrualPolicy {
	switch s {
	case "", "flat", "fixed":
		return ledger.PolicyFlat
	case "compounding", "compound":
		return ledger.PolicyCompounding
	default:
		return ledger.AccrualPolicy(s)
	}
}

// =============================================================================
// PRESETS
// =============================================================================

// FlatTermsJSON returns the JSON for a flat-interest loan.
func FlatTermsJSON(customerID, principal, monthlyAmount, startDate string) string {
	return fmt.Sprintf(`{
		"customer_id": %q,
		"principal": %q,
		"start_date": %q,
		"accrual": {"type": "flat", "monthly_amount": %q}
	}`, customerID, principal, startDate, monthlyAmount)
}

// CompoundingTermsJSON returns the JSON for a loan compounding at
// ratePercent per month.
func CompoundingTermsJSON(customerID, principal, ratePercent, startDate string) string {
	return fmt.Sprintf(`{
		"customer_id": %q,
		"principal": %q,
		"start_date": %q,
		"accrual": {"type": "compounding", "rate_percent": %q}
	}`, customerID, principal, startDate, ratePercent)
}
