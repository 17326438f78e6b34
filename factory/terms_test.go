package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

func TestParseTerms_FlatPreset(t *testing.T) {
	f := factory.NewTermsFactory()

	terms, err := f.ParseTerms([]byte(factory.FlatTermsJSON("CUST-1", "5000", "150", "2025-01-10")), decimal.Zero)

	require.NoError(t, err)
	assert.Equal(t, "CUST-1", terms.CustomerID)
	assert.Equal(t, "5000.00", terms.Principal.String())
	assert.Equal(t, "150.00", terms.MonthlyInterestAmount.String())
	assert.Equal(t, ledger.PolicyFlat, terms.Policy)
	assert.True(t, terms.StartDate.Equal(ledger.NewDate(2025, time.January, 10)))
}

func TestParseTerms_FlatFromCustomerRate(t *testing.T) {
	// GIVEN: Terms without an accrual block and a customer at 3% per month
	// WHEN: The terms are parsed
	// THEN: The loan is flat at 3% of the principal
	f := factory.NewTermsFactory()
	body := `{"customer_id": "CUST-1", "principal": 2500.50, "start_date": "2025-02-01"}`

	terms, err := f.ParseTerms([]byte(body), decimal.RequireFromString("3"))

	require.NoError(t, err)
	assert.Equal(t, ledger.PolicyFlat, terms.Policy)
	assert.Equal(t, "75.02", terms.MonthlyInterestAmount.String())
}

func TestParseTerms_Compounding(t *testing.T) {
	f := factory.NewTermsFactory()

	terms, err := f.ParseTerms([]byte(factory.CompoundingTermsJSON("CUST-1", "1000", "1.5", "2025-01-01")), decimal.Zero)

	require.NoError(t, err)
	assert.Equal(t, ledger.PolicyCompounding, terms.Policy)
	assert.Equal(t, "1.5", terms.InterestRatePercent.String())
	assert.True(t, terms.MonthlyInterestAmount.IsZero())
}

func TestParseTerms_Rejects(t *testing.T) {
	f := factory.NewTermsFactory()
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"principal": `, ""},
		{"bad date", `{"customer_id": "C", "principal": "1", "start_date": "10/01/2025"}`, "start_date"},
		{"unknown type", `{"customer_id": "C", "principal": "1", "accrual": {"type": "daily"}}`, "accrual.type"},
		{"compounding without rate", `{"customer_id": "C", "principal": "1", "accrual": {"type": "compounding"}}`, "accrual.rate_percent"},
		{"negative rate", `{"customer_id": "C", "principal": "1", "accrual": {"rate_percent": "-1"}}`, "accrual.rate_percent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTerms([]byte(tt.body), decimal.Zero)

			require.Error(t, err)
			assert.True(t, ledger.IsClientError(err))
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewTermsFactory()
	loan, err := ledger.NewLoan("LOAN-1", ledger.LoanTerms{
		CustomerID:            "CUST-1",
		Principal:             money.MustParse("800"),
		MonthlyInterestAmount: money.MustParse("24"),
		StartDate:             ledger.NewDate(2025, time.March, 3),
	}, time.Now())
	require.NoError(t, err)

	terms, err := f.FromJSON(f.ToJSON(loan), decimal.Zero)

	require.NoError(t, err)
	assert.Equal(t, "800.00", terms.Principal.String())
	assert.Equal(t, "24.00", terms.MonthlyInterestAmount.String())
	assert.Equal(t, "2025-03-03", terms.StartDate.String())
}
