package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/models"
)

// ErrInvalidTerms marks financing terms rejected before any computation.
var ErrInvalidTerms = errors.New("invalid financing terms")

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// Generate computes a flat-rate amortization schedule from financing terms.
//
// The model is flat-rate, not reducing-balance:
//
//	financedAmount = (financeAmount or productPrice) - downPayment
//	totalInterest  = financedAmount * (rate / 100) * (tenure / 12)
//	totalPayable   = financedAmount + totalInterest
//	emiAmount      = totalPayable / tenure, rounded to 2 dp
//
// Rounding remainders for both the EMI and the principal split are absorbed
// by the last installment, so the schedule sums to totalPayable exactly and
// the last entry's outstanding balance is exactly zero.
//
// Generate is pure; the preview endpoint and plan creation both call it so
// a previewed schedule and the committed one can never diverge.
func Generate(terms models.PlanTerms) (*models.ScheduleQuote, error) {
	if terms.Tenure < 1 {
		return nil, fmt.Errorf("%w: tenure must be at least 1 month, got %d", ErrInvalidTerms, terms.Tenure)
	}
	if terms.ProductPrice.IsNegative() || terms.ProductPrice.IsZero() {
		return nil, fmt.Errorf("%w: product price must be positive", ErrInvalidTerms)
	}
	if terms.DownPayment.IsNegative() {
		return nil, fmt.Errorf("%w: down payment cannot be negative", ErrInvalidTerms)
	}
	if terms.InterestRate.IsNegative() {
		return nil, fmt.Errorf("%w: interest rate cannot be negative", ErrInvalidTerms)
	}

	base := terms.ProductPrice
	if terms.FinanceAmount != nil {
		if terms.FinanceAmount.IsNegative() || terms.FinanceAmount.IsZero() {
			return nil, fmt.Errorf("%w: finance amount must be positive", ErrInvalidTerms)
		}
		base = *terms.FinanceAmount
	}
	if terms.DownPayment.GreaterThan(base) {
		return nil, fmt.Errorf("%w: down payment %s exceeds financed base %s",
			ErrInvalidTerms, terms.DownPayment.StringFixed(2), base.StringFixed(2))
	}

	tenure := decimal.NewFromInt(int64(terms.Tenure))
	financed := base.Sub(terms.DownPayment)
	totalInterest := financed.Mul(terms.InterestRate).Div(hundred).Mul(tenure).Div(monthsInYear).Round(2)
	totalPayable := financed.Add(totalInterest)

	emi := totalPayable.Div(tenure).Round(2)
	principalPer := financed.Div(tenure).Round(2)

	n := terms.Tenure
	entries := make([]*models.RepaymentEntry, 0, n)
	for i := 1; i <= n; i++ {
		entryEMI := emi
		entryPrincipal := principalPer
		entryBalance := financed.Sub(principalPer.Mul(decimal.NewFromInt(int64(i))))
		if i == n {
			// Last installment absorbs the rounding remainders.
			paidSoFar := emi.Mul(decimal.NewFromInt(int64(n - 1)))
			entryEMI = totalPayable.Sub(paidSoFar)
			entryPrincipal = financed.Sub(principalPer.Mul(decimal.NewFromInt(int64(n - 1))))
			entryBalance = decimal.Zero
		}

		entries = append(entries, &models.RepaymentEntry{
			InstallmentNo:      i,
			DueDate:            addMonthsClamped(terms.StartDate, i),
			EMIAmount:          entryEMI,
			Principal:          entryPrincipal,
			Interest:           entryEMI.Sub(entryPrincipal),
			Balance:            entryBalance,
			ActualPaidAmount:   decimal.Zero,
			MiscAdjustedAmount: decimal.Zero,
			Status:             models.EntryStatusUpcoming,
		})
	}

	return &models.ScheduleQuote{
		ProductPrice:   terms.ProductPrice,
		FinanceAmount:  base,
		FinancedAmount: financed,
		DownPayment:    terms.DownPayment,
		InterestRate:   terms.InterestRate,
		Tenure:         terms.Tenure,
		EMIAmount:      emi,
		TotalPayable:   totalPayable,
		TotalInterest:  totalInterest,
		Schedule:       entries,
	}, nil
}

// addMonthsClamped adds calendar months, clamping the day-of-month to the
// target month's length instead of letting it normalize into the next month
// (Jan 31 + 1 month is Feb 28/29, not Mar 2/3 as with time.AddDate).
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	hour, min, sec := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}
