package core

import "github.com/shopspring/decimal"

// Spending ratio bands.
const (
	BandHealthy    Band = "healthy"
	BandCautionary Band = "cautionary"
	BandWarning    Band = "warning"
)

// Band classifies a spending ratio.
type Band string

// Summary is derived from the full current list and never persisted.
type Summary struct {
	IncomeTotal  decimal.Decimal `json:"income_total"`
	ExpenseTotal decimal.Decimal `json:"expense_total"`
	Balance      decimal.Decimal `json:"balance"`

	// Latest is the first element of the list, nil when empty.
	Latest *Transaction `json:"latest,omitempty"`
	// Largest has the greatest absolute amount; the earlier element wins ties.
	Largest *Transaction `json:"largest,omitempty"`

	Ratio       float64 `json:"ratio"`
	Band        Band    `json:"band"`
	BarFraction float64 `json:"bar_fraction"`
}

var hundred = decimal.NewFromInt(100)

// Summarize recomputes every aggregate from txs. It never fails: amounts
// that are missing or not numbers contribute zero.
func Summarize(txs []Transaction) Summary {
	income := decimal.Zero
	expense := decimal.Zero

	var largest *Transaction
	largestAbs := decimal.Zero

	for i := range txs {
		amount := txs[i].Amount.Decimal()
		// Anything that is not the income tag lands in expense, including
		// malformed types.
		if txs[i].Type.IsIncome() {
			income = income.Add(amount)
		} else {
			expense = expense.Add(amount)
		}

		abs := amount.Abs()
		if largest == nil || abs.GreaterThan(largestAbs) {
			t := txs[i]
			largest = &t
			largestAbs = abs
		}
	}

	s := Summary{
		IncomeTotal:  income,
		ExpenseTotal: expense,
		Balance:      income.Sub(expense),
		Largest:      largest,
	}
	if len(txs) > 0 {
		latest := txs[0]
		s.Latest = &latest
	}

	s.Ratio = SpendingRatio(income, expense)
	s.Band = Classify(s.Ratio)
	s.BarFraction = min(s.Ratio, 100)
	return s
}

// SpendingRatio is expense/income as a percentage, or 0 without income.
func SpendingRatio(income, expense decimal.Decimal) float64 {
	if !income.IsPositive() {
		return 0
	}
	return expense.Div(income).Mul(hundred).InexactFloat64()
}

func Classify(ratio float64) Band {
	switch {
	case ratio < 50:
		return BandHealthy
	case ratio < 80:
		return BandCautionary
	default:
		return BandWarning
	}
}

// Message is the gauge caption shown under the ratio.
func (b Band) Message() string {
	switch b {
	case BandHealthy:
		return "Excellent Spending Control!"
	case BandCautionary:
		return "Spending is Healthy."
	default:
		return "Warning: High Spending Ratio!"
	}
}

// ShowLargest mirrors the dashboard rule of hiding a largest pick whose
// amount is zero.
func (s Summary) ShowLargest() bool {
	return s.Largest != nil && !s.Largest.Amount.Decimal().IsZero()
}
