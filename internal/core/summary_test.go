package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id string, typ TxType, amount Amount, age time.Duration) Transaction {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Transaction{ID: id, OwnerID: "u1", Description: id, Amount: amount, Type: typ, CreatedAt: base.Add(-age)}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)

	assert.True(t, s.IncomeTotal.IsZero())
	assert.True(t, s.ExpenseTotal.IsZero())
	assert.True(t, s.Balance.IsZero())
	assert.Nil(t, s.Latest)
	assert.Nil(t, s.Largest)
	assert.Zero(t, s.Ratio)
	assert.Equal(t, BandHealthy, s.Band)
	assert.False(t, s.ShowLargest())
}

func TestSummarizeIncomeAndExpense(t *testing.T) {
	s := Summarize([]Transaction{
		tx("salary", Income, "500", 0),
		tx("rent", Expense, "200", time.Hour),
	})

	assert.True(t, s.IncomeTotal.Equal(dec("500")))
	assert.True(t, s.ExpenseTotal.Equal(dec("200")))
	assert.True(t, s.Balance.Equal(dec("300")))
	assert.InDelta(t, 40.0, s.Ratio, 1e-9)
	assert.Equal(t, BandHealthy, s.Band)
	require.NotNil(t, s.Latest)
	assert.Equal(t, "salary", s.Latest.ID)
	require.NotNil(t, s.Largest)
	assert.Equal(t, "salary", s.Largest.ID)
}

func TestSummarizeBalanceInvariant(t *testing.T) {
	lists := [][]Transaction{
		{},
		{tx("a", Income, "10.5", 0)},
		{tx("a", Expense, "3", 0), tx("b", Expense, "-7", 1)},
		{tx("a", Income, "1,5", 0), tx("b", "weird", "2", 1), tx("c", Income, "x", 2)},
	}
	for i, l := range lists {
		s := Summarize(l)
		assert.Truef(t, s.Balance.Equal(s.IncomeTotal.Sub(s.ExpenseTotal)), "list %d", i)
	}
}

func TestSummarizeLargestTieKeepsEarlier(t *testing.T) {
	s := Summarize([]Transaction{
		tx("small", Income, "10", 0),
		tx("newer", Expense, "1000", time.Minute),
		tx("older", Income, "-1000", time.Hour),
	})

	require.NotNil(t, s.Largest)
	assert.Equal(t, "newer", s.Largest.ID)
}

func TestSummarizeNonNumericContributesZero(t *testing.T) {
	var s Summary
	assert.NotPanics(t, func() {
		s = Summarize([]Transaction{
			tx("bad", Income, "abc", 0),
			tx("good", Income, "25", time.Minute),
			tx("blank", Expense, "", time.Hour),
		})
	})

	assert.True(t, s.IncomeTotal.Equal(dec("25")))
	assert.True(t, s.ExpenseTotal.IsZero())
	assert.Equal(t, "good", s.Largest.ID)
}

func TestSummarizeMalformedTypeCountsAsExpense(t *testing.T) {
	s := Summarize([]Transaction{tx("odd", "Income ", "30", 0)})

	assert.True(t, s.IncomeTotal.IsZero())
	assert.True(t, s.ExpenseTotal.Equal(dec("30")))
}

func TestSummarizeIsPure(t *testing.T) {
	list := []Transaction{
		tx("a", Income, "120", 0),
		tx("b", Expense, "80", time.Minute),
	}
	first := Summarize(list)
	second := Summarize(list)

	assert.True(t, first.IncomeTotal.Equal(second.IncomeTotal))
	assert.True(t, first.ExpenseTotal.Equal(second.ExpenseTotal))
	assert.True(t, first.Balance.Equal(second.Balance))
	assert.Equal(t, first.Latest, second.Latest)
	assert.Equal(t, first.Largest, second.Largest)
	assert.Equal(t, first.Ratio, second.Ratio)
	assert.Equal(t, "a", list[0].ID)
}

func TestRatioBands(t *testing.T) {
	cases := []struct {
		income, expense string
		band            Band
		bar             float64
	}{
		{"0", "500", BandHealthy, 0},
		{"100", "49.9", BandHealthy, 49.9},
		{"100", "50", BandCautionary, 50},
		{"100", "79.99", BandCautionary, 79.99},
		{"100", "80", BandWarning, 80},
		{"100", "250", BandWarning, 100},
	}
	for _, tc := range cases {
		list := []Transaction{tx("i", Income, Amount(tc.income), 0), tx("e", Expense, Amount(tc.expense), time.Minute)}
		s := Summarize(list)
		assert.Equalf(t, tc.band, s.Band, "income=%s expense=%s", tc.income, tc.expense)
		assert.InDeltaf(t, tc.bar, s.BarFraction, 1e-9, "income=%s expense=%s", tc.income, tc.expense)
	}
}

func TestBandMessages(t *testing.T) {
	assert.Equal(t, "Excellent Spending Control!", BandHealthy.Message())
	assert.Equal(t, "Spending is Healthy.", BandCautionary.Message())
	assert.Equal(t, "Warning: High Spending Ratio!", BandWarning.Message())
}

func TestShowLargestHidesZero(t *testing.T) {
	s := Summarize([]Transaction{tx("z", Expense, "abc", 0)})
	require.NotNil(t, s.Largest)
	assert.False(t, s.ShowLargest())
}
