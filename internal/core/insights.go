package core

import (
	"fmt"
	"time"
)

// TxCard is a transaction rendered for display.
type TxCard struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        TxType    `json:"type"`
	Label       string    `json:"label"`
	CreatedAt   time.Time `json:"created_at"`
}

// Insights is the formatted dashboard header derived from a Summary.
type Insights struct {
	Income      string  `json:"income"`
	Expense     string  `json:"expense"`
	Balance     string  `json:"balance"`
	Ratio       string  `json:"ratio"`
	Band        Band    `json:"band"`
	Message     string  `json:"message"`
	BarFraction float64 `json:"bar_fraction"`
	Latest      *TxCard `json:"latest,omitempty"`
	Largest     *TxCard `json:"largest,omitempty"`
	// Negative is true when the balance is below zero; Balance itself is
	// always rendered as an absolute value.
	Negative bool `json:"negative"`
}

// NewInsights formats s with the given currency symbol.
func NewInsights(symbol string, s Summary) Insights {
	in := Insights{
		Income:      FormatCurrency(symbol, s.IncomeTotal),
		Expense:     FormatCurrency(symbol, s.ExpenseTotal),
		Balance:     FormatCurrency(symbol, s.Balance),
		Negative:    s.Balance.IsNegative(),
		Ratio:       fmt.Sprintf("%.1f%%", s.Ratio),
		Band:        s.Band,
		Message:     s.Band.Message(),
		BarFraction: s.BarFraction,
	}
	if s.Latest != nil {
		in.Latest = card(symbol, *s.Latest)
	}
	if s.ShowLargest() {
		in.Largest = card(symbol, *s.Largest)
	}
	return in
}

// Cards renders every transaction in list order.
func Cards(symbol string, txs []Transaction) []TxCard {
	out := make([]TxCard, 0, len(txs))
	for _, tx := range txs {
		out = append(out, *card(symbol, tx))
	}
	return out
}

func card(symbol string, tx Transaction) *TxCard {
	return &TxCard{
		ID:          tx.ID,
		Description: tx.Description,
		Type:        tx.Type,
		Label:       SignedLabel(symbol, tx),
		CreatedAt:   tx.CreatedAt,
	}
}
