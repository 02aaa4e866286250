// Package core provides money parsing and handling utilities.
//
// This file contains the Amount type, which keeps the value exactly as it
// was stored and only interprets it as a decimal when asked to.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a stored amount in its textual form. Records written by other
// clients may hold anything here, so reading never fails.
type Amount string

// ParseAmount normalises user input into an Amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and an
// optional sign. The sign is kept as entered; the transaction type carries
// the income/expense meaning. Zero and non-numeric input are rejected.
//
// Examples:
//
//	ParseAmount("12.34")  -> "12.34", nil
//	ParseAmount("12,50")  -> "12.5", nil
//	ParseAmount("0")      -> "", ErrInvalidAmount
//	ParseAmount("abc")    -> "", ErrInvalidAmount
func ParseAmount(s string) (Amount, error) {
	d, err := parseDecimal(s)
	if err != nil || d.IsZero() {
		return "", ErrInvalidAmount
	}
	return Amount(d.String()), nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Decimal returns the numeric value, or zero when the stored text is
// missing or not a number as a whole. A numeric prefix such as the "1"
// of "1,234.50" is not read.
func (a Amount) Decimal() decimal.Decimal {
	d, err := parseDecimal(string(a))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Validate reports whether the amount is present and not zero-equivalent.
func (a Amount) Validate() error {
	_, err := ParseAmount(string(a))
	return err
}

// FormatCurrency renders the absolute value with two decimals and
// thousands separators, e.g. "Rs. 1,234.50".
func FormatCurrency(symbol string, d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "." + frac
	if symbol == "" {
		return out
	}
	return symbol + " " + out
}

// SignedLabel prefixes the formatted amount with "+ " for income and "- "
// for everything else.
func SignedLabel(symbol string, tx Transaction) string {
	prefix := "- "
	if tx.Type.IsIncome() {
		prefix = "+ "
	}
	return prefix + FormatCurrency(symbol, tx.Amount.Decimal())
}
