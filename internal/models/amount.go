package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the number of decimal places kept for monetary values.
const AmountPlaces = 2

var (
	ErrEmptyAmount   = errors.New("amount is empty")
	ErrInvalidAmount = errors.New("amount is not a valid number")
	ErrNonPositive   = errors.New("amount must be greater than zero")
)

// amountTokenRegex finds the first number-looking token inside free text,
// e.g. "gastei R$ 1.234,56 no mercado".
var amountTokenRegex = regexp.MustCompile(`\d[\d.,]*`)

// ParseAmount parses a user supplied amount. Both the Brazilian form
// ("1.234,56", "180,50") and the dotted form ("1234.56") are accepted.
// A single dot followed by exactly three digits ("1.234") is read as a
// thousands separator. The result is rounded to two places and must be > 0.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.ToUpper(s), "R$")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return decimal.Zero, ErrEmptyAmount
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrNonPositive
	}

	normalized, err := normalizeDecimalSeparators(s)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	d = d.Round(AmountPlaces)
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositive
	}
	return d, nil
}

// FindAmount extracts the first amount found in free text. It returns the
// parsed value and the matched token so callers can strip it from the text.
func FindAmount(text string) (decimal.Decimal, string, bool) {
	for _, tok := range amountTokenRegex.FindAllString(text, -1) {
		tok = strings.TrimRight(tok, ".,")
		if tok == "" {
			continue
		}
		d, err := ParseAmount(tok)
		if err == nil {
			return d, tok, true
		}
	}
	return decimal.Zero, "", false
}

func normalizeDecimalSeparators(s string) (string, error) {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return "", fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		// whichever separator comes last is the decimal one
		if lastComma > lastDot {
			return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1), nil
		}
		return strings.ReplaceAll(s, ",", ""), nil
	case commas == 1:
		return strings.Replace(s, ",", ".", 1), nil
	case commas > 1:
		return strings.ReplaceAll(s, ",", ""), nil
	case dots > 1:
		return strings.ReplaceAll(s, ".", ""), nil
	case dots == 1 && len(s)-lastDot-1 == 3:
		return strings.Replace(s, ".", "", 1), nil
	}
	return s, nil
}
