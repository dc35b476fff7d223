// Package core provides money parsing and handling utilities.
//
// Amounts are decimal magnitudes. The direction of a transaction is carried
// by its IsIncome flag, never by the sign of the amount.
package core

import (
	"strings"

	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
)

// ParseAmount converts user input to a non-negative decimal.
//
// Both dot (12.34) and comma (12,34) decimal separators are accepted. Signs,
// grouping separators and exponents are rejected.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,5")  -> 12.5, nil
//	ParseAmount("-1")    -> error
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, apperror.Validation("amount", "amount cannot be empty")
	}
	s = strings.ReplaceAll(s, ",", ".")
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return decimal.Zero, apperror.Validation("amount", "invalid amount "+s)
		}
	}
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, apperror.Validation("amount", "invalid amount "+s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperror.Validation("amount", "invalid amount "+s)
	}
	return d, nil
}

// ValidateAmount rejects negative magnitudes.
func ValidateAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return apperror.Validation("amount", "amount must not be negative")
	}
	return nil
}

// FormatAmount renders d with two fraction digits.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
