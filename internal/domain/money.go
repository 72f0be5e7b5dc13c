package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 alphabetic code. All monetary amounts in the
// system are stored as int64 minor units (cents for exponent-2 currencies);
// Currency carries the exponent needed to render them.
type Currency string

// currencyExponents lists the ISO 4217 currencies whose minor unit is not
// the default two decimal places.
var currencyExponents = map[Currency]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// Exponent returns the number of minor-unit digits for the currency.
func (c Currency) Exponent() int32 {
	if exp, ok := currencyExponents[c]; ok {
		return exp
	}
	return 2
}

// Valid reports whether the code is three uppercase ASCII letters.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// NormalizeCurrency uppercases a currency code and validates it.
func NormalizeCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !c.Valid() {
		return "", NewValidationError("normalize_currency", fmt.Sprintf("invalid currency code %q", code))
	}
	return c, nil
}

// MinorToDecimal converts an amount in minor units to its decimal
// representation, e.g. 9900 USD -> 99.00.
func MinorToDecimal(amount int64, c Currency) decimal.Decimal {
	return decimal.New(amount, -c.Exponent())
}

// DecimalToMinor converts a decimal amount to minor units. It fails when the
// value carries more precision than the currency allows.
func DecimalToMinor(d decimal.Decimal, c Currency) (int64, error) {
	scaled := d.Shift(c.Exponent())
	if !scaled.IsInteger() {
		return 0, NewValidationError("decimal_to_minor",
			fmt.Sprintf("amount %s has sub-minor-unit precision for %s", d.String(), c))
	}
	if !scaled.BigInt().IsInt64() {
		return 0, NewValidationError("decimal_to_minor", "amount out of range")
	}
	return scaled.IntPart(), nil
}

// FormatMinor renders a minor-unit amount as a human-readable decimal string
// with the currency code appended, e.g. "99.00 USD".
func FormatMinor(amount int64, c Currency) string {
	return MinorToDecimal(amount, c).StringFixed(c.Exponent()) + " " + string(c)
}
