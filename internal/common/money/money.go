package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	DZD Currency = "DZD"
	MAD Currency = "MAD"
	TND Currency = "TND"
	KWD Currency = "KWD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€"},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£"},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥"},
	DZD: {Code: DZD, MinorUnits: 2, Symbol: "DA"},
	MAD: {Code: MAD, MinorUnits: 2, Symbol: "DH"},
	TND: {Code: TND, MinorUnits: 3, Symbol: "DT"},
	KWD: {Code: KWD, MinorUnits: 3, Symbol: "KD"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[Normalize(string(c))]
	return info, ok
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

// Equal compares two codes case-insensitively.
func (c Currency) Equal(other Currency) bool {
	return Normalize(string(c)) == Normalize(string(other))
}

// IsZero reports whether no code is set.
func (c Currency) IsZero() bool {
	return strings.TrimSpace(string(c)) == ""
}

func (c Currency) String() string {
	return string(c)
}

// MinorUnits returns the number of decimal places for a currency.
// Unknown currencies default to 2.
func MinorUnits(c Currency) int32 {
	if info, ok := GetCurrencyInfo(c); ok {
		return info.MinorUnits
	}
	return 2
}

// ToMinor converts a major-unit amount into the integer minor units gateways
// expect. Amounts with more precision than the currency allows are rejected
// rather than rounded.
func ToMinor(amount decimal.Decimal, c Currency) (int64, error) {
	scaled := amount.Shift(MinorUnits(c))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", amount, MinorUnits(c), c)
	}
	return scaled.IntPart(), nil
}

// FromMinor converts integer minor units back to a major-unit decimal.
func FromMinor(minor int64, c Currency) decimal.Decimal {
	return decimal.New(minor, -MinorUnits(c))
}

// Format renders an amount with the currency's precision and code.
func Format(amount decimal.Decimal, c Currency) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(MinorUnits(c)), Normalize(string(c)))
}
