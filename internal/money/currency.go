// Package money holds the currency registry and the minor-unit codec.
// All monetary values cross package boundaries either as exact decimal
// strings or as *big.Int minor-unit amounts; floats never appear.
package money

import (
	"sort"

	"quotedesk/internal/apperr"
)

// currencyScale maps a currency code to its number of minor-unit
// decimal digits. Immutable process-wide configuration.
var currencyScale = map[string]int32{
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"EUR":  2,
	"USD":  2,
}

// ScaleFor returns the configured decimal scale for a currency.
func ScaleFor(currency string) (int32, error) {
	s, ok := currencyScale[currency]
	if !ok {
		return 0, apperr.Newf(apperr.CodeUnknownCurrency, "no scale configured for currency %s", currency)
	}
	return s, nil
}

// IsKnown reports whether the currency is registered.
func IsKnown(currency string) bool {
	_, ok := currencyScale[currency]
	return ok
}

// Currencies returns all registered currency codes in lexicographic
// order. Clients are provisioned with a zero balance row for each of
// these at creation time.
func Currencies() []string {
	out := make([]string, 0, len(currencyScale))
	for c := range currencyScale {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
