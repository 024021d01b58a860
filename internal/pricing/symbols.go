package pricing

import (
	"sort"
	"strings"

	"quotedesk/internal/apperr"
)

// Pair is the base/quote currency split of a tradable symbol.
type Pair struct {
	BaseCurrency  string
	QuoteCurrency string
}

// supportedSymbols is the trading allowlist. The mapping is hardcoded
// rather than parsed out of the symbol string: simple and reliable for
// an allowlist this size.
var supportedSymbols = map[string]Pair{
	"BTCUSDT": {BaseCurrency: "BTC", QuoteCurrency: "USDT"},
	"ETHUSDT": {BaseCurrency: "ETH", QuoteCurrency: "USDT"},
	"EURUSDT": {BaseCurrency: "EUR", QuoteCurrency: "USDT"},
}

// NormalizeSymbol upper-cases a raw client symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ParseSymbol resolves a symbol into its currency pair, failing with
// UNSUPPORTED_SYMBOL for anything outside the allowlist.
func ParseSymbol(symbol string) (Pair, error) {
	p, ok := supportedSymbols[symbol]
	if !ok {
		return Pair{}, apperr.Newf(apperr.CodeUnsupportedSymbol, "unsupported symbol %s", symbol).
			WithDetails(map[string]any{"supported": SupportedSymbols()})
	}
	return p, nil
}

// IsSupported reports whether the symbol is on the allowlist.
func IsSupported(symbol string) bool {
	_, ok := supportedSymbols[symbol]
	return ok
}

// SupportedSymbols returns the allowlist in lexicographic order.
func SupportedSymbols() []string {
	out := make([]string, 0, len(supportedSymbols))
	for s := range supportedSymbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
