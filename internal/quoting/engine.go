// Package quoting computes firm, time-boxed quotes from indicative
// oracle prices. The engine is a pure function of its inputs plus an
// injected clock; persistence belongs to the caller.
package quoting

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotedesk/internal/apperr"
	"quotedesk/internal/money"
	"quotedesk/internal/observability"
	"quotedesk/internal/pricing"
)

// Side is the client's direction for the base currency.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide validates a raw side string.
func ParseSide(raw string) (Side, error) {
	switch Side(raw) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", apperr.Newf(apperr.CodeValidation, "side must be BUY or SELL, got %q", raw)
	}
}

const (
	DefaultMarkupBps = 5
	DefaultTTL       = 30 * time.Second
)

// Quote is a fully computed, not-yet-persisted firm quote payload.
type Quote struct {
	Symbol           string
	Side             Side
	BaseCurrency     string
	QuoteCurrency    string
	BaseAmountMinor  *big.Int
	Price            string // firm price, exact decimal string
	QuoteAmountMinor *big.Int
	ExpiresAt        time.Time
}

// Engine turns an oracle price and a markup policy into a firm quote.
type Engine struct {
	oracle    pricing.Provider
	markupBps int64
	ttl       time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewEngine(oracle pricing.Provider, markupBps int64, ttl time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	if markupBps < 0 {
		markupBps = DefaultMarkupBps
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		oracle:    oracle,
		markupBps: markupBps,
		ttl:       ttl,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// WithClock replaces the engine clock. Tests use it to pin expiry.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Compute prices a quote for (symbol, side, baseAmount).
//
// The client always gets the worse side of the spread: ask for BUY,
// bid for SELL, then the markup moves the price further away from the
// client. All arithmetic is exact decimal; the only rounding happens
// at the final minor-unit conversion, downward.
func (e *Engine) Compute(ctx context.Context, symbol string, side Side, baseAmount string) (Quote, error) {
	start := e.now()

	symbol = pricing.NormalizeSymbol(symbol)
	pair, err := pricing.ParseSymbol(symbol)
	if err != nil {
		return Quote{}, err
	}

	indicative, err := e.oracle.GetIndicativePrice(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}

	rawStr := indicative.Ask
	if side == SideSell {
		rawStr = indicative.Bid
	}
	rawPrice, err := decimal.NewFromString(rawStr)
	if err != nil {
		return Quote{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "unparseable oracle price", err).
			WithDetails(map[string]any{"source": indicative.Source, "price": rawStr})
	}

	// markupBps/10000 expressed exactly as markupBps * 10^-4
	markup := rawPrice.Mul(decimal.New(e.markupBps, -4))
	firmPrice := rawPrice.Add(markup)
	if side == SideSell {
		firmPrice = rawPrice.Sub(markup)
	}

	if !firmPrice.IsPositive() {
		return Quote{}, apperr.Newf(apperr.CodeInvalidPrice, "firm price not positive: %s", firmPrice)
	}

	baseMinor, err := money.ToMinorUnits(baseAmount, pair.BaseCurrency)
	if err != nil {
		return Quote{}, err
	}
	if baseMinor.Sign() <= 0 {
		return Quote{}, apperr.Newf(apperr.CodeInvalidAmount,
			"base amount %s is below the minimum unit of %s", baseAmount, pair.BaseCurrency)
	}

	baseDec, err := decimal.NewFromString(baseAmount)
	if err != nil {
		return Quote{}, apperr.Newf(apperr.CodeInvalidAmount, "invalid amount %q", baseAmount)
	}
	quoteMinor, err := money.ToMinorUnits(baseDec.Mul(firmPrice).String(), pair.QuoteCurrency)
	if err != nil {
		return Quote{}, err
	}
	if quoteMinor.Sign() <= 0 {
		return Quote{}, apperr.Newf(apperr.CodeInvalidAmount,
			"trade value is below the minimum unit of %s", pair.QuoteCurrency)
	}

	now := e.now()
	q := Quote{
		Symbol:           symbol,
		Side:             side,
		BaseCurrency:     pair.BaseCurrency,
		QuoteCurrency:    pair.QuoteCurrency,
		BaseAmountMinor:  baseMinor,
		Price:            firmPrice.String(),
		QuoteAmountMinor: quoteMinor,
		ExpiresAt:        now.Add(e.ttl),
	}

	if e.metrics != nil {
		e.metrics.QuoteComputeDur.Observe(now.Sub(start).Seconds())
	}
	e.log.Debug().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("price", q.Price).
		Str("source", indicative.Source).
		Msg("quote computed")

	return q, nil
}
