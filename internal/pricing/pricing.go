// Package pricing models the external indicative price feed. The
// quoting engine is polymorphic over providers; each provider owns its
// own symbol mapping and failure translation.
package pricing

import (
	"context"
	"time"
)

// IndicativePrice is a non-binding market price for a symbol. Bid and
// ask are exact decimal strings as delivered by the source.
type IndicativePrice struct {
	Symbol        string    `json:"symbol"`
	BaseCurrency  string    `json:"base_currency"`
	QuoteCurrency string    `json:"quote_currency"`
	Bid           string    `json:"bid"`
	Ask           string    `json:"ask"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// Provider supplies indicative prices over a synchronous
// request/response channel. Implementations surface any non-success or
// malformed response as an UPSTREAM_UNAVAILABLE error and never retry
// internally; retry policy belongs to the caller.
type Provider interface {
	GetIndicativePrice(ctx context.Context, symbol string) (IndicativePrice, error)
}
