package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"quotedesk/internal/apperr"
	"quotedesk/internal/observability"
)

const binanceDefaultBaseURL = "https://api.binance.com"

// BinanceProvider reads the order-book top from Binance's public
// bookTicker endpoint.
type BinanceProvider struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type binanceBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func NewBinanceProvider(log zerolog.Logger, metrics *observability.Metrics) *BinanceProvider {
	return &BinanceProvider{
		baseURL: binanceDefaultBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// NewBinanceProviderWithBaseURL is used by tests to point the provider
// at a stub server.
func NewBinanceProviderWithBaseURL(baseURL string, log zerolog.Logger, metrics *observability.Metrics) *BinanceProvider {
	p := NewBinanceProvider(log, metrics)
	p.baseURL = baseURL
	return p
}

func (p *BinanceProvider) GetIndicativePrice(ctx context.Context, symbol string) (IndicativePrice, error) {
	pair, err := ParseSymbol(symbol)
	if err != nil {
		return IndicativePrice{}, err
	}

	start := p.now()
	price, err := p.fetch(ctx, symbol, pair)
	if p.metrics != nil {
		p.metrics.OracleRequestDur.WithLabelValues("binance").Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.OracleFailures.WithLabelValues("binance").Inc()
		}
	}
	return price, err
}

func (p *BinanceProvider) fetch(ctx context.Context, symbol string, pair Pair) (IndicativePrice, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/bookTicker?symbol=%s", p.baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "pricing source error", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "pricing source error", err).
			WithDetails(map[string]any{"provider": "binance"})
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		p.log.Warn().Int("status", res.StatusCode).Str("symbol", symbol).Msg("binance non-success response")
		return IndicativePrice{}, apperr.New(apperr.CodeUpstreamUnavailable, "pricing source error").
			WithDetails(map[string]any{"provider": "binance", "status": res.StatusCode})
	}

	var ticker binanceBookTicker
	if err := json.NewDecoder(res.Body).Decode(&ticker); err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "malformed pricing response", err).
			WithDetails(map[string]any{"provider": "binance"})
	}
	if ticker.BidPrice == "" || ticker.AskPrice == "" {
		return IndicativePrice{}, apperr.New(apperr.CodeUpstreamUnavailable, "price missing in response").
			WithDetails(map[string]any{"provider": "binance", "symbol": symbol})
	}

	return IndicativePrice{
		Symbol:        symbol,
		BaseCurrency:  pair.BaseCurrency,
		QuoteCurrency: pair.QuoteCurrency,
		Bid:           ticker.BidPrice,
		Ask:           ticker.AskPrice,
		Timestamp:     p.now().UTC(),
		Source:        "binance",
	}, nil
}
