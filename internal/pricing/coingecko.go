package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotedesk/internal/apperr"
	"quotedesk/internal/observability"
)

const coingeckoDefaultBaseURL = "https://api.coingecko.com/api/v3"

// CoinGecko's simple-price endpoint has no bid/ask, so the provider
// synthesizes a spread of ±5 bps around the mid price.
var coingeckoHalfSpread = decimal.New(5, -4) // 0.0005

// coingeckoIDs maps supported symbols to CoinGecko (id, vs_currency)
// query parameters. Symbols without a mapping cannot be priced by this
// provider.
var coingeckoIDs = map[string]struct{ id, vs string }{
	"BTCUSDT": {"bitcoin", "usd"},
	"ETHUSDT": {"ethereum", "usd"},
}

// CoinGeckoProvider is the fallback price source.
type CoinGeckoProvider struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewCoinGeckoProvider(log zerolog.Logger, metrics *observability.Metrics) *CoinGeckoProvider {
	return &CoinGeckoProvider{
		baseURL: coingeckoDefaultBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

func NewCoinGeckoProviderWithBaseURL(baseURL string, log zerolog.Logger, metrics *observability.Metrics) *CoinGeckoProvider {
	p := NewCoinGeckoProvider(log, metrics)
	p.baseURL = baseURL
	return p
}

func (p *CoinGeckoProvider) GetIndicativePrice(ctx context.Context, symbol string) (IndicativePrice, error) {
	pair, err := ParseSymbol(symbol)
	if err != nil {
		return IndicativePrice{}, err
	}

	ids, ok := coingeckoIDs[symbol]
	if !ok {
		return IndicativePrice{}, apperr.Newf(apperr.CodeUpstreamUnavailable, "no coingecko mapping for %s", symbol)
	}

	start := p.now()
	price, err := p.fetch(ctx, symbol, pair, ids.id, ids.vs)
	if p.metrics != nil {
		p.metrics.OracleRequestDur.WithLabelValues("coingecko").Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.OracleFailures.WithLabelValues("coingecko").Inc()
		}
	}
	return price, err
}

func (p *CoinGeckoProvider) fetch(ctx context.Context, symbol string, pair Pair, id, vs string) (IndicativePrice, error) {
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s", p.baseURL, id, vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "pricing source error", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "pricing source error", err).
			WithDetails(map[string]any{"provider": "coingecko"})
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		p.log.Warn().Int("status", res.StatusCode).Str("symbol", symbol).Msg("coingecko non-success response")
		return IndicativePrice{}, apperr.New(apperr.CodeUpstreamUnavailable, "pricing source error").
			WithDetails(map[string]any{"provider": "coingecko", "status": res.StatusCode})
	}

	// {"bitcoin": {"usd": 65000.12}}
	var body map[string]map[string]json.Number
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return IndicativePrice{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, "malformed pricing response", err).
			WithDetails(map[string]any{"provider": "coingecko"})
	}

	raw, ok := body[id][vs]
	if !ok {
		return IndicativePrice{}, apperr.New(apperr.CodeUpstreamUnavailable, "price missing in response").
			WithDetails(map[string]any{"provider": "coingecko", "symbol": symbol})
	}

	mid, err := decimal.NewFromString(raw.String())
	if err != nil || !mid.IsPositive() {
		return IndicativePrice{}, apperr.New(apperr.CodeUpstreamUnavailable, "unusable price in response").
			WithDetails(map[string]any{"provider": "coingecko", "symbol": symbol})
	}

	one := decimal.New(1, 0)
	bid := mid.Mul(one.Sub(coingeckoHalfSpread))
	ask := mid.Mul(one.Add(coingeckoHalfSpread))

	return IndicativePrice{
		Symbol:        symbol,
		BaseCurrency:  pair.BaseCurrency,
		QuoteCurrency: pair.QuoteCurrency,
		Bid:           bid.String(),
		Ask:           ask.String(),
		Timestamp:     p.now().UTC(),
		Source:        "coingecko",
	}, nil
}
