package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotedesk/internal/clients"
	"quotedesk/internal/ledger"
	"quotedesk/internal/observability"
	"quotedesk/internal/pricing"
	"quotedesk/internal/quoting"
	"quotedesk/internal/store/memstore"
	"quotedesk/internal/testutil"
	"quotedesk/internal/trading"
)

type fixedOracle struct{}

func (fixedOracle) GetIndicativePrice(_ context.Context, symbol string) (pricing.IndicativePrice, error) {
	pair, err := pricing.ParseSymbol(symbol)
	if err != nil {
		return pricing.IndicativePrice{}, err
	}
	return pricing.IndicativePrice{
		Symbol:        symbol,
		BaseCurrency:  pair.BaseCurrency,
		QuoteCurrency: pair.QuoteCurrency,
		Bid:           "64900.00",
		Ask:           "65000.00",
		Timestamp:     time.Now(),
		Source:        "stub",
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := memstore.New("", testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	oracle := fixedOracle{}
	engine := quoting.NewEngine(oracle, quoting.DefaultMarkupBps, quoting.DefaultTTL, testutil.Logger(), nil)
	led := ledger.NewService(st, testutil.Logger(), nil)
	tradingSvc := trading.NewService(st, engine, led, nil, testutil.Logger(), nil)
	clientSvc := clients.NewService(st, testutil.Logger())

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := httptest.NewServer(New(tradingSvc, clientSvc, oracle, health, testutil.Logger()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, clientID string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if clientID != "" {
		req.Header.Set("X-Client-Id", clientID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createClient(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	var creds struct {
		ClientID string `json:"clientId"`
		APIKey   string `json:"apiKey"`
	}
	resp := doJSON(t, srv, http.MethodPost, "/v1/clients", "", map[string]string{"name": "acme"}, &creds)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, creds.APIKey)
	return creds.ClientID
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestFullTradingFlow(t *testing.T) {
	srv := newTestServer(t)
	clientID := createClient(t, srv)

	resp := doJSON(t, srv, http.MethodPost, "/v1/deposits", clientID,
		map[string]string{"currency": "USDT", "amount": "40000.000000"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var quote struct {
		QuoteID     string `json:"quoteId"`
		Price       string `json:"price"`
		QuoteAmount string `json:"quoteAmount"`
		Status      string `json:"status"`
	}
	resp = doJSON(t, srv, http.MethodPost, "/v1/quotes", clientID,
		map[string]string{"symbol": "BTCUSDT", "side": "BUY", "baseAmount": "0.5"}, &quote)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "65032.5", quote.Price)
	require.Equal(t, "32516.250000", quote.QuoteAmount)
	require.Equal(t, "ACTIVE", quote.Status)

	var trade struct {
		TradeID string `json:"tradeId"`
		QuoteID string `json:"quoteId"`
		Status  string `json:"status"`
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/trades",
		bytes.NewBufferString(`{"quoteId":"`+quote.QuoteID+`"}`))
	require.NoError(t, err)
	req.Header.Set("X-Client-Id", clientID)
	req.Header.Set("Idempotency-Key", "http-idem-1")
	httpResp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusCreated, httpResp.StatusCode)
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&trade))
	require.Equal(t, "FILLED", trade.Status)
	require.Equal(t, quote.QuoteID, trade.QuoteID)

	var balances struct {
		Balances []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
		} `json:"balances"`
	}
	resp = doJSON(t, srv, http.MethodGet, "/v1/balances", clientID, nil, &balances)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	byCurrency := map[string]string{}
	for _, b := range balances.Balances {
		byCurrency[b.Currency] = b.Available
	}
	require.Equal(t, "0.50000000", byCurrency["BTC"])
	require.Equal(t, "7483.750000", byCurrency["USDT"])

	var gotTrade struct {
		TradeID string `json:"tradeId"`
	}
	resp = doJSON(t, srv, http.MethodGet, "/v1/trades/"+quote.QuoteID, clientID, nil, &gotTrade)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, trade.TradeID, gotTrade.TradeID)
}

func TestMissingClientHeader(t *testing.T) {
	srv := newTestServer(t)

	var errResp errorResponse
	resp := doJSON(t, srv, http.MethodGet, "/v1/balances", "", nil, &errResp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "FORBIDDEN", errResp.Error.Code)

	resp = doJSON(t, srv, http.MethodGet, "/v1/balances", "not-a-uuid", nil, &errResp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQuoteErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	clientID := createClient(t, srv)

	var errResp errorResponse
	resp := doJSON(t, srv, http.MethodPost, "/v1/quotes", clientID,
		map[string]string{"symbol": "DOGEUSDT", "side": "BUY", "baseAmount": "1"}, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "UNSUPPORTED_SYMBOL", errResp.Error.Code)

	resp = doJSON(t, srv, http.MethodPost, "/v1/quotes", clientID,
		map[string]string{"symbol": "BTCUSDT", "side": "HOLD", "baseAmount": "1"}, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", errResp.Error.Code)

	resp = doJSON(t, srv, http.MethodGet, "/v1/quotes/not-a-uuid", clientID, nil, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/v1/quotes/00000000-0000-0000-0000-000000000001", clientID, nil, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", errResp.Error.Code)
}

func TestInsufficientBalanceDetails(t *testing.T) {
	srv := newTestServer(t)
	clientID := createClient(t, srv)

	var quote struct {
		QuoteID string `json:"quoteId"`
	}
	resp := doJSON(t, srv, http.MethodPost, "/v1/quotes", clientID,
		map[string]string{"symbol": "BTCUSDT", "side": "BUY", "baseAmount": "0.5"}, &quote)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var errResp errorResponse
	resp = doJSON(t, srv, http.MethodPost, "/v1/trades", clientID,
		map[string]string{"quoteId": quote.QuoteID, "idempotencyKey": "k1"}, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "INSUFFICIENT_BALANCE", errResp.Error.Code)
	require.Equal(t, "USDT", errResp.Error.Details["currency"])
	require.Equal(t, "32516.250000", errResp.Error.Details["required"])
}

func TestCancelQuoteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	clientID := createClient(t, srv)

	var quote struct {
		QuoteID string `json:"quoteId"`
	}
	resp := doJSON(t, srv, http.MethodPost, "/v1/quotes", clientID,
		map[string]string{"symbol": "ETHUSDT", "side": "SELL", "baseAmount": "2"}, &quote)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var cancelled struct {
		Status string `json:"status"`
	}
	resp = doJSON(t, srv, http.MethodDelete, "/v1/quotes/"+quote.QuoteID, clientID, nil, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "CANCELLED", cancelled.Status)

	var errResp errorResponse
	resp = doJSON(t, srv, http.MethodDelete, "/v1/quotes/"+quote.QuoteID, clientID, nil, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "QUOTE_NOT_ACTIVE", errResp.Error.Code)
}

func TestPriceEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var price struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
	}
	resp := doJSON(t, srv, http.MethodGet, "/v1/prices/btcusdt", "", nil, &price)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "64900.00", price.Bid)
	require.Equal(t, "65000.00", price.Ask)

	var errResp errorResponse
	resp = doJSON(t, srv, http.MethodGet, "/v1/prices/DOGEUSDT", "", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "UNSUPPORTED_SYMBOL", errResp.Error.Code)
}

func TestClientLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	clientID := createClient(t, srv)

	var view struct {
		Name string `json:"name"`
	}
	resp := doJSON(t, srv, http.MethodGet, "/v1/clients/"+clientID, "", nil, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "acme", view.Name)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/clients/"+clientID, nil)
	require.NoError(t, err)
	httpResp, err := srv.Client().Do(req)
	require.NoError(t, err)
	httpResp.Body.Close()
	require.Equal(t, http.StatusNoContent, httpResp.StatusCode)

	var errResp errorResponse
	resp = doJSON(t, srv, http.MethodGet, "/v1/clients/"+clientID, "", nil, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
