// Package server is the HTTP JSON transport. It translates requests
// into service calls and apperr codes into status codes; no business
// rules live here. Authentication terminates upstream — the client
// identity arrives in the X-Client-Id header.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quotedesk/internal/apperr"
	"quotedesk/internal/clients"
	"quotedesk/internal/observability"
	"quotedesk/internal/pricing"
	"quotedesk/internal/trading"
)

const clientIDHeader = "X-Client-Id"
const idempotencyKeyHeader = "Idempotency-Key"

// Server wires the services behind the HTTP surface.
type Server struct {
	trading *trading.Service
	clients *clients.Service
	oracle  pricing.Provider
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func New(tr *trading.Service, cl *clients.Service, oracle pricing.Provider, health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{
		trading: tr,
		clients: cl,
		oracle:  oracle,
		health:  health,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// Routes returns the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/quotes", s.handleCreateQuote)
	mux.HandleFunc("GET /v1/quotes/{id}", s.handleGetQuote)
	mux.HandleFunc("DELETE /v1/quotes/{id}", s.handleCancelQuote)
	mux.HandleFunc("POST /v1/trades", s.handleExecuteTrade)
	mux.HandleFunc("GET /v1/trades/{quoteId}", s.handleGetTrade)
	mux.HandleFunc("POST /v1/deposits", s.handleDeposit)
	mux.HandleFunc("GET /v1/balances", s.handleBalances)
	mux.HandleFunc("GET /v1/prices/{symbol}", s.handlePrice)
	mux.HandleFunc("POST /v1/clients", s.handleCreateClient)
	mux.HandleFunc("GET /v1/clients/{id}", s.handleGetClient)
	mux.HandleFunc("DELETE /v1/clients/{id}", s.handleDeleteClient)

	if s.health != nil {
		mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
		mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)
	}

	return mux
}

type createQuoteRequest struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	BaseAmount string `json:"baseAmount"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	var req createQuoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.trading.CreateQuote(r.Context(), clientID, req.Symbol, req.Side, req.BaseAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	quoteID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := s.trading.GetQuote(r.Context(), clientID, quoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelQuote(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	quoteID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := s.trading.CancelQuote(r.Context(), clientID, quoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type executeTradeRequest struct {
	QuoteID        uuid.UUID `json:"quoteId"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	var req executeTradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	// Header wins over the body field when both are present.
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	view, err := s.trading.ExecuteTrade(r.Context(), clientID, req.QuoteID, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	quoteID, ok := s.pathUUID(w, r, "quoteId")
	if !ok {
		return
	}

	view, err := s.trading.GetTrade(r.Context(), clientID, quoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type depositRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.trading.Deposit(r.Context(), clientID, req.Currency, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}

	views, err := s.trading.GetBalances(r.Context(), clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"balances": views})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.oracle.GetIndicativePrice(r.Context(), pricing.NormalizeSymbol(r.PathValue("symbol")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, price)
}

type createClientRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"apiKey"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !s.decode(w, r, &req) {
		return
	}

	creds, err := s.clients.Create(r.Context(), req.Name, req.APIKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, creds)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := s.clients.Get(r.Context(), clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.clients.Delete(r.Context(), clientID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(clientIDHeader)
	if raw == "" {
		s.writeError(w, r, apperr.New(apperr.CodeForbidden, "missing "+clientIDHeader+" header"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeForbidden, "malformed "+clientIDHeader+" header"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		s.writeError(w, r, apperr.Newf(apperr.CodeValidation, "malformed %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeValidation, "malformed request body", err))
		return false
	}
	return true
}

type errorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: apperr.CodeInternal, Message: "internal error"}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body = errorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}

	status := apperr.HTTPStatus(body.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	s.writeJSON(w, status, map[string]any{"error": body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

// NewHTTPServer wraps the mux with production timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
