// Package trading is the settlement engine: it persists firm quotes,
// executes them exactly once against the ledger, and serves the client
// facing projections of quotes, trades and balances.
package trading

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quotedesk/internal/apperr"
	"quotedesk/internal/ledger"
	"quotedesk/internal/money"
	"quotedesk/internal/observability"
	"quotedesk/internal/quoting"
	"quotedesk/internal/store"
)

// EventSink receives notifications after the corresponding transaction
// has committed. A nil sink is valid and drops everything.
type EventSink interface {
	QuoteCreated(ctx context.Context, q QuoteView)
	TradeSettled(ctx context.Context, tr TradeView)
	DepositRecorded(ctx context.Context, clientID uuid.UUID, currency, amount string)
}

// QuoteView is the rendered form of a quote: amounts as decimal
// strings in the currency's scale.
type QuoteView struct {
	ID            uuid.UUID `json:"quoteId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	BaseCurrency  string    `json:"baseCurrency"`
	QuoteCurrency string    `json:"quoteCurrency"`
	BaseAmount    string    `json:"baseAmount"`
	Price         string    `json:"price"`
	QuoteAmount   string    `json:"quoteAmount"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TradeView is the rendered form of a settled trade.
type TradeView struct {
	ID             uuid.UUID `json:"tradeId"`
	QuoteID        uuid.UUID `json:"quoteId"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	BaseCurrency   string    `json:"baseCurrency"`
	QuoteCurrency  string    `json:"quoteCurrency"`
	BaseAmount     string    `json:"baseAmount"`
	QuoteAmount    string    `json:"quoteAmount"`
	Price          string    `json:"price"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// BalanceView is one currency balance rendered at the currency scale.
type BalanceView struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
}

// Service orchestrates quoting, settlement and balance reads.
type Service struct {
	store   store.Store
	engine  *quoting.Engine
	ledger  *ledger.Service
	events  EventSink
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewService(st store.Store, engine *quoting.Engine, led *ledger.Service, events EventSink, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   st,
		engine:  engine,
		ledger:  led,
		events:  events,
		log:     log.With().Str("component", "trading").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock replaces the service clock. Tests use it to drive expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateQuote prices and persists a firm quote for the client.
func (s *Service) CreateQuote(ctx context.Context, clientID uuid.UUID, symbol, side, baseAmount string) (QuoteView, error) {
	parsedSide, err := quoting.ParseSide(side)
	if err != nil {
		return QuoteView{}, err
	}

	q, err := s.engine.Compute(ctx, symbol, parsedSide, baseAmount)
	if err != nil {
		return QuoteView{}, err
	}

	row := store.QuoteRow{
		ID:               uuid.New(),
		ClientID:         clientID,
		Symbol:           q.Symbol,
		Side:             string(q.Side),
		BaseCurrency:     q.BaseCurrency,
		QuoteCurrency:    q.QuoteCurrency,
		BaseAmountMinor:  q.BaseAmountMinor,
		Price:            q.Price,
		QuoteAmountMinor: q.QuoteAmountMinor,
		Status:           store.QuoteStatusActive,
		ExpiresAt:        q.ExpiresAt,
		CreatedAt:        s.now(),
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("begin create quote: %w", err))
	}
	defer tx.Rollback()
	if err := tx.InsertQuote(ctx, row); err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("insert quote: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("commit quote: %w", err))
	}

	view, err := s.quoteView(row)
	if err != nil {
		return QuoteView{}, err
	}

	if s.metrics != nil {
		s.metrics.QuotesCreated.WithLabelValues(row.Symbol, row.Side).Inc()
	}
	s.log.Info().
		Str("quote_id", row.ID.String()).
		Str("client_id", clientID.String()).
		Str("symbol", row.Symbol).
		Str("side", row.Side).
		Str("price", row.Price).
		Msg("quote created")
	if s.events != nil {
		s.events.QuoteCreated(ctx, view)
	}
	return view, nil
}

// GetQuote returns the quote, lazily transitioning ACTIVE past-expiry
// quotes to EXPIRED so the client never sees a stale ACTIVE status.
func (s *Service) GetQuote(ctx context.Context, clientID, quoteID uuid.UUID) (QuoteView, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("begin get quote: %w", err))
	}
	defer tx.Rollback()

	row, err := tx.QuoteForUpdate(ctx, clientID, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QuoteView{}, apperr.New(apperr.CodeNotFound, "quote not found")
		}
		return QuoteView{}, apperr.Internal(fmt.Errorf("load quote: %w", err))
	}

	if row.Status == store.QuoteStatusActive && !s.now().Before(row.ExpiresAt) {
		if err := s.expireQuote(ctx, tx, &row); err != nil {
			return QuoteView{}, err
		}
	} else if err := tx.Commit(); err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("commit get quote: %w", err))
	}

	return s.quoteView(row)
}

// CancelQuote voids an ACTIVE quote. Expired, executed or already
// cancelled quotes cannot transition to CANCELLED.
func (s *Service) CancelQuote(ctx context.Context, clientID, quoteID uuid.UUID) (QuoteView, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("begin cancel quote: %w", err))
	}
	defer tx.Rollback()

	row, err := tx.QuoteForUpdate(ctx, clientID, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QuoteView{}, apperr.New(apperr.CodeNotFound, "quote not found")
		}
		return QuoteView{}, apperr.Internal(fmt.Errorf("load quote: %w", err))
	}

	if row.Status == store.QuoteStatusActive && !s.now().Before(row.ExpiresAt) {
		if err := s.expireQuote(ctx, tx, &row); err != nil {
			return QuoteView{}, err
		}
		return QuoteView{}, apperr.New(apperr.CodeQuoteExpired, "quote has expired")
	}
	switch row.Status {
	case store.QuoteStatusActive:
	case store.QuoteStatusExecuted:
		return QuoteView{}, apperr.New(apperr.CodeQuoteAlreadyExecuted, "quote was already executed")
	case store.QuoteStatusExpired:
		return QuoteView{}, apperr.New(apperr.CodeQuoteExpired, "quote has expired")
	default:
		return QuoteView{}, apperr.Newf(apperr.CodeQuoteNotActive, "quote is %s", row.Status)
	}

	if err := tx.UpdateQuoteStatus(ctx, clientID, quoteID, store.QuoteStatusCancelled); err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("cancel quote: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return QuoteView{}, apperr.Internal(fmt.Errorf("commit cancel: %w", err))
	}

	row.Status = store.QuoteStatusCancelled
	if s.metrics != nil {
		s.metrics.QuotesCancelled.Inc()
	}
	s.log.Info().Str("quote_id", quoteID.String()).Msg("quote cancelled")
	return s.quoteView(row)
}

// ExecuteTrade settles a firm quote exactly once.
//
// The quote row lock is taken first and held to commit, so concurrent
// executions of the same quote serialize; balance locks follow in
// lexicographic currency order. The unique indexes on trades are the
// safety net behind the locks.
func (s *Service) ExecuteTrade(ctx context.Context, clientID, quoteID uuid.UUID, idempotencyKey string) (TradeView, error) {
	if idempotencyKey == "" {
		return TradeView{}, apperr.New(apperr.CodeValidation, "idempotency key is required")
	}
	start := s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return TradeView{}, apperr.Internal(fmt.Errorf("begin execute: %w", err))
	}
	defer tx.Rollback()

	// Idempotent replay: the same key for the same quote returns the
	// recorded trade; the same key for a different quote is a conflict.
	if prior, err := tx.TradeByIdempotencyKey(ctx, clientID, idempotencyKey); err == nil {
		if prior.QuoteID == quoteID {
			return s.tradeView(prior)
		}
		return TradeView{}, apperr.New(apperr.CodeIdempotencyKeyConflict,
			"idempotency key was already used for a different quote")
	} else if !errors.Is(err, store.ErrNotFound) {
		return TradeView{}, apperr.Internal(fmt.Errorf("idempotency lookup: %w", err))
	}

	quote, err := tx.QuoteForUpdate(ctx, clientID, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TradeView{}, apperr.New(apperr.CodeNotFound, "quote not found")
		}
		return TradeView{}, apperr.Internal(fmt.Errorf("lock quote: %w", err))
	}

	// Authoritative re-check behind the quote lock: a recorded trade
	// wins over whatever the status column says. A quote left ACTIVE
	// next to an existing trade is repaired to EXECUTED, and the repair
	// commits even though the request fails.
	if _, err := tx.TradeByQuoteID(ctx, clientID, quoteID); err == nil {
		if quote.Status != store.QuoteStatusExecuted {
			if err := tx.UpdateQuoteStatus(ctx, clientID, quoteID, store.QuoteStatusExecuted); err != nil {
				return TradeView{}, apperr.Internal(fmt.Errorf("repair quote status: %w", err))
			}
			if err := tx.Commit(); err != nil {
				return TradeView{}, apperr.Internal(fmt.Errorf("commit repair: %w", err))
			}
		}
		return TradeView{}, apperr.New(apperr.CodeQuoteAlreadyExecuted, "quote was already executed")
	} else if !errors.Is(err, store.ErrNotFound) {
		return TradeView{}, apperr.Internal(fmt.Errorf("trade lookup: %w", err))
	}

	switch quote.Status {
	case store.QuoteStatusExecuted:
		return TradeView{}, apperr.New(apperr.CodeQuoteAlreadyExecuted, "quote was already executed")
	case store.QuoteStatusExpired:
		return TradeView{}, apperr.New(apperr.CodeQuoteExpired, "quote has expired")
	case store.QuoteStatusCancelled:
		return TradeView{}, apperr.Newf(apperr.CodeQuoteNotActive, "quote is %s", quote.Status)
	}

	if !s.now().Before(quote.ExpiresAt) {
		if err := s.expireQuote(ctx, tx, &quote); err != nil {
			return TradeView{}, err
		}
		return TradeView{}, apperr.New(apperr.CodeQuoteExpired, "quote has expired")
	}

	// Which leg the client pays depends on the side.
	var debitCurrency, creditCurrency string
	var debitMinor, creditMinor *big.Int
	if quote.Side == string(quoting.SideBuy) {
		debitCurrency, debitMinor = quote.QuoteCurrency, quote.QuoteAmountMinor
		creditCurrency, creditMinor = quote.BaseCurrency, quote.BaseAmountMinor
	} else {
		debitCurrency, debitMinor = quote.BaseCurrency, quote.BaseAmountMinor
		creditCurrency, creditMinor = quote.QuoteCurrency, quote.QuoteAmountMinor
	}

	// Lock both balance keys in lexicographic order before reading the
	// debit balance, so concurrent BUY and SELL settlements on the same
	// pair cannot deadlock.
	first, second := debitCurrency, creditCurrency
	if first > second {
		first, second = second, first
	}
	available := new(big.Int)
	for _, currency := range []string{first, second} {
		b, err := tx.BalanceForUpdate(ctx, clientID, currency)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return TradeView{}, apperr.Internal(fmt.Errorf("lock balance %s: %w", currency, err))
		}
		if err == nil && currency == debitCurrency {
			available.Set(b.AvailableMinor)
		}
	}

	if available.Cmp(debitMinor) < 0 {
		debitAmount, convErr := money.FromMinorUnits(debitMinor, debitCurrency)
		if convErr != nil {
			return TradeView{}, apperr.Internal(convErr)
		}
		availAmount, convErr := money.FromMinorUnits(available, debitCurrency)
		if convErr != nil {
			return TradeView{}, apperr.Internal(convErr)
		}
		if s.metrics != nil {
			s.metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		}
		return TradeView{}, apperr.New(apperr.CodeInsufficientBalance, "insufficient balance").
			WithDetails(map[string]any{
				"currency":  debitCurrency,
				"required":  debitAmount,
				"available": availAmount,
			})
	}

	trade := store.TradeRow{
		ID:               uuid.New(),
		ClientID:         clientID,
		QuoteID:          quoteID,
		Symbol:           quote.Symbol,
		Side:             quote.Side,
		BaseCurrency:     quote.BaseCurrency,
		QuoteCurrency:    quote.QuoteCurrency,
		BaseAmountMinor:  quote.BaseAmountMinor,
		QuoteAmountMinor: quote.QuoteAmountMinor,
		Price:            quote.Price,
		Status:           store.TradeStatusFilled,
		IdempotencyKey:   idempotencyKey,
		CreatedAt:        s.now(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return TradeView{}, apperr.New(apperr.CodeQuoteAlreadyExecuted, "quote was already executed")
		}
		return TradeView{}, apperr.Internal(fmt.Errorf("insert trade: %w", err))
	}

	if err := s.ledger.RecordPosting(ctx, tx, ledger.Posting{
		ClientID:       clientID,
		DebitCurrency:  debitCurrency,
		DebitMinor:     debitMinor,
		CreditCurrency: creditCurrency,
		CreditMinor:    creditMinor,
		RefID:          trade.ID,
	}); err != nil {
		return TradeView{}, err
	}

	if err := tx.UpdateQuoteStatus(ctx, clientID, quoteID, store.QuoteStatusExecuted); err != nil {
		return TradeView{}, apperr.Internal(fmt.Errorf("mark quote executed: %w", err))
	}

	if err := tx.Commit(); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return TradeView{}, apperr.New(apperr.CodeQuoteAlreadyExecuted, "quote was already executed")
		}
		return TradeView{}, apperr.Internal(fmt.Errorf("commit execute: %w", err))
	}

	view, err := s.tradeView(trade)
	if err != nil {
		return TradeView{}, err
	}

	if s.metrics != nil {
		s.metrics.TradesSettled.WithLabelValues(trade.Symbol, trade.Side).Inc()
		s.metrics.SettlementDuration.Observe(s.now().Sub(start).Seconds())
	}
	s.log.Info().
		Str("trade_id", trade.ID.String()).
		Str("quote_id", quoteID.String()).
		Str("client_id", clientID.String()).
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Str("price", trade.Price).
		Msg("trade settled")
	if s.events != nil {
		s.events.TradeSettled(ctx, view)
	}
	return view, nil
}

// GetTrade returns the settled trade for a quote.
func (s *Service) GetTrade(ctx context.Context, clientID, quoteID uuid.UUID) (TradeView, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return TradeView{}, apperr.Internal(fmt.Errorf("begin get trade: %w", err))
	}
	defer tx.Rollback()

	tr, err := tx.TradeByQuoteID(ctx, clientID, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TradeView{}, apperr.New(apperr.CodeNotFound, "trade not found")
		}
		return TradeView{}, apperr.Internal(fmt.Errorf("load trade: %w", err))
	}
	return s.tradeView(tr)
}

// Deposit credits external funds and returns the updated balance.
func (s *Service) Deposit(ctx context.Context, clientID uuid.UUID, currency, amount string) (BalanceView, error) {
	if !money.IsKnown(currency) {
		return BalanceView{}, apperr.Newf(apperr.CodeUnknownCurrency, "unknown currency %q", currency)
	}
	minor, err := money.ToMinorUnits(amount, currency)
	if err != nil {
		return BalanceView{}, err
	}
	if err := s.ledger.Deposit(ctx, clientID, currency, minor); err != nil {
		return BalanceView{}, err
	}

	bals, err := s.ledger.Balances(ctx, clientID)
	if err != nil {
		return BalanceView{}, err
	}
	var view BalanceView
	for _, b := range bals {
		if b.Currency == currency {
			if view, err = balanceView(b); err != nil {
				return BalanceView{}, err
			}
			break
		}
	}

	if s.events != nil {
		s.events.DepositRecorded(ctx, clientID, view.Currency, view.Available)
	}
	return view, nil
}

// GetBalances returns all balances for a client, ordered by currency.
func (s *Service) GetBalances(ctx context.Context, clientID uuid.UUID) ([]BalanceView, error) {
	bals, err := s.ledger.Balances(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]BalanceView, 0, len(bals))
	for _, b := range bals {
		v, err := balanceView(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// expireQuote marks an overdue quote EXPIRED and commits immediately:
// the transition must survive even when the surrounding operation
// fails.
func (s *Service) expireQuote(ctx context.Context, tx store.Tx, row *store.QuoteRow) error {
	if err := tx.UpdateQuoteStatus(ctx, row.ClientID, row.ID, store.QuoteStatusExpired); err != nil {
		return apperr.Internal(fmt.Errorf("expire quote: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(fmt.Errorf("commit expiry: %w", err))
	}
	row.Status = store.QuoteStatusExpired
	if s.metrics != nil {
		s.metrics.QuotesExpired.Inc()
	}
	s.log.Info().Str("quote_id", row.ID.String()).Msg("quote expired")
	return nil
}

func (s *Service) quoteView(row store.QuoteRow) (QuoteView, error) {
	baseAmount, err := money.FromMinorUnits(row.BaseAmountMinor, row.BaseCurrency)
	if err != nil {
		return QuoteView{}, apperr.Internal(err)
	}
	quoteAmount, err := money.FromMinorUnits(row.QuoteAmountMinor, row.QuoteCurrency)
	if err != nil {
		return QuoteView{}, apperr.Internal(err)
	}
	return QuoteView{
		ID:            row.ID,
		Symbol:        row.Symbol,
		Side:          row.Side,
		BaseCurrency:  row.BaseCurrency,
		QuoteCurrency: row.QuoteCurrency,
		BaseAmount:    baseAmount,
		Price:         row.Price,
		QuoteAmount:   quoteAmount,
		Status:        row.Status,
		ExpiresAt:     row.ExpiresAt,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func (s *Service) tradeView(row store.TradeRow) (TradeView, error) {
	baseAmount, err := money.FromMinorUnits(row.BaseAmountMinor, row.BaseCurrency)
	if err != nil {
		return TradeView{}, apperr.Internal(err)
	}
	quoteAmount, err := money.FromMinorUnits(row.QuoteAmountMinor, row.QuoteCurrency)
	if err != nil {
		return TradeView{}, apperr.Internal(err)
	}
	return TradeView{
		ID:             row.ID,
		QuoteID:        row.QuoteID,
		Symbol:         row.Symbol,
		Side:           row.Side,
		BaseCurrency:   row.BaseCurrency,
		QuoteCurrency:  row.QuoteCurrency,
		BaseAmount:     baseAmount,
		QuoteAmount:    quoteAmount,
		Price:          row.Price,
		Status:         row.Status,
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func balanceView(b store.BalanceRow) (BalanceView, error) {
	amount, err := money.FromMinorUnits(b.AvailableMinor, b.Currency)
	if err != nil {
		return BalanceView{}, apperr.Internal(err)
	}
	return BalanceView{Currency: b.Currency, Available: amount}, nil
}
