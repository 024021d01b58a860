// Package ledger maintains the double-entry book. Every balance change
// is an immutable entry; the balances table is a materialized view kept
// in the same transaction as the entries that justify it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quotedesk/internal/apperr"
	"quotedesk/internal/observability"
	"quotedesk/internal/store"
)

// Entry reasons.
const (
	ReasonDeposit = "DEPOSIT"
	ReasonTrade   = "TRADE"
)

// Service writes postings and serves balance projections.
type Service struct {
	store   store.Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(st store.Store, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   st,
		log:     log.With().Str("component", "ledger").Logger(),
		metrics: metrics,
	}
}

// Posting is one settled exchange of value: the client gives up
// DebitMinor of DebitCurrency and receives CreditMinor of
// CreditCurrency. Both amounts are positive minor units.
type Posting struct {
	ClientID       uuid.UUID
	DebitCurrency  string
	DebitMinor     *big.Int
	CreditCurrency string
	CreditMinor    *big.Int
	RefID          uuid.UUID
}

// RecordPosting writes both legs of a posting inside the caller's
// transaction. The caller must already hold the balance locks for both
// currencies (re-locking here is a no-op under the store contract; the
// lexicographic order below keeps the call safe when it is not).
//
// The debit row must exist with sufficient funds — callers check
// sufficiency before calling, so a missing row here means corrupted
// state and fails hard rather than minting money.
func (s *Service) RecordPosting(ctx context.Context, tx store.Tx, p Posting) error {
	if p.DebitMinor.Sign() <= 0 || p.CreditMinor.Sign() <= 0 {
		return apperr.New(apperr.CodeInternal, "posting amounts must be positive")
	}

	currencies := []string{p.DebitCurrency, p.CreditCurrency}
	if currencies[0] > currencies[1] {
		currencies[0], currencies[1] = currencies[1], currencies[0]
	}
	for _, c := range currencies {
		if _, err := tx.BalanceForUpdate(ctx, p.ClientID, c); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lock balance %s: %w", c, err)
		}
	}

	if err := tx.AddToBalance(ctx, p.ClientID, p.DebitCurrency, new(big.Int).Neg(p.DebitMinor)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Newf(apperr.CodeInternal, "debit balance row missing for %s", p.DebitCurrency)
		}
		return fmt.Errorf("debit %s: %w", p.DebitCurrency, err)
	}
	if err := tx.UpsertBalance(ctx, p.ClientID, p.CreditCurrency, p.CreditMinor); err != nil {
		return fmt.Errorf("credit %s: %w", p.CreditCurrency, err)
	}

	ref := p.RefID
	entries := []store.EntryRow{
		{
			ID:         uuid.New(),
			ClientID:   p.ClientID,
			Currency:   p.DebitCurrency,
			DeltaMinor: new(big.Int).Neg(p.DebitMinor),
			Reason:     ReasonTrade,
			RefID:      &ref,
		},
		{
			ID:         uuid.New(),
			ClientID:   p.ClientID,
			Currency:   p.CreditCurrency,
			DeltaMinor: new(big.Int).Set(p.CreditMinor),
			Reason:     ReasonTrade,
			RefID:      &ref,
		},
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return fmt.Errorf("insert posting entries: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LedgerEntriesWritten.Add(float64(len(entries)))
	}
	return nil
}

// Deposit credits a client with external funds in its own transaction.
func (s *Service) Deposit(ctx context.Context, clientID uuid.UUID, currency string, minor *big.Int) error {
	if minor.Sign() <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "deposit amount must be positive")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return apperr.Internal(fmt.Errorf("begin deposit: %w", err))
	}
	defer tx.Rollback()

	if err := tx.UpsertBalance(ctx, clientID, currency, minor); err != nil {
		return apperr.Internal(fmt.Errorf("credit deposit: %w", err))
	}
	if err := tx.InsertEntries(ctx, []store.EntryRow{{
		ID:         uuid.New(),
		ClientID:   clientID,
		Currency:   currency,
		DeltaMinor: new(big.Int).Set(minor),
		Reason:     ReasonDeposit,
	}}); err != nil {
		return apperr.Internal(fmt.Errorf("insert deposit entry: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(fmt.Errorf("commit deposit: %w", err))
	}

	if s.metrics != nil {
		s.metrics.Deposits.WithLabelValues(currency).Inc()
		s.metrics.LedgerEntriesWritten.Inc()
	}
	s.log.Info().
		Str("client_id", clientID.String()).
		Str("currency", currency).
		Str("minor", minor.String()).
		Msg("deposit recorded")
	return nil
}

// Balances returns the committed balances for a client, ordered by
// currency.
func (s *Service) Balances(ctx context.Context, clientID uuid.UUID) ([]store.BalanceRow, error) {
	bals, err := s.store.Balances(ctx, clientID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("read balances: %w", err))
	}
	return bals, nil
}

// Entries returns all committed entries for a client in insertion
// order.
func (s *Service) Entries(ctx context.Context, clientID uuid.UUID) ([]store.EntryRow, error) {
	entries, err := s.store.Entries(ctx, clientID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("read entries: %w", err))
	}
	return entries, nil
}

// VerifyInvariant recomputes each currency balance from the entries
// and compares it to the materialized row. Used by tests and by the
// operational check endpoint; a mismatch means a balance was mutated
// outside a posting.
func (s *Service) VerifyInvariant(ctx context.Context, clientID uuid.UUID) error {
	entries, err := s.store.Entries(ctx, clientID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("read entries: %w", err))
	}
	bals, err := s.store.Balances(ctx, clientID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("read balances: %w", err))
	}

	fromEntries := make(map[string]*big.Int)
	for _, e := range entries {
		cur, ok := fromEntries[e.Currency]
		if !ok {
			cur = new(big.Int)
			fromEntries[e.Currency] = cur
		}
		cur.Add(cur, e.DeltaMinor)
	}

	for _, b := range bals {
		want := fromEntries[b.Currency]
		if want == nil {
			want = new(big.Int)
		}
		if want.Cmp(b.AvailableMinor) != 0 {
			return apperr.Newf(apperr.CodeInternal,
				"balance mismatch for %s: entries sum %s, balance row %s",
				b.Currency, want.String(), b.AvailableMinor.String())
		}
		delete(fromEntries, b.Currency)
	}
	for currency, sum := range fromEntries {
		if sum.Sign() != 0 {
			return apperr.Newf(apperr.CodeInternal,
				"entries sum to %s for %s but no balance row exists", sum.String(), currency)
		}
	}
	return nil
}
