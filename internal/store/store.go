// Package store defines the transactional persistence boundary shared
// by the ledger and the settlement engine. Two implementations exist:
// postgres (SELECT ... FOR UPDATE row locks) and memstore (per-key
// mutexes plus a write-ahead log).
//
// Locking contract: Tx methods named *ForUpdate acquire an exclusive
// lock on the addressed row that is held until Commit or Rollback.
// Callers are responsible for a deterministic acquisition order —
// quote lock before balance locks, balance locks in lexicographic
// currency order — so that overlapping transactions cannot deadlock.
// Re-locking a row already held by the same transaction is a no-op.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: row not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint. The constraints are safety nets; the explicit row
	// locks are the primary concurrency mechanism.
	ErrDuplicate = errors.New("store: uniqueness violation")
)

// Quote lifecycle statuses.
const (
	QuoteStatusActive    = "ACTIVE"
	QuoteStatusExpired   = "EXPIRED"
	QuoteStatusExecuted  = "EXECUTED"
	QuoteStatusCancelled = "CANCELLED"
)

// Trade statuses. Trades have no transitions: created once as FILLED
// or never created.
const (
	TradeStatusFilled   = "FILLED"
	TradeStatusRejected = "REJECTED"
)

// ClientRow is a registered client. Only the API key identifier and a
// bcrypt hash of the secret are stored.
type ClientRow struct {
	ID         uuid.UUID
	Name       string
	APIKeyID   string
	APIKeyHash string
	CreatedAt  time.Time
}

// BalanceRow is the materialized per-currency available balance. It is
// a cache over the ledger entries and is only mutated inside the same
// transaction as the entries that justify the change.
type BalanceRow struct {
	ClientID       uuid.UUID
	Currency       string
	AvailableMinor *big.Int
	UpdatedAt      time.Time
}

// EntryRow is one immutable ledger entry. Entries are append-only and
// form the source of truth for balances.
type EntryRow struct {
	ID         uuid.UUID
	ClientID   uuid.UUID
	Currency   string
	DeltaMinor *big.Int
	Reason     string // DEPOSIT | TRADE
	RefID      *uuid.UUID
	CreatedAt  time.Time
}

// QuoteRow is a persisted firm quote.
type QuoteRow struct {
	ID               uuid.UUID
	ClientID         uuid.UUID
	Symbol           string
	Side             string
	BaseCurrency     string
	QuoteCurrency    string
	BaseAmountMinor  *big.Int
	Price            string
	QuoteAmountMinor *big.Int
	Status           string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// TradeRow is a settled trade. Unique on QuoteID and on
// (ClientID, IdempotencyKey).
type TradeRow struct {
	ID               uuid.UUID
	ClientID         uuid.UUID
	QuoteID          uuid.UUID
	Symbol           string
	Side             string
	BaseCurrency     string
	QuoteCurrency    string
	BaseAmountMinor  *big.Int
	QuoteAmountMinor *big.Int
	Price            string
	Status           string
	IdempotencyKey   string
	CreatedAt        time.Time
}

// Store opens transactions and serves committed read-only projections.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Balances returns the committed balances for a client, ordered by
	// currency. Because balances are written in the same transaction as
	// their postings, a committed read never shows a mismatch.
	Balances(ctx context.Context, clientID uuid.UUID) ([]BalanceRow, error)

	// Entries returns all committed ledger entries for a client in
	// insertion order.
	Entries(ctx context.Context, clientID uuid.UUID) ([]EntryRow, error)

	Client(ctx context.Context, clientID uuid.UUID) (ClientRow, error)
	DeleteClient(ctx context.Context, clientID uuid.UUID) error

	Close() error
}

// Tx is a single atomic unit of work. Every method observes the
// transaction's own uncommitted writes. Rollback after Commit is a
// no-op, so `defer tx.Rollback()` is always safe.
type Tx interface {
	Commit() error
	Rollback() error

	// Clients
	InsertClient(ctx context.Context, row ClientRow) error

	// Quotes
	InsertQuote(ctx context.Context, row QuoteRow) error
	// QuoteForUpdate locks and returns the quote owned by clientID.
	QuoteForUpdate(ctx context.Context, clientID, quoteID uuid.UUID) (QuoteRow, error)
	UpdateQuoteStatus(ctx context.Context, clientID, quoteID uuid.UUID, status string) error

	// Trades
	TradeByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (TradeRow, error)
	TradeByQuoteID(ctx context.Context, clientID, quoteID uuid.UUID) (TradeRow, error)
	InsertTrade(ctx context.Context, row TradeRow) error

	// Balances and ledger entries
	//
	// BalanceForUpdate locks the (clientID, currency) balance key even
	// when no row exists yet, so a later insert under the same key is
	// race-free; it returns ErrNotFound in that case while keeping the
	// lock.
	BalanceForUpdate(ctx context.Context, clientID uuid.UUID, currency string) (BalanceRow, error)
	// AddToBalance adjusts an existing row by delta (signed) and fails
	// with ErrNotFound when the row is missing.
	AddToBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error
	// UpsertBalance adds delta to the row, inserting it on first
	// exposure to the currency.
	UpsertBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error
	InsertEntries(ctx context.Context, rows []EntryRow) error
}
