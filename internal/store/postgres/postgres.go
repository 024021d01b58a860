// Package postgres is the production store implementation. Row locks
// come from SELECT ... FOR UPDATE; money columns are NUMERIC(38,0)
// minor units moved across the wire as decimal strings so scale-18
// currencies never touch int64.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"quotedesk/internal/store"
)

// Store wraps a *sql.DB connection pool.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing pool. Used by tests and the migrate
// command, which manage the connection themselves.
func NewWithDB(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Balances(ctx context.Context, clientID uuid.UUID) ([]store.BalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, available_minor::text, updated_at
		FROM balances
		WHERE client_id = $1
		ORDER BY currency`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []store.BalanceRow
	for rows.Next() {
		b := store.BalanceRow{ClientID: clientID}
		var minor string
		if err := rows.Scan(&b.Currency, &minor, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if b.AvailableMinor, err = parseMinor(minor); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, clientID uuid.UUID) ([]store.EntryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, currency, delta_minor::text, reason, ref_id, created_at
		FROM ledger_entries
		WHERE client_id = $1
		ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []store.EntryRow
	for rows.Next() {
		e := store.EntryRow{ClientID: clientID}
		var (
			delta string
			ref   uuid.NullUUID
		)
		if err := rows.Scan(&e.ID, &e.Currency, &delta, &e.Reason, &ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.DeltaMinor, err = parseMinor(delta); err != nil {
			return nil, err
		}
		if ref.Valid {
			id := ref.UUID
			e.RefID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Client(ctx context.Context, clientID uuid.UUID) (store.ClientRow, error) {
	var c store.ClientRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_id, api_key_hash, created_at
		FROM clients
		WHERE id = $1`, clientID).
		Scan(&c.ID, &c.Name, &c.APIKeyID, &c.APIKeyHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ClientRow{}, store.ErrNotFound
	}
	if err != nil {
		return store.ClientRow{}, fmt.Errorf("query client: %w", err)
	}
	return c, nil
}

// DeleteClient removes the client; balances, quotes, trades and entries
// go with it through ON DELETE CASCADE.
func (s *Store) DeleteClient(ctx context.Context, clientID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Tx implements store.Tx over a database transaction. The *ForUpdate
// lock ordering contract is the caller's job; this layer just issues
// the FOR UPDATE selects.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *Tx) InsertClient(ctx context.Context, row store.ClientRow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO clients (id, name, api_key_id, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		row.ID, row.Name, row.APIKeyID, row.APIKeyHash, nullTime(row.CreatedAt))
	return mapErr(err, "insert client")
}

func (t *Tx) InsertQuote(ctx context.Context, row store.QuoteRow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO quotes
			(id, client_id, symbol, side, base_currency, quote_currency,
			 base_amount_minor, price, quote_amount_minor, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10, $11, COALESCE($12, NOW()))`,
		row.ID, row.ClientID, row.Symbol, row.Side, row.BaseCurrency, row.QuoteCurrency,
		row.BaseAmountMinor.String(), row.Price, row.QuoteAmountMinor.String(),
		row.Status, row.ExpiresAt, nullTime(row.CreatedAt))
	return mapErr(err, "insert quote")
}

func (t *Tx) QuoteForUpdate(ctx context.Context, clientID, quoteID uuid.UUID) (store.QuoteRow, error) {
	q := store.QuoteRow{ID: quoteID, ClientID: clientID}
	var baseMinor, quoteMinor string
	err := t.tx.QueryRowContext(ctx, `
		SELECT symbol, side, base_currency, quote_currency,
		       base_amount_minor::text, price, quote_amount_minor::text,
		       status, expires_at, created_at
		FROM quotes
		WHERE id = $1 AND client_id = $2
		FOR UPDATE`, quoteID, clientID).
		Scan(&q.Symbol, &q.Side, &q.BaseCurrency, &q.QuoteCurrency,
			&baseMinor, &q.Price, &quoteMinor, &q.Status, &q.ExpiresAt, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.QuoteRow{}, store.ErrNotFound
	}
	if err != nil {
		return store.QuoteRow{}, fmt.Errorf("select quote for update: %w", err)
	}
	if q.BaseAmountMinor, err = parseMinor(baseMinor); err != nil {
		return store.QuoteRow{}, err
	}
	if q.QuoteAmountMinor, err = parseMinor(quoteMinor); err != nil {
		return store.QuoteRow{}, err
	}
	return q, nil
}

func (t *Tx) UpdateQuoteStatus(ctx context.Context, clientID, quoteID uuid.UUID, status string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE quotes SET status = $1 WHERE id = $2 AND client_id = $3`,
		status, quoteID, clientID)
	if err != nil {
		return mapErr(err, "update quote status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) TradeByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (store.TradeRow, error) {
	return t.scanTrade(t.tx.QueryRowContext(ctx, tradeSelect+`
		WHERE client_id = $1 AND idempotency_key = $2`, clientID, key))
}

func (t *Tx) TradeByQuoteID(ctx context.Context, clientID, quoteID uuid.UUID) (store.TradeRow, error) {
	return t.scanTrade(t.tx.QueryRowContext(ctx, tradeSelect+`
		WHERE client_id = $1 AND quote_id = $2`, clientID, quoteID))
}

const tradeSelect = `
	SELECT id, client_id, quote_id, symbol, side, base_currency, quote_currency,
	       base_amount_minor::text, quote_amount_minor::text, price, status,
	       idempotency_key, created_at
	FROM trades`

func (t *Tx) scanTrade(row *sql.Row) (store.TradeRow, error) {
	var tr store.TradeRow
	var baseMinor, quoteMinor string
	err := row.Scan(&tr.ID, &tr.ClientID, &tr.QuoteID, &tr.Symbol, &tr.Side,
		&tr.BaseCurrency, &tr.QuoteCurrency, &baseMinor, &quoteMinor,
		&tr.Price, &tr.Status, &tr.IdempotencyKey, &tr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TradeRow{}, store.ErrNotFound
	}
	if err != nil {
		return store.TradeRow{}, fmt.Errorf("scan trade: %w", err)
	}
	if tr.BaseAmountMinor, err = parseMinor(baseMinor); err != nil {
		return store.TradeRow{}, err
	}
	if tr.QuoteAmountMinor, err = parseMinor(quoteMinor); err != nil {
		return store.TradeRow{}, err
	}
	return tr, nil
}

func (t *Tx) InsertTrade(ctx context.Context, row store.TradeRow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades
			(id, client_id, quote_id, symbol, side, base_currency, quote_currency,
			 base_amount_minor, quote_amount_minor, price, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12, COALESCE($13, NOW()))`,
		row.ID, row.ClientID, row.QuoteID, row.Symbol, row.Side,
		row.BaseCurrency, row.QuoteCurrency,
		row.BaseAmountMinor.String(), row.QuoteAmountMinor.String(),
		row.Price, row.Status, row.IdempotencyKey, nullTime(row.CreatedAt))
	return mapErr(err, "insert trade")
}

func (t *Tx) BalanceForUpdate(ctx context.Context, clientID uuid.UUID, currency string) (store.BalanceRow, error) {
	b := store.BalanceRow{ClientID: clientID, Currency: currency}
	var minor string
	err := t.tx.QueryRowContext(ctx, `
		SELECT available_minor::text, updated_at
		FROM balances
		WHERE client_id = $1 AND currency = $2
		FOR UPDATE`, clientID, currency).
		Scan(&minor, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// FOR UPDATE cannot lock a row that does not exist, so take a
		// transaction-scoped advisory lock on the key instead. The
		// first insert for a (client, currency) pair is then serialized
		// the same way an existing row would be.
		if _, lockErr := t.tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			clientID.String()+":"+currency); lockErr != nil {
			return store.BalanceRow{}, fmt.Errorf("advisory lock balance key: %w", lockErr)
		}
		return store.BalanceRow{}, store.ErrNotFound
	}
	if err != nil {
		return store.BalanceRow{}, fmt.Errorf("select balance for update: %w", err)
	}
	if b.AvailableMinor, err = parseMinor(minor); err != nil {
		return store.BalanceRow{}, err
	}
	return b, nil
}

func (t *Tx) AddToBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances
		SET available_minor = available_minor + $1::numeric, updated_at = NOW()
		WHERE client_id = $2 AND currency = $3`,
		delta.String(), clientID, currency)
	if err != nil {
		return mapErr(err, "add to balance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) UpsertBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (client_id, currency, available_minor, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())
		ON CONFLICT (client_id, currency)
		DO UPDATE SET available_minor = balances.available_minor + EXCLUDED.available_minor,
		              updated_at = NOW()`,
		clientID, currency, delta.String())
	return mapErr(err, "upsert balance")
}

func (t *Tx) InsertEntries(ctx context.Context, rows []store.EntryRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Multi-row INSERT; settlement writes two entries, deposits one.
	query := `INSERT INTO ledger_entries
		(id, client_id, currency, delta_minor, reason, ref_id, created_at)
		VALUES `
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)
	for i, e := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d::numeric, $%d, $%d, COALESCE($%d, NOW()))",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		var ref interface{}
		if e.RefID != nil {
			ref = *e.RefID
		}
		args = append(args, e.ID, e.ClientID, e.Currency, e.DeltaMinor.String(),
			e.Reason, ref, nullTime(e.CreatedAt))
	}
	query += strings.Join(values, ", ")

	_, err := t.tx.ExecContext(ctx, query, args...)
	return mapErr(err, "insert entries")
}

// mapErr translates unique violations to store.ErrDuplicate and wraps
// everything else.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseMinor(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", s)
	}
	return v, nil
}

// nullTime maps the zero time to NULL so COALESCE can fill NOW().
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
