package memstore

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"quotedesk/internal/store"
)

var errTxFinished = errors.New("memstore: transaction already finished")

// Tx stages all writes and applies them atomically at Commit. Row
// locks taken by *ForUpdate methods are released only when the
// transaction finishes, which is what serializes overlapping
// settlement attempts.
type Tx struct {
	s    *Store
	done bool

	held     []*sync.Mutex
	heldKeys map[string]struct{}

	clients  map[uuid.UUID]store.ClientRow
	quotes   map[uuid.UUID]store.QuoteRow
	trades   []store.TradeRow
	entries  []store.EntryRow
	balances map[balanceKey]store.BalanceRow
}

func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	return &Tx{
		s:        s,
		heldKeys: make(map[string]struct{}),
		clients:  make(map[uuid.UUID]store.ClientRow),
		quotes:   make(map[uuid.UUID]store.QuoteRow),
		balances: make(map[balanceKey]store.BalanceRow),
	}, nil
}

// lockKey blocks until the per-row mutex is held. Acquiring a key the
// transaction already holds is a no-op, mirroring FOR UPDATE semantics
// inside a single database transaction.
func (t *Tx) lockKey(key string) {
	if _, ok := t.heldKeys[key]; ok {
		return
	}

	t.s.lockMu.Lock()
	m, ok := t.s.rowLocks[key]
	if !ok {
		m = new(sync.Mutex)
		t.s.rowLocks[key] = m
	}
	t.s.lockMu.Unlock()

	m.Lock()
	t.held = append(t.held, m)
	t.heldKeys[key] = struct{}{}
}

func (t *Tx) releaseLocks() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
	t.held = nil
	t.heldKeys = nil
}

func quoteLockKey(quoteID uuid.UUID) string {
	return "quote:" + quoteID.String()
}

func balanceLockKey(clientID uuid.UUID, currency string) string {
	return "bal:" + clientID.String() + ":" + currency
}

// --- clients ---

func (t *Tx) InsertClient(_ context.Context, row store.ClientRow) error {
	if t.done {
		return errTxFinished
	}

	t.s.mu.RLock()
	_, exists := t.s.clients[row.ID]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrDuplicate
	}
	if _, staged := t.clients[row.ID]; staged {
		return store.ErrDuplicate
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = t.s.now()
	}
	t.clients[row.ID] = row
	return nil
}

// --- quotes ---

func (t *Tx) InsertQuote(_ context.Context, row store.QuoteRow) error {
	if t.done {
		return errTxFinished
	}

	t.s.mu.RLock()
	_, exists := t.s.quotes[row.ID]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrDuplicate
	}
	if _, staged := t.quotes[row.ID]; staged {
		return store.ErrDuplicate
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = t.s.now()
	}
	t.quotes[row.ID] = row
	return nil
}

func (t *Tx) QuoteForUpdate(_ context.Context, clientID, quoteID uuid.UUID) (store.QuoteRow, error) {
	if t.done {
		return store.QuoteRow{}, errTxFinished
	}

	t.lockKey(quoteLockKey(quoteID))

	if q, ok := t.quotes[quoteID]; ok {
		if q.ClientID != clientID {
			return store.QuoteRow{}, store.ErrNotFound
		}
		return q, nil
	}

	t.s.mu.RLock()
	q, ok := t.s.quotes[quoteID]
	t.s.mu.RUnlock()
	if !ok || q.ClientID != clientID {
		return store.QuoteRow{}, store.ErrNotFound
	}
	return q, nil
}

func (t *Tx) UpdateQuoteStatus(ctx context.Context, clientID, quoteID uuid.UUID, status string) error {
	if t.done {
		return errTxFinished
	}

	q, err := t.QuoteForUpdate(ctx, clientID, quoteID)
	if err != nil {
		return err
	}
	q.Status = status
	t.quotes[quoteID] = q
	return nil
}

// --- trades ---

func (t *Tx) TradeByIdempotencyKey(_ context.Context, clientID uuid.UUID, key string) (store.TradeRow, error) {
	if t.done {
		return store.TradeRow{}, errTxFinished
	}

	for _, tr := range t.trades {
		if tr.ClientID == clientID && tr.IdempotencyKey == key {
			return tr, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.tradeByIdem[idemKey{clientID, key}]
	if !ok {
		return store.TradeRow{}, store.ErrNotFound
	}
	return t.s.trades[id], nil
}

func (t *Tx) TradeByQuoteID(_ context.Context, clientID, quoteID uuid.UUID) (store.TradeRow, error) {
	if t.done {
		return store.TradeRow{}, errTxFinished
	}

	for _, tr := range t.trades {
		if tr.ClientID == clientID && tr.QuoteID == quoteID {
			return tr, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.tradeByQuote[quoteID]
	if !ok {
		return store.TradeRow{}, store.ErrNotFound
	}
	tr := t.s.trades[id]
	if tr.ClientID != clientID {
		return store.TradeRow{}, store.ErrNotFound
	}
	return tr, nil
}

func (t *Tx) InsertTrade(_ context.Context, row store.TradeRow) error {
	if t.done {
		return errTxFinished
	}

	t.s.mu.RLock()
	_, quoteTaken := t.s.tradeByQuote[row.QuoteID]
	_, idemTaken := t.s.tradeByIdem[idemKey{row.ClientID, row.IdempotencyKey}]
	t.s.mu.RUnlock()
	if quoteTaken || idemTaken {
		return store.ErrDuplicate
	}
	for _, tr := range t.trades {
		if tr.QuoteID == row.QuoteID ||
			(tr.ClientID == row.ClientID && tr.IdempotencyKey == row.IdempotencyKey) {
			return store.ErrDuplicate
		}
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = t.s.now()
	}
	t.trades = append(t.trades, row)
	return nil
}

// --- balances and entries ---

func (t *Tx) BalanceForUpdate(_ context.Context, clientID uuid.UUID, currency string) (store.BalanceRow, error) {
	if t.done {
		return store.BalanceRow{}, errTxFinished
	}

	// The lock covers the key itself, not just an existing row, so the
	// first insert for a (client, currency) pair is serialized too.
	t.lockKey(balanceLockKey(clientID, currency))

	k := balanceKey{clientID, currency}
	if b, ok := t.balances[k]; ok {
		return copyBalance(b), nil
	}

	t.s.mu.RLock()
	b, ok := t.s.balances[k]
	t.s.mu.RUnlock()
	if !ok {
		return store.BalanceRow{}, store.ErrNotFound
	}
	return copyBalance(b), nil
}

func (t *Tx) AddToBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error {
	if t.done {
		return errTxFinished
	}

	cur, err := t.BalanceForUpdate(ctx, clientID, currency)
	if err != nil {
		return err
	}

	cur.AvailableMinor = new(big.Int).Add(cur.AvailableMinor, delta)
	cur.UpdatedAt = t.s.now()
	t.balances[balanceKey{clientID, currency}] = cur
	return nil
}

func (t *Tx) UpsertBalance(ctx context.Context, clientID uuid.UUID, currency string, delta *big.Int) error {
	if t.done {
		return errTxFinished
	}

	err := t.AddToBalance(ctx, clientID, currency, delta)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	t.balances[balanceKey{clientID, currency}] = store.BalanceRow{
		ClientID:       clientID,
		Currency:       currency,
		AvailableMinor: new(big.Int).Set(delta),
		UpdatedAt:      t.s.now(),
	}
	return nil
}

func (t *Tx) InsertEntries(_ context.Context, rows []store.EntryRow) error {
	if t.done {
		return errTxFinished
	}

	for _, row := range rows {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = t.s.now()
		}
		if row.DeltaMinor != nil {
			row.DeltaMinor = new(big.Int).Set(row.DeltaMinor)
		}
		t.entries = append(t.entries, row)
	}
	return nil
}

// --- lifecycle ---

// Commit appends the staged writes to the WAL and applies them to the
// tables in one step. Uniqueness constraints are re-verified under the
// table mutex: two transactions can stage conflicting trades without
// sharing a single row lock (same idempotency key, different quotes),
// and the loser has to fail here the way a database UNIQUE index would
// fail it.
func (t *Tx) Commit() error {
	if t.done {
		return errTxFinished
	}
	defer func() {
		t.done = true
		t.releaseLocks()
	}()

	rec := walRecord{
		Entries: t.entries,
		Trades:  t.trades,
	}
	for _, c := range t.clients {
		rec.Clients = append(rec.Clients, c)
	}
	for _, q := range t.quotes {
		rec.Quotes = append(rec.Quotes, q)
	}
	for _, b := range t.balances {
		rec.Balances = append(rec.Balances, b)
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, tr := range t.trades {
		if _, taken := t.s.tradeByQuote[tr.QuoteID]; taken {
			return store.ErrDuplicate
		}
		if _, taken := t.s.tradeByIdem[idemKey{tr.ClientID, tr.IdempotencyKey}]; taken {
			return store.ErrDuplicate
		}
	}

	if err := t.s.appendWAL(&rec); err != nil {
		return err
	}
	t.s.applyRecord(&rec)
	return nil
}

// Rollback discards staged writes and releases the row locks. After a
// Commit it is a no-op, so deferring it unconditionally is safe.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.releaseLocks()
	return nil
}
