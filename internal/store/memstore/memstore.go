// Package memstore is the in-process store implementation: tables in
// maps, exclusive per-row mutexes held for the life of a transaction,
// staged writes applied atomically at commit, and durability through a
// write-ahead log replayed at startup.
//
// It backs unit tests and single-node dev deployments; production runs
// on the postgres implementation.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vadiminshakov/gowal"

	"quotedesk/internal/store"
)

type balanceKey struct {
	ClientID uuid.UUID
	Currency string
}

type idemKey struct {
	ClientID uuid.UUID
	Key      string
}

// Store holds all tables. The table mutex guards map access; row-level
// exclusion across transactions comes from the per-key locks.
type Store struct {
	log zerolog.Logger
	now func() time.Time

	mu           sync.RWMutex
	clients      map[uuid.UUID]store.ClientRow
	balances     map[balanceKey]store.BalanceRow
	quotes       map[uuid.UUID]store.QuoteRow
	trades       map[uuid.UUID]store.TradeRow
	tradeByQuote map[uuid.UUID]uuid.UUID
	tradeByIdem  map[idemKey]uuid.UUID
	entries      []store.EntryRow

	lockMu   sync.Mutex
	rowLocks map[string]*sync.Mutex

	walMu sync.Mutex
	wal   *gowal.Wal
}

// New opens a store. With a non-empty walDir, committed transactions
// are appended to a write-ahead log before they become visible, and
// the log is replayed into the tables on startup.
func New(walDir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		log:          log,
		now:          time.Now,
		clients:      make(map[uuid.UUID]store.ClientRow),
		balances:     make(map[balanceKey]store.BalanceRow),
		quotes:       make(map[uuid.UUID]store.QuoteRow),
		trades:       make(map[uuid.UUID]store.TradeRow),
		tradeByQuote: make(map[uuid.UUID]uuid.UUID),
		tradeByIdem:  make(map[idemKey]uuid.UUID),
		rowLocks:     make(map[string]*sync.Mutex),
	}

	if walDir == "" {
		return s, nil
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              walDir,
		Prefix:           "seg_",
		SegmentThreshold: 10_000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.wal = wal

	replayed := 0
	for msg := range wal.Iterator() {
		var rec walRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			wal.Close()
			return nil, fmt.Errorf("replay wal record: %w", err)
		}
		s.applyRecord(&rec)
		replayed++
	}
	if replayed > 0 {
		log.Info().Int("records", replayed).Msg("wal replayed")
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

// walRecord is the durable form of one committed transaction. Balances
// carry absolute post-commit values so replay is idempotent per record.
type walRecord struct {
	Clients        []store.ClientRow  `json:"clients,omitempty"`
	Quotes         []store.QuoteRow   `json:"quotes,omitempty"`
	Trades         []store.TradeRow   `json:"trades,omitempty"`
	Entries        []store.EntryRow   `json:"entries,omitempty"`
	Balances       []store.BalanceRow `json:"balances,omitempty"`
	DeletedClients []uuid.UUID        `json:"deleted_clients,omitempty"`
}

// applyRecord mutates the tables; callers hold s.mu or are in startup.
func (s *Store) applyRecord(rec *walRecord) {
	for _, c := range rec.Clients {
		s.clients[c.ID] = c
	}
	for _, q := range rec.Quotes {
		s.quotes[q.ID] = q
	}
	for _, tr := range rec.Trades {
		s.trades[tr.ID] = tr
		s.tradeByQuote[tr.QuoteID] = tr.ID
		s.tradeByIdem[idemKey{tr.ClientID, tr.IdempotencyKey}] = tr.ID
	}
	s.entries = append(s.entries, rec.Entries...)
	for _, b := range rec.Balances {
		s.balances[balanceKey{b.ClientID, b.Currency}] = b
	}
	for _, id := range rec.DeletedClients {
		s.cascadeDelete(id)
	}
}

func (s *Store) cascadeDelete(clientID uuid.UUID) {
	delete(s.clients, clientID)
	for k := range s.balances {
		if k.ClientID == clientID {
			delete(s.balances, k)
		}
	}
	for id, q := range s.quotes {
		if q.ClientID == clientID {
			delete(s.quotes, id)
		}
	}
	for id, tr := range s.trades {
		if tr.ClientID == clientID {
			delete(s.trades, id)
			delete(s.tradeByQuote, tr.QuoteID)
			delete(s.tradeByIdem, idemKey{tr.ClientID, tr.IdempotencyKey})
		}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.ClientID != clientID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// --- committed reads ---

func (s *Store) Balances(_ context.Context, clientID uuid.UUID) ([]store.BalanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.BalanceRow
	for k, b := range s.balances {
		if k.ClientID == clientID {
			out = append(out, copyBalance(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *Store) Entries(_ context.Context, clientID uuid.UUID) ([]store.EntryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.EntryRow
	for _, e := range s.entries {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Client(_ context.Context, clientID uuid.UUID) (store.ClientRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return store.ClientRow{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) DeleteClient(_ context.Context, clientID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return store.ErrNotFound
	}

	rec := walRecord{DeletedClients: []uuid.UUID{clientID}}
	if err := s.appendWAL(&rec); err != nil {
		return err
	}
	s.cascadeDelete(clientID)
	return nil
}

func (s *Store) appendWAL(rec *walRecord) error {
	if s.wal == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}

	s.walMu.Lock()
	defer s.walMu.Unlock()
	if err := s.wal.Write(s.wal.CurrentIndex()+1, "commit", data); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return nil
}

func copyBalance(b store.BalanceRow) store.BalanceRow {
	c := b
	c.AvailableMinor = new(big.Int).Set(b.AvailableMinor)
	return c
}
