// Package memory provides an in-memory Store for tests and demos.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps everything in maps guarded by one RWMutex. Transactions hold
// the write lock for their whole duration and keep an undo log; on error the
// log is replayed backwards.
type Store struct {
	mu sync.RWMutex

	balances    map[ledger.BalanceKey]ledger.Balance
	entries     []ledger.Entry
	idempotency map[string]ledger.EntryID

	items        map[ledger.ItemID]ledger.Item
	kitchens     map[ledger.KitchenID]ledger.Kitchen
	kitchenOrder []ledger.KitchenID

	transfers     map[string]transfer.Transfer
	transferOrder []string

	suppliers map[string]purchase.Supplier
	orders    []purchase.Order

	events []audit.Event
}

func New() *Store {
	return &Store{
		balances:    make(map[ledger.BalanceKey]ledger.Balance),
		idempotency: make(map[string]ledger.EntryID),
		items:       make(map[ledger.ItemID]ledger.Item),
		kitchens:    make(map[ledger.KitchenID]ledger.Kitchen),
		transfers:   make(map[string]transfer.Transfer),
		suppliers:   make(map[string]purchase.Supplier),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &txView{parent: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// txView is the transaction handle. Its methods run with parent.mu held.
type txView struct {
	parent *Store
	undo   []func()
}

func (tx *txView) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *txView) LockBalance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	b, ok := tx.parent.balances[key]
	return b, ok, nil
}

func (tx *txView) PutBalance(_ context.Context, b ledger.Balance) error {
	s := tx.parent
	key := b.Key()
	prev, existed := s.balances[key]
	s.balances[key] = b
	tx.undo = append(tx.undo, func() {
		if existed {
			s.balances[key] = prev
		} else {
			delete(s.balances, key)
		}
	})
	return nil
}

func (tx *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	s := tx.parent
	if e.IdempotencyKey != "" {
		if _, dup := s.idempotency[e.IdempotencyKey]; dup {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		s.idempotency[e.IdempotencyKey] = e.ID
	}
	n := len(s.entries)
	s.entries = append(s.entries, e)
	tx.undo = append(tx.undo, func() {
		s.entries = s.entries[:n]
		if e.IdempotencyKey != "" {
			delete(s.idempotency, e.IdempotencyKey)
		}
	})
	return nil
}

func (tx *txView) SumEntries(_ context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	return tx.parent.sumEntries(key), nil
}

func (tx *txView) LockTransfer(_ context.Context, id string) (transfer.Transfer, error) {
	t, ok := tx.parent.transfers[id]
	if !ok {
		return transfer.Transfer{}, transfer.NotFound(id)
	}
	return cloneTransfer(t), nil
}

func (tx *txView) UpdateTransfer(_ context.Context, t transfer.Transfer) error {
	s := tx.parent
	prev, ok := s.transfers[t.ID]
	if !ok {
		return transfer.NotFound(t.ID)
	}
	s.transfers[t.ID] = cloneTransfer(t)
	tx.undo = append(tx.undo, func() { s.transfers[t.ID] = prev })
	return nil
}

func (tx *txView) CreateOrder(_ context.Context, o purchase.Order) error {
	s := tx.parent
	n := len(s.orders)
	o.Lines = slices.Clone(o.Lines)
	s.orders = append(s.orders, o)
	tx.undo = append(tx.undo, func() { s.orders = s.orders[:n] })
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) Balance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[key]
	return b, ok, nil
}

func (s *Store) Balances(_ context.Context, kitchen ledger.KitchenID) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Balance
	for k, b := range s.balances {
		if k.Kitchen == kitchen {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Balance) int { return cmp.Compare(a.Item, b.Item) })
	return out, nil
}

func (s *Store) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	if f.Limit > 0 {
		for i := len(s.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
			if f.Match(s.entries[i]) {
				out = append(out, s.entries[i])
			}
		}
		return out, nil
	}
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) SumEntries(_ context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumEntries(key), nil
}

func (s *Store) sumEntries(key ledger.BalanceKey) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.entries {
		if e.Key() == key {
			sum = sum.Add(e.QtyDelta)
		}
	}
	return sum
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) AuditEvents(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if (f.ActorID != "" && e.ActorID != f.ActorID) ||
			(f.EntityType != "" && e.EntityType != f.EntityType) ||
			(f.EntityID != "" && e.EntityID != f.EntityID) ||
			(f.Action != "" && e.Action != f.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Reset drops all data.
func (s *Store) Reset(context.Context) error {
	fresh := New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances, s.entries, s.idempotency = fresh.balances, nil, fresh.idempotency
	s.items, s.kitchens, s.kitchenOrder = fresh.items, fresh.kitchens, nil
	s.transfers, s.transferOrder = fresh.transfers, nil
	s.suppliers, s.orders, s.events = fresh.suppliers, nil, nil
	return nil
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Tx      = (*txView)(nil)
	_ transfer.Tx    = (*txView)(nil)
	_ purchase.Tx    = (*txView)(nil)
	_ transfer.Store = (*Store)(nil)
	_ purchase.Store = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
)
