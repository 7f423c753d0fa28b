/*
store.go - Persistence interfaces for entries and balances

PURPOSE:
  Defines the boundary between the engine and the relational store. The
  store provides atomicity (WithTx); the engine provides ordering (Locker)
  and business rules.

KEY INTERFACES:
  Store:   read paths + WithTx
  Tx:      the only write path for entries and balances; handed out by
           WithTx and used exclusively by the Engine
  Catalog: item / kitchen existence checks

APPEND-ONLY CONTRACT:
  Tx has AppendEntry and no way to edit or remove an entry. Balances are
  written only through Tx.PutBalance, which only the Engine calls.

LOCKING:
  Tx.LockBalance reads a balance row and, on stores that support it, takes an
  exclusive row lock held until commit (SELECT ... FOR UPDATE). The Engine
  calls it in canonical key order so concurrent batches cannot deadlock.
  A lock the store gives up on (wait timeout, busy database, deadlock) is
  reported as ErrLockTimeout so callers see a retryable Conflict.

IMPLEMENTATIONS:
  - store/sqlite: database/sql + go-sqlite3 (default)
  - store/mysql:  gorm + MySQL, real row locks
  - store/memory: in-memory, for tests and demos

SEE ALSO:
  - engine.go: the sole writer
  - lock.go: process-level lock discipline
*/
package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION HANDLE - The only write path
// =============================================================================

// Tx is a store transaction. Stores may implement additional capabilities
// (transfer.Tx, purchase.Tx) on the same handle; callers discover them with a
// type assertion.
type Tx interface {
	// LockBalance returns the balance for key, locking the row until the
	// transaction ends where the store supports row locks. found is false
	// for a pair that has never moved.
	LockBalance(ctx context.Context, key BalanceKey) (b Balance, found bool, err error)

	// PutBalance upserts a balance row.
	PutBalance(ctx context.Context, b Balance) error

	// AppendEntry persists an entry. Returns ErrDuplicateIdempotencyKey if
	// the entry's idempotency key was already used.
	AppendEntry(ctx context.Context, e Entry) error

	// SumEntries returns the sum of QtyDelta over all entries of key as
	// seen by this transaction.
	SumEntries(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
}

// =============================================================================
// STORE
// =============================================================================

// EntryFilter selects ledger entries. Zero values match everything. Since is
// inclusive, Until exclusive.
type EntryFilter struct {
	Kitchen   KitchenID
	Item      ItemID
	Kinds     []MovementKind
	Reference *Reference
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether e passes every criterion except Limit.
func (f EntryFilter) Match(e Entry) bool {
	if f.Kitchen != "" && e.Kitchen != f.Kitchen {
		return false
	}
	if f.Item != "" && e.Item != f.Item {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Reference != nil && (e.Reference == nil || *e.Reference != *f.Reference) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Store persists entries and balances.
type Store interface {
	// WithTx executes fn within one transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Balance returns the committed balance for key.
	Balance(ctx context.Context, key BalanceKey) (Balance, bool, error)

	// Balances returns every balance row of a kitchen.
	Balances(ctx context.Context, kitchen KitchenID) ([]Balance, error)

	// Entries returns entries in commit order (oldest first) unless the
	// filter has a Limit, in which case the most recent Limit entries are
	// returned newest first.
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// SumEntries returns the sum of QtyDelta over all entries of key.
	SumEntries(ctx context.Context, key BalanceKey) (decimal.Decimal, error)
}

// =============================================================================
// CATALOG - Existence checks
// =============================================================================

// Catalog resolves items and kitchens. Both methods return an error
// classified as NotFound when the record does not exist.
type Catalog interface {
	Item(ctx context.Context, id ItemID) (Item, error)
	Kitchen(ctx context.Context, id KitchenID) (Kitchen, error)
}
