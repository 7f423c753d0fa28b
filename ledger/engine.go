/*
engine.go - Applies movements to the ledger and the balance projection

PURPOSE:
  The Engine is the unit of all inventory change. A movement is applied by:
    1. validating it (no store access)
    2. checking the item and kitchen exist and the item is active
    3. acquiring the balance lock(s) in canonical order
    4. opening one store transaction and reading the locked balance(s)
    5. rejecting anything that would take on-hand below zero
    6. appending one entry and upserting one balance per movement
    7. committing, then releasing the locks
  Nothing is observable to other operations until step 7.

BATCHES:
  ApplyMovements applies a list atomically: every movement commits or none
  does. Locks for all affected pairs are taken up front in the global order
  (see lock.go), so two batches over overlapping pairs cannot deadlock.

ATOMIC:
  Atomic is the building block the other two are made of. Workflow callers
  (transfer dispatch/receive, purchase receipt) use it directly: they declare
  the lock scope, and inside the transaction they can read locked balances,
  apply movements and write their own documents through the same Tx.

COSTING:
  Inbound movements with a unit cost blend the average cost (costing.go).
  Outbound movements leave the average unchanged and record it on the entry.

SEE ALSO:
  - lock.go: Locker implementations and key ordering
  - store.go: Tx / Store interfaces
  - transfer/service.go: main workflow caller
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/warp/stock-engine/ledger")

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store   Store
	Catalog Catalog
	Locker  Locker
	Log     logrus.FieldLogger

	// VerifyAfterCommit re-derives every touched balance from the ledger
	// while the locks are still held and logs any mismatch as a defect.
	VerifyAfterCommit bool

	Now   func() time.Time
	NewID func() string
}

// NewEngine wires an engine with an in-process KeyedLocker.
func NewEngine(store Store, catalog Catalog, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Store:   store,
		Catalog: catalog,
		Locker:  NewKeyedLocker(0),
		Log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// Scope declares everything an Atomic call may lock and touch.
type Scope struct {
	Resources []LockKey
	Balances  []BalanceKey
}

// ApplyMovement applies a single movement.
func (e *Engine) ApplyMovement(ctx context.Context, actor Actor, m Movement) (Result, error) {
	results, err := e.ApplyMovements(ctx, actor, []Movement{m})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// ApplyMovements applies all movements in one atomic unit. Results are in
// input order. Several movements may target the same pair; each sees the
// balance left by the previous one.
func (e *Engine) ApplyMovements(ctx context.Context, actor Actor, ms []Movement) ([]Result, error) {
	if len(ms) == 0 {
		return nil, Validationf("EmptyBatch", "at least one movement is required")
	}
	keys := make([]BalanceKey, 0, len(ms))
	for i, m := range ms {
		if err := m.Validate(); err != nil {
			if len(ms) > 1 {
				return nil, annotate(err, "movement %d", i+1)
			}
			return nil, err
		}
		keys = append(keys, m.Key())
	}

	return e.Atomic(ctx, actor, Scope{Balances: keys}, func(ctx context.Context, a *Applier) error {
		for _, m := range ms {
			if _, err := a.Apply(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Atomic acquires the locks for scope, opens one store transaction, reads
// the locked balances and runs fn with an Applier bound to them. It returns
// the results of every movement fn applied. If fn fails nothing commits.
func (e *Engine) Atomic(ctx context.Context, actor Actor, scope Scope, fn func(ctx context.Context, a *Applier) error) ([]Result, error) {
	if actor.ID == "" {
		return nil, Validationf("MissingActor", "actor identity is required")
	}
	balances := SortBalanceKeys(scope.Balances)
	if err := e.checkCatalog(ctx, balances); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ledger.Atomic")
	defer span.End()
	span.SetAttributes(
		attribute.Int("ledger.balances", len(balances)),
		attribute.Int("ledger.resources", len(scope.Resources)),
		attribute.String("ledger.actor", actor.ID),
	)

	keys := make([]LockKey, 0, len(scope.Resources)+len(balances))
	keys = append(keys, scope.Resources...)
	for _, k := range balances {
		keys = append(keys, BalanceLockKey(k))
	}
	release, err := e.Locker.Acquire(ctx, SortLockKeys(keys))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		return nil, err
	}
	defer release()

	a := &Applier{
		engine: e,
		actor:  actor,
		now:    e.now(),
		state:  make(map[BalanceKey]Balance, len(balances)),
	}
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		a.tx = tx
		for _, k := range balances {
			b, found, err := tx.LockBalance(ctx, k)
			if err != nil {
				return storeError(err, "lock balance %s", k)
			}
			if !found {
				b = emptyBalance(k)
			}
			a.state[k] = b
		}
		return fn(ctx, a)
	})
	a.tx = nil
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		e.logFailure(err, actor, balances)
		return nil, err
	}

	if e.VerifyAfterCommit {
		e.verifyTouched(ctx, a.touched)
	}
	return a.results, nil
}

// Verify re-derives a balance from the ledger and compares it with the
// cached row. The balance lock is held while reading so no movement on the
// pair can commit in between.
func (e *Engine) Verify(ctx context.Context, key BalanceKey) (Check, error) {
	release, err := e.Locker.Acquire(ctx, []LockKey{BalanceLockKey(key)})
	if err != nil {
		return Check{}, err
	}
	defer release()
	return e.check(ctx, key)
}

// errCheckDone ends a verification transaction without committing it.
var errCheckDone = errors.New("check done")

// check reads the balance and the entry sum in one transaction, the balance
// through LockBalance, so a store row lock covers both reads even when the
// Locker does not. The transaction is always rolled back.
func (e *Engine) check(ctx context.Context, key BalanceKey) (Check, error) {
	var c Check
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		b, found, err := tx.LockBalance(ctx, key)
		if err != nil {
			return storeError(err, "read balance %s", key)
		}
		if !found {
			b = emptyBalance(key)
		}
		sum, err := tx.SumEntries(ctx, key)
		if err != nil {
			return storeError(err, "sum entries %s", key)
		}
		c = Check{
			Key:        key,
			OnHand:     b.OnHand,
			LedgerSum:  sum,
			Consistent: b.OnHand.Equal(sum) && !b.OnHand.IsNegative(),
		}
		return errCheckDone
	})
	if err != nil && !errors.Is(err, errCheckDone) {
		return Check{}, storeError(err, "verify %s", key)
	}
	return c, nil
}

func (e *Engine) verifyTouched(ctx context.Context, keys []BalanceKey) {
	for _, k := range keys {
		c, err := e.check(ctx, k)
		if err != nil {
			e.Log.WithError(err).WithField("balance", k.String()).Error("post-commit verification failed to run")
			continue
		}
		if !c.Consistent {
			e.Log.WithFields(logrus.Fields{
				"balance":    k.String(),
				"on_hand":    c.OnHand.String(),
				"ledger_sum": c.LedgerSum.String(),
			}).Error("balance diverged from ledger after commit")
		}
	}
}

func (e *Engine) checkCatalog(ctx context.Context, keys []BalanceKey) error {
	if e.Catalog == nil {
		return nil
	}
	kitchens := map[KitchenID]bool{}
	items := map[ItemID]bool{}
	for _, k := range keys {
		if !kitchens[k.Kitchen] {
			if _, err := e.Catalog.Kitchen(ctx, k.Kitchen); err != nil {
				return err
			}
			kitchens[k.Kitchen] = true
		}
		if !items[k.Item] {
			item, err := e.Catalog.Item(ctx, k.Item)
			if err != nil {
				return err
			}
			if !item.Active {
				return NotFoundf("ItemNotFound", "item %s is inactive", k.Item)
			}
			items[k.Item] = true
		}
	}
	return nil
}

func (e *Engine) logFailure(err error, actor Actor, keys []BalanceKey) {
	fields := logrus.Fields{"actor": actor.ID, "balances": len(keys), "kind": KindOf(err)}
	if KindOf(err) == KindInternal {
		e.Log.WithError(err).WithFields(fields).Error("ledger transaction failed")
		return
	}
	e.Log.WithError(err).WithFields(fields).Debug("ledger transaction rejected")
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// =============================================================================
// APPLIER - Movement application inside one Atomic call
// =============================================================================

// Applier applies movements within an open transaction. It only accepts
// pairs declared in the Scope; the balances it returns are the locked,
// in-transaction values.
type Applier struct {
	engine  *Engine
	tx      Tx
	actor   Actor
	now     time.Time
	state   map[BalanceKey]Balance
	touched []BalanceKey
	results []Result
}

// Tx returns the open transaction so callers can write their own documents
// atomically with the movements.
func (a *Applier) Tx() Tx { return a.tx }

func (a *Applier) Actor() Actor { return a.actor }

// Now is the timestamp stamped on everything written by this call.
func (a *Applier) Now() time.Time { return a.now }

// Balance returns the current in-transaction balance of a declared pair.
func (a *Applier) Balance(key BalanceKey) (Balance, error) {
	b, ok := a.state[key]
	if !ok {
		return Balance{}, Internalf(nil, "balance %s is outside the declared lock scope", key)
	}
	return b, nil
}

// Apply validates and applies one movement.
func (a *Applier) Apply(ctx context.Context, m Movement) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	key := m.Key()
	cur, err := a.Balance(key)
	if err != nil {
		return Result{}, err
	}

	next, ok := nextBalance(cur, m.QtyDelta, m.UnitCost)
	if !ok {
		return Result{}, NewInsufficientStock(key, cur.OnHand, m.QtyDelta.Neg())
	}
	next.UpdatedAt = a.now

	entry := Entry{
		ID:             EntryID(a.engine.newID()),
		Kitchen:        m.Kitchen,
		Item:           m.Item,
		Kind:           m.Kind,
		QtyDelta:       m.QtyDelta,
		UnitCost:       entryCost(cur, m),
		Reference:      m.Reference,
		Reason:         m.Reason,
		IdempotencyKey: m.IdempotencyKey,
		ActorID:        a.actor.ID,
		CreatedAt:      a.now,
	}
	if err := a.tx.AppendEntry(ctx, entry); err != nil {
		return Result{}, storeError(err, "append entry for %s", key)
	}
	if err := a.tx.PutBalance(ctx, next); err != nil {
		return Result{}, storeError(err, "put balance %s", key)
	}

	if !a.wasTouched(key) {
		a.touched = append(a.touched, key)
	}
	a.state[key] = next
	r := Result{Entry: entry, Balance: next}
	a.results = append(a.results, r)
	return r, nil
}

func (a *Applier) wasTouched(key BalanceKey) bool {
	for _, k := range a.touched {
		if k == key {
			return true
		}
	}
	return false
}

// entryCost is the unit cost recorded on the entry: the supplied cost for
// costed inbound movements, the current average for outbound ones.
func entryCost(cur Balance, m Movement) *decimal.Decimal {
	if m.QtyDelta.IsNegative() {
		c := cur.AvgCost
		return &c
	}
	if m.UnitCost != nil {
		c := *m.UnitCost
		return &c
	}
	return nil
}

// =============================================================================
// CHECK - Ledger / projection reconciliation
// =============================================================================

// Check is the outcome of comparing a cached balance with its ledger.
type Check struct {
	Key        BalanceKey
	OnHand     decimal.Decimal
	LedgerSum  decimal.Decimal
	Consistent bool
}

// storeError passes classified errors (lock timeouts, duplicate idempotency
// keys) through and wraps everything else as Internal.
func storeError(err error, format string, args ...any) error {
	var e *Error
	if errors.As(err, &e) || KindOf(err) != KindInternal {
		return err
	}
	return Internalf(err, format, args...)
}

func annotate(err error, format string, args ...any) error {
	if e, ok := err.(*Error); ok {
		c := *e
		c.Detail = fmt.Sprintf(format, args...) + ": " + c.Detail
		return &c
	}
	return err
}
