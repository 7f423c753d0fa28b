package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/store/sqlite"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	hub    = ledger.KitchenID("k-hub")
	branch = ledger.KitchenID("k-branch")
	rice   = ledger.ItemID("i-rice")
	oil    = ledger.ItemID("i-oil")
	admin  = ledger.Actor{ID: "u-admin", Role: ledger.RoleAdmin}
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	for _, k := range []ledger.Kitchen{
		{ID: hub, Name: "Central Hub", Kind: ledger.KitchenHub, GeofenceRadiusMeters: 150, CreatedAt: now, UpdatedAt: now},
		{ID: branch, Name: "Downtown", Kind: ledger.KitchenBranch, GeofenceRadiusMeters: 150, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, store.CreateKitchen(ctx, k))
	}
	for _, it := range []ledger.Item{
		{ID: rice, Name: "Basmati Rice", Category: "Grains", UOM: "kg", ReorderPoint: decimal.NewFromInt(20), Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: oil, Name: "Sunflower Oil", Category: "Oils", UOM: "l", ReorderPoint: decimal.NewFromInt(10), Active: true, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, store.CreateItem(ctx, it))
	}
	return store
}

func newTestEngine(store *sqlite.Store) *ledger.Engine {
	return ledger.NewEngine(store, store, nil)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cost(s string) *decimal.Decimal {
	c := d(s)
	return &c
}

func purchaseMovement(k ledger.KitchenID, i ledger.ItemID, qty, unitCost string) ledger.Movement {
	return ledger.Movement{Kitchen: k, Item: i, Kind: ledger.KindPurchase, QtyDelta: d(qty), UnitCost: cost(unitCost)}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLite_Movements_PersistBalanceAndEntries(t *testing.T) {
	// GIVEN: Two purchases of rice at different costs
	// WHEN: Both are applied
	// THEN: The stored balance is 20 @ 15 and the ledger holds both entries in order

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, "10", "10"))
	require.NoError(t, err)
	_, err = engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, "10", "20"))
	require.NoError(t, err)

	b, found, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: hub, Item: rice})
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, b.OnHand.Equal(d("20")), "on hand = %s", b.OnHand)
	assert.True(t, b.AvgCost.Equal(d("15")), "avg cost = %s", b.AvgCost)

	entries, err := store.Entries(ctx, ledger.EntryFilter{Kitchen: hub, Item: rice})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].UnitCost.Equal(d("10")))
	assert.True(t, entries[1].UnitCost.Equal(d("20")))
	assert.Equal(t, "u-admin", entries[0].ActorID)
}

func TestSQLite_DecimalPrecision_RoundTrips(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, oil, "0.3333", "1.25"))
	require.NoError(t, err)
	_, err = engine.ApplyMovement(ctx, admin, purchaseMovement(hub, oil, "0.6667", "1.25"))
	require.NoError(t, err)

	b, _, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: hub, Item: oil})
	require.NoError(t, err)
	assert.Equal(t, "1", b.OnHand.String())

	sum, err := store.SumEntries(ctx, ledger.BalanceKey{Kitchen: hub, Item: oil})
	require.NoError(t, err)
	assert.True(t, sum.Equal(b.OnHand))
}

func TestSQLite_InsufficientStock_RollsBackBatch(t *testing.T) {
	// GIVEN: 5 kg rice and 5 l oil at the hub
	// WHEN: A batch consumes 2 kg rice and 8 l oil
	// THEN: The batch fails and the rice consumption is not persisted

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyMovements(ctx, admin, []ledger.Movement{
		purchaseMovement(hub, rice, "5", "2"),
		purchaseMovement(hub, oil, "5", "3"),
	})
	require.NoError(t, err)

	_, err = engine.ApplyMovements(ctx, admin, []ledger.Movement{
		{Kitchen: hub, Item: rice, Kind: ledger.KindConsumption, QtyDelta: d("-2")},
		{Kitchen: hub, Item: oil, Kind: ledger.KindConsumption, QtyDelta: d("-8")},
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	b, _, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: hub, Item: rice})
	require.NoError(t, err)
	assert.True(t, b.OnHand.Equal(d("5")))

	entries, err := store.Entries(ctx, ledger.EntryFilter{Kitchen: hub, Kinds: []ledger.MovementKind{ledger.KindConsumption}})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_IdempotencyKey_DuplicateIsConflict(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	m := purchaseMovement(hub, rice, "3", "4")
	m.IdempotencyKey = "delivery-42"
	_, err := engine.ApplyMovement(ctx, admin, m)
	require.NoError(t, err)

	_, err = engine.ApplyMovement(ctx, admin, m)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))

	b, _, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: hub, Item: rice})
	require.NoError(t, err)
	assert.True(t, b.OnHand.Equal(d("3")))
}

func TestSQLite_EntriesFilter_LimitIsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	for _, qty := range []string{"1", "2", "3"} {
		_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, qty, "1"))
		require.NoError(t, err)
	}

	entries, err := store.Entries(ctx, ledger.EntryFilter{Kitchen: hub, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].QtyDelta.Equal(d("3")))
	assert.True(t, entries[1].QtyDelta.Equal(d("2")))
}

func TestSQLite_LedgerEntries_AreAppendOnly(t *testing.T) {
	// GIVEN: A committed entry
	// WHEN: Someone tries to rewrite the ledger directly
	// THEN: The database rejects both UPDATE and DELETE

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, "1", "1"))
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		return sqlite.ExecForTest(ctx, tx, `UPDATE ledger_entries SET qty_delta = '100'`)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		return sqlite.ExecForTest(ctx, tx, `DELETE FROM ledger_entries`)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLite_Reset_ClearsEverything(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, "1", "1"))
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))

	kitchens, err := store.Kitchens(ctx)
	require.NoError(t, err)
	assert.Empty(t, kitchens)
	entries, err := store.Entries(ctx, ledger.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestSQLite_DuplicateItem_IsValidationError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateItem(ctx, ledger.Item{ID: "i-rice-2", Name: "Basmati Rice", UOM: "kg", ReorderPoint: decimal.Zero, Active: true})
	require.Error(t, err)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	assert.Equal(t, "DuplicateItem", ledger.CodeOf(err))

	// Same name in another unit is a different item.
	require.NoError(t, store.CreateItem(ctx, ledger.Item{ID: "i-rice-bag", Name: "Basmati Rice", UOM: "bag", ReorderPoint: decimal.Zero, Active: true}))
}

func TestSQLite_Kitchen_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Kitchen(context.Background(), "k-missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestSQLite_TransferLifecycle_PersistsStampsAndMovesStock(t *testing.T) {
	// GIVEN: 10 kg rice at the hub at cost 12
	// WHEN: A transfer of 4 kg is requested, approved, dispatched and received
	// THEN: Stock moves hub -> branch at cost 12 and every stamp is persisted

	store := newTestStore(t)
	engine := newTestEngine(store)
	svc := transfer.NewService(engine, store, nil, nil)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, admin, purchaseMovement(hub, rice, "10", "12"))
	require.NoError(t, err)

	tr, err := svc.Create(ctx, transfer.CreateInput{
		Source:      hub,
		Destination: branch,
		Lines:       []transfer.LineInput{{Item: rice, Qty: d("4")}},
	}, admin)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tr.ID, admin)
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, tr.ID, admin)
	require.NoError(t, err)
	_, err = svc.Receive(ctx, tr.ID, admin)
	require.NoError(t, err)

	got, err := store.Transfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusReceived, got.Status)
	require.NotNil(t, got.ApprovedAt)
	require.NotNil(t, got.DispatchedAt)
	require.NotNil(t, got.ReceivedAt)
	assert.Equal(t, "u-admin", got.ReceivedBy)
	require.Len(t, got.Lines, 1)
	assert.True(t, got.Lines[0].Qty.Equal(d("4")))

	src, _, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: hub, Item: rice})
	require.NoError(t, err)
	dst, _, err := store.Balance(ctx, ledger.BalanceKey{Kitchen: branch, Item: rice})
	require.NoError(t, err)
	assert.True(t, src.OnHand.Equal(d("6")))
	assert.True(t, dst.OnHand.Equal(d("4")))
	assert.True(t, dst.AvgCost.Equal(d("12")))

	entries, err := store.Entries(ctx, ledger.EntryFilter{Reference: tr.Reference()})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindTransferOut, entries[0].Kind)
	assert.Equal(t, ledger.KindTransferIn, entries[1].Kind)
}

func TestSQLite_Transfers_FilterByKitchenAndStatus(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	svc := transfer.NewService(engine, store, nil, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, transfer.CreateInput{Source: hub, Destination: branch, Lines: []transfer.LineInput{{Item: rice, Qty: d("1")}}}, admin)
	require.NoError(t, err)
	second, err := svc.Create(ctx, transfer.CreateInput{Source: branch, Destination: hub, Lines: []transfer.LineInput{{Item: oil, Qty: d("1")}}}, admin)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, second.ID, admin)
	require.NoError(t, err)

	all, err := store.Transfers(ctx, transfer.Filter{Kitchen: branch})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	requested, err := store.Transfers(ctx, transfer.Filter{Status: transfer.StatusRequested})
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, first.ID, requested[0].ID)
}

func TestSQLite_Transfer_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Transfer(context.Background(), "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// PURCHASES AND AUDIT
// =============================================================================

func TestSQLite_PurchaseReceive_StoresOrderWithLines(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)
	svc := purchase.NewService(engine, store, nil, nil)
	ctx := context.Background()

	sup, err := svc.CreateSupplier(ctx, "Fresh Farms", "+254700000000", admin)
	require.NoError(t, err)

	order, results, err := svc.Receive(ctx, purchase.Input{
		Kitchen:  hub,
		Supplier: sup.ID,
		Lines: []purchase.LineInput{
			{Item: rice, Qty: d("25"), UnitCost: d("1.8")},
			{Item: oil, Qty: d("10"), UnitCost: d("3.5")},
		},
	}, admin)
	require.NoError(t, err)
	require.Len(t, results, 2)

	orders, err := store.Orders(ctx, purchase.Filter{Kitchen: hub})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)
	assert.Equal(t, sup.ID, orders[0].Supplier)
	require.Len(t, orders[0].Lines, 2)
	assert.True(t, orders[0].Total().Equal(d("80")))
}

func TestSQLite_AuditEvents_RoundTripMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sink := &audit.StoreSink{Store: store}

	require.NoError(t, sink.Record(ctx, audit.Event{
		ActorID:    "u-1",
		Action:     audit.ActionStockAdjust,
		EntityType: "KitchenStock",
		EntityID:   "k-hub:i-rice",
		Metadata:   map[string]any{"qtyDelta": "-2", "reason": "spoiled"},
	}))
	require.NoError(t, sink.Record(ctx, audit.Event{ActorID: "u-2", Action: audit.ActionItemCreate, EntityType: "Item", EntityID: "i-x"}))

	events, err := store.AuditEvents(ctx, audit.Filter{EntityType: "KitchenStock"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "spoiled", events[0].Metadata["reason"])
	assert.NotEmpty(t, events[0].ID)

	all, err := store.AuditEvents(ctx, audit.Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, audit.ActionItemCreate, all[0].Action, "newest first")
}
