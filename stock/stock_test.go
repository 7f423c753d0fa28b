package stock_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/memory"
)

var (
	cook    = ledger.Actor{ID: "sk-1", Role: ledger.RoleStorekeeper}
	kitchen = ledger.KitchenID("k1")
	rice    = ledger.ItemID("rice")
	dal     = ledger.ItemID("dal")
	ghee    = ledger.ItemID("ghee")
)

type fixture struct {
	store  *memory.Store
	engine *ledger.Engine
	svc    *stock.Service
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateKitchen(ctx, ledger.Kitchen{ID: kitchen, Name: "Koramangala", Kind: ledger.KitchenBranch}))
	for _, it := range []ledger.Item{
		{ID: rice, Name: "Rice", Category: "GRAINS", UOM: "kg", ReorderPoint: decimal.NewFromInt(5), Active: true},
		{ID: dal, Name: "Dal", Category: "GRAINS", UOM: "kg", ReorderPoint: decimal.NewFromInt(2), Active: true},
		{ID: ghee, Name: "Ghee", Category: "DAIRY", UOM: "kg", Active: true},
	} {
		require.NoError(t, store.CreateItem(ctx, it))
	}

	f := &fixture{store: store, clock: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.engine = ledger.NewEngine(store, store, log)
	f.engine.Now = func() time.Time { return f.clock }
	f.svc = stock.NewService(f.engine, store, &audit.StoreSink{Store: store}, log)
	f.svc.Now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) buy(t *testing.T, item ledger.ItemID, qty, cost int64) {
	t.Helper()
	c := decimal.NewFromInt(cost)
	_, err := f.engine.ApplyMovement(context.Background(), cook, ledger.Movement{
		Kitchen: kitchen, Item: item, Kind: ledger.KindPurchase, QtyDelta: decimal.NewFromInt(qty), UnitCost: &c,
	})
	require.NoError(t, err)
}

func (f *fixture) onHand(t *testing.T, item ledger.ItemID) decimal.Decimal {
	t.Helper()
	b, _, err := f.store.Balance(context.Background(), ledger.BalanceKey{Kitchen: kitchen, Item: item})
	require.NoError(t, err)
	return b.OnHand
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestAdjust_DefaultsToAdjustmentEitherSign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)

	r, err := f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, QtyDelta: decimal.NewFromInt(-3), Reason: "recount"}, cook)
	require.NoError(t, err)

	assert.Equal(t, ledger.KindAdjustment, r.Entry.Kind)
	require.NotNil(t, r.Entry.Reference)
	assert.Equal(t, ledger.RefAdjustment, r.Entry.Reference.Kind)
	assert.NotEmpty(t, r.Entry.Reference.ID)
	assert.True(t, decimal.NewFromInt(7).Equal(f.onHand(t, rice)))

	_, err = f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, QtyDelta: decimal.NewFromInt(1)}, cook)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(8).Equal(f.onHand(t, rice)))

	events, err := f.store.AuditEvents(ctx, audit.Filter{Action: audit.ActionStockAdjust})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAdjust_WastageAlwaysReduces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)

	for _, qty := range []int64{2, -3} {
		r, err := f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, Kind: ledger.KindWastage, QtyDelta: decimal.NewFromInt(qty)}, cook)
		require.NoError(t, err)
		assert.True(t, r.Entry.QtyDelta.IsNegative(), "wastage of %d recorded as %s", qty, r.Entry.QtyDelta)
	}
	assert.True(t, decimal.NewFromInt(5).Equal(f.onHand(t, rice)))
}

func TestAdjust_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 1, 2)

	_, err := f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, Kind: ledger.KindPurchase, QtyDelta: decimal.NewFromInt(1)}, cook)
	assert.Equal(t, "InvalidKind", ledger.CodeOf(err))

	_, err = f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, QtyDelta: decimal.NewFromInt(-2)}, cook)
	assert.Equal(t, ledger.KindInsufficientStock, ledger.KindOf(err))

	_, err = f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, QtyDelta: decimal.Zero}, cook)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestConsume_SharesOneReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)
	f.buy(t, dal, 4, 3)

	results, err := f.svc.Consume(ctx, stock.ConsumeInput{
		Kitchen: kitchen,
		Lines: []stock.ConsumeLine{
			{Item: rice, Qty: decimal.NewFromInt(3)},
			{Item: dal, Qty: decimal.RequireFromString("1.5")},
		},
		Reason: "lunch service",
	}, cook)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, ledger.KindConsumption, results[0].Entry.Kind)
	assert.Equal(t, *results[0].Entry.Reference, *results[1].Entry.Reference)
	assert.True(t, decimal.RequireFromString("2.5").Equal(f.onHand(t, dal)))
}

func TestConsume_ShortLineRollsBackAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)
	f.buy(t, dal, 1, 3)

	_, err := f.svc.Consume(ctx, stock.ConsumeInput{
		Kitchen: kitchen,
		Lines: []stock.ConsumeLine{
			{Item: rice, Qty: decimal.NewFromInt(3)},
			{Item: dal, Qty: decimal.NewFromInt(2)},
		},
	}, cook)

	assert.Equal(t, ledger.KindInsufficientStock, ledger.KindOf(err))
	assert.True(t, decimal.NewFromInt(10).Equal(f.onHand(t, rice)))
}

func TestConsume_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, stock.ConsumeInput{Kitchen: kitchen}, cook)
	assert.Equal(t, "EmptyLines", ledger.CodeOf(err))

	_, err = f.svc.Consume(ctx, stock.ConsumeInput{Kitchen: kitchen, Lines: []stock.ConsumeLine{{Item: rice, Qty: decimal.NewFromInt(-1)}}}, cook)
	assert.Equal(t, "InvalidQuantity", ledger.CodeOf(err))
}

// =============================================================================
// READS
// =============================================================================

func TestLevels_OnlyMovedActiveItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)
	f.buy(t, ghee, 1, 9)

	levels, err := f.svc.Levels(ctx, kitchen, catalog.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, ghee, levels[0].Item.ID, "ordered by category first")
	assert.Equal(t, rice, levels[1].Item.ID)

	grains, err := f.svc.Levels(ctx, kitchen, catalog.ItemFilter{Category: "GRAINS"})
	require.NoError(t, err)
	assert.Len(t, grains, 1)

	_, err = f.svc.Levels(ctx, "elsewhere", catalog.ItemFilter{})
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestLowStock_AtOrUnderReorderPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 5, 2) // exactly at reorder point
	f.buy(t, dal, 3, 3)  // above
	f.buy(t, ghee, 1, 9) // no reorder point

	low, err := f.svc.LowStock(ctx, kitchen)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, rice, low[0].Item.ID)
}

func TestEntries_LimitCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 1, 1)
	f.buy(t, rice, 2, 1)
	f.buy(t, rice, 3, 1)

	es, err := f.svc.Entries(ctx, ledger.EntryFilter{Kitchen: kitchen, Limit: 2})
	require.NoError(t, err)
	require.Len(t, es, 2)
	assert.True(t, decimal.NewFromInt(3).Equal(es[0].QtyDelta), "newest first")

	es, err = f.svc.Entries(ctx, ledger.EntryFilter{Kitchen: kitchen, Limit: 10000})
	require.NoError(t, err)
	assert.Len(t, es, 3)
}

func TestVerify_ConsistentAfterMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, rice, 10, 2)
	_, err := f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: rice, Kind: ledger.KindWastage, QtyDelta: decimal.NewFromInt(4)}, cook)
	require.NoError(t, err)

	c, err := f.svc.Verify(ctx, kitchen, rice)
	require.NoError(t, err)
	assert.True(t, c.Consistent)
	assert.True(t, decimal.NewFromInt(6).Equal(c.LedgerSum))

	bad, err := f.svc.VerifyKitchen(ctx, kitchen)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestVerify_UnmovedPairIsConsistentZero(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Verify(context.Background(), kitchen, dal)
	require.NoError(t, err)
	assert.True(t, c.Consistent)
	assert.True(t, c.OnHand.IsZero())
}

// =============================================================================
// DASHBOARD
// =============================================================================

func TestDashboard_DepletionWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock

	// GIVEN: stock bought ten days ago, used over the last week
	f.clock = now.Add(-10 * 24 * time.Hour)
	f.buy(t, rice, 50, 2)
	f.buy(t, dal, 10, 3)
	_, err := f.svc.Consume(ctx, stock.ConsumeInput{Kitchen: kitchen, Lines: []stock.ConsumeLine{{Item: rice, Qty: decimal.NewFromInt(20)}}}, cook)
	require.NoError(t, err)

	f.clock = now.Add(-3 * 24 * time.Hour)
	_, err = f.svc.Consume(ctx, stock.ConsumeInput{Kitchen: kitchen, Lines: []stock.ConsumeLine{{Item: rice, Qty: decimal.NewFromInt(5)}}}, cook)
	require.NoError(t, err)

	f.clock = now.Add(-time.Hour)
	_, err = f.svc.Adjust(ctx, stock.AdjustInput{Kitchen: kitchen, Item: dal, Kind: ledger.KindWastage, QtyDelta: decimal.NewFromInt(9)}, cook)
	require.NoError(t, err)

	// WHEN
	f.clock = now
	d, err := f.svc.Dashboard(ctx, kitchen)
	require.NoError(t, err)

	// THEN: the 10-day-old consumption is outside both windows
	assert.Equal(t, 1, d.KitchensCount)
	assert.True(t, decimal.NewFromInt(14).Equal(d.Depletion7d), "got %s", d.Depletion7d)
	assert.True(t, decimal.NewFromInt(9).Equal(d.Depletion24h), "got %s", d.Depletion24h)
	assert.Equal(t, 1, d.DepletionByKind[ledger.KindConsumption].Count)
	assert.Equal(t, 1, d.DepletionByKind[ledger.KindWastage].Count)
	require.Len(t, d.LowStock, 1)
	assert.Equal(t, dal, d.LowStock[0].Item.ID)
	assert.Len(t, d.Recent, 5)
}

func TestDashboard_WithoutKitchenOnlyCounts(t *testing.T) {
	f := newFixture(t)
	d, err := f.svc.Dashboard(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, d.KitchensCount)
	assert.Nil(t, d.Recent)
	assert.True(t, d.Depletion7d.IsZero())
}
