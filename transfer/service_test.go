package transfer_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/memory"
	"github.com/warp/stock-engine/transfer"
)

var (
	storekeeper = ledger.Actor{ID: "sk-1", Role: ledger.RoleStorekeeper}
	manager     = ledger.Actor{ID: "mgr-1", Role: ledger.RoleManager}

	hub    = ledger.KitchenID("hub")
	branch = ledger.KitchenID("branch")
	flour  = ledger.ItemID("flour")
	oil    = ledger.ItemID("oil")
)

type fixture struct {
	store  *memory.Store
	engine *ledger.Engine
	svc    *transfer.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateKitchen(ctx, ledger.Kitchen{ID: hub, Name: "Hub", Kind: ledger.KitchenHub}))
	require.NoError(t, store.CreateKitchen(ctx, ledger.Kitchen{ID: branch, Name: "Branch", Kind: ledger.KitchenBranch}))
	require.NoError(t, store.CreateItem(ctx, ledger.Item{ID: flour, Name: "Flour", UOM: "kg", Active: true}))
	require.NoError(t, store.CreateItem(ctx, ledger.Item{ID: oil, Name: "Oil", UOM: "l", Active: true}))

	engine := ledger.NewEngine(store, store, log)
	svc := transfer.NewService(engine, store, &audit.StoreSink{Store: store}, log)
	return &fixture{store: store, engine: engine, svc: svc}
}

func (f *fixture) stock(t *testing.T, kitchen ledger.KitchenID, item ledger.ItemID, qty, cost int64) {
	t.Helper()
	c := decimal.NewFromInt(cost)
	_, err := f.engine.ApplyMovement(context.Background(), storekeeper, ledger.Movement{
		Kitchen: kitchen, Item: item, Kind: ledger.KindPurchase, QtyDelta: decimal.NewFromInt(qty), UnitCost: &c,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, kitchen ledger.KitchenID, item ledger.ItemID) ledger.Balance {
	t.Helper()
	b, _, err := f.store.Balance(context.Background(), ledger.BalanceKey{Kitchen: kitchen, Item: item})
	require.NoError(t, err)
	return b
}

func (f *fixture) request(t *testing.T, lines ...transfer.LineInput) transfer.Transfer {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), transfer.CreateInput{Source: hub, Destination: branch, Lines: lines}, storekeeper)
	require.NoError(t, err)
	return tr
}

func line(item ledger.ItemID, qty int64) transfer.LineInput {
	return transfer.LineInput{Item: item, Qty: decimal.NewFromInt(qty)}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestCanTransition_OnlyOneStepForward(t *testing.T) {
	for _, from := range transfer.Statuses {
		for _, to := range transfer.Statuses {
			next, ok := transfer.Next(from)
			want := ok && next == to
			assert.Equal(t, want, transfer.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, transfer.StatusReceived.Terminal())
	assert.False(t, transfer.Status("CANCELLED").Valid())
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_RecordsRequestedWithoutLedgerEffect(t *testing.T) {
	f := newFixture(t)
	f.stock(t, hub, flour, 10, 2)

	tr := f.request(t, line(flour, 4), line(oil, 1))

	assert.Equal(t, transfer.StatusRequested, tr.Status)
	assert.Equal(t, storekeeper.ID, tr.RequestedBy)
	require.Len(t, tr.Lines, 2)
	assert.Equal(t, 1, tr.Lines[0].Position)
	assert.Equal(t, 2, tr.Lines[1].Position)
	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, hub, flour).OnHand))
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   transfer.CreateInput
		kind ledger.Kind
		code string
	}{
		{"same kitchen", transfer.CreateInput{Source: hub, Destination: hub, Lines: []transfer.LineInput{line(flour, 1)}}, ledger.KindValidation, "SameKitchen"},
		{"no lines", transfer.CreateInput{Source: hub, Destination: branch}, ledger.KindValidation, "EmptyLines"},
		{"zero quantity", transfer.CreateInput{Source: hub, Destination: branch, Lines: []transfer.LineInput{line(flour, 0)}}, ledger.KindValidation, "InvalidQuantity"},
		{"duplicate item", transfer.CreateInput{Source: hub, Destination: branch, Lines: []transfer.LineInput{line(flour, 1), line(flour, 2)}}, ledger.KindValidation, "DuplicateLine"},
		{"unknown kitchen", transfer.CreateInput{Source: hub, Destination: "moon", Lines: []transfer.LineInput{line(flour, 1)}}, ledger.KindNotFound, ""},
		{"unknown item", transfer.CreateInput{Source: hub, Destination: branch, Lines: []transfer.LineInput{line("salt", 1)}}, ledger.KindNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.in, storekeeper)
			require.Error(t, err)
			assert.Equal(t, tc.kind, ledger.KindOf(err))
			if tc.code != "" {
				assert.Equal(t, tc.code, ledger.CodeOf(err))
			}
		})
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_RoundTripCarriesSourceCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 3)

	tr := f.request(t, line(flour, 4))

	// WHEN: approved, dispatched and received
	tr, err := f.svc.Approve(ctx, tr.ID, manager)
	require.NoError(t, err)
	assert.Equal(t, manager.ID, tr.ApprovedBy)
	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, hub, flour).OnHand), "approve has no ledger effect")

	tr, err = f.svc.Dispatch(ctx, tr.ID, storekeeper)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusDispatched, tr.Status)
	assert.True(t, decimal.NewFromInt(6).Equal(f.balance(t, hub, flour).OnHand))
	assert.True(t, f.balance(t, branch, flour).OnHand.IsZero(), "stock is in transit")

	tr, err = f.svc.Receive(ctx, tr.ID, storekeeper)
	require.NoError(t, err)

	// THEN: the branch holds the goods at the hub's average cost
	assert.Equal(t, transfer.StatusReceived, tr.Status)
	require.NotNil(t, tr.ReceivedAt)
	dst := f.balance(t, branch, flour)
	assert.True(t, decimal.NewFromInt(4).Equal(dst.OnHand))
	assert.True(t, decimal.NewFromInt(3).Equal(dst.AvgCost))

	entries, err := f.store.Entries(ctx, ledger.EntryFilter{Reference: tr.Reference()})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindTransferOut, entries[0].Kind)
	assert.Equal(t, ledger.KindTransferIn, entries[1].Kind)
	assert.True(t, entries[0].QtyDelta.Neg().Equal(entries[1].QtyDelta))

	events, err := f.store.AuditEvents(ctx, audit.Filter{EntityID: tr.ID})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestReceive_UsesSourceAverageAtReceiveTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 3)

	tr := f.request(t, line(flour, 4))
	_, err := f.svc.Approve(ctx, tr.ID, manager)
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, tr.ID, storekeeper)
	require.NoError(t, err)

	// GIVEN: the hub restocks at a higher price while the goods are on the road
	f.stock(t, hub, flour, 10, 6)

	_, err = f.svc.Receive(ctx, tr.ID, storekeeper)
	require.NoError(t, err)

	// THEN: (6*3 + 10*6) / 16 = 4.875
	assert.True(t, decimal.RequireFromString("4.875").Equal(f.balance(t, branch, flour).AvgCost))
}

func TestTransitions_NoSkippingOrRepeating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 1)
	tr := f.request(t, line(flour, 1))

	_, err := f.svc.Dispatch(ctx, tr.ID, storekeeper)
	require.Error(t, err)
	assert.Equal(t, ledger.KindInvalidTransition, ledger.KindOf(err))
	var inv *transfer.InvalidTransitionError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, transfer.StatusRequested, inv.From)
	assert.Equal(t, transfer.StatusDispatched, inv.To)

	_, err = f.svc.Receive(ctx, tr.ID, storekeeper)
	assert.Equal(t, ledger.KindInvalidTransition, ledger.KindOf(err))

	_, err = f.svc.Approve(ctx, tr.ID, manager)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, tr.ID, manager)
	assert.Equal(t, ledger.KindInvalidTransition, ledger.KindOf(err))

	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, hub, flour).OnHand))
}

func TestTransition_UnknownTransferIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Approve(context.Background(), "missing", manager)
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	assert.Equal(t, "TransferNotFound", ledger.CodeOf(err))
}

func TestDispatch_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 2)
	f.stock(t, hub, oil, 1, 5)

	tr := f.request(t, line(flour, 4), line(oil, 3))
	_, err := f.svc.Approve(ctx, tr.ID, manager)
	require.NoError(t, err)

	// WHEN: the second line is short
	_, err = f.svc.Dispatch(ctx, tr.ID, storekeeper)

	// THEN: nothing moved and the transfer stays APPROVED
	require.Error(t, err)
	assert.Equal(t, ledger.KindInsufficientStock, ledger.KindOf(err))
	var short *ledger.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, oil, short.Item)
	assert.True(t, decimal.NewFromInt(2).Equal(short.Shortfall))

	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, hub, flour).OnHand))
	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusApproved, got.Status)

	// AND: it can be dispatched once stock arrives
	f.stock(t, hub, oil, 5, 5)
	_, err = f.svc.Dispatch(ctx, tr.ID, storekeeper)
	require.NoError(t, err)
}

func TestDispatch_ConcurrentCallersMoveStockOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 2)
	tr := f.request(t, line(flour, 4))
	_, err := f.svc.Approve(ctx, tr.ID, manager)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Dispatch(ctx, tr.ID, storekeeper)
			mu.Lock()
			defer mu.Unlock()
			switch ledger.KindOf(err) {
			case "":
				ok++
			case ledger.KindInvalidTransition:
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, lost)
	assert.True(t, decimal.NewFromInt(6).Equal(f.balance(t, hub, flour).OnHand))
}

func TestList_FiltersAndValidatesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, hub, flour, 10, 2)
	first := f.request(t, line(flour, 1))
	f.request(t, line(flour, 2))
	_, err := f.svc.Approve(ctx, first.ID, manager)
	require.NoError(t, err)

	approved, err := f.svc.List(ctx, transfer.Filter{Kitchen: branch, Status: transfer.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, first.ID, approved[0].ID)

	all, err := f.svc.List(ctx, transfer.Filter{Kitchen: hub})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.List(ctx, transfer.Filter{Status: "LOST"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}
