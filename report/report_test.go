package report_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/memory"
)

var actor = ledger.Actor{ID: "mgr-1", Role: ledger.RoleManager}

func newReporter(t *testing.T) (*report.Reporter, *ledger.Engine) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateKitchen(ctx, ledger.Kitchen{ID: "hub", Name: "Central Hub", Kind: ledger.KitchenHub}))
	require.NoError(t, store.CreateKitchen(ctx, ledger.Kitchen{ID: "br", Name: "Indiranagar [West]", Kind: ledger.KitchenBranch}))
	require.NoError(t, store.CreateItem(ctx, ledger.Item{ID: "paneer", Name: "Paneer", Category: "DAIRY", UOM: "kg", ReorderPoint: decimal.NewFromInt(5), Active: true}))
	require.NoError(t, store.CreateItem(ctx, ledger.Item{ID: "rice", Name: "Rice", Category: "GRAINS", UOM: "kg", Active: true}))

	engine := ledger.NewEngine(store, store, log)
	st := stock.NewService(engine, store, nil, log)
	return report.New(st, store), engine
}

func buy(t *testing.T, engine *ledger.Engine, kitchen ledger.KitchenID, item ledger.ItemID, qty, cost string) {
	t.Helper()
	c := decimal.RequireFromString(cost)
	_, err := engine.ApplyMovement(context.Background(), actor, ledger.Movement{
		Kitchen: kitchen, Item: item, Kind: ledger.KindPurchase, QtyDelta: decimal.RequireFromString(qty), UnitCost: &c,
	})
	require.NoError(t, err)
}

func TestValuation_OnHandTimesAverageCost(t *testing.T) {
	r, engine := newReporter(t)
	buy(t, engine, "hub", "paneer", "4", "320")
	buy(t, engine, "hub", "rice", "10", "1")
	buy(t, engine, "hub", "rice", "20", "2")

	v, err := r.Valuation(context.Background(), "hub")
	require.NoError(t, err)

	require.Len(t, v.Rows, 2)
	assert.Equal(t, "Paneer", v.Rows[0].Item.Name)
	assert.True(t, decimal.NewFromInt(1280).Equal(v.Rows[0].Value))
	assert.True(t, v.Rows[0].LowStock)
	// rice: 30 kg at 1.666667 = 50.00001, rounded to 50.00
	assert.True(t, decimal.NewFromInt(50).Equal(v.Rows[1].Value), "got %s", v.Rows[1].Value)
	assert.True(t, decimal.NewFromInt(1330).Equal(v.Total))
}

func TestValuation_UnknownKitchen(t *testing.T) {
	r, _ := newReporter(t)
	_, err := r.Valuation(context.Background(), "nowhere")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}

func TestWriteXLSX_SummaryAndKitchenSheets(t *testing.T) {
	r, engine := newReporter(t)
	buy(t, engine, "hub", "paneer", "2", "300")
	buy(t, engine, "br", "rice", "5", "2")

	vals, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, vals, 2)

	var buf bytes.Buffer
	require.NoError(t, report.WriteXLSX(&buf, vals))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	sheets := f.GetSheetList()
	require.Len(t, sheets, 3)
	assert.Equal(t, "Summary", sheets[0])
	assert.Equal(t, "1-Central Hub", sheets[1])
	assert.Equal(t, "2-Indiranagar _West_", sheets[2])

	rows, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Central Hub", rows[1][0])
	assert.Equal(t, "TOTAL", rows[3][0])
	assert.Equal(t, "610", rows[3][3])

	hubRows, err := f.GetRows(sheets[1])
	require.NoError(t, err)
	require.Len(t, hubRows, 2)
	assert.Equal(t, "Paneer", hubRows[1][0])
	assert.Equal(t, "YES", hubRows[1][6])
}
