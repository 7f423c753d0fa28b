package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/memory"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type testAPI struct {
	t       *testing.T
	store   *memory.Store
	svc     Services
	handler *Handler
	router  http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memory.New()
	sink := &audit.StoreSink{Store: store}
	cat := catalog.NewService(store, sink, log)
	engine := ledger.NewEngine(store, cat, log)
	st := stock.NewService(engine, cat.Store, sink, log)
	svc := Services{
		Catalog:   cat,
		Stock:     st,
		Purchases: purchase.NewService(engine, store, sink, log),
		Transfers: transfer.NewService(engine, store, sink, log),
		Reports:   report.New(st, store),
		AuditLog:  store,
		Backend:   store,
	}
	h := NewHandler(svc, log)
	h.AllowReset = true
	h.Scheduler = NewVerificationScheduler(st, store, 0, log)

	return &testAPI{t: t, store: store, svc: svc, handler: h, router: NewRouter(h, RouterOptions{})}
}

// do sends a request as an actor of the given role. An empty role sends no
// identity headers.
func (a *testAPI) do(method, path string, role ledger.Role, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(HeaderActorID, "user-"+strings.ToLower(string(role)))
		req.Header.Set(HeaderActorRole, string(role))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// setupKitchens creates a hub, a branch and one item through the API.
func (a *testAPI) setupKitchens() (hub, branch KitchenDTO, item ItemDTO) {
	a.t.Helper()
	rec := a.do("POST", "/api/kitchens", ledger.RoleAdmin, CreateKitchenRequest{Name: "Hub", Kind: "HUB"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	hub = decodeBody[KitchenDTO](a.t, rec)

	rec = a.do("POST", "/api/kitchens", ledger.RoleAdmin, CreateKitchenRequest{Name: "Branch", Kind: "BRANCH"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	branch = decodeBody[KitchenDTO](a.t, rec)

	rec = a.do("POST", "/api/items", ledger.RoleManager, CreateItemRequest{
		Name: "Flour", UOM: "kg", Category: "BASE_CORE", ReorderPoint: decimal.NewFromInt(5),
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	item = decodeBody[ItemDTO](a.t, rec)
	return hub, branch, item
}

func (a *testAPI) purchase(kitchen, item string, qty, cost int64) {
	a.t.Helper()
	rec := a.do("POST", "/api/purchases", ledger.RoleStorekeeper, PurchaseRequest{
		KitchenID: kitchen,
		Lines: []PurchaseLineRequest{
			{ItemID: item, Qty: decimal.NewFromInt(qty), UnitCost: decimal.NewFromInt(cost)},
		},
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (a *testAPI) level(kitchen, item string) LevelDTO {
	a.t.Helper()
	rec := a.do("GET", "/api/stock/levels?kitchenId="+kitchen, ledger.RoleEmployee, nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	for _, l := range decodeBody[[]LevelDTO](a.t, rec) {
		if l.Item.ID == item {
			return l
		}
	}
	a.t.Fatalf("no level for item %s at kitchen %s", item, kitchen)
	return LevelDTO{}
}

// =============================================================================
// AUTH
// =============================================================================

func TestHealth_NoIdentityRequired(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuth_MissingIdentityIsUnauthorized(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/kitchens", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_SystemRoleCannotBeClaimed(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/kitchens", ledger.RoleSystem, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_RoleBelowMinimumIsForbidden(t *testing.T) {
	// GIVEN: A storekeeper
	a := newTestAPI(t)

	// WHEN: They try to create a kitchen (ADMIN only)
	rec := a.do("POST", "/api/kitchens", ledger.RoleStorekeeper, CreateKitchenRequest{Name: "X", Kind: "HUB"})

	// THEN: Forbidden, and nothing was created
	assert.Equal(t, http.StatusForbidden, rec.Code)
	kitchens, err := a.store.Kitchens(context.Background())
	require.NoError(t, err)
	assert.Empty(t, kitchens)
}

// =============================================================================
// STOCK
// =============================================================================

func TestPurchases_WeightedAverageThroughAPI(t *testing.T) {
	// GIVEN: A kitchen and an item
	a := newTestAPI(t)
	hub, _, item := a.setupKitchens()

	// WHEN: 10 are bought at 10, then 10 at 20
	a.purchase(hub.ID, item.ID, 10, 10)
	a.purchase(hub.ID, item.ID, 10, 20)

	// THEN: 20 on hand at an average of 15
	l := a.level(hub.ID, item.ID)
	assert.True(t, l.OnHand.Equal(decimal.NewFromInt(20)), "on hand %s", l.OnHand)
	assert.True(t, l.AvgCost.Equal(decimal.NewFromInt(15)), "avg cost %s", l.AvgCost)
	assert.False(t, l.LowStock)
}

func TestConsumption_InsufficientStockIsConflict(t *testing.T) {
	// GIVEN: 3 units on hand
	a := newTestAPI(t)
	hub, _, item := a.setupKitchens()
	a.purchase(hub.ID, item.ID, 3, 10)

	// WHEN: 5 are consumed
	rec := a.do("POST", "/api/stock/consumption", ledger.RoleStorekeeper, ConsumptionRequest{
		KitchenID: hub.ID,
		Lines:     []LineRequest{{ItemID: item.ID, Qty: decimal.NewFromInt(5)}},
	})

	// THEN: 409 InsufficientStock, balance untouched
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "InsufficientStock", body.Error)
	assert.Equal(t, "InsufficientStock", body.Code)
	assert.True(t, a.level(hub.ID, item.ID).OnHand.Equal(decimal.NewFromInt(3)))
}

func TestAdjustment_WastageRecordedNegative(t *testing.T) {
	a := newTestAPI(t)
	hub, _, item := a.setupKitchens()
	a.purchase(hub.ID, item.ID, 10, 10)

	rec := a.do("POST", "/api/stock/adjustments", ledger.RoleStorekeeper, AdjustmentRequest{
		KitchenID: hub.ID, ItemID: item.ID, Kind: "WASTAGE", QtyDelta: decimal.NewFromInt(2), Reason: "spilled",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[MovementResultDTO](t, rec)
	assert.Equal(t, "WASTAGE", res.Entry.Kind)
	assert.True(t, res.Entry.QtyDelta.Equal(decimal.NewFromInt(-2)))
	assert.True(t, res.Balance.OnHand.Equal(decimal.NewFromInt(8)))
}

func TestValidation_MissingFieldsAreBadRequest(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("POST", "/api/stock/consumption", ledger.RoleStorekeeper, ConsumptionRequest{})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "ValidationError", body.Error)
	assert.Contains(t, body.Details, "kitchenId is required")
	assert.Contains(t, body.Details, "lines is required")
}

func TestValidation_UnknownKitchenIsNotFound(t *testing.T) {
	a := newTestAPI(t)
	_, _, item := a.setupKitchens()

	rec := a.do("POST", "/api/stock/adjustments", ledger.RoleStorekeeper, AdjustmentRequest{
		KitchenID: "nowhere", ItemID: item.ID, QtyDelta: decimal.NewFromInt(1),
	})

	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "KitchenNotFound", decodeBody[ErrorResponse](t, rec).Code)
}

func TestLevels_RequireKitchen(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/stock/levels", ledger.RoleEmployee, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_LifecycleThroughAPI(t *testing.T) {
	// GIVEN: 20 units at the hub at an average of 15
	a := newTestAPI(t)
	hub, branch, item := a.setupKitchens()
	a.purchase(hub.ID, item.ID, 10, 10)
	a.purchase(hub.ID, item.ID, 10, 20)

	rec := a.do("POST", "/api/transfers", ledger.RoleStorekeeper, CreateTransferRequest{
		FromKitchenID: hub.ID,
		ToKitchenID:   branch.ID,
		Lines:         []LineRequest{{ItemID: item.ID, Qty: decimal.NewFromInt(8)}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decodeBody[TransferDTO](t, rec)
	assert.Equal(t, "REQUESTED", tr.Status)
	path := "/api/transfers/" + tr.ID

	// WHEN/THEN: Dispatch before approval is an invalid transition
	rec = a.do("POST", path+"/dispatch", ledger.RoleStorekeeper, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidTransition", decodeBody[ErrorResponse](t, rec).Error)

	// Approval needs a manager
	rec = a.do("POST", path+"/approve", ledger.RoleStorekeeper, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do("POST", path+"/approve", ledger.RoleManager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "user-manager", decodeBody[TransferDTO](t, rec).ApprovedBy)

	rec = a.do("POST", path+"/dispatch", ledger.RoleStorekeeper, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, a.level(hub.ID, item.ID).OnHand.Equal(decimal.NewFromInt(12)))

	rec = a.do("POST", path+"/receive", ledger.RoleStorekeeper, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[TransferDTO](t, rec)
	assert.Equal(t, "RECEIVED", done.Status)
	assert.NotNil(t, done.ReceivedAt)

	// The branch inherits the hub's average cost
	l := a.level(branch.ID, item.ID)
	assert.True(t, l.OnHand.Equal(decimal.NewFromInt(8)))
	assert.True(t, l.AvgCost.Equal(decimal.NewFromInt(15)), "avg cost %s", l.AvgCost)

	// Receiving twice is rejected
	rec = a.do("POST", path+"/receive", ledger.RoleStorekeeper, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransfer_ListFiltersByKitchenAndStatus(t *testing.T) {
	a := newTestAPI(t)
	hub, branch, item := a.setupKitchens()
	for i := 0; i < 2; i++ {
		rec := a.do("POST", "/api/transfers", ledger.RoleStorekeeper, CreateTransferRequest{
			FromKitchenID: hub.ID, ToKitchenID: branch.ID,
			Lines: []LineRequest{{ItemID: item.ID, Qty: decimal.NewFromInt(1)}},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := a.do("GET", "/api/transfers?kitchenId="+branch.ID+"&status=REQUESTED", ledger.RoleEmployee, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TransferDTO](t, rec), 2)

	rec = a.do("GET", "/api/transfers?status=RECEIVED", ledger.RoleEmployee, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]TransferDTO](t, rec))

	rec = a.do("GET", "/api/transfers?status=LOST", ledger.RoleEmployee, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransfer_UnknownIDIsNotFound(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/transfers/missing", ledger.RoleEmployee, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TransferNotFound", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// REPORTS, AUDIT, SCENARIOS
// =============================================================================

func TestExportValuation_ReturnsWorkbook(t *testing.T) {
	a := newTestAPI(t)
	hub, _, item := a.setupKitchens()
	a.purchase(hub.ID, item.ID, 4, 25)

	rec := a.do("GET", "/api/reports/valuation.xlsx", ledger.RoleManager, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	name, err := f.GetCellValue("Summary", "A2")
	require.NoError(t, err)
	assert.Equal(t, "Branch", name)
}

func TestValuation_SingleKitchen(t *testing.T) {
	a := newTestAPI(t)
	hub, _, item := a.setupKitchens()
	a.purchase(hub.ID, item.ID, 4, 25)

	rec := a.do("GET", "/api/reports/valuation?kitchenId="+hub.ID, ledger.RoleManager, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decodeBody[ValuationDTO](t, rec)
	assert.True(t, v.Total.Equal(decimal.NewFromInt(100)), "total %s", v.Total)
	require.Len(t, v.Rows, 1)
}

func TestAudit_RecordsMutations(t *testing.T) {
	a := newTestAPI(t)
	a.setupKitchens()

	rec := a.do("GET", "/api/audit?action="+audit.ActionKitchenCreate, ledger.RoleAdmin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]AuditEventDTO](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "user-admin", events[0].ActorID)
}

func TestScenario_DemoKitchensLoads(t *testing.T) {
	// GIVEN: An empty database
	a := newTestAPI(t)

	// WHEN: The demo scenario is loaded
	rec := a.do("POST", "/api/scenarios/load", ledger.RoleAdmin, LoadScenarioRequest{ScenarioID: "demo-kitchens"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Two kitchens exist, the ledger is consistent and the hub has
	// consumed 10 of its 75 kg of flour
	rec = a.do("GET", "/api/kitchens", ledger.RoleEmployee, nil)
	kitchens := decodeBody[[]KitchenDTO](t, rec)
	require.Len(t, kitchens, 2)

	run := a.handler.Scheduler.RunOnce(context.Background())
	assert.NoError(t, run.Err)
	assert.Equal(t, 2, run.Kitchens)
	assert.Empty(t, run.Mismatches)

	var hubID string
	for _, k := range kitchens {
		if k.Kind == "HUB" {
			hubID = k.ID
		}
	}
	rec = a.do("GET", "/api/stock/levels?kitchenId="+hubID+"&q=Maida", ledger.RoleEmployee, nil)
	levels := decodeBody[[]LevelDTO](t, rec)
	require.Len(t, levels, 1)
	assert.True(t, levels[0].OnHand.Equal(decimal.NewFromInt(65)), "on hand %s", levels[0].OnHand)
	assert.True(t, levels[0].AvgCost.Equal(decimal.NewFromInt(50)))

	rec = a.do("GET", "/api/scenarios/current", ledger.RoleAdmin, nil)
	assert.Equal(t, "demo-kitchens", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_LoadResetsFirst(t *testing.T) {
	a := newTestAPI(t)
	a.setupKitchens()

	rec := a.do("POST", "/api/scenarios/load", ledger.RoleAdmin, LoadScenarioRequest{ScenarioID: "empty"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do("GET", "/api/kitchens", ledger.RoleEmployee, nil)
	assert.Empty(t, decodeBody[[]KitchenDTO](t, rec))
}

func TestScenario_TransferInFlight(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("POST", "/api/scenarios/load", ledger.RoleAdmin, LoadScenarioRequest{ScenarioID: "transfer-in-flight"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do("GET", "/api/transfers?status=DISPATCHED", ledger.RoleEmployee, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TransferDTO](t, rec), 1)
}

func TestScenario_UnknownIsBadRequest(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("POST", "/api/scenarios/load", ledger.RoleAdmin, LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconciliation_LastBeforeAnyRun(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("GET", "/api/reconciliation/last", ledger.RoleManager, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do("POST", "/api/reconciliation/run", ledger.RoleManager, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("GET", "/api/reconciliation/last", ledger.RoleManager, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
