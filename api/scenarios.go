/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a realistic
	kitchen catalog and opening stock. Every write goes through the domain
	services, so the ledger invariant holds for demo data too.

AVAILABLE SCENARIOS:

	empty:              Nothing; a clean database
	demo-kitchens:      Hub + branch kitchen, one supplier, the roll/momo
	                    catalog, opening stock purchased at 50 per unit and
	                    a little consumption at the hub
	transfer-in-flight: demo-kitchens plus a hub-to-branch transfer that is
	                    dispatched and waiting to be received

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create kitchens, supplier and items via catalog.Service
 3. Book opening stock as PURCHASE orders via purchase.Service
 4. Optionally consume or move stock

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "demo-kitchens"}

NOTE:

	Scenarios reset the database. The endpoints are only mounted when the
	handler's AllowReset is set.

SEE ALSO:
  - cmd/server/main.go: --seed loads demo-kitchens at startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, svc Services) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "empty", Name: "Empty", Description: "Clean database, no kitchens or items"},
		load:        func(context.Context, Services) error { return nil },
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "demo-kitchens",
			Name:        "Demo Kitchens",
			Description: "Hub and branch kitchen with the full catalog and opening stock",
		},
		load: func(ctx context.Context, svc Services) error {
			_, err := loadDemoKitchens(ctx, svc)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "transfer-in-flight",
			Name:        "Transfer In Flight",
			Description: "Demo kitchens plus a dispatched hub-to-branch transfer awaiting receipt",
		},
		load: loadTransferInFlight,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// LoadScenario populates the services' database with a named scenario. It
// does not reset first.
func LoadScenario(ctx context.Context, svc Services, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return ledger.NotFoundf("ScenarioNotFound", "unknown scenario %q", id)
	}
	return s.load(ctx, svc)
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, ok := findScenario(req.ScenarioID); !ok {
		h.writeError(w, r, ledger.Validationf("UnknownScenario", "unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Backend.Reset(ctx); err != nil {
		h.writeError(w, r, ledger.Internalf(err, "reset database"))
		return
	}
	h.currentScenario = ""
	if err := LoadScenario(ctx, h.Services, req.ScenarioID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase wipes all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Backend.Reset(r.Context()); err != nil {
		h.writeError(w, r, ledger.Internalf(err, "reset database"))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoItem is one catalog row: name, uom, category, reorder point.
type demoItem struct {
	Name, UOM, Category, ReorderPoint string
}

var demoCatalog = []demoItem{
	{"Refined Wheat Flour (Maida)", "kg", "BASE_CORE", "25"},
	{"All Purpose Flour - Premium", "kg", "BASE_CORE", "20"},
	{"Corn Flour", "kg", "BASE_CORE", "5"},
	{"Rice Flour", "kg", "BASE_CORE", "5"},
	{"Bread Crumbs", "kg", "BASE_CORE", "3"},
	{"Cabbage Fresh", "kg", "VEG_FILLINGS", "10"},
	{"Carrot Fresh", "kg", "VEG_FILLINGS", "5"},
	{"Onion Red", "kg", "VEG_FILLINGS", "15"},
	{"Capsicum Green", "kg", "VEG_FILLINGS", "5"},
	{"Capsicum Red", "kg", "VEG_FILLINGS", "3"},
	{"Spring Onion", "kg", "VEG_FILLINGS", "2"},
	{"Green Chilli", "kg", "VEG_FILLINGS", "2"},
	{"Garlic Fresh", "kg", "VEG_FILLINGS", "3"},
	{"Ginger Fresh", "kg", "VEG_FILLINGS", "3"},
	{"Button Mushroom", "kg", "VEG_FILLINGS", "3"},
	{"Paneer Full Fat", "kg", "VEG_FILLINGS", "5"},
	{"Chicken Boneless Breast", "kg", "NON_VEG", "10"},
	{"Chicken Mince (Keema)", "kg", "NON_VEG", "8"},
	{"Chicken Sausage", "kg", "NON_VEG", "3"},
	{"Chicken Seekh Kebab", "kg", "NON_VEG", "5"},
	{"Eggs White Shell", "pcs", "NON_VEG", "60"},
	{"Momos Wrapper Sheet", "kg", "MOMOS_SPECIFIC", "5"},
	{"Soya Chunks Mini", "kg", "MOMOS_SPECIFIC", "2"},
	{"MSG / Ajinomoto", "kg", "MOMOS_SPECIFIC", "0.5"},
	{"White Pepper Powder", "kg", "MOMOS_SPECIFIC", "0.5"},
	{"Roomali Roti Base", "pcs", "ROLLS_WRAPS", "200"},
	{"Whole Wheat Wrap Base", "pcs", "ROLLS_WRAPS", "150"},
	{"Butter Unsalted", "kg", "ROLLS_WRAPS", "5"},
	{"Cheese Slice", "pcs", "ROLLS_WRAPS", "100"},
	{"Salt Refined", "kg", "SPICES_MASALA", "5"},
	{"Red Chilli Powder", "kg", "SPICES_MASALA", "2"},
	{"Turmeric Powder", "kg", "SPICES_MASALA", "1"},
	{"Coriander Powder", "kg", "SPICES_MASALA", "1"},
	{"Garam Masala", "kg", "SPICES_MASALA", "0.5"},
	{"Chat Masala", "kg", "SPICES_MASALA", "0.5"},
	{"Black Pepper Powder", "kg", "SPICES_MASALA", "0.5"},
	{"Mayonnaise Classic", "kg", "SAUCES", "5"},
	{"Eggless Mayonnaise", "kg", "SAUCES", "3"},
	{"Schezwan Sauce", "kg", "SAUCES", "3"},
	{"Red Chilli Sauce", "kg", "SAUCES", "3"},
	{"Green Chilli Sauce", "kg", "SAUCES", "3"},
	{"Tomato Ketchup", "kg", "SAUCES", "5"},
	{"Soy Sauce Dark", "ltr", "SAUCES", "2"},
	{"Vinegar White", "ltr", "SAUCES", "1"},
	{"Refined Sunflower Oil", "ltr", "OILS_FATS", "20"},
	{"Butter Cooking", "kg", "OILS_FATS", "5"},
	{"Butter Paper Sheets", "pcs", "PACKAGING", "500"},
	{"Foil Paper Roll", "pcs", "PACKAGING", "20"},
	{"Momos Box Small", "pcs", "PACKAGING", "200"},
	{"Roll Packaging Box", "pcs", "PACKAGING", "200"},
	{"Carry Bag Medium", "pcs", "PACKAGING", "300"},
	{"Tissue Paper", "pkt", "PACKAGING", "20"},
	{"Disposable Spoon", "pcs", "PACKAGING", "200"},
	{"Dishwash Liquid", "ltr", "MISC", "2"},
}

// demoUnitCost is the purchase price of all opening stock.
var demoUnitCost = decimal.NewFromInt(50)

// demoKitchens is what loadDemoKitchens created.
type demoKitchens struct {
	Hub, Branch ledger.Kitchen
	Supplier    purchase.Supplier
	Items       map[string]ledger.Item // by name
}

func loadDemoKitchens(ctx context.Context, svc Services) (demoKitchens, error) {
	actor := ledger.SystemActor
	var (
		d   = demoKitchens{Items: make(map[string]ledger.Item, len(demoCatalog))}
		err error
	)

	if d.Hub, err = svc.Catalog.CreateKitchen(ctx, catalog.KitchenInput{
		Name: "King Kitchen", Kind: ledger.KitchenHub, GeofenceRadiusMeters: 200,
	}, actor); err != nil {
		return d, err
	}
	if d.Branch, err = svc.Catalog.CreateKitchen(ctx, catalog.KitchenInput{
		Name: "Branch Kitchen 1", Kind: ledger.KitchenBranch, GeofenceRadiusMeters: 200,
	}, actor); err != nil {
		return d, err
	}
	if d.Supplier, err = svc.Purchases.CreateSupplier(ctx, "Bulk Foods Ltd", "+91 98765 43210", actor); err != nil {
		return d, err
	}

	// Opening stock: three times the reorder point at the hub (at least 5),
	// one and a half times at the branch (at least 2).
	hubOrder := purchase.Input{Kitchen: d.Hub.ID, Supplier: d.Supplier.ID}
	branchOrder := purchase.Input{Kitchen: d.Branch.ID, Supplier: d.Supplier.ID}
	for _, di := range demoCatalog {
		rp := decimal.RequireFromString(di.ReorderPoint)
		item, err := svc.Catalog.CreateItem(ctx, catalog.ItemInput{
			Name: di.Name, UOM: di.UOM, Category: di.Category, ReorderPoint: rp, Active: true,
		}, actor)
		if err != nil {
			return d, err
		}
		d.Items[item.Name] = item

		hubOrder.Lines = append(hubOrder.Lines, purchase.LineInput{
			Item: item.ID, Qty: decimal.Max(rp.Mul(decimal.NewFromInt(3)), decimal.NewFromInt(5)), UnitCost: demoUnitCost,
		})
		branchOrder.Lines = append(branchOrder.Lines, purchase.LineInput{
			Item: item.ID, Qty: decimal.Max(rp.Mul(decimal.RequireFromString("1.5")), decimal.NewFromInt(2)), UnitCost: demoUnitCost,
		})
	}
	for _, in := range []purchase.Input{hubOrder, branchOrder} {
		if _, _, err := svc.Purchases.Receive(ctx, in, actor); err != nil {
			return d, err
		}
	}

	// A day of service at the hub so the dashboard has depletion to show.
	_, err = svc.Stock.Consume(ctx, stock.ConsumeInput{
		Kitchen: d.Hub.ID,
		Reason:  "demo service",
		Lines: []stock.ConsumeLine{
			{Item: d.Items["Refined Wheat Flour (Maida)"].ID, Qty: decimal.NewFromInt(10)},
			{Item: d.Items["Cabbage Fresh"].ID, Qty: decimal.NewFromInt(4)},
		},
	}, actor)
	return d, err
}

func loadTransferInFlight(ctx context.Context, svc Services) error {
	d, err := loadDemoKitchens(ctx, svc)
	if err != nil {
		return err
	}
	t, err := svc.Transfers.Create(ctx, transfer.CreateInput{
		Source:      d.Hub.ID,
		Destination: d.Branch.ID,
		Lines: []transfer.LineInput{
			{Item: d.Items["Refined Wheat Flour (Maida)"].ID, Qty: decimal.NewFromInt(20)},
			{Item: d.Items["Momos Wrapper Sheet"].ID, Qty: decimal.NewFromInt(5)},
		},
	}, ledger.SystemActor)
	if err != nil {
		return err
	}
	if _, err := svc.Transfers.Approve(ctx, t.ID, ledger.SystemActor); err != nil {
		return err
	}
	_, err = svc.Transfers.Dispatch(ctx, t.ID, ledger.SystemActor)
	return err
}
