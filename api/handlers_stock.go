package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// STOCK HANDLERS
//
//   GET  /api/stock/levels?kitchenId=        levels of active items
//   GET  /api/stock/low?kitchenId=           at or under reorder point
//   POST /api/stock/adjustments              ADJUSTMENT / WASTAGE (STOREKEEPER)
//   POST /api/stock/consumption              multi-line usage (STOREKEEPER)
//   GET  /api/stock/entries?kitchenId=&itemId=&type=&limit=
//   GET  /api/stock/verify?kitchenId=[&itemId=]   (MANAGER)
// =============================================================================

func (h *Handler) StockLevels(w http.ResponseWriter, r *http.Request) {
	kitchen, err := requireQuery(r, "kitchenId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	levels, err := h.Stock.Levels(r.Context(), ledger.KitchenID(kitchen), catalog.ItemFilter{Query: q.Get("q"), Category: q.Get("category")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLevelDTOs(levels))
}

func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	kitchen, err := requireQuery(r, "kitchenId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	levels, err := h.Stock.LowStock(r.Context(), ledger.KitchenID(kitchen))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLevelDTOs(levels))
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Stock.Adjust(r.Context(), stock.AdjustInput{
		Kitchen:        ledger.KitchenID(req.KitchenID),
		Item:           ledger.ItemID(req.ItemID),
		Kind:           ledger.MovementKind(req.Kind),
		QtyDelta:       req.QtyDelta,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	}, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, MovementResultDTO{Entry: toEntryDTO(res.Entry), Balance: toBalanceDTO(res.Balance)})
}

func (h *Handler) CreateConsumption(w http.ResponseWriter, r *http.Request) {
	var req ConsumptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := stock.ConsumeInput{Kitchen: ledger.KitchenID(req.KitchenID), Reason: req.Reason}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, stock.ConsumeLine{Item: ledger.ItemID(l.ItemID), Qty: l.Qty})
	}
	results, err := h.Stock.Consume(r.Context(), in, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTOs(results))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f := ledger.EntryFilter{
		Kitchen: ledger.KitchenID(q.Get("kitchenId")),
		Item:    ledger.ItemID(q.Get("itemId")),
		Limit:   limit,
	}
	if raw := q.Get("type"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kind := ledger.MovementKind(strings.TrimSpace(k))
			if !kind.Valid() {
				h.writeError(w, r, ledger.Validationf("InvalidQuery", "unknown movement type %q", kind))
				return
			}
			f.Kinds = append(f.Kinds, kind)
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, ledger.Validationf("InvalidQuery", "since must be RFC 3339, got %q", raw))
			return
		}
		f.Since = since
	}
	entries, err := h.Stock.Entries(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// VerifyStock checks one balance against the ledger, or every balance of the
// kitchen when itemId is omitted. A mismatch on a single balance is a 500.
func (h *Handler) VerifyStock(w http.ResponseWriter, r *http.Request) {
	kitchen, err := requireQuery(r, "kitchenId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if item := r.URL.Query().Get("itemId"); item != "" {
		c, err := h.Stock.Verify(r.Context(), ledger.KitchenID(kitchen), ledger.ItemID(item))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCheckDTO(c))
		return
	}
	bad, err := h.Stock.VerifyKitchen(r.Context(), ledger.KitchenID(kitchen))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]CheckDTO, len(bad))
	for i, c := range bad {
		dtos[i] = toCheckDTO(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"consistent": len(bad) == 0, "mismatches": dtos})
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (h *Handler) LastVerification(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeError(w, r, ledger.NotFoundf("SchedulerDisabled", "ledger verification scheduler is not running"))
		return
	}
	run, ok := h.Scheduler.Last()
	if !ok {
		h.writeError(w, r, ledger.NotFoundf("NoRun", "no verification has run yet"))
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) TriggerVerification(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeError(w, r, ledger.NotFoundf("SchedulerDisabled", "ledger verification scheduler is not running"))
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(h.Scheduler.RunOnce(r.Context())))
}

func toRunDTO(run VerificationRun) VerificationRunDTO {
	dto := VerificationRunDTO{
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Kitchens:   run.Kitchens,
		Mismatches: make([]CheckDTO, len(run.Mismatches)),
	}
	for i, c := range run.Mismatches {
		dto.Mismatches[i] = toCheckDTO(c)
	}
	if run.Err != nil {
		dto.Error = run.Err.Error()
	}
	return dto
}

// =============================================================================
// PURCHASES
// =============================================================================

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	kitchen, err := requireQuery(r, "kitchenId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r, 50, 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	orders, err := h.Purchases.Orders(r.Context(), purchase.Filter{Kitchen: ledger.KitchenID(kitchen), Limit: limit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]PurchaseOrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toPurchaseOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReceivePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := purchase.Input{Kitchen: ledger.KitchenID(req.KitchenID), Supplier: req.SupplierID}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, purchase.LineInput{Item: ledger.ItemID(l.ItemID), Qty: l.Qty, UnitCost: l.UnitCost})
	}
	o, _, err := h.Purchases.Receive(r.Context(), in, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseOrderDTO(o))
}

// =============================================================================
// REPORTS
// =============================================================================

// Valuation values one kitchen, or all kitchens when kitchenId is omitted.
func (h *Handler) Valuation(w http.ResponseWriter, r *http.Request) {
	if kitchen := r.URL.Query().Get("kitchenId"); kitchen != "" {
		v, err := h.Reports.Valuation(r.Context(), ledger.KitchenID(kitchen))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toValuationDTO(v))
		return
	}
	vals, err := h.Reports.All(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]ValuationDTO, len(vals))
	for i, v := range vals {
		dtos[i] = toValuationDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportValuation streams the valuation workbook. The workbook is rendered
// to memory first so a failure still produces a JSON error.
func (h *Handler) ExportValuation(w http.ResponseWriter, r *http.Request) {
	var vals []report.Valuation
	if kitchen := r.URL.Query().Get("kitchenId"); kitchen != "" {
		v, err := h.Reports.Valuation(r.Context(), ledger.KitchenID(kitchen))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		vals = []report.Valuation{v}
	} else {
		var err error
		if vals, err = h.Reports.All(r.Context()); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, vals); err != nil {
		h.writeError(w, r, ledger.Internalf(err, "render valuation workbook"))
		return
	}
	name := fmt.Sprintf("stock-valuation-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Dashboard summarizes one kitchen; without kitchenId only counts are set.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Stock.Dashboard(r.Context(), ledger.KitchenID(r.URL.Query().Get("kitchenId")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(d))
}
