package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// TRANSFER HANDLERS
//
//   GET  /api/transfers?kitchenId=&status=&limit=
//   POST /api/transfers                 request (STOREKEEPER)
//   GET  /api/transfers/{id}
//   POST /api/transfers/{id}/approve    (MANAGER)
//   POST /api/transfers/{id}/dispatch   (STOREKEEPER)
//   POST /api/transfers/{id}/receive    (STOREKEEPER)
// =============================================================================

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r, 50, 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ts, err := h.Transfers.List(r.Context(), transfer.Filter{
		Kitchen: ledger.KitchenID(q.Get("kitchenId")),
		Status:  transfer.Status(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]TransferDTO, len(ts))
	for i, t := range ts {
		dtos[i] = toTransferDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := transfer.CreateInput{
		Source:      ledger.KitchenID(req.FromKitchenID),
		Destination: ledger.KitchenID(req.ToKitchenID),
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, transfer.LineInput{Item: ledger.ItemID(l.ItemID), Qty: l.Qty})
	}
	t, err := h.Transfers.Create(r.Context(), in, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(t))
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	h.advanceTransfer(w, r, h.Transfers.Approve)
}

func (h *Handler) DispatchTransfer(w http.ResponseWriter, r *http.Request) {
	h.advanceTransfer(w, r, h.Transfers.Dispatch)
}

func (h *Handler) ReceiveTransfer(w http.ResponseWriter, r *http.Request) {
	h.advanceTransfer(w, r, h.Transfers.Receive)
}

type transitionFunc func(ctx context.Context, id string, actor ledger.Actor) (transfer.Transfer, error)

func (h *Handler) advanceTransfer(w http.ResponseWriter, r *http.Request, step transitionFunc) {
	t, err := step(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}
