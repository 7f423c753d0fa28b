package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/transfer"
)

// Quantities and costs travel as decimal strings ("12.5"). Requests may
// also send plain JSON numbers; decimal.Decimal accepts both.

// =============================================================================
// REQUEST DTOs
// =============================================================================

type CreateKitchenRequest struct {
	Name                 string   `json:"name" validate:"required,max=120"`
	Kind                 string   `json:"kind" validate:"required,oneof=HUB BRANCH"`
	Address              string   `json:"address" validate:"max=255"`
	Lat                  *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng                  *float64 `json:"lng" validate:"omitempty,longitude"`
	GeofenceRadiusMeters int      `json:"geofenceRadiusMeters" validate:"omitempty,min=10,max=2000"`
}

type GeofenceRequest struct {
	Lat                  *float64 `json:"lat" validate:"required,latitude"`
	Lng                  *float64 `json:"lng" validate:"required,longitude"`
	GeofenceRadiusMeters int      `json:"geofenceRadiusMeters" validate:"required,min=10,max=2000"`
}

type CreateItemRequest struct {
	Name         string          `json:"name" validate:"required,max=160"`
	Category     string          `json:"category" validate:"max=80"`
	UOM          string          `json:"uom" validate:"required,max=16"`
	ReorderPoint decimal.Decimal `json:"reorderPoint"`
	Active       *bool           `json:"isActive"`
}

type UpdateItemRequest struct {
	Name         *string          `json:"name" validate:"omitempty,min=1,max=160"`
	Category     *string          `json:"category" validate:"omitempty,max=80"`
	UOM          *string          `json:"uom" validate:"omitempty,min=1,max=16"`
	ReorderPoint *decimal.Decimal `json:"reorderPoint"`
	Active       *bool            `json:"isActive"`
}

type CreateSupplierRequest struct {
	Name    string `json:"name" validate:"required,max=160"`
	Contact string `json:"contact" validate:"max=160"`
}

type AdjustmentRequest struct {
	KitchenID      string          `json:"kitchenId" validate:"required"`
	ItemID         string          `json:"itemId" validate:"required"`
	Kind           string          `json:"kind" validate:"omitempty,oneof=ADJUSTMENT WASTAGE"`
	QtyDelta       decimal.Decimal `json:"qtyDelta"`
	Reason         string          `json:"reason" validate:"max=255"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=128"`
}

type LineRequest struct {
	ItemID string          `json:"itemId" validate:"required"`
	Qty    decimal.Decimal `json:"qty"`
}

type ConsumptionRequest struct {
	KitchenID string        `json:"kitchenId" validate:"required"`
	Lines     []LineRequest `json:"lines" validate:"required,min=1,dive"`
	Reason    string        `json:"reason" validate:"max=255"`
}

type PurchaseLineRequest struct {
	ItemID   string          `json:"itemId" validate:"required"`
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unitCost"`
}

type PurchaseRequest struct {
	KitchenID  string                `json:"kitchenId" validate:"required"`
	SupplierID string                `json:"supplierId"`
	Lines      []PurchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type CreateTransferRequest struct {
	FromKitchenID string        `json:"fromKitchenId" validate:"required"`
	ToKitchenID   string        `json:"toKitchenId" validate:"required,nefield=FromKitchenID"`
	Lines         []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

type KitchenDTO struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Kind                 string    `json:"kind"`
	Address              string    `json:"address,omitempty"`
	Lat                  *float64  `json:"lat,omitempty"`
	Lng                  *float64  `json:"lng,omitempty"`
	GeofenceRadiusMeters int       `json:"geofenceRadiusMeters"`
	CreatedAt            time.Time `json:"createdAt"`
}

func toKitchenDTO(k ledger.Kitchen) KitchenDTO {
	return KitchenDTO{
		ID:                   string(k.ID),
		Name:                 k.Name,
		Kind:                 string(k.Kind),
		Address:              k.Address,
		Lat:                  k.Lat,
		Lng:                  k.Lng,
		GeofenceRadiusMeters: k.GeofenceRadiusMeters,
		CreatedAt:            k.CreatedAt,
	}
}

type ItemDTO struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category,omitempty"`
	UOM          string          `json:"uom"`
	ReorderPoint decimal.Decimal `json:"reorderPoint"`
	Active       bool            `json:"isActive"`
}

func toItemDTO(it ledger.Item) ItemDTO {
	return ItemDTO{
		ID:           string(it.ID),
		Name:         it.Name,
		Category:     it.Category,
		UOM:          it.UOM,
		ReorderPoint: it.ReorderPoint,
		Active:       it.Active,
	}
}

type SupplierDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

type BalanceDTO struct {
	KitchenID string          `json:"kitchenId"`
	ItemID    string          `json:"itemId"`
	OnHand    decimal.Decimal `json:"onHandQty"`
	AvgCost   decimal.Decimal `json:"avgCost"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		KitchenID: string(b.Kitchen),
		ItemID:    string(b.Item),
		OnHand:    b.OnHand,
		AvgCost:   b.AvgCost,
	}
}

type LevelDTO struct {
	Item     ItemDTO         `json:"item"`
	OnHand   decimal.Decimal `json:"onHandQty"`
	AvgCost  decimal.Decimal `json:"avgCost"`
	LowStock bool            `json:"lowStock"`
}

func toLevelDTOs(levels []stock.Level) []LevelDTO {
	out := make([]LevelDTO, len(levels))
	for i, l := range levels {
		out[i] = LevelDTO{
			Item:     toItemDTO(l.Item),
			OnHand:   l.Balance.OnHand,
			AvgCost:  l.Balance.AvgCost,
			LowStock: l.Low(),
		}
	}
	return out
}

type EntryDTO struct {
	ID             string           `json:"id"`
	KitchenID      string           `json:"kitchenId"`
	ItemID         string           `json:"itemId"`
	Kind           string           `json:"type"`
	QtyDelta       decimal.Decimal  `json:"qtyDelta"`
	UnitCost       *decimal.Decimal `json:"unitCost,omitempty"`
	RefType        string           `json:"refType,omitempty"`
	RefID          string           `json:"refId,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	ActorID        string           `json:"createdBy"`
	CreatedAt      time.Time        `json:"createdAt"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		KitchenID:      string(e.Kitchen),
		ItemID:         string(e.Item),
		Kind:           string(e.Kind),
		QtyDelta:       e.QtyDelta,
		UnitCost:       e.UnitCost,
		Reason:         e.Reason,
		IdempotencyKey: e.IdempotencyKey,
		ActorID:        e.ActorID,
		CreatedAt:      e.CreatedAt,
	}
	if e.Reference != nil {
		dto.RefType, dto.RefID = string(e.Reference.Kind), e.Reference.ID
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

// MovementResultDTO is the response of a single applied movement.
type MovementResultDTO struct {
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

func toResultDTOs(results []ledger.Result) []MovementResultDTO {
	out := make([]MovementResultDTO, len(results))
	for i, r := range results {
		out[i] = MovementResultDTO{Entry: toEntryDTO(r.Entry), Balance: toBalanceDTO(r.Balance)}
	}
	return out
}

type CheckDTO struct {
	KitchenID  string          `json:"kitchenId"`
	ItemID     string          `json:"itemId"`
	OnHand     decimal.Decimal `json:"onHandQty"`
	LedgerSum  decimal.Decimal `json:"ledgerSum"`
	Consistent bool            `json:"consistent"`
}

func toCheckDTO(c ledger.Check) CheckDTO {
	return CheckDTO{
		KitchenID:  string(c.Key.Kitchen),
		ItemID:     string(c.Key.Item),
		OnHand:     c.OnHand,
		LedgerSum:  c.LedgerSum,
		Consistent: c.Consistent,
	}
}

type TransferLineDTO struct {
	ItemID string          `json:"itemId"`
	Qty    decimal.Decimal `json:"qty"`
}

type TransferDTO struct {
	ID            string            `json:"id"`
	FromKitchenID string            `json:"fromKitchenId"`
	ToKitchenID   string            `json:"toKitchenId"`
	Status        string            `json:"status"`
	Lines         []TransferLineDTO `json:"lines"`
	RequestedBy   string            `json:"requestedBy"`
	RequestedAt   time.Time         `json:"requestedAt"`
	ApprovedBy    string            `json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time        `json:"approvedAt,omitempty"`
	DispatchedBy  string            `json:"dispatchedBy,omitempty"`
	DispatchedAt  *time.Time        `json:"dispatchedAt,omitempty"`
	ReceivedBy    string            `json:"receivedBy,omitempty"`
	ReceivedAt    *time.Time        `json:"receivedAt,omitempty"`
}

func toTransferDTO(t transfer.Transfer) TransferDTO {
	dto := TransferDTO{
		ID:            t.ID,
		FromKitchenID: string(t.Source),
		ToKitchenID:   string(t.Destination),
		Status:        string(t.Status),
		Lines:         make([]TransferLineDTO, len(t.Lines)),
		RequestedBy:   t.RequestedBy,
		RequestedAt:   t.RequestedAt,
		ApprovedBy:    t.ApprovedBy,
		ApprovedAt:    t.ApprovedAt,
		DispatchedBy:  t.DispatchedBy,
		DispatchedAt:  t.DispatchedAt,
		ReceivedBy:    t.ReceivedBy,
		ReceivedAt:    t.ReceivedAt,
	}
	for i, l := range t.Lines {
		dto.Lines[i] = TransferLineDTO{ItemID: string(l.Item), Qty: l.Qty}
	}
	return dto
}

type PurchaseLineDTO struct {
	ItemID   string          `json:"itemId"`
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unitCost"`
}

type PurchaseOrderDTO struct {
	ID         string            `json:"id"`
	KitchenID  string            `json:"kitchenId"`
	SupplierID string            `json:"supplierId,omitempty"`
	Status     string            `json:"status"`
	Lines      []PurchaseLineDTO `json:"lines"`
	Total      decimal.Decimal   `json:"total"`
	CreatedBy  string            `json:"createdBy"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func toPurchaseOrderDTO(o purchase.Order) PurchaseOrderDTO {
	dto := PurchaseOrderDTO{
		ID:         o.ID,
		KitchenID:  string(o.Kitchen),
		SupplierID: o.Supplier,
		Status:     string(o.Status),
		Lines:      make([]PurchaseLineDTO, len(o.Lines)),
		Total:      o.Total(),
		CreatedBy:  o.CreatedBy,
		CreatedAt:  o.CreatedAt,
	}
	for i, l := range o.Lines {
		dto.Lines[i] = PurchaseLineDTO{ItemID: string(l.Item), Qty: l.Qty, UnitCost: l.UnitCost}
	}
	return dto
}

type ValuationRowDTO struct {
	Item     ItemDTO         `json:"item"`
	OnHand   decimal.Decimal `json:"onHandQty"`
	AvgCost  decimal.Decimal `json:"avgCost"`
	Value    decimal.Decimal `json:"value"`
	LowStock bool            `json:"lowStock"`
}

type ValuationDTO struct {
	Kitchen KitchenDTO        `json:"kitchen"`
	Rows    []ValuationRowDTO `json:"rows"`
	Total   decimal.Decimal   `json:"total"`
}

func toValuationDTO(v report.Valuation) ValuationDTO {
	dto := ValuationDTO{Kitchen: toKitchenDTO(v.Kitchen), Rows: make([]ValuationRowDTO, len(v.Rows)), Total: v.Total}
	for i, r := range v.Rows {
		dto.Rows[i] = ValuationRowDTO{
			Item:     toItemDTO(r.Item),
			OnHand:   r.OnHand,
			AvgCost:  r.AvgCost,
			Value:    r.Value,
			LowStock: r.LowStock,
		}
	}
	return dto
}

type DepletionDTO struct {
	Qty   decimal.Decimal `json:"qty"`
	Count int             `json:"count"`
}

type DashboardDTO struct {
	KitchensCount   int                     `json:"kitchensCount"`
	LowStockCount   int                     `json:"lowStockCount"`
	LowStock        []LevelDTO              `json:"lowStock"`
	Depletion7d     decimal.Decimal         `json:"depletion7d"`
	Depletion24h    decimal.Decimal         `json:"depletion24h"`
	DepletionByKind map[string]DepletionDTO `json:"depletionByType"`
	Recent          []EntryDTO              `json:"recentMovements"`
}

func toDashboardDTO(d stock.Dashboard) DashboardDTO {
	dto := DashboardDTO{
		KitchensCount:   d.KitchensCount,
		LowStockCount:   len(d.LowStock),
		LowStock:        toLevelDTOs(d.LowStock),
		Depletion7d:     d.Depletion7d,
		Depletion24h:    d.Depletion24h,
		DepletionByKind: make(map[string]DepletionDTO, len(d.DepletionByKind)),
		Recent:          toEntryDTOs(d.Recent),
	}
	for kind, dep := range d.DepletionByKind {
		dto.DepletionByKind[string(kind)] = DepletionDTO{Qty: dep.Qty, Count: dep.Count}
	}
	return dto
}

type AuditEventDTO struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actorId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func toAuditEventDTO(e audit.Event) AuditEventDTO {
	return AuditEventDTO{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// VerificationRunDTO summarizes one pass of the verification scheduler.
type VerificationRunDTO struct {
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Kitchens   int        `json:"kitchens"`
	Mismatches []CheckDTO `json:"mismatches"`
	Error      string     `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
