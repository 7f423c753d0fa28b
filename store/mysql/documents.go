package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// TRANSFERS (transfer.Store / transfer.Tx interfaces)
// =============================================================================

func (s *Store) CreateTransfer(ctx context.Context, t transfer.Transfer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := fromTransfer(t)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert transfer: %w", err)
		}
		lines := make([]transferLineRow, len(t.Lines))
		for i, l := range t.Lines {
			lines[i] = transferLineRow{TransferID: t.ID, Position: l.Position, ItemID: string(l.Item), Qty: l.Qty}
		}
		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return fmt.Errorf("failed to insert transfer lines: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Transfer(ctx context.Context, id string) (transfer.Transfer, error) {
	return loadTransfer(s.db.WithContext(ctx), id, false)
}

func (s *Store) Transfers(ctx context.Context, f transfer.Filter) ([]transfer.Transfer, error) {
	db := s.db.WithContext(ctx)
	q := db.Model(&transferRow{})
	if f.Kitchen != "" {
		q = q.Where("(from_kitchen_id = ? OR to_kitchen_id = ?)", f.Kitchen, f.Kitchen)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []transferRow
	if err := q.Order("seq DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var lines []transferLineRow
	if err := db.Where("transfer_id IN ?", ids).Order("transfer_id, position").Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("failed to query transfer lines: %w", err)
	}
	byTransfer := make(map[string][]transferLineRow, len(rows))
	for _, l := range lines {
		byTransfer[l.TransferID] = append(byTransfer[l.TransferID], l)
	}

	out := make([]transfer.Transfer, len(rows))
	for i, r := range rows {
		out[i] = toTransfer(r, byTransfer[r.ID])
	}
	return out, nil
}

// LockTransfer reads the transfer with SELECT ... FOR UPDATE.
func (ts *txStore) LockTransfer(ctx context.Context, id string) (transfer.Transfer, error) {
	return loadTransfer(ts.db.WithContext(ctx), id, true)
}

func (ts *txStore) UpdateTransfer(ctx context.Context, t transfer.Transfer) error {
	row := fromTransfer(t)
	err := ts.db.WithContext(ctx).Model(&transferRow{}).Where("id = ?", t.ID).Updates(map[string]any{
		"status":        row.Status,
		"approved_by":   row.ApprovedBy,
		"approved_at":   row.ApprovedAt,
		"dispatched_by": row.DispatchedBy,
		"dispatched_at": row.DispatchedAt,
		"received_by":   row.ReceivedBy,
		"received_at":   row.ReceivedAt,
		"updated_at":    row.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	return nil
}

func loadTransfer(db *gorm.DB, id string, lock bool) (transfer.Transfer, error) {
	q := db.Where("id = ?", id)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row transferRow
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transfer.Transfer{}, transfer.NotFound(id)
	}
	if err != nil {
		return transfer.Transfer{}, fmt.Errorf("failed to query transfer: %w", err)
	}
	var lines []transferLineRow
	if err := db.Where("transfer_id = ?", id).Order("position").Find(&lines).Error; err != nil {
		return transfer.Transfer{}, fmt.Errorf("failed to query transfer lines: %w", err)
	}
	return toTransfer(row, lines), nil
}

func fromTransfer(t transfer.Transfer) transferRow {
	return transferRow{
		ID:            t.ID,
		FromKitchenID: string(t.Source),
		ToKitchenID:   string(t.Destination),
		Status:        string(t.Status),
		RequestedBy:   t.RequestedBy,
		RequestedAt:   t.RequestedAt,
		ApprovedBy:    strPtr(t.ApprovedBy),
		ApprovedAt:    t.ApprovedAt,
		DispatchedBy:  strPtr(t.DispatchedBy),
		DispatchedAt:  t.DispatchedAt,
		ReceivedBy:    strPtr(t.ReceivedBy),
		ReceivedAt:    t.ReceivedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func toTransfer(r transferRow, lines []transferLineRow) transfer.Transfer {
	t := transfer.Transfer{
		ID:           r.ID,
		Source:       ledger.KitchenID(r.FromKitchenID),
		Destination:  ledger.KitchenID(r.ToKitchenID),
		Status:       transfer.Status(r.Status),
		RequestedBy:  r.RequestedBy,
		RequestedAt:  r.RequestedAt.UTC(),
		ApprovedBy:   deref(r.ApprovedBy),
		ApprovedAt:   utcPtr(r.ApprovedAt),
		DispatchedBy: deref(r.DispatchedBy),
		DispatchedAt: utcPtr(r.DispatchedAt),
		ReceivedBy:   deref(r.ReceivedBy),
		ReceivedAt:   utcPtr(r.ReceivedAt),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	for _, l := range lines {
		t.Lines = append(t.Lines, transfer.Line{Position: l.Position, Item: ledger.ItemID(l.ItemID), Qty: l.Qty})
	}
	return t
}

// =============================================================================
// SUPPLIERS AND PURCHASE ORDERS
// =============================================================================

func (s *Store) CreateSupplier(ctx context.Context, sup purchase.Supplier) error {
	row := supplierRow{ID: sup.ID, Name: sup.Name, Contact: strPtr(sup.Contact), CreatedAt: sup.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create supplier: %w", err)
	}
	return nil
}

func (s *Store) Supplier(ctx context.Context, id string) (purchase.Supplier, error) {
	var row supplierRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Supplier{}, purchase.SupplierNotFound(id)
	}
	if err != nil {
		return purchase.Supplier{}, fmt.Errorf("failed to query supplier: %w", err)
	}
	return toSupplier(row), nil
}

func (s *Store) Suppliers(ctx context.Context) ([]purchase.Supplier, error) {
	var rows []supplierRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query suppliers: %w", err)
	}
	out := make([]purchase.Supplier, len(rows))
	for i, r := range rows {
		out[i] = toSupplier(r)
	}
	return out, nil
}

func toSupplier(r supplierRow) purchase.Supplier {
	return purchase.Supplier{ID: r.ID, Name: r.Name, Contact: deref(r.Contact), CreatedAt: r.CreatedAt.UTC()}
}

func (ts *txStore) CreateOrder(ctx context.Context, o purchase.Order) error {
	db := ts.db.WithContext(ctx)
	row := orderRow{
		ID:         o.ID,
		KitchenID:  string(o.Kitchen),
		SupplierID: strPtr(o.Supplier),
		Status:     string(o.Status),
		CreatedBy:  o.CreatedBy,
		CreatedAt:  o.CreatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert purchase order: %w", err)
	}
	lines := make([]orderLineRow, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = orderLineRow{OrderID: o.ID, Position: l.Position, ItemID: string(l.Item), Qty: l.Qty, UnitCost: l.UnitCost}
	}
	if len(lines) > 0 {
		if err := db.Create(&lines).Error; err != nil {
			return fmt.Errorf("failed to insert purchase order lines: %w", err)
		}
	}
	return nil
}

func (s *Store) Orders(ctx context.Context, f purchase.Filter) ([]purchase.Order, error) {
	db := s.db.WithContext(ctx)
	q := db.Where("kitchen_id = ?", f.Kitchen).Order("seq DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var lines []orderLineRow
	if err := db.Where("order_id IN ?", ids).Order("order_id, position").Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("failed to query purchase order lines: %w", err)
	}
	byOrder := make(map[string][]purchase.Line, len(rows))
	for _, l := range lines {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], purchase.Line{
			Position: l.Position, Item: ledger.ItemID(l.ItemID), Qty: l.Qty, UnitCost: l.UnitCost,
		})
	}

	out := make([]purchase.Order, len(rows))
	for i, r := range rows {
		out[i] = purchase.Order{
			ID:        r.ID,
			Kitchen:   ledger.KitchenID(r.KitchenID),
			Supplier:  deref(r.SupplierID),
			Status:    purchase.Status(r.Status),
			Lines:     byOrder[r.ID],
			CreatedBy: r.CreatedBy,
			CreatedAt: r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG (audit.Store interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e audit.Event) error {
	row := auditRow{
		ID:         e.ID,
		ActorID:    strPtr(e.ActorID),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   strPtr(e.EntityID),
		CreatedAt:  e.CreatedAt,
	}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		meta := string(b)
		row.Metadata = &meta
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) AuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q := s.db.WithContext(ctx).Model(&auditRow{})
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []auditRow
	if err := q.Order("seq DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]audit.Event, len(rows))
	for i, r := range rows {
		e := audit.Event{
			ID:         r.ID,
			ActorID:    deref(r.ActorID),
			Action:     r.Action,
			EntityType: r.EntityType,
			EntityID:   deref(r.EntityID),
			CreatedAt:  r.CreatedAt.UTC(),
		}
		if r.Metadata != nil {
			if err := json.Unmarshal([]byte(*r.Metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt audit metadata for %s: %w", r.ID, err)
			}
		}
		out[i] = e
	}
	return out, nil
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Tx      = (*txStore)(nil)
	_ ledger.Catalog = (*Store)(nil)
	_ catalog.Store  = (*Store)(nil)
	_ transfer.Store = (*Store)(nil)
	_ transfer.Tx    = (*txStore)(nil)
	_ purchase.Store = (*Store)(nil)
	_ purchase.Tx    = (*txStore)(nil)
	_ audit.Store    = (*Store)(nil)
)
