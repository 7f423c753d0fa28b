package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/purchase"
)

// =============================================================================
// SUPPLIERS
// =============================================================================

func (s *Store) CreateSupplier(ctx context.Context, sup purchase.Supplier) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppliers (id, name, contact, created_at) VALUES (?, ?, ?, ?)`,
		sup.ID, sup.Name, nullString(sup.Contact), formatTime(sup.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create supplier: %w", err)
	}
	return nil
}

func (s *Store) Supplier(ctx context.Context, id string) (purchase.Supplier, error) {
	sup, err := scanSupplier(s.db.QueryRowContext(ctx,
		`SELECT id, name, contact, created_at FROM suppliers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return purchase.Supplier{}, purchase.SupplierNotFound(id)
	}
	return sup, err
}

func (s *Store) Suppliers(ctx context.Context) ([]purchase.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, contact, created_at FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query suppliers: %w", err)
	}
	defer rows.Close()

	var out []purchase.Supplier
	for rows.Next() {
		sup, err := scanSupplier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}

func scanSupplier(row rowScanner) (purchase.Supplier, error) {
	var (
		sup     purchase.Supplier
		contact sql.NullString
		created string
	)
	if err := row.Scan(&sup.ID, &sup.Name, &contact, &created); err != nil {
		return sup, err
	}
	sup.Contact = contact.String
	sup.CreatedAt = parseTime(created)
	return sup, nil
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

// CreateOrder runs inside the ledger transaction that books the order's
// PURCHASE movements.
func (ts *txStore) CreateOrder(ctx context.Context, o purchase.Order) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, kitchen_id, supplier_id, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.ID, o.Kitchen, nullString(o.Supplier), o.Status, o.CreatedBy, formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert purchase order: %w", err)
	}
	for _, l := range o.Lines {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO purchase_order_lines (order_id, position, item_id, qty, unit_cost)
			VALUES (?, ?, ?, ?, ?)
		`, o.ID, l.Position, l.Item, l.Qty.String(), l.UnitCost.String())
		if err != nil {
			return fmt.Errorf("failed to insert purchase order line: %w", err)
		}
	}
	return nil
}

func (s *Store) Orders(ctx context.Context, f purchase.Filter) ([]purchase.Order, error) {
	query := `
		SELECT id, kitchen_id, supplier_id, status, created_by, created_at
		FROM purchase_orders WHERE kitchen_id = ? ORDER BY seq DESC`
	args := []any{f.Kitchen}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}
	var out []purchase.Order
	for rows.Next() {
		var (
			o        purchase.Order
			supplier sql.NullString
			created  string
		)
		if err := rows.Scan(&o.ID, &o.Kitchen, &supplier, &o.Status, &o.CreatedBy, &created); err != nil {
			rows.Close()
			return nil, err
		}
		o.Supplier = supplier.String
		o.CreatedAt = parseTime(created)
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Lines, err = orderLines(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func orderLines(ctx context.Context, q querier, id string) ([]purchase.Line, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT position, item_id, qty, unit_cost FROM purchase_order_lines WHERE order_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase order lines: %w", err)
	}
	defer rows.Close()

	var lines []purchase.Line
	for rows.Next() {
		var (
			l         purchase.Line
			qty, cost string
		)
		if err := rows.Scan(&l.Position, &l.Item, &qty, &cost); err != nil {
			return nil, err
		}
		if l.Qty, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		if l.UnitCost, err = parseDecimal(cost); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

var (
	_ purchase.Store = (*Store)(nil)
	_ purchase.Tx    = (*txStore)(nil)
	_ ledger.Catalog = (*Store)(nil)
)
