package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// ITEMS
// =============================================================================

func (s *Store) CreateItem(ctx context.Context, item ledger.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, category, uom, reorder_point, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Name, nullString(item.Category), item.UOM, item.ReorderPoint.String(),
		item.Active, formatTime(item.CreatedAt), formatTime(item.UpdatedAt))
	if err != nil {
		if isConstraintOn(err, "items.name") {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, item ledger.Item) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET name = ?, category = ?, uom = ?, reorder_point = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, item.Name, nullString(item.Category), item.UOM, item.ReorderPoint.String(),
		item.Active, formatTime(item.UpdatedAt), item.ID)
	if err != nil {
		if isConstraintOn(err, "items.name") {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ItemNotFound(item.ID)
	}
	return nil
}

const itemSelect = `SELECT id, name, category, uom, reorder_point, active, created_at, updated_at FROM items`

func (s *Store) Item(ctx context.Context, id ledger.ItemID) (ledger.Item, error) {
	rows, err := s.db.QueryContext(ctx, itemSelect+` WHERE id = ?`, id)
	if err != nil {
		return ledger.Item{}, fmt.Errorf("failed to query item: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return ledger.Item{}, err
	}
	if len(items) == 0 {
		return ledger.Item{}, catalog.ItemNotFound(id)
	}
	return items[0], nil
}

func (s *Store) Items(ctx context.Context, f catalog.ItemFilter) ([]ledger.Item, error) {
	var (
		conds []string
		args  []any
	)
	if f.Active != nil {
		conds = append(conds, "active = ?")
		args = append(args, *f.Active)
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Query != "" {
		conds = append(conds, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
	}
	query := itemSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY COALESCE(category, ''), name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return scanItems(rows)
}

func (s *Store) ItemHasEntries(ctx context.Context, id ledger.ItemID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE item_id = ?`, id).Scan(&n)
	return n > 0, err
}

func scanItems(rows *sql.Rows) ([]ledger.Item, error) {
	defer rows.Close()
	var out []ledger.Item
	for rows.Next() {
		var (
			it                        ledger.Item
			category                  sql.NullString
			reorder, created, updated string
		)
		if err := rows.Scan(&it.ID, &it.Name, &category, &it.UOM, &reorder, &it.Active, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		rp, err := parseDecimal(reorder)
		if err != nil {
			return nil, err
		}
		it.Category = category.String
		it.ReorderPoint = rp
		it.CreatedAt = parseTime(created)
		it.UpdatedAt = parseTime(updated)
		out = append(out, it)
	}
	return out, rows.Err()
}

// =============================================================================
// KITCHENS
// =============================================================================

func (s *Store) CreateKitchen(ctx context.Context, k ledger.Kitchen) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kitchens (id, name, kind, address, lat, lng, geofence_radius_m, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.Name, k.Kind, nullString(k.Address), nullFloat(k.Lat), nullFloat(k.Lng),
		k.GeofenceRadiusMeters, formatTime(k.CreatedAt), formatTime(k.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create kitchen: %w", err)
	}
	return nil
}

func (s *Store) UpdateKitchen(ctx context.Context, k ledger.Kitchen) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kitchens SET name = ?, kind = ?, address = ?, lat = ?, lng = ?, geofence_radius_m = ?, updated_at = ?
		WHERE id = ?
	`, k.Name, k.Kind, nullString(k.Address), nullFloat(k.Lat), nullFloat(k.Lng),
		k.GeofenceRadiusMeters, formatTime(k.UpdatedAt), k.ID)
	if err != nil {
		return fmt.Errorf("failed to update kitchen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.KitchenNotFound(k.ID)
	}
	return nil
}

const kitchenSelect = `SELECT id, name, kind, address, lat, lng, geofence_radius_m, created_at, updated_at FROM kitchens`

func (s *Store) Kitchen(ctx context.Context, id ledger.KitchenID) (ledger.Kitchen, error) {
	k, err := scanKitchen(s.db.QueryRowContext(ctx, kitchenSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Kitchen{}, catalog.KitchenNotFound(id)
	}
	return k, err
}

func (s *Store) Kitchens(ctx context.Context) ([]ledger.Kitchen, error) {
	rows, err := s.db.QueryContext(ctx, kitchenSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query kitchens: %w", err)
	}
	defer rows.Close()

	var out []ledger.Kitchen
	for rows.Next() {
		k, err := scanKitchen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKitchen(row rowScanner) (ledger.Kitchen, error) {
	var (
		k                ledger.Kitchen
		address          sql.NullString
		lat, lng         sql.NullFloat64
		created, updated string
	)
	if err := row.Scan(&k.ID, &k.Name, &k.Kind, &address, &lat, &lng, &k.GeofenceRadiusMeters, &created, &updated); err != nil {
		return k, err
	}
	k.Address = address.String
	if lat.Valid {
		k.Lat = &lat.Float64
	}
	if lng.Valid {
		k.Lng = &lng.Float64
	}
	k.CreatedAt = parseTime(created)
	k.UpdatedAt = parseTime(updated)
	return k, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
