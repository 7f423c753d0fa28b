package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// ITEMS
// =============================================================================

func (s *Store) CreateItem(ctx context.Context, item ledger.Item) error {
	row := fromItem(item)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err, "uniq_items_name_uom") {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, item ledger.Item) error {
	row := fromItem(item)
	res := s.db.WithContext(ctx).Model(&itemRow{}).Where("id = ?", item.ID).Updates(map[string]any{
		"name":          row.Name,
		"category":      row.Category,
		"uom":           row.UOM,
		"reorder_point": row.ReorderPoint,
		"active":        row.Active,
		"updated_at":    row.UpdatedAt,
	})
	if res.Error != nil {
		if isDuplicate(res.Error, "uniq_items_name_uom") {
			return catalog.DuplicateItem(item.Name, item.UOM)
		}
		return fmt.Errorf("failed to update item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Item(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Item(ctx context.Context, id ledger.ItemID) (ledger.Item, error) {
	var row itemRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Item{}, catalog.ItemNotFound(id)
	}
	if err != nil {
		return ledger.Item{}, fmt.Errorf("failed to query item: %w", err)
	}
	return toItem(row), nil
}

func (s *Store) Items(ctx context.Context, f catalog.ItemFilter) ([]ledger.Item, error) {
	q := s.db.WithContext(ctx).Model(&itemRow{})
	if f.Active != nil {
		q = q.Where("active = ?", *f.Active)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Query != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(f.Query)+"%")
	}
	var rows []itemRow
	if err := q.Order("COALESCE(category, '')").Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	out := make([]ledger.Item, len(rows))
	for i, r := range rows {
		out[i] = toItem(r)
	}
	return out, nil
}

func (s *Store) ItemHasEntries(ctx context.Context, id ledger.ItemID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&entryRow{}).Where("item_id = ?", id).Limit(1).Count(&n).Error
	return n > 0, err
}

func fromItem(it ledger.Item) itemRow {
	return itemRow{
		ID:           string(it.ID),
		Name:         it.Name,
		Category:     strPtr(it.Category),
		UOM:          it.UOM,
		ReorderPoint: it.ReorderPoint,
		Active:       it.Active,
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
	}
}

func toItem(r itemRow) ledger.Item {
	return ledger.Item{
		ID:           ledger.ItemID(r.ID),
		Name:         r.Name,
		Category:     deref(r.Category),
		UOM:          r.UOM,
		ReorderPoint: r.ReorderPoint,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// =============================================================================
// KITCHENS
// =============================================================================

func (s *Store) CreateKitchen(ctx context.Context, k ledger.Kitchen) error {
	row := fromKitchen(k)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create kitchen: %w", err)
	}
	return nil
}

func (s *Store) UpdateKitchen(ctx context.Context, k ledger.Kitchen) error {
	row := fromKitchen(k)
	err := s.db.WithContext(ctx).Model(&kitchenRow{}).Where("id = ?", k.ID).Updates(map[string]any{
		"name":              row.Name,
		"kind":              row.Kind,
		"address":           row.Address,
		"lat":               row.Lat,
		"lng":               row.Lng,
		"geofence_radius_m": row.GeofenceRadiusMeters,
		"updated_at":        row.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update kitchen: %w", err)
	}
	return nil
}

func (s *Store) Kitchen(ctx context.Context, id ledger.KitchenID) (ledger.Kitchen, error) {
	var row kitchenRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Kitchen{}, catalog.KitchenNotFound(id)
	}
	if err != nil {
		return ledger.Kitchen{}, fmt.Errorf("failed to query kitchen: %w", err)
	}
	return toKitchen(row), nil
}

func (s *Store) Kitchens(ctx context.Context) ([]ledger.Kitchen, error) {
	var rows []kitchenRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query kitchens: %w", err)
	}
	out := make([]ledger.Kitchen, len(rows))
	for i, r := range rows {
		out[i] = toKitchen(r)
	}
	return out, nil
}

func fromKitchen(k ledger.Kitchen) kitchenRow {
	return kitchenRow{
		ID:                   string(k.ID),
		Name:                 k.Name,
		Kind:                 string(k.Kind),
		Address:              strPtr(k.Address),
		Lat:                  k.Lat,
		Lng:                  k.Lng,
		GeofenceRadiusMeters: k.GeofenceRadiusMeters,
		CreatedAt:            k.CreatedAt,
		UpdatedAt:            k.UpdatedAt,
	}
}

func toKitchen(r kitchenRow) ledger.Kitchen {
	return ledger.Kitchen{
		ID:                   ledger.KitchenID(r.ID),
		Name:                 r.Name,
		Kind:                 ledger.KitchenKind(r.Kind),
		Address:              deref(r.Address),
		Lat:                  r.Lat,
		Lng:                  r.Lng,
		GeofenceRadiusMeters: r.GeofenceRadiusMeters,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}
