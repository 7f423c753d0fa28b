package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// LEDGER TX (ledger.Tx interface)
// =============================================================================

func (ts *txStore) LockBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	db := ts.db.WithContext(ctx)
	seed := balanceRow{
		KitchenID: string(key.Kitchen),
		ItemID:    string(key.Item),
		OnHand:    decimal.Zero,
		AvgCost:   decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed)
	if created.Error != nil {
		return ledger.Balance{}, false, fmt.Errorf("failed to seed balance row: %w", created.Error)
	}

	var row balanceRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kitchen_id = ? AND item_id = ?", key.Kitchen, key.Item).
		Take(&row).Error
	if err != nil {
		if isLockConflict(err) {
			return ledger.Balance{}, false, ledger.LockTimeoutf(err, "balance %s", key)
		}
		return ledger.Balance{}, false, fmt.Errorf("failed to lock balance: %w", err)
	}
	// A row seeded by this call is the state of a pair that never moved.
	return toBalance(row), created.RowsAffected == 0, nil
}

// SumEntries reads under the transaction, after LockBalance has taken the
// pair's row lock, so no writer on the pair can commit in between.
func (ts *txStore) SumEntries(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	return sumEntries(ts.db.WithContext(ctx), key)
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.Balance) error {
	row := balanceRow{
		KitchenID: string(b.Kitchen),
		ItemID:    string(b.Item),
		OnHand:    b.OnHand,
		AvgCost:   b.AvgCost,
		UpdatedAt: b.UpdatedAt,
	}
	err := ts.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kitchen_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"on_hand", "avg_cost", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	row := entryRow{
		ID:             string(e.ID),
		KitchenID:      string(e.Kitchen),
		ItemID:         string(e.Item),
		Kind:           string(e.Kind),
		QtyDelta:       e.QtyDelta,
		UnitCost:       decPtr(e.UnitCost),
		Reason:         strPtr(e.Reason),
		IdempotencyKey: strPtr(e.IdempotencyKey),
		ActorID:        e.ActorID,
		CreatedAt:      e.CreatedAt,
	}
	if e.Reference != nil {
		row.RefKind = strPtr(string(e.Reference.Kind))
		row.RefID = strPtr(e.Reference.ID)
	}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err, "uniq_entries_idempotency") {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER READS (ledger.Store interface)
// =============================================================================

func (s *Store) Balance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	var row balanceRow
	err := s.db.WithContext(ctx).Where("kitchen_id = ? AND item_id = ?", key.Kitchen, key.Item).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return toBalance(row), true, nil
}

func (s *Store) Balances(ctx context.Context, kitchen ledger.KitchenID) ([]ledger.Balance, error) {
	var rows []balanceRow
	if err := s.db.WithContext(ctx).Where("kitchen_id = ?", kitchen).Order("item_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	out := make([]ledger.Balance, len(rows))
	for i, r := range rows {
		out[i] = toBalance(r)
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{})
	if f.Kitchen != "" {
		q = q.Where("kitchen_id = ?", f.Kitchen)
	}
	if f.Item != "" {
		q = q.Where("item_id = ?", f.Item)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where("kind IN ?", kinds)
	}
	if f.Reference != nil {
		q = q.Where("ref_kind = ? AND ref_id = ?", f.Reference.Kind, f.Reference.ID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}
	if f.Limit > 0 {
		q = q.Order("seq DESC").Limit(f.Limit)
	} else {
		q = q.Order("seq ASC")
	}

	var rows []entryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	out := make([]ledger.Entry, len(rows))
	for i, r := range rows {
		out[i] = toEntry(r)
	}
	return out, nil
}

func (s *Store) SumEntries(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	return sumEntries(s.db.WithContext(ctx), key)
}

func sumEntries(db *gorm.DB, key ledger.BalanceKey) (decimal.Decimal, error) {
	var res struct{ Total decimal.Decimal }
	err := db.Model(&entryRow{}).
		Select("COALESCE(SUM(qty_delta), 0) AS total").
		Where("kitchen_id = ? AND item_id = ?", key.Kitchen, key.Item).
		Scan(&res).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum entries: %w", err)
	}
	return res.Total, nil
}

func toBalance(r balanceRow) ledger.Balance {
	return ledger.Balance{
		Kitchen:   ledger.KitchenID(r.KitchenID),
		Item:      ledger.ItemID(r.ItemID),
		OnHand:    r.OnHand,
		AvgCost:   r.AvgCost,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func toEntry(r entryRow) ledger.Entry {
	e := ledger.Entry{
		ID:             ledger.EntryID(r.ID),
		Kitchen:        ledger.KitchenID(r.KitchenID),
		Item:           ledger.ItemID(r.ItemID),
		Kind:           ledger.MovementKind(r.Kind),
		QtyDelta:       r.QtyDelta,
		UnitCost:       decPtr(r.UnitCost),
		Reason:         deref(r.Reason),
		IdempotencyKey: deref(r.IdempotencyKey),
		ActorID:        r.ActorID,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.RefKind != nil && r.RefID != nil {
		e.Reference = &ledger.Reference{Kind: ledger.ReferenceKind(*r.RefKind), ID: *r.RefID}
	}
	return e
}
