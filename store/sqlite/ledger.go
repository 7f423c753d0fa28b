package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// LEDGER TX (ledger.Tx interface)
// =============================================================================

func (ts *txStore) LockBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	b, err := scanBalance(ts.tx.QueryRowContext(ctx, balanceSelect+` WHERE kitchen_id = ? AND item_id = ?`, key.Kitchen, key.Item))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return b, true, nil
}

func (ts *txStore) SumEntries(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	return sumEntries(ctx, ts.tx, key)
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.Balance) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (kitchen_id, item_id, on_hand, avg_cost, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kitchen_id, item_id) DO UPDATE SET
			on_hand = excluded.on_hand,
			avg_cost = excluded.avg_cost,
			updated_at = excluded.updated_at
	`, b.Kitchen, b.Item, b.OnHand.String(), b.AvgCost.String(), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	var refKind, refID sql.NullString
	if e.Reference != nil {
		refKind = nullString(string(e.Reference.Kind))
		refID = nullString(e.Reference.ID)
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, kitchen_id, item_id, kind, qty_delta, unit_cost, ref_kind, ref_id,
		 reason, idempotency_key, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Kitchen,
		e.Item,
		e.Kind,
		e.QtyDelta.String(),
		nullDecimal(e.UnitCost),
		refKind,
		refID,
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		e.ActorID,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isConstraintOn(err, "idempotency_key") {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER READS (ledger.Store interface)
// =============================================================================

const balanceSelect = `SELECT kitchen_id, item_id, on_hand, avg_cost, updated_at FROM balances`

func (s *Store) Balance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx, balanceSelect+` WHERE kitchen_id = ? AND item_id = ?`, key.Kitchen, key.Item))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return b, true, nil
}

func (s *Store) Balances(ctx context.Context, kitchen ledger.KitchenID) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, balanceSelect+` WHERE kitchen_id = ? ORDER BY item_id`, kitchen)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (ledger.Balance, error) {
	var (
		b                        ledger.Balance
		onHand, avgCost, updated string
	)
	if err := row.Scan(&b.Kitchen, &b.Item, &onHand, &avgCost, &updated); err != nil {
		return b, err
	}
	var err error
	if b.OnHand, err = parseDecimal(onHand); err != nil {
		return b, err
	}
	if b.AvgCost, err = parseDecimal(avgCost); err != nil {
		return b, err
	}
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

const entrySelect = `
	SELECT id, kitchen_id, item_id, kind, qty_delta, unit_cost, ref_kind, ref_id,
	       reason, idempotency_key, actor_id, created_at
	FROM ledger_entries`

func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	where, args := entryWhere(f)
	query := entrySelect + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query = entrySelect + where + ` ORDER BY seq DESC LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryEntries(ctx, s.db, query, args...)
}

func entryWhere(f ledger.EntryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Kitchen != "" {
		conds = append(conds, "kitchen_id = ?")
		args = append(args, f.Kitchen)
	}
	if f.Item != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, f.Item)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN (?"+strings.Repeat(", ?", len(f.Kinds)-1)+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Reference != nil {
		conds = append(conds, "ref_kind = ? AND ref_id = ?")
		args = append(args, f.Reference.Kind, f.Reference.ID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                                       ledger.Entry
		qty, createdAt                          string
		unitCost, refKind, refID, reason, idemp sql.NullString
	)
	err := rows.Scan(
		&e.ID, &e.Kitchen, &e.Item, &e.Kind, &qty, &unitCost, &refKind, &refID,
		&reason, &idemp, &e.ActorID, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if e.QtyDelta, err = parseDecimal(qty); err != nil {
		return e, err
	}
	if unitCost.Valid {
		c, err := parseDecimal(unitCost.String)
		if err != nil {
			return e, err
		}
		e.UnitCost = &c
	}
	if refKind.Valid && refID.Valid {
		e.Reference = &ledger.Reference{Kind: ledger.ReferenceKind(refKind.String), ID: refID.String}
	}
	e.Reason = reason.String
	e.IdempotencyKey = idemp.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func (s *Store) SumEntries(ctx context.Context, key ledger.BalanceKey) (decimal.Decimal, error) {
	return sumEntries(ctx, s.db, key)
}

// sumEntries adds the deltas in Go: SQLite would sum TEXT as REAL.
func sumEntries(ctx context.Context, q querier, key ledger.BalanceKey) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT qty_delta FROM ledger_entries WHERE kitchen_id = ? AND item_id = ?`, key.Kitchen, key.Item)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		d, err := parseDecimal(v)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}
