package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/transfer"
)

// =============================================================================
// TRANSFERS (transfer.Store / transfer.Tx interfaces)
// =============================================================================

func (s *Store) CreateTransfer(ctx context.Context, t transfer.Transfer) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transfers
		(id, from_kitchen_id, to_kitchen_id, status, requested_by, requested_at,
		 approved_by, approved_at, dispatched_by, dispatched_at, received_by, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Source, t.Destination, t.Status, t.RequestedBy, formatTime(t.RequestedAt),
		nullString(t.ApprovedBy), formatNullTime(t.ApprovedAt),
		nullString(t.DispatchedBy), formatNullTime(t.DispatchedAt),
		nullString(t.ReceivedBy), formatNullTime(t.ReceivedAt),
		formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	for _, l := range t.Lines {
		_, err := sqlTx.ExecContext(ctx,
			`INSERT INTO transfer_lines (transfer_id, position, item_id, qty) VALUES (?, ?, ?, ?)`,
			t.ID, l.Position, l.Item, l.Qty.String())
		if err != nil {
			return fmt.Errorf("failed to insert transfer line: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) Transfer(ctx context.Context, id string) (transfer.Transfer, error) {
	return loadTransfer(ctx, s.db, id)
}

func (s *Store) Transfers(ctx context.Context, f transfer.Filter) ([]transfer.Transfer, error) {
	var (
		conds []string
		args  []any
	)
	if f.Kitchen != "" {
		conds = append(conds, "(from_kitchen_id = ? OR to_kitchen_id = ?)")
		args = append(args, f.Kitchen, f.Kitchen)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	query := transferSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	var out []transfer.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Lines are loaded after the header cursor is closed: a ":memory:"
	// database has a single connection.
	for i := range out {
		if out[i].Lines, err = loadLines(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LockTransfer reads the transfer inside the transaction. SQLite's
// immediate transaction already excludes other writers.
func (ts *txStore) LockTransfer(ctx context.Context, id string) (transfer.Transfer, error) {
	return loadTransfer(ctx, ts.tx, id)
}

// UpdateTransfer writes status and transition stamps. Lines never change.
func (ts *txStore) UpdateTransfer(ctx context.Context, t transfer.Transfer) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE transfers SET
			status = ?, approved_by = ?, approved_at = ?, dispatched_by = ?, dispatched_at = ?,
			received_by = ?, received_at = ?, updated_at = ?
		WHERE id = ?
	`, t.Status,
		nullString(t.ApprovedBy), formatNullTime(t.ApprovedAt),
		nullString(t.DispatchedBy), formatNullTime(t.DispatchedAt),
		nullString(t.ReceivedBy), formatNullTime(t.ReceivedAt),
		formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transfer.NotFound(t.ID)
	}
	return nil
}

const transferSelect = `
	SELECT id, from_kitchen_id, to_kitchen_id, status, requested_by, requested_at,
	       approved_by, approved_at, dispatched_by, dispatched_at, received_by, received_at, updated_at
	FROM transfers`

func loadTransfer(ctx context.Context, q querier, id string) (transfer.Transfer, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx, transferSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, transfer.NotFound(id)
	}
	if err != nil {
		return transfer.Transfer{}, err
	}
	if t.Lines, err = loadLines(ctx, q, id); err != nil {
		return transfer.Transfer{}, err
	}
	return t, nil
}

func scanTransfer(row rowScanner) (transfer.Transfer, error) {
	var (
		t                                    transfer.Transfer
		requestedAt, updatedAt               string
		approvedBy, dispatchedBy, receivedBy sql.NullString
		approvedAt, dispatchedAt, receivedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.Source, &t.Destination, &t.Status, &t.RequestedBy, &requestedAt,
		&approvedBy, &approvedAt, &dispatchedBy, &dispatchedAt, &receivedBy, &receivedAt, &updatedAt)
	if err != nil {
		return t, err
	}
	t.RequestedAt = parseTime(requestedAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.ApprovedBy, t.ApprovedAt = approvedBy.String, parseNullTime(approvedAt)
	t.DispatchedBy, t.DispatchedAt = dispatchedBy.String, parseNullTime(dispatchedAt)
	t.ReceivedBy, t.ReceivedAt = receivedBy.String, parseNullTime(receivedAt)
	return t, nil
}

func loadLines(ctx context.Context, q querier, id string) ([]transfer.Line, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT position, item_id, qty FROM transfer_lines WHERE transfer_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer lines: %w", err)
	}
	defer rows.Close()

	var lines []transfer.Line
	for rows.Next() {
		var (
			l   transfer.Line
			qty string
		)
		if err := rows.Scan(&l.Position, &l.Item, &qty); err != nil {
			return nil, err
		}
		if l.Qty, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Tx      = (*txStore)(nil)
	_ transfer.Store = (*Store)(nil)
	_ transfer.Tx    = (*txStore)(nil)
)
