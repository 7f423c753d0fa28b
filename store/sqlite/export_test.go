package sqlite

import (
	"context"

	"github.com/warp/stock-engine/ledger"
)

// ExecForTest runs raw SQL on an open transaction handle.
func ExecForTest(ctx context.Context, tx ledger.Tx, query string) error {
	_, err := tx.(*txStore).tx.ExecContext(ctx, query)
	return err
}
