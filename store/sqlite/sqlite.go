/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine with one SQLite
  database. This is the default backend: a single kitchen group runs on one
  file, and tests run on ":memory:".

INTERFACES IMPLEMENTED:
  ledger.Store / ledger.Tx:  balances + append-only ledger
  transfer.Store / .Tx:      transfer documents
  purchase.Store / .Tx:      suppliers and purchase orders
  catalog.Store:             items and kitchens (also a ledger.Catalog)
  audit.Store:               audit_log

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries anywhere in this package
  - Triggers abort any UPDATE or DELETE issued by someone else
  - seq (AUTOINCREMENT) records commit order

KEY TABLES:
  ledger_entries:  immutable movement log
  balances:        (kitchen_id, item_id) -> on_hand, avg_cost
  transfers:       transfer header + per-transition actor/time
  transfer_lines:  ordered, immutable lines

DECIMALS AND TIMES:
  Quantities and costs are stored as TEXT and parsed with shopspring/decimal,
  so no value ever passes through float64. Times are stored as fixed-width
  UTC text so that string comparison matches time order.

CONCURRENCY:
  Transactions are opened with _txlock=immediate: a writer takes SQLite's
  write lock at BEGIN and holds it until COMMIT, so LockBalance needs no row
  lock of its own. Per-pair ordering still comes from the engine's Locker.
  ":memory:" databases are private to one connection, so the pool is limited
  to a single connection for them.

WAL MODE:
  File databases are opened in WAL mode: readers never block the writer.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/memory: in-memory implementation for tests
  - store/mysql: row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Kitchens
	CREATE TABLE IF NOT EXISTS kitchens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		address TEXT,
		lat REAL,
		lng REAL,
		geofence_radius_m INTEGER NOT NULL DEFAULT 150,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Items
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		uom TEXT NOT NULL,
		reorder_point TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(name, uom)
	);

	CREATE INDEX IF NOT EXISTS idx_items_category
		ON items(category, name);

	-- Balance projection (written only by the ledger engine)
	CREATE TABLE IF NOT EXISTS balances (
		kitchen_id TEXT NOT NULL REFERENCES kitchens(id),
		item_id TEXT NOT NULL REFERENCES items(id),
		on_hand TEXT NOT NULL,
		avg_cost TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kitchen_id, item_id)
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kitchen_id TEXT NOT NULL REFERENCES kitchens(id),
		item_id TEXT NOT NULL REFERENCES items(id),
		kind TEXT NOT NULL,
		qty_delta TEXT NOT NULL,
		unit_cost TEXT,
		ref_kind TEXT,
		ref_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hot path: per-pair history and reconciliation
	CREATE INDEX IF NOT EXISTS idx_entries_pair
		ON ledger_entries(kitchen_id, item_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_kitchen_time
		ON ledger_entries(kitchen_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(ref_kind, ref_id) WHERE ref_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
	BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;

	-- Transfers
	CREATE TABLE IF NOT EXISTS transfers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		from_kitchen_id TEXT NOT NULL REFERENCES kitchens(id),
		to_kitchen_id TEXT NOT NULL REFERENCES kitchens(id),
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT,
		dispatched_by TEXT,
		dispatched_at TEXT,
		received_by TEXT,
		received_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_from
		ON transfers(from_kitchen_id, status);
	CREATE INDEX IF NOT EXISTS idx_transfers_to
		ON transfers(to_kitchen_id, status);

	CREATE TABLE IF NOT EXISTS transfer_lines (
		transfer_id TEXT NOT NULL REFERENCES transfers(id),
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL REFERENCES items(id),
		qty TEXT NOT NULL,
		PRIMARY KEY (transfer_id, position)
	);

	-- Suppliers and purchase orders
	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kitchen_id TEXT NOT NULL REFERENCES kitchens(id),
		supplier_id TEXT REFERENCES suppliers(id),
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_orders_kitchen
		ON purchase_orders(kitchen_id, seq DESC);

	CREATE TABLE IF NOT EXISTS purchase_order_lines (
		order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL REFERENCES items(id),
		qty TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		PRIMARY KEY (order_id, position)
	);

	-- Audit log
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction. SQLITE_BUSY or
// SQLITE_LOCKED after _busy_timeout is reported as ledger.ErrLockTimeout.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busyOr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return busyOr(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return busyOr(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txStore is the transaction handle. It implements ledger.Tx, transfer.Tx
// and purchase.Tx.
type txStore struct {
	tx *sql.Tx
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reset deletes all data. The append-only triggers are dropped and
// recreated around the wipe.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"audit_log", "purchase_order_lines", "purchase_orders", "suppliers",
		"transfer_lines", "transfers", "ledger_entries", "balances", "items", "kitchens",
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()
	if _, err := sqlTx.ExecContext(ctx, `DROP TRIGGER IF EXISTS ledger_entries_no_delete`); err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	return s.migrate()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isConstraintOn(err error, column string) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), column)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// busyOr maps a busy database to ledger.ErrLockTimeout and returns any
// other error unchanged.
func busyOr(err error) error {
	if isBusy(err) && !errors.Is(err, ledger.ErrLockTimeout) {
		return ledger.LockTimeoutf(err, "database is busy")
	}
	return err
}
