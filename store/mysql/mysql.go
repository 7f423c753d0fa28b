/*
Package mysql provides a MySQL-backed implementation of the storage interfaces.

PURPOSE:
  The multi-instance backend. Several server processes may share one MySQL
  database; correctness comes from InnoDB row locks rather than from an
  in-process mutex, so the engine runs with ledger.NopLocker (or the Redis
  locker) in front of it.

LOCKING:
  LockBalance inserts a zero balance row if none exists (ON DUPLICATE KEY
  no-op) and then reads it with SELECT ... FOR UPDATE. Creating the row first
  means two writers racing on a never-moved pair both block on the same row
  instead of on a gap lock. LockTransfer uses FOR UPDATE on the transfer row.
  A lock wait timeout (1205) or deadlock (1213) rolls the transaction back
  and is returned as ledger.ErrLockTimeout.

SCHEMA:
  Managed by gorm AutoMigrate. Quantities are DECIMAL(20,4), costs
  DECIMAL(20,6). ledger_entries is protected by BEFORE UPDATE / BEFORE DELETE
  triggers that SIGNAL an error.

TRACING:
  The otelgorm plugin emits a span per query, nested under the engine's
  ledger.Atomic span.

SEE ALSO:
  - store/sqlite: single-node default backend
  - ledger/store.go: interface definitions
*/
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	drv "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/warp/stock-engine/ledger"
)

// Options configures the connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
}

// Store implements all storage interfaces using MySQL through gorm.
type Store struct {
	db *gorm.DB
}

// New opens the database, installs tracing and migrates the schema.
func New(opts Options, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.SlowThreshold == 0 {
		opts.SlowThreshold = time.Second
	}
	db, err := gorm.Open(mysql.Open(opts.DSN), &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.WithError(err).Warn("failed to install otelgorm plugin")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&kitchenRow{}, &itemRow{}, &balanceRow{}, &entryRow{},
		&transferRow{}, &transferLineRow{},
		&supplierRow{}, &orderRow{}, &orderLineRow{},
		&auditRow{},
	)
	if err != nil {
		return err
	}
	for _, op := range []string{"UPDATE", "DELETE"} {
		name := "ledger_entries_no_" + strings.ToLower(op)
		if err := s.db.Exec("DROP TRIGGER IF EXISTS " + name).Error; err != nil {
			return err
		}
		trigger := fmt.Sprintf(`CREATE TRIGGER %s BEFORE %s ON ledger_entries FOR EACH ROW
			SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'ledger entries are append-only'`, name, op)
		if err := s.db.Exec(trigger).Error; err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes all data. Used by demo seeding and tests.
func (s *Store) Reset(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("DROP TRIGGER IF EXISTS ledger_entries_no_delete").Error; err != nil {
		return err
	}
	for _, table := range []string{
		"audit_log", "purchase_order_lines", "purchase_orders", "suppliers",
		"transfer_lines", "transfers", "ledger_entries", "balances", "items", "kitchens",
	} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return s.migrate()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in one InnoDB transaction. Lock wait timeouts and deadlocks
// raised anywhere inside it, including at commit, come back as
// ledger.ErrLockTimeout.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
	return lockConflictOr(err)
}

// txStore is the transaction handle. It implements ledger.Tx, transfer.Tx
// and purchase.Tx.
type txStore struct {
	db *gorm.DB
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

// isLockConflict reports whether err is InnoDB giving up on a row lock.
// Either way the transaction was rolled back and may be retried.
func isLockConflict(err error) bool {
	var me *drv.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == errLockWaitTimeout || me.Number == errDeadlockDetected
}

// isDuplicate reports whether err is a unique violation on the named index.
func isDuplicate(err error, index string) bool {
	var me *drv.MySQLError
	if !errors.As(err, &me) || me.Number != errDuplicateEntry {
		return false
	}
	return index == "" || strings.Contains(me.Message, index)
}

// lockConflictOr maps a lock wait timeout or deadlock to
// ledger.ErrLockTimeout and returns any other error unchanged.
func lockConflictOr(err error) error {
	if isLockConflict(err) && !errors.Is(err, ledger.ErrLockTimeout) {
		return ledger.LockTimeoutf(err, "transaction aborted")
	}
	return err
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
