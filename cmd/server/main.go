/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the kitchen stock engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (defaults < YAML < STOCK_* env)
  2. Build the logger
  3. Open the store (sqlite or mysql) and pick the balance locker
  4. Wire engine, services, audit dispatcher and API handler
  5. Optionally seed demo data, start the verification scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config   YAML config file (default: $STOCK_CONFIG)
  --addr     HTTP listen address, overrides config
  --seed     Load the demo catalog when the database has no kitchens

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler, drain the audit queue
  4. Close the database connection

EXAMPLES:
  # SQLite file database with demo data
  ./server --seed

  # MySQL with Redis locks
  STOCK_DB_DRIVER=mysql STOCK_DB_DSN='stock:pw@tcp(db:3306)/stock' \
  STOCK_LOCK_BACKEND=redis STOCK_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: every setting and its environment variable
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/lock/redislocker"
	"github.com/warp/stock-engine/purchase"
	"github.com/warp/stock-engine/report"
	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/store/mysql"
	"github.com/warp/stock-engine/store/sqlite"
	"github.com/warp/stock-engine/transfer"
)

// backend is everything the server needs from a store.
type backend interface {
	ledger.Store
	catalog.Store
	purchase.Store
	transfer.Store
	audit.Store
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

func main() {
	configPath := pflag.String("config", "", "YAML config file (default $STOCK_CONFIG)")
	addr := pflag.String("addr", "", "HTTP listen address, overrides config")
	seed := pflag.Bool("seed", false, "load the demo catalog into an empty database")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	log, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *seed, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, seed bool, log *logrus.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	var sink audit.Sink = &audit.StoreSink{Store: store}
	if log.IsLevelEnabled(logrus.DebugLevel) {
		sink = audit.Tee{sink, audit.LogSink{Log: log.WithField("component", "audit")}}
	}
	dispatcher := audit.NewAsync(sink, cfg.Audit.QueueSize, log.WithField("component", "audit"))
	dispatcher.Timeout = cfg.Audit.Timeout

	cat := catalog.NewService(store, dispatcher, log)
	engine := ledger.NewEngine(store, cat, log.WithField("component", "ledger"))
	engine.Locker = locker
	engine.VerifyAfterCommit = cfg.Ledger.VerifyAfterCommit

	st := stock.NewService(engine, store, dispatcher, log)
	svc := api.Services{
		Catalog:   cat,
		Stock:     st,
		Purchases: purchase.NewService(engine, store, dispatcher, log),
		Transfers: transfer.NewService(engine, store, dispatcher, log),
		Reports:   report.New(st, store),
		AuditLog:  store,
		Backend:   store,
	}

	ctx := context.Background()
	if seed {
		if err := seedDemo(ctx, svc, log); err != nil {
			return fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	handler := api.NewHandler(svc, log)
	handler.AllowReset = cfg.Environment == "development"
	if cfg.Ledger.VerifyInterval > 0 {
		handler.Scheduler = api.NewVerificationScheduler(st, store, cfg.Ledger.VerifyInterval, log)
		handler.Scheduler.Start()
		defer handler.Scheduler.Stop()
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.HTTP.CORSOrigins}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.HTTP.Addr,
			"driver": cfg.Database.Driver,
			"lock":   cfg.Lock.Backend,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.WithError(err).WithField("pending", dispatcher.Pending()).Warn("audit queue not drained")
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config, log *logrus.Logger) (backend, error) {
	db := cfg.Database
	switch db.Driver {
	case config.DriverMySQL:
		return mysql.New(mysql.Options{
			DSN:             db.DSN,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
		}, log.WithField("component", "mysql"))
	default:
		if db.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(db.Path), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(db.Path)
	}
}

// newLocker returns the balance locker and a function releasing its
// resources. With MySQL and no Redis, InnoDB row locks are the only lock.
func newLocker(cfg *config.Config, log *logrus.Logger) (ledger.Locker, func(), error) {
	switch {
	case cfg.Lock.Backend == config.LockRedis:
	case cfg.Database.Driver == config.DriverMySQL:
		return ledger.NopLocker{}, func() {}, nil
	default:
		return ledger.NewKeyedLocker(cfg.Lock.Wait), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Lock.RedisAddr, err)
	}
	locker := redislocker.New(rdb, redislocker.Options{
		TTL:  cfg.Lock.TTL,
		Wait: cfg.Lock.Wait,
	}, log.WithField("component", "redislock"))
	return locker, func() { rdb.Close() }, nil
}

// seedDemo loads the demo catalog unless kitchens already exist.
func seedDemo(ctx context.Context, svc api.Services, log *logrus.Logger) error {
	kitchens, err := svc.Catalog.Kitchens(ctx)
	if err != nil {
		return err
	}
	if len(kitchens) > 0 {
		log.WithField("kitchens", len(kitchens)).Info("database not empty, skipping seed")
		return nil
	}
	if err := api.LoadScenario(ctx, svc, "demo-kitchens"); err != nil {
		return err
	}
	log.Info("demo catalog seeded")
	return nil
}
