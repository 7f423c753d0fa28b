// Package config loads server configuration.
//
// Values are layered: built-in defaults, then the YAML file named by --config
// or STOCK_CONFIG, then STOCK_* environment variables. A .env file in the
// working directory is loaded into the environment first, if present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Environment is informational: development, staging or production.
	Environment string         `yaml:"environment"`
	HTTP        HTTPConfig     `yaml:"http"`
	Database    DatabaseConfig `yaml:"database"`
	Lock        LockConfig     `yaml:"lock"`
	Audit       AuditConfig    `yaml:"audit"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Log         LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// DatabaseConfig selects the store. Path is used by sqlite, DSN by mysql.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LockConfig selects the balance locker. "local" locks within the process;
// "redis" locks across processes sharing one database.
type LockConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	Wait          time.Duration `yaml:"wait"`
}

type AuditConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	// VerifyAfterCommit re-derives every touched balance after each commit.
	VerifyAfterCommit bool `yaml:"verify_after_commit"`
	// VerifyInterval runs a full reconciliation periodically. Zero disables it.
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	LockLocal = "local"
	LockRedis = "redis"
)

func Default() *Config {
	return &Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			Path:            "./data/stock.db",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Lock: LockConfig{
			Backend:   LockLocal,
			RedisAddr: "localhost:6379",
			TTL:       30 * time.Second,
			Wait:      5 * time.Second,
		},
		Audit: AuditConfig{
			QueueSize: 256,
			Timeout:   5 * time.Second,
		},
		Ledger: LedgerConfig{
			VerifyInterval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty, in which case STOCK_CONFIG
// is consulted and, failing that, only defaults and environment apply.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("STOCK_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overlays STOCK_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("STOCK_ENV", &c.Environment)
	str("STOCK_HTTP_ADDR", &c.HTTP.Addr)
	if v, ok := lookup("STOCK_CORS_ORIGINS"); ok && v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}
	str("STOCK_DB_DRIVER", &c.Database.Driver)
	str("STOCK_DB_PATH", &c.Database.Path)
	str("STOCK_DB_DSN", &c.Database.DSN)
	num("STOCK_DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	str("STOCK_LOCK_BACKEND", &c.Lock.Backend)
	str("STOCK_REDIS_ADDR", &c.Lock.RedisAddr)
	str("STOCK_REDIS_PASSWORD", &c.Lock.RedisPassword)
	num("STOCK_REDIS_DB", &c.Lock.RedisDB)
	dur("STOCK_LOCK_TTL", &c.Lock.TTL)
	dur("STOCK_LOCK_WAIT", &c.Lock.Wait)
	num("STOCK_AUDIT_QUEUE_SIZE", &c.Audit.QueueSize)
	dur("STOCK_VERIFY_INTERVAL", &c.Ledger.VerifyInterval)
	if v, ok := lookup("STOCK_VERIFY_AFTER_COMMIT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("STOCK_VERIFY_AFTER_COMMIT: %w", err))
		} else {
			c.Ledger.VerifyAfterCommit = b
		}
	}
	str("STOCK_LOG_LEVEL", &c.Log.Level)
	str("STOCK_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMySQL, c.Database.Driver))
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for the redis backend"))
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, errors.New("lock.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be %q or %q, got %q", LockLocal, LockRedis, c.Lock.Backend))
	}
	if c.Lock.Wait < 0 {
		errs = append(errs, errors.New("lock.wait must not be negative"))
	}
	if c.Audit.QueueSize <= 0 {
		errs = append(errs, errors.New("audit.queue_size must be positive"))
	}
	if c.Ledger.VerifyInterval < 0 {
		errs = append(errs, errors.New("ledger.verify_interval must not be negative"))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
