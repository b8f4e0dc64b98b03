// Package database opens the SQL connection behind the durable segment
// backend. SQLite, PostgreSQL and MySQL are supported through GORM.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/observability"
)

// sqlitePragmas tune file-backed SQLite for a write-heavy cache that can
// be rebuilt from the origin, so durability is traded for throughput.
var sqlitePragmas = []string{
	"busy_timeout(10000)",
	"journal_mode(WAL)",
	"synchronous(OFF)",
	"temp_store(MEMORY)",
}

// DB is an open segment database.
type DB struct {
	*gorm.DB
	driver string
}

// New opens the database described by cfg.
func New(cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	logger = observability.WithComponent(logger, "database")

	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger:                 newQueryLogger(logger, cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if cfg.Driver == "sqlite" && inMemory(cfg.DSN) {
		// Each connection to an in-memory SQLite database sees its own copy.
		maxOpen, maxIdle = 1, 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger.Info("segment database connected",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen))
	return &DB{DB: db, driver: cfg.Driver}, nil
}

func inMemory(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DSN)), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// sqliteDSN appends the cache pragmas. WAL is skipped for in-memory
// databases, which cannot journal to disk.
func sqliteDSN(dsn string) string {
	params := make([]string, 0, len(sqlitePragmas))
	for _, p := range sqlitePragmas {
		if inMemory(dsn) && strings.HasPrefix(p, "journal_mode") {
			continue
		}
		params = append(params, "_pragma="+p)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Close closes the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.driver
}
