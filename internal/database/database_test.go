package database

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/segswarm/internal/config"
)

func TestNew_SQLiteFile(t *testing.T) {
	db, err := New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(t.TempDir(), "segments.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
}

func TestNew_MemorySQLiteUsesSingleConnection(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 8}, nil)
	require.NoError(t, err)
	defer db.Close()

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNew_UnsupportedDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Nil(t, db)
	assert.ErrorContains(t, err, `unsupported database driver: "oracle"`)
}

func TestDB_CloseStopsPing(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"seg.db?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)&_pragma=temp_store(MEMORY)",
		sqliteDSN("seg.db"))
	assert.Equal(t,
		":memory:?cache=shared&_pragma=busy_timeout(10000)&_pragma=synchronous(OFF)&_pragma=temp_store(MEMORY)",
		sqliteDSN(":memory:?cache=shared"))
}

func TestQueryLogger_OmitsParams(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	db, err := New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "info"}, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Exec("CREATE TABLE blobs (data BLOB)").Error)
	require.NoError(t, db.Exec("INSERT INTO blobs (data) VALUES (?)", []byte("secret-payload")).Error)

	assert.Contains(t, buf.String(), "INSERT INTO blobs (data) VALUES (?)")
	assert.NotContains(t, buf.String(), "secret-payload")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, parseLevel("silent"))
	assert.Equal(t, gormlogger.Error, parseLevel("error"))
	assert.Equal(t, gormlogger.Info, parseLevel("info"))
	assert.Equal(t, gormlogger.Warn, parseLevel(""))
}
