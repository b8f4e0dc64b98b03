package handlers

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestHealthHandler_GetLivez(t *testing.T) {
	out, err := NewHealthHandler("1.0.0").GetLivez(context.Background(), &LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Body.Status)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("ready without a database", func(t *testing.T) {
		out, err := NewHealthHandler("1.0.0").GetReadyz(context.Background(), &ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, "ready", out.Body.Status)
		assert.Equal(t, "not_configured", out.Body.Components["database"])
	})

	t.Run("not ready when the database is closed", func(t *testing.T) {
		db := openDB(t)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		out, err := NewHealthHandler("1.0.0").WithDB(db).GetReadyz(context.Background(), &ReadyzInput{})
		require.NoError(t, err)
		assert.Equal(t, "not_ready", out.Body.Status)
		assert.Equal(t, "error", out.Body.Components["database"])
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0").WithDB(openDB(t))

	out, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, statusHealthy, out.Body.Status)
	assert.Equal(t, "1.0.0", out.Body.Version)
	assert.Positive(t, out.Body.CPUInfo.Cores)
	assert.Contains(t, []string{"ok", "slow"}, out.Body.Components.Database.Status)
	assert.Empty(t, out.Body.Components.CircuitBreakers)
}

func TestHealthHandler_OpenBreakerDegrades(t *testing.T) {
	handler := NewHealthHandler("1.0.0").WithCircuitStates(func() map[string]string {
		return map[string]string{"b.example": "open", "a.example": "closed"}
	})

	out, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, statusDegraded, out.Body.Status)
	assert.Equal(t, []CircuitBreakerStatus{
		{Host: "a.example", State: "closed"},
		{Host: "b.example", State: "open"},
	}, out.Body.Components.CircuitBreakers)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}
