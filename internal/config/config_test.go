package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "pearfect.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "pearfect-storage", cfg.Storage.Key)
	assert.Equal(t, 30*time.Second, cfg.Storage.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/pearfect")
	t.Setenv("SERVER_LOG_LEVEL", "debug")
	t.Setenv("ENGINE_TIMEZONE", "Asia/Tokyo")
	t.Setenv("ENGINE_TICK_INTERVAL", "250ms")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLoad_ConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	yaml := "storage:\n  driver: memory\nbackend:\n  url: http://localhost:8000\n  timeout: 5s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "http://localhost:8000", cfg.Backend.URL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
}

func TestValidate(t *testing.T) {
	base := Config{
		Storage: StorageConfig{Driver: "memory", Key: "k"},
		Engine:  EngineConfig{Timezone: "UTC", TickInterval: time.Second},
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.Storage.Driver = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Storage.Driver = "postgres"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Engine.Timezone = "Mars/Olympus"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Engine.TickInterval = 0
	assert.Error(t, bad.Validate())
}
