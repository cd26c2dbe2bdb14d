package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, LedgerModeAtomic, cfg.Ledger.Mode)
	assert.Equal(t, 5, cfg.Ledger.MaxCASRetries)
	assert.Equal(t, time.Second, cfg.Outbox.BaseBackoff)
	assert.Equal(t, []string{"0x1"}, cfg.Wallet.AllowedChainIDs)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
server:
  port: 9090
ledger:
  mode: optimistic
  max_cas_retries: 3
outbox:
  base_backoff: 250ms
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("STORYCREDITS_DATABASE_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, LedgerModeOptimistic, cfg.Ledger.Mode)
	assert.Equal(t, 3, cfg.Ledger.MaxCASRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.BaseBackoff)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Contains(t, cfg.Database.MySQLDSN(), "@tcp(db.internal:3306)/storycredits")
}

func TestLoadRejectsUnknownLedgerMode(t *testing.T) {
	t.Setenv("STORYCREDITS_LEDGER_MODE", "fallback")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.mode")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
