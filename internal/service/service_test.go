package service

import (
	"testing"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/database"
	"storycredits/internal/infrastructure/logging"
	"storycredits/internal/infrastructure/metrics"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newTestLedger(t *testing.T, db *gorm.DB, mode string) (*Ledger, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewLedger(db, config.LedgerConfig{Mode: mode, MaxCASRetries: 5}, m, logging.Discard()), m
}

func strPtr(s string) *string {
	return &s
}
