package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/rrsbridge/internal/config"
	"github.com/Aidin1998/rrsbridge/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Transaction: config.TransactionConfig{
			ShutdownTimeout: 100 * time.Millisecond,
			RMNamePrefix:    "RRS",
			RMNameLog:       filepath.Join(dir, "rmname.yaml"),
		},
		Registry:  config.RegistryConfig{Path: filepath.Join(dir, "registry")},
		TM:        config.TMConfig{DecisionLog: filepath.Join(dir, "decisions")},
		Log:       logger.Config{Level: "debug"},
		Telemetry: config.TelemetryConfig{ServiceName: "rrsbridge-test"},
	}
}

func TestInitThenRecover(t *testing.T) {
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)

	require.NoError(t, execute(context.Background(), "init", cfg, log, 0))
	assert.NoError(t, execute(context.Background(), "recover", cfg, log, 0))
}

func TestRecoverWithoutNameLogFails(t *testing.T) {
	cfg := testConfig(t)
	assert.Error(t, execute(context.Background(), "recover", cfg, zaptest.NewLogger(t), 0))
}

func TestUnknownCommand(t *testing.T) {
	err := execute(context.Background(), "launch", testConfig(t), zaptest.NewLogger(t), 0)
	assert.ErrorIs(t, err, errUnknownCommand)
}

func TestRunDrivesTransactionsUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)
	require.NoError(t, execute(context.Background(), "init", cfg, log, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, execute(ctx, "run", cfg, log, 3))
}

// corruptDecisionLog stores a decision the transaction manager cannot read.
func corruptDecisionLog(t *testing.T, path string) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("decision:00"), []byte("not json"))
	}))
	require.NoError(t, db.Close())
}

func TestRunReportsFailedRecovery(t *testing.T) {
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)
	require.NoError(t, execute(context.Background(), "init", cfg, log, 0))
	corruptDecisionLog(t, cfg.TM.DecisionLog)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := execute(ctx, "run", cfg, log, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery")

	assert.Error(t, execute(context.Background(), "recover", cfg, log, 0))
}
