package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
sweep_interval: 30s
sweep_cron: "*/5 * * * *"
notify_webhook: "http://notifier.local/events"
debug: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, "*/5 * * * *", cfg.SweepCron)
	assert.Equal(t, "http://notifier.local/events", cfg.NotifyWebhook)
	assert.True(t, cfg.Debug)
	// Untouched values keep their defaults.
	assert.Equal(t, "taskengine.db", cfg.DBPath)
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [not, a, string"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues:
  - id: wq_timesheets
    name: Timesheet Review
    category: timesheet
    administrator: sup1
    sensitivity_level: 2
    subscription_allowed: true
  - id: wq_evv
    name: EVV Violations
    category: evv
    administrator: sup2
`), 0o644))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed, 2)
	assert.Equal(t, "wq_timesheets", seed[0].ID)
	assert.Equal(t, 2, seed[0].SensitivityLevel)
	assert.Equal(t, 1, seed[1].SensitivityLevel, "sensitivity defaults to 1")
}

func TestLoadSeedRejectsAnonymousQueues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queues:\n  - category: oops\n"), 0o644))
	_, err := LoadSeed(path)
	assert.Error(t, err)
}

func TestApplySeedUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })

	queues := registry.NewQueues(db, 5*time.Second, time.Minute)
	ctx := context.Background()

	seed := []SeedQueue{{ID: "wq_1", Name: "First", Category: "a", SensitivityLevel: 1}}
	require.NoError(t, ApplySeed(ctx, queues, seed))

	q, err := queues.Get(ctx, "wq_1")
	require.NoError(t, err)
	assert.Equal(t, "First", q.Name)

	// Re-applying with changed fields updates in place.
	seed[0].Name = "Renamed"
	seed[0].SensitivityLevel = 4
	require.NoError(t, ApplySeed(ctx, queues, seed))

	q, err = queues.Get(ctx, "wq_1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", q.Name)
	assert.Equal(t, 4, q.SensitivityLevel)
}
