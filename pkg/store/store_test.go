package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "agent.db")
	}
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesJournalMode(t *testing.T) {
	s := openTestStore(t, Config{})

	var mode string
	require.NoError(t, s.ReadDB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, s.WriteDB().QueryRow("PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 1, sync) // NORMAL
}

func TestOpenRejectsBadSynchronous(t *testing.T) {
	_, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "agent.db"),
		Synchronous: "extra",
	}, zap.NewNop())
	require.Error(t, err)
}

func TestMigrationsCreateSchema(t *testing.T) {
	s := openTestStore(t, Config{})
	for _, table := range append(append([]string{}, EventTables...), "sensor_configs", "config_audit") {
		var n int
		err := s.ReadDB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		require.NoError(t, err, table)
		assert.Zero(t, n, table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestPurgeClearsOnlyEventTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s := openTestStore(t, Config{Path: path})
	ctx := context.Background()

	_, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO fs_events (ts, sensor_id, op, path, new_path, pid, exe_path, size, sha256, result) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		time.Now().UnixMicro(), "fs-0", "create", `C:\tmp\a`, "", 4, "", 0, nil, 1)
	require.NoError(t, err)
	_, err = s.WriteDB().ExecContext(ctx,
		"INSERT INTO sensor_configs (kind, config, updated_at) VALUES (?, ?, ?)",
		"scanner", "{}", time.Now().UnixMicro())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, Config{Path: path, PurgeOnStart: true})

	var n int
	require.NoError(t, s.ReadDB().QueryRow("SELECT COUNT(*) FROM fs_events").Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, s.ReadDB().QueryRow("SELECT COUNT(*) FROM sensor_configs").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCheckpointTruncatesLog(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := s.WriteDB().ExecContext(ctx,
			"INSERT INTO etw_events (ts, sensor_id, provider_guid, event_id, level, pid, tid, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			time.Now().UnixMicro(), "etw-0", "{guid}", 1, 4, int64(i), 0, "{}")
		require.NoError(t, err)
	}
	require.Greater(t, s.WALSize(), int64(0))

	require.NoError(t, s.Checkpoint(ctx))
	assert.Zero(t, s.WALSize())
}
