package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func insertProcessRow(t *testing.T, s *Store, ts time.Time) {
	t.Helper()
	_, err := s.WriteDB().Exec(
		"INSERT INTO process_events (ts, sensor_id, pid, ppid, image_path, cmdline) VALUES (?, ?, ?, ?, ?, ?)",
		ts.UnixMicro(), "proc-0", 1, 4, `C:\a.exe`, "")
	require.NoError(t, err)
}

func TestSweepDeletesOnlyExpiredRows(t *testing.T) {
	s := openTestStore(t, Config{})
	r := NewReaper(s, time.Hour, time.Minute, zap.NewNop())
	now := time.Now()

	insertProcessRow(t, s, now.Add(-2*time.Hour)) // expired
	insertProcessRow(t, s, now.Add(-time.Minute)) // inside TTL
	insertProcessRow(t, s, now)

	require.NoError(t, r.Sweep(context.Background()))

	var remaining []int64
	rows, err := s.ReadDB().Query("SELECT ts FROM process_events ORDER BY ts")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var ts int64
		require.NoError(t, rows.Scan(&ts))
		remaining = append(remaining, ts)
	}
	require.NoError(t, rows.Err())

	require.Len(t, remaining, 2)
	cutoff := now.Add(-time.Hour).UnixMicro()
	for _, ts := range remaining {
		assert.GreaterOrEqual(t, ts, cutoff)
	}
}

func TestSweepSparesConfigAndAudit(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UnixMicro()

	_, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO sensor_configs (kind, config, updated_at) VALUES (?, ?, ?)", "etw", "{}", old)
	require.NoError(t, err)
	_, err = s.WriteDB().ExecContext(ctx,
		"INSERT INTO config_audit (id, kind, ts, actor, old_config, new_config) VALUES (?, ?, ?, ?, ?, ?)",
		"aud-1", "etw", old, "tester", "{}", "{}")
	require.NoError(t, err)

	r := NewReaper(s, time.Hour, time.Minute, zap.NewNop())
	require.NoError(t, r.Sweep(ctx))

	var n int
	require.NoError(t, s.ReadDB().QueryRow("SELECT COUNT(*) FROM sensor_configs").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, s.ReadDB().QueryRow("SELECT COUNT(*) FROM config_audit").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReaperDisabledWithZeroTTL(t *testing.T) {
	s := openTestStore(t, Config{})
	r := NewReaper(s, 0, time.Millisecond, zap.NewNop())

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper with zero TTL should return immediately")
	}
}
