package sensorcfg

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "agent.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil, zap.NewNop())
}

func TestSeedAndDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	snap, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), snap)

	// Seeding again must not clobber a changed row.
	require.NoError(t, s.Set(ctx, Update{
		Scanner: &ScannerConfig{Enabled: true, IntervalSeconds: 60},
	}, "tester"))
	require.NoError(t, s.Seed(ctx))

	snap, err = s.Get(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Scanner.Enabled)
	assert.Equal(t, uint32(60), snap.Scanner.IntervalSeconds)
}

func TestSetWritesCurrentAndAuditTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	update := Update{
		Network: &NetworkConfig{Enabled: true, PortInclude: []uint16{443, 8443}},
		Etw:     &EtwConfig{Enabled: false, Level: 2},
	}
	require.NoError(t, s.Set(ctx, update, "alice"))

	snap, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint16{443, 8443}, snap.Network.PortInclude)
	assert.Equal(t, uint8(2), snap.Etw.Level)
	// Untouched kinds keep their seeded values.
	assert.Equal(t, Defaults().Process, snap.Process)

	entries, err := s.Audit(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "alice", e.Actor)
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.OldConfig)
		assert.NotEmpty(t, e.NewConfig)
	}

	networkOnly, err := s.Audit(ctx, KindNetwork, 10)
	require.NoError(t, err)
	require.Len(t, networkOnly, 1)
	assert.Contains(t, networkOnly[0].NewConfig, "8443")
}

func TestSetRejectsInvalidWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	err := s.Set(ctx, Update{
		Scanner: &ScannerConfig{Enabled: true, IntervalSeconds: 0},
	}, "mallory")
	require.ErrorIs(t, err, ErrInvalid)

	entries, err := s.Audit(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	snap, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Defaults().Scanner, snap.Scanner)
}

func TestSetEmptyUpdate(t *testing.T) {
	s := newTestStore(t)
	err := s.Set(context.Background(), Update{}, "nobody")
	require.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestSetDefaultsActor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, Update{
		Process: &ProcessConfig{Enabled: false},
	}, ""))

	entries, err := s.Audit(ctx, KindProcess, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "anonymous", entries[0].Actor)
}

func TestGetNeverMixesMultiKindUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	// Stamp the same generation into two kinds inside one Set. Any snapshot
	// a concurrent reader takes must carry one generation in both kinds:
	// all-old or all-new, never a mix.
	setGen := func(gen uint32) error {
		return s.Set(ctx, Update{
			Scanner: &ScannerConfig{Enabled: true, IntervalSeconds: gen},
			Etw:     &EtwConfig{Enabled: true, Level: 4, KeywordMask: uint64(gen)},
		}, "racer")
	}
	require.NoError(t, setGen(1))

	stop := make(chan struct{})
	fault := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := s.Get(ctx)
			if err != nil {
				fault <- "get failed: " + err.Error()
				return
			}
			if uint64(snap.Scanner.IntervalSeconds) != snap.Etw.KeywordMask {
				fault <- fmt.Sprintf("torn snapshot: scanner gen %d, etw gen %d",
					snap.Scanner.IntervalSeconds, snap.Etw.KeywordMask)
				return
			}
		}
	}()

	for gen := uint32(2); gen <= 50; gen++ {
		require.NoError(t, setGen(gen))
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-fault:
		t.Fatal(msg)
	default:
	}

	snap, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), snap.Scanner.IntervalSeconds)
	assert.Equal(t, uint64(50), snap.Etw.KeywordMask)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		update Update
		ok     bool
	}{
		{"empty", Update{}, false},
		{"scanner zero interval", Update{Scanner: &ScannerConfig{Enabled: true}}, false},
		{"scanner disabled zero interval", Update{Scanner: &ScannerConfig{Enabled: false}}, true},
		{"scanner empty path", Update{Scanner: &ScannerConfig{IntervalSeconds: 10, Paths: []string{""}}}, false},
		{"filesystem empty denylist entry", Update{Filesystem: &FilesystemConfig{PathDenylist: []string{""}}}, false},
		{"network port zero", Update{Network: &NetworkConfig{PortExclude: []uint16{0}}}, false},
		{"etw level zero", Update{Etw: &EtwConfig{Level: 0}}, false},
		{"etw level six", Update{Etw: &EtwConfig{Level: 6}}, false},
		{"etw empty provider", Update{Etw: &EtwConfig{Level: 4, Providers: []string{""}}}, false},
		{"valid multi", Update{
			Network: &NetworkConfig{PortInclude: []uint16{53}},
			Etw:     &EtwConfig{Level: 5, Providers: []string{"Microsoft-Windows-Kernel-Process"}},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.update.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}
