package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/events"
	"github.com/N10h0ggr/gladix/pkg/ringbuf"
)

func newDrainRing(t *testing.T) *ringbuf.Ring {
	t.Helper()
	ring, err := ringbuf.Create(ringbuf.NewMemRegion(64 << 10))
	require.NoError(t, err)
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestDrainWorkerDeliversDecodedEvents(t *testing.T) {
	ring := newDrainRing(t)
	sink := &captureSink{}
	batcher := NewBatcher(sink, BatcherConfig{FlushInterval: time.Hour, MaxBatch: 1000}, zap.NewNop())
	worker := NewDrainWorker(ring, events.KindProcess, batcher, DrainConfig{}, zap.NewNop())

	want := []events.ProcessEvent{
		{Timestamp: time.UnixMicro(1700000000000000).UTC(), SensorID: "proc-0", PID: 100, PPID: 4, ImagePath: `C:\a.exe`},
		{Timestamp: time.UnixMicro(1700000000500000).UTC(), SensorID: "proc-0", PID: 101, PPID: 100, ImagePath: `C:\b.exe`, Cmdline: "b --flag"},
	}
	for _, ev := range want {
		frame, err := events.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, ring.Write(frame))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ring.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	batcher.Flush()

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0].Events, 2)
	assert.Equal(t, "process_events", got[0].Table)
	for i, ev := range got[0].Events {
		assert.Equal(t, want[i], ev)
	}
}

func TestDrainWorkerResetsOnMalformedFrame(t *testing.T) {
	ring := newDrainRing(t)
	sink := &captureSink{}
	batcher := NewBatcher(sink, BatcherConfig{FlushInterval: time.Hour, MaxBatch: 1000}, zap.NewNop())
	worker := NewDrainWorker(ring, events.KindProcess, batcher, DrainConfig{}, zap.NewNop())

	// A frame that is valid ring framing but not a decodable event.
	require.NoError(t, ring.Write([]byte{0xff, 0xff, 0xff}))
	good, err := events.Encode(events.ProcessEvent{Timestamp: time.Now(), SensorID: "proc-0", PID: 1})
	require.NoError(t, err)
	require.NoError(t, ring.Write(good))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// The malformed frame forces a reset, discarding the good frame behind it.
	require.Eventually(t, func() bool { return ring.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	batcher.Flush()

	assert.Empty(t, sink.snapshot())
	assert.Greater(t, ring.Dropped(), uint32(0))
}

func TestDrainWorkerFinalDrainOnShutdown(t *testing.T) {
	ring := newDrainRing(t)
	sink := &captureSink{}
	batcher := NewBatcher(sink, BatcherConfig{FlushInterval: time.Hour, MaxBatch: 1000}, zap.NewNop())
	worker := NewDrainWorker(ring, events.KindETW, batcher, DrainConfig{DrainWindow: time.Second}, zap.NewNop())

	for i := 0; i < 10; i++ {
		frame, err := events.Encode(events.EtwEvent{
			Timestamp: time.Now(), SensorID: "etw-0", EventID: uint16(i), Level: 4,
		})
		require.NoError(t, err)
		require.NoError(t, ring.Write(frame))
	}

	// Cancel before the worker starts: everything must come out of the
	// bounded final drain.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.Run(ctx)
	batcher.Flush()

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Events, 10)
	assert.Zero(t, ring.Len())
}
