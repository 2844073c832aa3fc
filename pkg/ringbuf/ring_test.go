package ringbuf

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, dataSize int) *Ring {
	t.Helper()
	r, err := Create(NewMemRegion(dataSize))
	require.NoError(t, err)
	return r
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newTestRing(t, 256)

	frames := [][]byte{
		[]byte("process start pid=4711"),
		[]byte{0x00, 0xff, 0x10},
		[]byte("x"),
	}
	for _, f := range frames {
		require.NoError(t, r.Write(f))
	}

	for _, want := range frames {
		got, err := r.Read(nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Nil(t, got, "empty ring must return nil frame")
	assert.Equal(t, uint32(0), r.Dropped())
}

func TestWraparound(t *testing.T) {
	r := newTestRing(t, 64)

	// Fill, drain, and refill enough times that frames straddle the end of
	// the data area. Every frame must come back byte-identical and in order.
	payload := func(i int) []byte {
		b := make([]byte, 20)
		for j := range b {
			b[j] = byte(i + j)
		}
		return b
	}
	for i := 0; i < 50; i++ {
		want := payload(i)
		require.NoError(t, r.Write(want), "write %d", i)
		got, err := r.Read(nil)
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "frame %d mismatch", i)
	}
	assert.Equal(t, uint32(0), r.Dropped())
}

func TestDropOnFullScenario(t *testing.T) {
	// The canonical acceptance scenario: a 64-byte data area takes two
	// frames totalling 50 bytes (prefixes included), then refuses a third
	// frame needing 34 more bytes.
	r := newTestRing(t, 64)

	first := make([]byte, 21)  // 4+21 = 25
	second := make([]byte, 21) // 4+21 = 25, cumulative 50
	for i := range first {
		first[i] = 0xAA
		second[i] = 0xBB
	}
	require.NoError(t, r.Write(first))
	require.NoError(t, r.Write(second))
	assert.Equal(t, uint32(0), r.Dropped())

	third := make([]byte, 30) // 4+30 = 34; 50+34 > 64
	err := r.Write(third)
	assert.ErrorIs(t, err, ErrRingFull)
	assert.Equal(t, uint32(1), r.Dropped())

	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestDroppedIncrementsPerRefusedEvent(t *testing.T) {
	r := newTestRing(t, 64)
	require.NoError(t, r.Write(make([]byte, 40)))

	for i := 1; i <= 3; i++ {
		err := r.Write(make([]byte, 40))
		assert.ErrorIs(t, err, ErrRingFull)
		assert.Equal(t, uint32(i), r.Dropped())
	}
}

func TestFrameTooLarge(t *testing.T) {
	r := newTestRing(t, 64)
	err := r.Write(make([]byte, 64))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, uint32(1), r.Dropped())
}

func TestDesyncRecovery(t *testing.T) {
	r := newTestRing(t, 128)
	require.NoError(t, r.Write([]byte("good frame")))

	// Corrupt the length prefix of the unread frame so it claims more bytes
	// than sit between tail and head.
	binary.LittleEndian.PutUint32(r.data[0:4], 1<<20)

	_, err := r.Read(nil)
	assert.ErrorIs(t, err, ErrDesync)
	assert.GreaterOrEqual(t, r.Dropped(), uint32(1))
	assert.Equal(t, 0, r.Len(), "desync must reset tail to head")

	// The channel keeps working after the reset.
	require.NoError(t, r.Write([]byte("after reset")))
	got, err := r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("after reset"), got)
}

func TestDesyncOnPrefixNearUint32Limit(t *testing.T) {
	// A corrupted prefix large enough that adding the 4 prefix bytes would
	// wrap uint32 arithmetic must still register as a desync, not pass the
	// bounds check and hand back a multi-gigabyte garbage frame.
	r := newTestRing(t, 128)
	require.NoError(t, r.Write([]byte("good frame")))
	droppedBefore := r.Dropped()

	binary.LittleEndian.PutUint32(r.data[0:4], 0xFFFFFFFF)

	got, err := r.Read(nil)
	assert.ErrorIs(t, err, ErrDesync)
	assert.Nil(t, got)
	assert.Greater(t, r.Dropped(), droppedBefore, "desync loss must be credited")
	assert.Equal(t, 0, r.Len(), "tail must land exactly on head")

	require.NoError(t, r.Write([]byte("after reset")))
	got, err = r.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("after reset"), got)
}

func TestConsumedBytesAreZeroed(t *testing.T) {
	r := newTestRing(t, 128)
	require.NoError(t, r.Write([]byte("sensitive-path")))
	_, err := r.Read(nil)
	require.NoError(t, err)

	for i, b := range r.data {
		assert.Zerof(t, b, "data[%d] not zeroed after consume", i)
	}
}

func TestReset(t *testing.T) {
	r := newTestRing(t, 128)
	require.NoError(t, r.Write(make([]byte, 60)))
	lost := r.Reset()
	assert.Equal(t, uint32(1), lost)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint32(1), r.Dropped())

	assert.Equal(t, uint32(0), r.Reset(), "reset of an empty ring loses nothing")
}

func TestAttachValidatesHeader(t *testing.T) {
	region := NewMemRegion(64)
	_, err := Create(region)
	require.NoError(t, err)

	attached, err := Attach(region)
	require.NoError(t, err)
	assert.Equal(t, 64, attached.Cap())

	// A corrupted size field must be rejected.
	binary.LittleEndian.PutUint32(region.Bytes()[12:16], 12345)
	_, err = Attach(region)
	assert.Error(t, err)
}

func TestFileRegionProducerConsumer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.ring")

	owner, err := CreateFileRegion(path, 4096)
	require.NoError(t, err)
	producer, err := Create(owner)
	require.NoError(t, err)

	other, err := OpenFileRegion(path)
	require.NoError(t, err)
	consumer, err := Attach(other)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, producer.Write([]byte("cross-process frame")))
	got, err := consumer.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-process frame"), got)

	require.NoError(t, producer.Close())
}

func TestSharedHeaderVisibleAcrossMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.ring")

	owner, err := CreateFileRegion(path, 1024)
	require.NoError(t, err)
	defer owner.Close()
	producer, err := Create(owner)
	require.NoError(t, err)

	other, err := OpenFileRegion(path)
	require.NoError(t, err)
	defer other.Close()
	consumer, err := Attach(other)
	require.NoError(t, err)

	require.NoError(t, producer.Write(make([]byte, 100)))
	assert.Equal(t, 104, consumer.Len())

	_, err = consumer.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, producer.Len())
}
