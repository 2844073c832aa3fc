// Package ringbuf implements the fixed-capacity shared-memory ring channel
// that carries framed sensor events from a kernel-mode producer to a single
// user-mode consumer.
//
// Region layout: a 16-byte header of four little-endian uint32 fields
// (head, tail, dropped, size) followed by size bytes of circular data.
// head is written only by the producer, tail only by the consumer; both are
// read with atomic loads. dropped is maintained with atomic adds from either
// side, so no locks are needed anywhere.
//
// Each frame is a 4-byte little-endian length prefix followed by the payload,
// both written with wraparound. The producer publishes head strictly after
// the full frame is in place; a consumer that observes a new head value is
// therefore guaranteed to see a complete frame.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the fixed header length preceding the data area.
	HeaderSize = 16

	lenPrefixSize = 4

	// nominalFrameSize is the assumed average frame length used to estimate
	// how many events were lost when the channel desynchronizes.
	nominalFrameSize = 64
)

var (
	// ErrRingFull is returned when a write would exceed the free capacity.
	// The refused event is counted in the dropped field.
	ErrRingFull = errors.New("ringbuf: ring full")

	// ErrDesync is returned when the framing no longer matches the header
	// offsets. The ring has already been reset when this is returned.
	ErrDesync = errors.New("ringbuf: ring desynchronized")

	// ErrFrameTooLarge is returned for frames that can never fit the ring.
	ErrFrameTooLarge = errors.New("ringbuf: frame exceeds ring capacity")
)

// Ring is a single-producer single-consumer circular byte channel over a
// shared Region. The producer side must never block or allocate; the
// consumer side runs on one dedicated goroutine per ring.
type Ring struct {
	region  Region
	head    *uint32
	tail    *uint32
	dropped *uint32
	size    uint32 // immutable after Create/Attach
	data    []byte
}

// Create initializes the header of a fresh region and returns the ring.
// The creating side owns the region's lifetime.
func Create(region Region) (*Ring, error) {
	r, err := newRing(region)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint32(r.head, 0)
	atomic.StoreUint32(r.tail, 0)
	atomic.StoreUint32(r.dropped, 0)
	binary.LittleEndian.PutUint32(region.Bytes()[12:16], r.size)
	return r, nil
}

// Attach validates the header of an already-initialized region and returns
// the ring. The attaching side only maps the region, it never owns it.
func Attach(region Region) (*Ring, error) {
	r, err := newRing(region)
	if err != nil {
		return nil, err
	}
	declared := binary.LittleEndian.Uint32(region.Bytes()[12:16])
	if declared != r.size {
		return nil, fmt.Errorf("ringbuf: header size %d does not match region data area %d", declared, r.size)
	}
	h := atomic.LoadUint32(r.head)
	t := atomic.LoadUint32(r.tail)
	if h >= r.size || t >= r.size {
		return nil, fmt.Errorf("ringbuf: header offsets out of range (head=%d tail=%d size=%d)", h, t, r.size)
	}
	return r, nil
}

func newRing(region Region) (*Ring, error) {
	buf := region.Bytes()
	if len(buf) <= HeaderSize {
		return nil, fmt.Errorf("ringbuf: region too small (%d bytes)", len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return nil, errors.New("ringbuf: region is not 4-byte aligned")
	}
	base := unsafe.Pointer(&buf[0])
	return &Ring{
		region:  region,
		head:    (*uint32)(base),
		tail:    (*uint32)(unsafe.Add(base, 4)),
		dropped: (*uint32)(unsafe.Add(base, 8)),
		size:    uint32(len(buf) - HeaderSize),
		data:    buf[HeaderSize:],
	}, nil
}

// Write enqueues one framed event. It refuses the write and increments the
// dropped counter when the frame does not fit; it never blocks, retries, or
// overwrites unread data. The write path performs no heap allocation.
func (r *Ring) Write(frame []byte) error {
	// Widened so a frame near the uint32 limit cannot wrap the arithmetic.
	need := uint64(lenPrefixSize) + uint64(len(frame))
	if need >= uint64(r.size) {
		// Cannot fit even into an empty ring; still counts as a drop.
		atomic.AddUint32(r.dropped, 1)
		return ErrFrameTooLarge
	}
	head := atomic.LoadUint32(r.head)
	tail := atomic.LoadUint32(r.tail)
	used := (head + r.size - tail) % r.size
	// One byte stays reserved so head==tail always means empty.
	free := r.size - used - 1
	if need > uint64(free) {
		atomic.AddUint32(r.dropped, 1)
		return ErrRingFull
	}

	var prefix [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(frame)))
	pos := r.copyIn(head, prefix[:])
	pos = r.copyIn(pos, frame)

	// Publish head only after the complete frame is written.
	atomic.StoreUint32(r.head, pos)
	return nil
}

// Read dequeues the next frame into buf (reallocating when too small) and
// returns it. It returns (nil, nil) when the ring is empty. On inconsistent
// framing the ring is reset (tail = head), an estimated loss is added to the
// dropped counter, and ErrDesync is returned; the caller logs and continues.
func (r *Ring) Read(buf []byte) ([]byte, error) {
	head := atomic.LoadUint32(r.head)
	tail := atomic.LoadUint32(r.tail)
	if head == tail {
		return nil, nil
	}
	avail := (head + r.size - tail) % r.size
	if avail < lenPrefixSize {
		return nil, r.resync(tail, head, avail)
	}

	var prefix [lenPrefixSize]byte
	r.copyOut(tail, prefix[:])
	frameLen := binary.LittleEndian.Uint32(prefix[:])
	// avail >= lenPrefixSize here, so the subtraction cannot wrap; adding
	// the prefix to frameLen instead could, for a corrupted prefix near the
	// uint32 limit.
	if frameLen > avail-lenPrefixSize {
		return nil, r.resync(tail, head, avail)
	}

	out := buf
	if uint32(cap(out)) < frameLen {
		out = make([]byte, frameLen)
	} else {
		out = out[:frameLen]
	}
	r.copyOut((tail+lenPrefixSize)%r.size, out)

	// Zero consumed bytes so stale event data does not linger in shared
	// memory, then advance tail.
	total := lenPrefixSize + frameLen
	r.zeroRange(tail, total)
	atomic.StoreUint32(r.tail, (tail+total)%r.size)
	return out, nil
}

// Reset forcibly discards all unread data, counting an estimated event loss.
// The drain worker calls this when a decoded frame turns out to be malformed:
// the framing can no longer be trusted past that point.
func (r *Ring) Reset() uint32 {
	head := atomic.LoadUint32(r.head)
	tail := atomic.LoadUint32(r.tail)
	if head == tail {
		return 0
	}
	avail := (head + r.size - tail) % r.size
	r.resync(tail, head, avail)
	return estimateLost(avail)
}

func (r *Ring) resync(tail, head, avail uint32) error {
	r.zeroRange(tail, avail)
	atomic.AddUint32(r.dropped, estimateLost(avail))
	atomic.StoreUint32(r.tail, head)
	return ErrDesync
}

func estimateLost(span uint32) uint32 {
	lost := span / nominalFrameSize
	if lost == 0 {
		lost = 1
	}
	return lost
}

// Dropped reports how many events the producer refused plus desync loss
// estimates. Exposed for operational alerting; it is the sole signal of loss.
func (r *Ring) Dropped() uint32 {
	return atomic.LoadUint32(r.dropped)
}

// Len reports the number of unread bytes.
func (r *Ring) Len() int {
	head := atomic.LoadUint32(r.head)
	tail := atomic.LoadUint32(r.tail)
	return int((head + r.size - tail) % r.size)
}

// Cap reports the data-area size in bytes.
func (r *Ring) Cap() int {
	return int(r.size)
}

// Close releases the underlying region.
func (r *Ring) Close() error {
	return r.region.Close()
}

// copyIn writes p at off with wraparound and returns the next offset.
func (r *Ring) copyIn(off uint32, p []byte) uint32 {
	n := copy(r.data[off:], p)
	if n < len(p) {
		copy(r.data, p[n:])
	}
	return (off + uint32(len(p))) % r.size
}

// copyOut reads len(p) bytes at off with wraparound.
func (r *Ring) copyOut(off uint32, p []byte) {
	n := copy(p, r.data[off:])
	if n < len(p) {
		copy(p[n:], r.data)
	}
}

func (r *Ring) zeroRange(off, n uint32) {
	first := r.size - off
	if n <= first {
		clear(r.data[off : off+n])
		return
	}
	clear(r.data[off:])
	clear(r.data[:n-first])
}
