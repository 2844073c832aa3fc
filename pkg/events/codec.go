package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame reports a frame whose declared field lengths do not fit
// the frame bounds. The drain worker treats it as channel corruption and
// resets the ring rather than crashing the pipeline.
var ErrMalformedFrame = errors.New("events: malformed frame")

// Frame layout per kind: fixed-width little-endian fields first (timestamps
// as int64 Unix microseconds), then uint16-length-prefixed variable fields.
// The layouts are part of the kernel contract and must not change shape
// without a matching driver update.

// Encode serializes an event into ring-frame bytes.
func Encode(ev Event) ([]byte, error) {
	w := frameWriter{}
	switch e := ev.(type) {
	case FileEvent:
		w.i64(e.Timestamp.UnixMicro())
		w.u32(e.PID)
		w.u8(uint8(e.Op))
		w.bool(e.Result)
		w.u64(e.Size)
		w.str(e.SensorID)
		w.str(e.Path)
		w.str(e.NewPath)
		w.str(e.ExePath)
		w.varBytes(e.SHA256)
	case NetworkEvent:
		w.i64(e.Timestamp.UnixMicro())
		w.u32(e.PID)
		w.u8(uint8(e.Direction))
		w.u16(e.SrcPort)
		w.u16(e.DstPort)
		w.u64(e.Bytes)
		w.bool(e.Blocked)
		w.u32(e.RuleID)
		w.str(e.SensorID)
		w.str(e.Protocol)
		w.str(e.SrcIP)
		w.str(e.DstIP)
		w.str(e.ExePath)
	case EtwEvent:
		w.i64(e.Timestamp.UnixMicro())
		w.u32(e.PID)
		w.u32(e.TID)
		w.u16(e.EventID)
		w.u8(e.Level)
		w.str(e.SensorID)
		w.str(e.ProviderGUID)
		w.str(e.Payload)
	case ProcessEvent:
		w.i64(e.Timestamp.UnixMicro())
		w.u32(e.PID)
		w.u32(e.PPID)
		w.str(e.SensorID)
		w.str(e.ImagePath)
		w.str(e.Cmdline)
	default:
		return nil, fmt.Errorf("events: cannot encode kind %s", ev.Kind())
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Decode parses frame bytes from the channel of the given kind. Every
// declared variable-field length is validated against the remaining frame
// bounds; a frame that does not consume its bytes exactly is malformed.
func Decode(kind Kind, frame []byte) (Event, error) {
	r := frameReader{buf: frame}
	var ev Event
	switch kind {
	case KindFilesystem:
		e := FileEvent{
			Timestamp: time.UnixMicro(r.i64()).UTC(),
			PID:       r.u32(),
			Op:        FileOp(r.u8()),
			Result:    r.bool(),
			Size:      r.u64(),
			SensorID:  r.str(),
			Path:      r.str(),
			NewPath:   r.str(),
			ExePath:   r.str(),
			SHA256:    r.varBytes(),
		}
		if e.Op < FileOpCreate || e.Op > FileOpRename {
			return nil, fmt.Errorf("%w: file op %d", ErrMalformedFrame, e.Op)
		}
		ev = e
	case KindNetwork:
		e := NetworkEvent{
			Timestamp: time.UnixMicro(r.i64()).UTC(),
			PID:       r.u32(),
			Direction: Direction(r.u8()),
			SrcPort:   r.u16(),
			DstPort:   r.u16(),
			Bytes:     r.u64(),
			Blocked:   r.bool(),
			RuleID:    r.u32(),
			SensorID:  r.str(),
			Protocol:  r.str(),
			SrcIP:     r.str(),
			DstIP:     r.str(),
			ExePath:   r.str(),
		}
		if e.Direction != DirInbound && e.Direction != DirOutbound {
			return nil, fmt.Errorf("%w: direction %d", ErrMalformedFrame, e.Direction)
		}
		ev = e
	case KindETW:
		ev = EtwEvent{
			Timestamp:    time.UnixMicro(r.i64()).UTC(),
			PID:          r.u32(),
			TID:          r.u32(),
			EventID:      r.u16(),
			Level:        r.u8(),
			SensorID:     r.str(),
			ProviderGUID: r.str(),
			Payload:      r.str(),
		}
	case KindProcess:
		ev = ProcessEvent{
			Timestamp: time.UnixMicro(r.i64()).UTC(),
			PID:       r.u32(),
			PPID:      r.u32(),
			SensorID:  r.str(),
			ImagePath: r.str(),
			Cmdline:   r.str(),
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.buf)-r.off)
	}
	return ev, nil
}

type frameWriter struct {
	buf []byte
	err error
}

func (w *frameWriter) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *frameWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}
func (w *frameWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}
func (w *frameWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}
func (w *frameWriter) i64(v int64) { w.u64(uint64(v)) }
func (w *frameWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *frameWriter) varBytes(b []byte) {
	if len(b) > 0xFFFF {
		if w.err == nil {
			w.err = fmt.Errorf("events: variable field of %d bytes exceeds u16 prefix", len(b))
		}
		return
	}
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *frameWriter) str(s string) { w.varBytes([]byte(s)) }

type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, frame is %d", ErrMalformedFrame, n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *frameReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *frameReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *frameReader) i64() int64 { return int64(r.u64()) }

func (r *frameReader) bool() bool { return r.u8() != 0 }

func (r *frameReader) varBytes() []byte {
	n := int(r.u16())
	if n == 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *frameReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}
