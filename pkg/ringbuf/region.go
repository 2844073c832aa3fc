package ringbuf

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Region is a contiguous byte area shared between producer and consumer.
// No pointers cross the boundary, only byte offsets within the agreed layout.
type Region interface {
	Bytes() []byte
	Close() error
}

// MemRegion is a heap-backed region for in-process producers and tests.
type MemRegion struct {
	buf []byte
}

// NewMemRegion allocates a region with the given data-area size.
func NewMemRegion(dataSize int) *MemRegion {
	return &MemRegion{buf: make([]byte, HeaderSize+dataSize)}
}

func (m *MemRegion) Bytes() []byte { return m.buf }
func (m *MemRegion) Close() error  { return nil }

// FileRegion is a memory-mapped file region with a well-known name, the
// cross-process variant of the channel. The creating side owns the file's
// lifetime; the other side only maps it.
type FileRegion struct {
	file  *os.File
	data  []byte
	owner bool
}

// CreateFileRegion creates (or truncates) the backing file for a channel and
// maps it read-write. dataSize is the circular data-area size; the file is
// HeaderSize bytes larger.
func CreateFileRegion(path string, dataSize int) (*FileRegion, error) {
	if dataSize <= 0 {
		return nil, fmt.Errorf("ringbuf: invalid data size %d", dataSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ringbuf: create ring dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: create ring file: %w", err)
	}
	total := HeaderSize + dataSize
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: size ring file: %w", err)
	}
	data, err := mapFile(f, total)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileRegion{file: f, data: data, owner: true}, nil
}

// OpenFileRegion maps an existing channel file read-write.
func OpenFileRegion(path string) (*FileRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open ring file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: stat ring file: %w", err)
	}
	if info.Size() <= HeaderSize {
		f.Close()
		return nil, fmt.Errorf("ringbuf: ring file too small (%d bytes)", info.Size())
	}
	data, err := mapFile(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileRegion{file: f, data: data}, nil
}

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap: %w", err)
	}
	return data, nil
}

func (r *FileRegion) Bytes() []byte { return r.data }

// Name returns the path of the backing file.
func (r *FileRegion) Name() string { return r.file.Name() }

// Close unmaps the region and closes the file. The owning side also removes
// the backing file.
func (r *FileRegion) Close() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && first == nil {
			first = err
		}
		r.data = nil
	}
	name := r.file.Name()
	if err := r.file.Close(); err != nil && first == nil {
		first = err
	}
	if r.owner {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}
