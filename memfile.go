package qcow2

import (
	"fmt"
	"io"
)

// MemFile is an in-memory File. It grows on write; reads past the end
// return io.EOF after the bytes that exist.
type MemFile struct {
	data []byte

	// Syncs counts calls to Sync.
	Syncs int
}

// NewMemFile returns a MemFile holding a copy of data.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{data: append([]byte(nil), data...)}
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("qcow2: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("qcow2: negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, max(end, 2*int64(cap(m.data))))
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	return copy(m.data[off:], p), nil
}

func (m *MemFile) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemFile) Sync() error {
	m.Syncs++
	return nil
}

func (m *MemFile) AlignedAlloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("qcow2: invalid scratch buffer size %d", size)
	}
	return make([]byte, size), nil
}

func (m *MemFile) AlignedFree([]byte) {}

// Bytes returns the file contents. The slice aliases the file.
func (m *MemFile) Bytes() []byte {
	return m.data
}
