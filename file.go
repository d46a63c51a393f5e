package qcow2

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File is the raw storage an image lives in. Offsets are byte offsets into
// the host file. Implementations must read or write the whole buffer or
// return an error.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current length of the file in bytes.
	Size() (int64, error)

	// Sync commits written data to stable storage.
	Sync() error

	// AlignedAlloc returns a scratch buffer of size bytes suitable for
	// whole-cluster I/O. It must be released with AlignedFree.
	AlignedAlloc(size int) ([]byte, error)
	AlignedFree(buf []byte)
}

// BackingReader supplies guest data for clusters the image does not
// allocate. Reads past the end of the backing data must return zeros.
type BackingReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// HostFile is a File backed by an operating system file.
type HostFile struct {
	f      *os.File
	direct bool
}

// OpenHostFile opens path for use as an image file. With direct set the file
// is opened with O_DIRECT where the platform supports it.
func OpenHostFile(path string, readOnly, direct bool) (*HostFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if direct {
		flag |= directIOFlag
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("qcow2: failed to open file: %w", err)
	}
	return &HostFile{f: f, direct: direct}, nil
}

// CreateHostFile creates a new, empty image file at path.
func CreateHostFile(path string) (*HostFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("qcow2: failed to create file: %w", err)
	}
	return &HostFile{f: f}, nil
}

// NewHostFile wraps an already open file.
func NewHostFile(f *os.File) *HostFile {
	return &HostFile{f: f}
}

func (h *HostFile) ReadAt(p []byte, off int64) (int, error) {
	if h.direct {
		return h.readDirect(p, off)
	}
	n, err := h.f.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

func (h *HostFile) WriteAt(p []byte, off int64) (int, error) {
	if h.direct {
		return h.writeDirect(p, off)
	}
	return h.f.WriteAt(p, off)
}

// directAlign is the offset, length and memory alignment used for O_DIRECT
// transfers.
const directAlign = 4096

// directSpan returns the aligned range covering [off, off+n).
func directSpan(off int64, n int) (start, end int64) {
	start = off &^ (directAlign - 1)
	end = (off + int64(n) + directAlign - 1) &^ (directAlign - 1)
	return start, end
}

// readDirect reads through an aligned bounce buffer.
func (h *HostFile) readDirect(p []byte, off int64) (int, error) {
	start, end := directSpan(off, len(p))
	buf, err := alignedAlloc(int(end - start))
	if err != nil {
		return 0, err
	}
	defer alignedFree(buf)

	got, err := h.f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return 0, err
	}
	avail := int64(got) - (off - start)
	if avail <= 0 {
		return 0, io.EOF
	}
	n := copy(p, buf[off-start:int64(got)])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// writeDirect merges p into the aligned blocks it touches and writes them
// back. The file grows to a multiple of directAlign.
func (h *HostFile) writeDirect(p []byte, off int64) (int, error) {
	start, end := directSpan(off, len(p))
	buf, err := alignedAlloc(int(end - start))
	if err != nil {
		return 0, err
	}
	defer alignedFree(buf)

	if start != off || end != off+int64(len(p)) {
		got, err := h.f.ReadAt(buf, start)
		if err != nil && err != io.EOF {
			return 0, err
		}
		clear(buf[got:])
	}
	copy(buf[off-start:], p)

	if _, err := h.f.WriteAt(buf, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *HostFile) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *HostFile) Sync() error {
	return syncFile(h.f)
}

func (h *HostFile) AlignedAlloc(size int) ([]byte, error) {
	return alignedAlloc(size)
}

func (h *HostFile) AlignedFree(buf []byte) {
	alignedFree(buf)
}

// Name returns the path the file was opened with.
func (h *HostFile) Name() string {
	return h.f.Name()
}

func (h *HostFile) Close() error {
	return h.f.Close()
}

// RawBacking adapts an io.ReaderAt (a raw image, another Image) into a
// BackingReader. Bytes past the end of the source read as zeros.
type RawBacking struct {
	R io.ReaderAt
}

func (b RawBacking) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.R.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return len(p), nil
	}
	return n, err
}
