package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// MaxBackingChainDepth is the maximum depth of a backing file chain opened
// with OpenBackingChain.
const MaxBackingChainDepth = 64

var ErrBackingChainTooDeep = errors.New("qcow2: backing file chain exceeds maximum depth")

// ReadBackingFileName returns the backing file named in the header of the
// image in f, or "" if there is none.
func ReadBackingFileName(f File) (string, error) {
	buf := make([]byte, HeaderSizeV3)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: failed to read header: %w", ErrIO, err)
	}
	h, err := ParseHeader(buf[:n])
	if err != nil {
		return "", err
	}
	if !h.HasBackingFile() {
		return "", nil
	}
	name := make([]byte, h.BackingFileSize)
	if _, err := f.ReadAt(name, int64(h.BackingFileOffset)); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: failed to read backing file name: %w", ErrIO, err)
	}
	return string(name), nil
}

// BackingChain is a read-only backing image opened from disk: either a
// qcow2 image, itself possibly backed, or a raw file. Reads past its end
// return zeros.
type BackingChain struct {
	path  string
	file  *HostFile
	img   *Image
	next  *BackingChain
	depth int
	r     BackingReader
}

// OpenBackingChain opens the backing file name as recorded in the image at
// imagePath. Relative names are resolved against the image's directory.
func OpenBackingChain(imagePath, name string, opts ...Option) (*BackingChain, error) {
	return openBackingChain(imagePath, name, 1, opts)
}

func openBackingChain(imagePath, name string, depth int, opts []Option) (*BackingChain, error) {
	if depth > MaxBackingChainDepth {
		return nil, ErrBackingChainTooDeep
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(imagePath), path)
	}
	f, err := OpenHostFile(path, true, false)
	if err != nil {
		return nil, fmt.Errorf("qcow2: failed to open backing file %q: %w", path, err)
	}

	b := &BackingChain{path: path, file: f, depth: depth}
	if !isQCOW2(f) {
		b.r = RawBacking{R: f}
		return b, nil
	}

	nextName, err := ReadBackingFileName(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	imgOpts := append([]Option{}, opts...)
	if nextName != "" {
		next, err := openBackingChain(path, nextName, depth+1, opts)
		if err != nil {
			f.Close()
			return nil, err
		}
		b.next = next
		imgOpts = append(imgOpts, WithBacking(next))
	}

	img, err := Open(f, append(imgOpts, WithReadOnly(true))...)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.img = img
	b.r = RawBacking{R: img}
	return b, nil
}

// isQCOW2 reports whether f starts with the qcow2 magic.
func isQCOW2(f File) bool {
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return binary.BigEndian.Uint32(magic[:]) == Magic
}

func (b *BackingChain) ReadAt(p []byte, off int64) (int, error) {
	return b.r.ReadAt(p, off)
}

// Path returns the resolved path of the backing file.
func (b *BackingChain) Path() string {
	return b.path
}

// Depth returns the number of files in the chain.
func (b *BackingChain) Depth() int {
	if b.next != nil {
		return b.next.Depth()
	}
	return b.depth
}

// Close closes every file in the chain.
func (b *BackingChain) Close() error {
	var errs []error
	if b.img != nil {
		errs = append(errs, b.img.Close())
	} else {
		errs = append(errs, b.file.Close())
	}
	if b.next != nil {
		errs = append(errs, b.next.Close())
	}
	return errors.Join(errs...)
}
