package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Image is an open QCOW2 image. It is not safe for concurrent use; callers
// that share an image between goroutines must serialize requests (see the
// driver package).
type Image struct {
	id      uuid.UUID
	file    File
	header  *Header
	log     logrus.FieldLogger
	metrics *Metrics

	backing     BackingReader
	backingName string

	// Geometry derived from the header
	clusterBits uint32
	clusterSize uint64
	l1Bits      uint32
	l1Size      uint64
	l2Bits      uint32
	l2Size      uint64
	l1Offset    uint64

	// L1 table, raw entries. Kept in step with the on-disk copy.
	l1Table []uint64

	refcountOrder uint32
	refblockBits  uint32 // log2(refcount entries per refblock)
	refblockSize  uint64
	reftable      []uint64

	// Where the next free-cluster scan starts. Only a hint.
	freeClusterHint uint64

	readOnly       bool
	barrierMode    WriteBarrierMode
	pendingSync    bool
	dirty          bool
	closed         bool
	refcountWarned bool
}

// Open opens the image stored in file.
func Open(file File, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}

	headerBuf := make([]byte, HeaderSizeV3)
	n, err := file.ReadAt(headerBuf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to read header: %w", ErrIO, err)
	}
	if n < HeaderSizeV2 {
		return nil, fmt.Errorf("%w: file too small for header: %d bytes", ErrInvalidMetadata, n)
	}

	header, err := ParseHeader(headerBuf[:n])
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	img := &Image{
		id:            id,
		file:          file,
		header:        header,
		log:           o.logger.WithField("image", id.String()),
		metrics:       o.metrics,
		backing:       o.backing,
		clusterBits:   header.ClusterBits,
		clusterSize:   header.ClusterSize(),
		l2Bits:        header.ClusterBits - 3,
		l2Size:        header.L2Entries(),
		l1Size:        uint64(header.L1Size),
		l1Offset:      header.L1TableOffset,
		refcountOrder: header.RefcountOrder,
		readOnly:      o.readOnly,
		barrierMode:   o.barrierMode,
	}
	img.l1Bits = img.clusterBits + img.l2Bits
	img.refblockBits = img.clusterBits + 3 - img.refcountOrder
	img.refblockSize = 1 << img.refblockBits

	if err := img.loadL1Table(); err != nil {
		return nil, err
	}
	if err := img.loadRefcountTable(); err != nil {
		return nil, err
	}
	if err := img.loadBackingFileName(); err != nil {
		return nil, err
	}

	if !o.reuseFreeClusters {
		size, err := file.Size()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to stat image: %w", ErrIO, err)
		}
		img.freeClusterHint = img.alignUp(uint64(size))
	}

	img.log.WithFields(logrus.Fields{
		"version":      header.Version,
		"cluster_size": img.clusterSize,
		"virtual_size": header.Size,
		"l1_size":      img.l1Size,
		"refcount":     header.RefcountBits(),
	}).Debug("opened image")

	return img, nil
}

// loadL1Table reads the entire L1 table into memory.
func (img *Image) loadL1Table() error {
	raw := make([]byte, img.l1Size*8)
	if err := img.readRaw(raw, img.l1Offset); err != nil {
		return fmt.Errorf("qcow2: failed to load L1 table: %w", err)
	}
	img.l1Table = make([]uint64, img.l1Size)
	for i := range img.l1Table {
		img.l1Table[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return nil
}

// loadBackingFileName reads the backing file name stored after the header.
func (img *Image) loadBackingFileName() error {
	if !img.header.HasBackingFile() {
		return nil
	}
	name := make([]byte, img.header.BackingFileSize)
	if err := img.readRaw(name, img.header.BackingFileOffset); err != nil {
		return fmt.Errorf("qcow2: failed to read backing file name: %w", err)
	}
	img.backingName = string(name)
	return nil
}

// readRaw fills p from the host file. Bytes past the end of the file read as
// zeros.
func (img *Image) readRaw(p []byte, off uint64) error {
	n, err := img.file.ReadAt(p, int64(off))
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %d bytes at 0x%x: %w", ErrIO, len(p), off, err)
	}
	return nil
}

// writeRaw writes p to the host file.
func (img *Image) writeRaw(p []byte, off uint64) error {
	if _, err := img.file.WriteAt(p, int64(off)); err != nil {
		return fmt.Errorf("%w: write %d bytes at 0x%x: %w", ErrIO, len(p), off, err)
	}
	return nil
}

func (img *Image) sync() error {
	if err := img.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrIO, err)
	}
	img.pendingSync = false
	return nil
}

// metadataBarrier issues a sync if barrier mode requires it for metadata updates.
func (img *Image) metadataBarrier() error {
	switch img.barrierMode {
	case BarrierNone:
		return nil
	case BarrierBatched:
		img.pendingSync = true
		return nil
	default: // BarrierMetadata, BarrierFull
		return img.sync()
	}
}

// dataBarrier issues a sync if barrier mode requires it for data writes.
func (img *Image) dataBarrier() error {
	switch img.barrierMode {
	case BarrierBatched:
		img.pendingSync = true
		return nil
	case BarrierFull:
		return img.sync()
	default:
		return nil
	}
}

// alignUp rounds off up to the next cluster boundary.
func (img *Image) alignUp(off uint64) uint64 {
	return (off + img.clusterSize - 1) &^ (img.clusterSize - 1)
}

// SetWriteBarrierMode sets the write ordering barrier mode.
// The new mode applies to subsequent writes.
func (img *Image) SetWriteBarrierMode(mode WriteBarrierMode) {
	img.barrierMode = mode
}

// WriteBarrierMode returns the current write ordering barrier mode.
func (img *Image) WriteBarrierMode() WriteBarrierMode {
	return img.barrierMode
}

// Flush syncs all pending writes to disk.
func (img *Image) Flush() error {
	if img.closed {
		return ErrClosed
	}
	if img.dirty || img.pendingSync {
		if err := img.sync(); err != nil {
			return err
		}
		img.dirty = false
	}
	return nil
}

// Close flushes the image. If the underlying file implements io.Closer it is
// closed too.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}
	if err := img.Flush(); err != nil {
		return err
	}
	img.closed = true
	img.log.Debug("closed image")

	if c, ok := img.file.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Info describes an open image.
type Info struct {
	ID                       string `json:"id"`
	ClusterSize              uint64 `json:"cluster_size"`
	UnallocatedBlocksAreZero bool   `json:"unallocated_blocks_are_zero"`
	CanWriteZeroesWithUnmap  bool   `json:"can_write_zeroes_with_unmap"`
	VirtualSize              uint64 `json:"virtual_size"`
	Version                  uint32 `json:"version"`
	RefcountBits             uint32 `json:"refcount_bits"`
	BackingFile              string `json:"backing_file,omitempty"`
}

// Info returns the image's block-layer properties.
func (img *Image) Info() Info {
	return Info{
		ID:                       img.id.String(),
		ClusterSize:              img.clusterSize,
		UnallocatedBlocksAreZero: true,
		CanWriteZeroesWithUnmap:  false,
		VirtualSize:              img.header.Size,
		Version:                  img.header.Version,
		RefcountBits:             img.header.RefcountBits(),
		BackingFile:              img.backingName,
	}
}

// ID returns the identifier the image logs under.
func (img *Image) ID() uuid.UUID {
	return img.id
}

// Header returns a copy of the image header.
func (img *Image) Header() Header {
	return *img.header
}

// Size returns the virtual size of the image in bytes.
func (img *Image) Size() int64 {
	return int64(img.header.Size)
}

// ClusterSize returns the cluster size in bytes.
func (img *Image) ClusterSize() int {
	return int(img.clusterSize)
}

// BackingFileName returns the backing file named in the header, or "".
func (img *Image) BackingFileName() string {
	return img.backingName
}

// ReadOnly reports whether writes are rejected.
func (img *Image) ReadOnly() bool {
	return img.readOnly
}

func (img *Image) String() string {
	return fmt.Sprintf("qcow2 v%d image %s (%d bytes, %d byte clusters)",
		img.header.Version, img.id, img.header.Size, img.clusterSize)
}
