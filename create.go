package qcow2

import (
	"encoding/binary"
	"fmt"
	"os"
)

// CreateOptions configures a new QCOW2 image.
type CreateOptions struct {
	// Size is the virtual disk size in bytes (required).
	Size uint64

	// ClusterBits is log2 of cluster size. Default is 16 (64KB clusters).
	// Valid range: 9-21.
	ClusterBits uint32

	// Version is the QCOW2 version. Default is 3.
	Version uint32

	// RefcountOrder is log2 of the refcount width in bits. Default is 4
	// (16-bit refcounts). Version 2 images only support 4.
	RefcountOrder *uint32

	// BackingFile is recorded in the header. The engine does not open it;
	// pass a reader with WithBacking.
	BackingFile string
}

// Create lays out a new, empty image in file and opens it. The file should
// be empty.
//
// Layout:
//
//	cluster 0        header, backing file name
//	cluster 1..      L1 table
//	next cluster     refcount table
//	next cluster     first refcount block
func Create(file File, opts CreateOptions, openOpts ...Option) (*Image, error) {
	if opts.Size == 0 {
		return nil, fmt.Errorf("qcow2: size is required")
	}
	if opts.ClusterBits == 0 {
		opts.ClusterBits = DefaultClusterBits
	}
	if opts.Version == 0 {
		opts.Version = Version3
	}
	order := uint32(DefaultRefcountOrder)
	if opts.RefcountOrder != nil {
		order = *opts.RefcountOrder
	}

	if opts.ClusterBits < MinClusterBits || opts.ClusterBits > MaxClusterBits {
		return nil, fmt.Errorf("qcow2: invalid cluster bits: %d", opts.ClusterBits)
	}
	if opts.Version != Version2 && opts.Version != Version3 {
		return nil, fmt.Errorf("qcow2: unsupported version: %d", opts.Version)
	}
	if order > MaxRefcountOrder || (opts.Version == Version2 && order != DefaultRefcountOrder) {
		return nil, fmt.Errorf("qcow2: invalid refcount order %d for version %d", order, opts.Version)
	}

	headerLength := uint32(HeaderSizeV3)
	if opts.Version == Version2 {
		headerLength = HeaderSizeV2
	}

	clusterSize := uint64(1) << opts.ClusterBits
	if len(opts.BackingFile) > MaxBackingFileSize ||
		uint64(headerLength)+uint64(len(opts.BackingFile)) > clusterSize {
		return nil, fmt.Errorf("qcow2: backing file name too long: %d bytes", len(opts.BackingFile))
	}

	// Each L2 table covers l2Entries * clusterSize bytes
	l2Coverage := uint64(1) << (2*opts.ClusterBits - 3)
	l1Size := (opts.Size + l2Coverage - 1) / l2Coverage
	if l1Size == 0 {
		l1Size = 1
	}

	// L1 table must be cluster-aligned in size for v3
	l1TableBytes := l1Size * 8
	if opts.Version >= Version3 && l1TableBytes%clusterSize != 0 {
		l1TableBytes = (l1TableBytes/clusterSize + 1) * clusterSize
		l1Size = l1TableBytes / 8
	}
	if l1Size > MaxL1Entries {
		return nil, fmt.Errorf("qcow2: size %d needs %d L1 entries, limit is %d", opts.Size, l1Size, MaxL1Entries)
	}
	l1Clusters := (l1TableBytes + clusterSize - 1) / clusterSize

	l1TableOffset := clusterSize
	refcountTableOffset := l1TableOffset + l1Clusters*clusterSize
	tableClusters, blocks := refcountLayout(clusterSize, order, 1+l1Clusters, l1Size, opts.ClusterBits-3)
	refcountBlockOffset := refcountTableOffset + tableClusters*clusterSize
	initialClusters := 1 + l1Clusters + tableClusters + blocks

	header := &Header{
		Magic:                 Magic,
		Version:               opts.Version,
		ClusterBits:           opts.ClusterBits,
		Size:                  opts.Size,
		L1Size:                uint32(l1Size),
		L1TableOffset:         l1TableOffset,
		RefcountTableOffset:   refcountTableOffset,
		RefcountTableClusters: uint32(tableClusters),
		RefcountOrder:         order,
		HeaderLength:          headerLength,
	}
	if opts.BackingFile != "" {
		header.BackingFileOffset = uint64(headerLength)
		header.BackingFileSize = uint32(len(opts.BackingFile))
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	// All metadata is written in one go; the L1 table starts out empty.
	layout := make([]byte, initialClusters*clusterSize)
	copy(layout, header.Encode())
	copy(layout[header.BackingFileOffset:], opts.BackingFile)

	refblockEntries := clusterSize * 8 >> order
	for b := uint64(0); b < blocks; b++ {
		binary.BigEndian.PutUint64(layout[refcountTableOffset+b*8:], refcountBlockOffset+b*clusterSize)
	}
	for i := uint64(0); i < initialClusters; i++ {
		block := layout[refcountBlockOffset+i/refblockEntries*clusterSize:]
		putRefcountEntry(block, i%refblockEntries, order, 1)
	}

	if _, err := file.WriteAt(layout, 0); err != nil {
		return nil, fmt.Errorf("%w: failed to write image metadata: %w", ErrIO, err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: failed to sync: %w", ErrIO, err)
	}

	return Open(file, openOpts...)
}

// refcountLayout sizes the refcount structures of a new image. The table
// covers the metadata plus every L2 table and data cluster the L1 table can
// map, up to MaxRefcountTableEntries. Refcount blocks are only written for
// the metadata clusters.
func refcountLayout(clusterSize uint64, order uint32, fixedClusters, l1Size uint64, l2Bits uint32) (tableClusters, blocks uint64) {
	refblockEntries := clusterSize * 8 >> order
	perTableCluster := clusterSize / 8 * refblockEntries
	maxTableClusters := MaxRefcountTableEntries * 8 / clusterSize
	guestClusters := l1Size<<l2Bits + l1Size

	tableClusters, blocks = 1, 1
	for {
		meta := fixedClusters + tableClusters + blocks
		needTable := min(divRoundUp(meta+guestClusters, perTableCluster), maxTableClusters)
		needBlocks := divRoundUp(meta, refblockEntries)
		if needTable <= tableClusters && needBlocks <= blocks {
			return tableClusters, blocks
		}
		tableClusters = max(tableClusters, needTable)
		blocks = max(blocks, needBlocks)
	}
}

func divRoundUp(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// CreatePath creates a new image file at path. The returned image owns the
// file and closes it on Close.
func CreatePath(path string, opts CreateOptions, openOpts ...Option) (*Image, error) {
	f, err := CreateHostFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Create(f, opts, openOpts...)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return img, nil
}

// OpenPath opens the image file at path. The returned image owns the file
// and closes it on Close.
func OpenPath(path string, readOnly, direct bool, opts ...Option) (*Image, error) {
	f, err := OpenHostFile(path, readOnly, direct)
	if err != nil {
		return nil, err
	}
	img, err := Open(f, append(opts, WithReadOnly(readOnly))...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}
