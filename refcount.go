package qcow2

import (
	"encoding/binary"
	"fmt"
)

// RefcountTableOffsetMask selects the refblock offset in a refcount table
// entry. The low 9 bits are reserved.
const RefcountTableOffsetMask = uint64(0xfffffffffffffe00)

// loadRefcountTable loads the refcount table into memory.
// The refcount table is a two-level structure:
// - Level 1: Refcount table (array of 64-bit offsets to refcount blocks)
// - Level 2: Refcount blocks (array of refcount entries)
func (img *Image) loadRefcountTable() error {
	entries := uint64(img.header.RefcountTableClusters) * img.clusterSize / 8
	raw := make([]byte, entries*8)
	if err := img.readRaw(raw, img.header.RefcountTableOffset); err != nil {
		return fmt.Errorf("qcow2: failed to read refcount table: %w", err)
	}
	img.reftable = make([]uint64, entries)
	for i := range img.reftable {
		img.reftable[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return nil
}

// getRefcount returns the refcount of the cluster containing hostOffset.
// Clusters the refcount table does not describe have a refcount of 0.
func (img *Image) getRefcount(hostOffset uint64) (uint64, error) {
	tableIndex := hostOffset >> (img.clusterBits + img.refblockBits)
	if tableIndex >= uint64(len(img.reftable)) {
		return 0, nil
	}

	blockOffset := img.reftable[tableIndex] & RefcountTableOffsetMask
	if blockOffset == 0 {
		return 0, nil
	}
	if blockOffset&(img.clusterSize-1) != 0 {
		return 0, fmt.Errorf("%w: refcount block offset 0x%x not cluster-aligned (reftable[%d])",
			ErrInvalidMetadata, blockOffset, tableIndex)
	}

	blockIndex := (hostOffset >> img.clusterBits) & (img.refblockSize - 1)
	return img.readRefcountEntry(blockOffset, blockIndex)
}

// readRefcountEntry reads a single refcount entry from the refblock at
// blockOffset. Sub-byte entries are packed least significant bit first.
func (img *Image) readRefcountEntry(blockOffset, index uint64) (uint64, error) {
	var buf [8]byte
	order := img.refcountOrder

	switch order {
	case 6:
		if err := img.readRaw(buf[:8], blockOffset+index*8); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:8]), nil
	case 5:
		if err := img.readRaw(buf[:4], blockOffset+index*4); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:4])), nil
	case 4:
		if err := img.readRaw(buf[:2], blockOffset+index*2); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(buf[:2])), nil
	default:
		bit := index << order
		if err := img.readRaw(buf[:1], blockOffset+bit>>3); err != nil {
			return 0, err
		}
		return refcountField(buf[0], index, order), nil
	}
}

// refcountField extracts entry index from a byte of packed entries of
// 1<<order bits each (order < 3 for sub-byte, 3 for a whole byte).
func refcountField(b byte, index uint64, order uint32) uint64 {
	shift := (index << order) & 7
	mask := uint64(1)<<(uint64(1)<<order) - 1
	return uint64(b>>shift) & mask
}

// putRefcountEntry stores value at index in an in-memory refblock. Used when
// laying out new images.
func putRefcountEntry(block []byte, index uint64, order uint32, value uint64) {
	switch order {
	case 6:
		binary.BigEndian.PutUint64(block[index*8:], value)
	case 5:
		binary.BigEndian.PutUint32(block[index*4:], uint32(value))
	case 4:
		binary.BigEndian.PutUint16(block[index*2:], uint16(value))
	default:
		bit := index << order
		shift := bit & 7
		mask := byte(uint64(1)<<(uint64(1)<<order) - 1)
		b := &block[bit>>3]
		*b = *b&^(mask<<shift) | (byte(value)&mask)<<shift
	}
}

// changeRefcount would add delta to the refcount of the cluster at
// hostOffset. Refcount updates are not implemented; the call always fails
// with ErrUnsupportedImageFeature.
func (img *Image) changeRefcount(hostOffset uint64, delta int64) error {
	return fmt.Errorf("%w: refcount update %+d for cluster 0x%x", ErrUnsupportedImageFeature, delta, hostOffset)
}

// ClusterRefcount returns the reference count of the cluster containing
// hostOffset.
func (img *Image) ClusterRefcount(hostOffset uint64) (uint64, error) {
	return img.getRefcount(hostOffset &^ (img.clusterSize - 1))
}

// RefcountInfo describes the refcount structure of an image.
type RefcountInfo struct {
	RefcountBits    uint32 `json:"refcount_bits"`
	EntriesPerBlock uint64 `json:"entries_per_block"`
	TableClusters   uint32 `json:"table_clusters"`
	TableEntries    uint64 `json:"table_entries"`
	AllocatedBlocks uint64 `json:"allocated_blocks"`
	// Coverage is the number of host bytes the refcount table can describe.
	Coverage uint64 `json:"coverage"`
}

// RefcountInfo returns information about the refcount structure.
func (img *Image) RefcountInfo() RefcountInfo {
	info := RefcountInfo{
		RefcountBits:    img.header.RefcountBits(),
		EntriesPerBlock: img.refblockSize,
		TableClusters:   img.header.RefcountTableClusters,
		TableEntries:    uint64(len(img.reftable)),
		Coverage:        img.refcountCoverage(),
	}
	for _, e := range img.reftable {
		if e&RefcountTableOffsetMask != 0 {
			info.AllocatedBlocks++
		}
	}
	return info
}

// refcountCoverage returns the first host offset the refcount table cannot
// describe, capped at the largest offset an L2 entry can hold.
func (img *Image) refcountCoverage() uint64 {
	const limit = L2EntryOffsetMask + 1<<9
	shift := img.clusterBits + img.refblockBits
	entries := uint64(len(img.reftable))
	if shift >= 64 || entries > limit>>shift {
		return limit
	}
	return entries << shift
}
