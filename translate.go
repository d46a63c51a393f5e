package qcow2

import (
	"encoding/binary"
	"fmt"
)

// hostOffsetInfo is where one guest cluster lives, as resolved by
// findHostOffset. The allocator updates l1Entry and l2Entry as it changes
// the tables.
type hostOffsetInfo struct {
	guestOffset     uint64
	clusterBits     uint32
	clusterSize     uint64
	file            File
	l1Index         uint64
	l2Index         uint64
	inClusterOffset uint64

	l1Entry L1Entry
	l2Entry L2Entry
	// hasL2 is false while no L2 table covers the guest offset.
	hasL2 bool
}

// hostOffset returns the host byte offset of guestOffset. Only meaningful
// for entries with storage.
func (h *hostOffsetInfo) hostOffset() uint64 {
	return h.l2Entry.HostOffset + h.inClusterOffset
}

// clusterStart returns the guest offset of the start of the cluster.
func (h *hostOffsetInfo) clusterStart() uint64 {
	return h.guestOffset - h.inClusterOffset
}

// kind returns the L2 entry kind, treating a missing L2 table as
// unallocated.
func (h *hostOffsetInfo) kind() L2Kind {
	if !h.hasL2 {
		return L2Unallocated
	}
	return h.l2Entry.Kind
}

// findHostOffset walks the L1 and L2 tables for guestOffset. The L1 table
// comes from memory; the single L2 entry is read from the file on every
// call.
func (img *Image) findHostOffset(guestOffset uint64) (hostOffsetInfo, error) {
	hoi := hostOffsetInfo{
		guestOffset:     guestOffset,
		clusterBits:     img.clusterBits,
		clusterSize:     img.clusterSize,
		file:            img.file,
		l1Index:         guestOffset >> img.l1Bits,
		l2Index:         (guestOffset >> img.clusterBits) & (img.l2Size - 1),
		inClusterOffset: guestOffset & (img.clusterSize - 1),
	}

	if hoi.l1Index >= img.l1Size {
		return hoi, fmt.Errorf("%w: guest offset 0x%x maps to L1[%d] beyond l1_size %d: %w",
			ErrInvalidMetadata, guestOffset, hoi.l1Index, img.l1Size, ErrOffsetOutOfRange)
	}

	l1, err := DecodeL1Entry(img.l1Table[hoi.l1Index], img.clusterBits)
	if err != nil {
		return hoi, fmt.Errorf("qcow2: L1[%d]: %w", hoi.l1Index, err)
	}
	hoi.l1Entry = l1
	if !l1.Allocated() {
		return hoi, nil
	}

	var buf [8]byte
	if err := img.readRaw(buf[:], l1.L2Offset+hoi.l2Index*8); err != nil {
		return hoi, err
	}
	l2, err := DecodeL2Entry(binary.BigEndian.Uint64(buf[:]), img.clusterBits)
	if err != nil {
		return hoi, fmt.Errorf("qcow2: L2[%d][%d]: %w", hoi.l1Index, hoi.l2Index, err)
	}
	hoi.l2Entry = l2
	hoi.hasL2 = true
	return hoi, nil
}

// Mapping describes how the guest cluster containing an offset is stored.
type Mapping struct {
	GuestOffset uint64
	L1Index     uint64
	L2Index     uint64
	L2Table     uint64 // 0 when no L2 table covers the offset
	Entry       L2Entry
}

// Lookup resolves guestOffset without changing the image.
func (img *Image) Lookup(guestOffset uint64) (Mapping, error) {
	if img.closed {
		return Mapping{}, ErrClosed
	}
	hoi, err := img.findHostOffset(guestOffset)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{
		GuestOffset: guestOffset,
		L1Index:     hoi.l1Index,
		L2Index:     hoi.l2Index,
		L2Table:     hoi.l1Entry.L2Offset,
		Entry:       hoi.l2Entry,
	}, nil
}
