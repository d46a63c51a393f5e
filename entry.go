package qcow2

import "fmt"

// L1 entry bits
const (
	L1EntryCopied     = uint64(1) << 63
	L1EntryOffsetMask = uint64(0x00fffffffffffe00) // Bits 9-55
)

// L2 entry bits
const (
	L2EntryCopied     = uint64(1) << 63
	L2EntryCompressed = uint64(1) << 62
	L2EntryZeroFlag   = uint64(1) << 0
	L2EntryOffsetMask = uint64(0x00fffffffffffe00) // Bits 9-55
)

const sectorSize = 512

// L1Entry is a decoded L1 table entry. A zero L2Offset means no L2 table
// has been allocated for the range.
type L1Entry struct {
	L2Offset uint64
	// Copied is set when the L2 table is owned by this image alone and may
	// be updated in place.
	Copied bool
}

// Allocated reports whether the entry points to an L2 table.
func (e L1Entry) Allocated() bool {
	return e.L2Offset != 0
}

// DecodeL1Entry decodes a raw L1 entry for an image with the given
// cluster_bits.
func DecodeL1Entry(raw uint64, clusterBits uint32) (L1Entry, error) {
	offset := raw & L1EntryOffsetMask
	if offset == 0 {
		return L1Entry{}, nil
	}
	if offset&(uint64(1)<<clusterBits-1) != 0 {
		return L1Entry{}, fmt.Errorf("%w: L2 table offset 0x%x not cluster-aligned", ErrInvalidMetadata, offset)
	}
	return L1Entry{L2Offset: offset, Copied: raw&L1EntryCopied != 0}, nil
}

// Encode returns the raw on-disk form of the entry.
func (e L1Entry) Encode() uint64 {
	if e.L2Offset == 0 {
		return 0
	}
	raw := e.L2Offset & L1EntryOffsetMask
	if e.Copied {
		raw |= L1EntryCopied
	}
	return raw
}

func (e L1Entry) String() string {
	if !e.Allocated() {
		return "unallocated"
	}
	return fmt.Sprintf("l2@0x%x copied=%t", e.L2Offset, e.Copied)
}

// L2Kind tells how a guest cluster is stored.
type L2Kind uint8

const (
	L2Unallocated L2Kind = iota
	L2Normal
	L2Zero
	L2Compressed
)

func (k L2Kind) String() string {
	switch k {
	case L2Unallocated:
		return "unallocated"
	case L2Normal:
		return "normal"
	case L2Zero:
		return "zero"
	case L2Compressed:
		return "compressed"
	default:
		return fmt.Sprintf("L2Kind(%d)", uint8(k))
	}
}

// L2Entry is a decoded L2 table entry.
//
// For L2Zero a HostOffset of 0 means the cluster reads as zeros and has no
// storage; a non-zero HostOffset keeps the storage reserved. For
// L2Compressed, HostOffset is a byte offset (not cluster-aligned) and
// CompressedLength is the exact number of bytes of compressed data.
type L2Entry struct {
	Kind             L2Kind
	HostOffset       uint64
	Copied           bool
	CompressedLength uint64
}

// compressedShift is the bit position where the sector count of a
// compressed L2 entry starts.
func compressedShift(clusterBits uint32) uint32 {
	return 62 - (clusterBits - 8)
}

// DecodeL2Entry decodes a raw L2 entry for an image with the given
// cluster_bits.
func DecodeL2Entry(raw uint64, clusterBits uint32) (L2Entry, error) {
	if raw&L2EntryCompressed != 0 {
		shift := compressedShift(clusterBits)
		offset := raw & (uint64(1)<<shift - 1)
		sectors := (raw>>shift)&(uint64(1)<<(clusterBits-8)-1) + 1
		return L2Entry{
			Kind:             L2Compressed,
			HostOffset:       offset,
			CompressedLength: sectors*sectorSize - offset&(sectorSize-1),
		}, nil
	}

	offset := raw & L2EntryOffsetMask
	copied := raw&L2EntryCopied != 0
	if offset&(uint64(1)<<clusterBits-1) != 0 {
		return L2Entry{}, fmt.Errorf("%w: data cluster offset 0x%x not cluster-aligned", ErrInvalidMetadata, offset)
	}

	switch {
	case raw&L2EntryZeroFlag != 0:
		return L2Entry{Kind: L2Zero, HostOffset: offset, Copied: copied}, nil
	case offset == 0:
		return L2Entry{Kind: L2Unallocated}, nil
	default:
		return L2Entry{Kind: L2Normal, HostOffset: offset, Copied: copied}, nil
	}
}

// Encode returns the raw on-disk form of the entry.
func (e L2Entry) Encode(clusterBits uint32) (uint64, error) {
	switch e.Kind {
	case L2Unallocated:
		return 0, nil

	case L2Normal, L2Zero:
		raw := e.HostOffset & L2EntryOffsetMask
		if raw != e.HostOffset {
			return 0, fmt.Errorf("%w: host offset 0x%x outside offset mask", ErrInvalidMetadata, e.HostOffset)
		}
		if e.Copied {
			raw |= L2EntryCopied
		}
		if e.Kind == L2Zero {
			raw |= L2EntryZeroFlag
		}
		return raw, nil

	case L2Compressed:
		shift := compressedShift(clusterBits)
		if e.HostOffset >= uint64(1)<<shift {
			return 0, fmt.Errorf("%w: compressed offset 0x%x exceeds %d bits", ErrInvalidMetadata, e.HostOffset, shift)
		}
		span := e.CompressedLength + e.HostOffset&(sectorSize-1)
		if e.CompressedLength == 0 || span%sectorSize != 0 {
			return 0, fmt.Errorf("%w: compressed length %d does not end on a sector boundary", ErrInvalidMetadata, e.CompressedLength)
		}
		extra := span/sectorSize - 1
		if extra > uint64(1)<<(clusterBits-8)-1 {
			return 0, fmt.Errorf("%w: compressed length %d overflows sector count", ErrInvalidMetadata, e.CompressedLength)
		}
		return L2EntryCompressed | extra<<shift | e.HostOffset, nil
	}

	return 0, fmt.Errorf("qcow2: unknown L2 entry kind %d", e.Kind)
}

func (e L2Entry) String() string {
	switch e.Kind {
	case L2Normal:
		return fmt.Sprintf("normal@0x%x copied=%t", e.HostOffset, e.Copied)
	case L2Zero:
		if e.HostOffset == 0 {
			return "zero"
		}
		return fmt.Sprintf("zero@0x%x copied=%t", e.HostOffset, e.Copied)
	case L2Compressed:
		return fmt.Sprintf("compressed@0x%x len=%d", e.HostOffset, e.CompressedLength)
	default:
		return e.Kind.String()
	}
}
