// Package qcow2 implements the address-translation engine of the QCOW2 disk
// image format: header decoding, L1/L2 table walks, cluster allocation with
// copy-on-write of shared tables, read-only reference counting and the
// per-cluster I/O dispatcher.
package qcow2

import (
	"encoding/binary"
	"fmt"
)

// QCOW2 magic number: "QFI\xfb"
const Magic = 0x514649fb

// QCOW2 versions
const (
	Version2 = 2
	Version3 = 3
)

// Header size constants
const (
	HeaderSizeV2 = 72  // Fixed header size for version 2
	HeaderSizeV3 = 104 // Minimum header size for version 3
)

// Cluster size limits
const (
	DefaultClusterBits = 16
	DefaultClusterSize = 1 << DefaultClusterBits
	MinClusterBits     = 9  // 512 bytes
	MaxClusterBits     = 21 // 2MB
)

// Metadata table limits. They bound the memory an image can make us allocate
// at open time.
const (
	MaxL1Entries            = 0x2000000 / 8 // 32MB of L1 table
	MaxRefcountTableEntries = 0x800000 / 8  // 8MB of refcount table
	MaxBackingFileSize      = 1023
	MaxRefcountOrder        = 6
	DefaultRefcountOrder    = 4 // 16-bit refcounts, implied for version 2
)

// Encryption methods
const (
	EncryptionNone = 0
	EncryptionAES  = 1
	EncryptionLUKS = 2
)

// Incompatible feature bits
const (
	IncompatDirtyBit     = 1 << 0
	IncompatCorruptBit   = 1 << 1
	IncompatExternalData = 1 << 2
	IncompatCompression  = 1 << 3
	IncompatExtendedL2   = 1 << 4

	// No incompatible feature is implemented by this engine.
	supportedIncompat = 0
)

// Compatible feature bits
const (
	CompatLazyRefcounts = 1 << 0
)

// Header is the fixed part of the QCOW2 file header.
// All fields hold host-order integers; the on-disk form is big-endian.
type Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64 // Virtual size in bytes
	CryptMethod           uint32
	L1Size                uint32 // Number of entries in L1 table
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64

	// Version 3+ fields
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32 // Refcount bits = 1 << refcount_order
	HeaderLength         uint32
}

// ParseHeader decodes and validates a QCOW2 header from raw bytes.
// The input must hold at least HeaderSizeV2 bytes, or HeaderSizeV3 bytes for
// a version 3 image.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSizeV2 {
		return nil, fmt.Errorf("%w: header too short: %d bytes", ErrInvalidMetadata, len(data))
	}

	h := &Header{
		Magic:                 binary.BigEndian.Uint32(data[0:4]),
		Version:               binary.BigEndian.Uint32(data[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(data[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(data[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(data[20:24]),
		Size:                  binary.BigEndian.Uint64(data[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(data[32:36]),
		L1Size:                binary.BigEndian.Uint32(data[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(data[40:48]),
		RefcountTableOffset:   binary.BigEndian.Uint64(data[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(data[56:60]),
		NbSnapshots:           binary.BigEndian.Uint32(data[60:64]),
		SnapshotsOffset:       binary.BigEndian.Uint64(data[64:72]),
		RefcountOrder:         DefaultRefcountOrder,
		HeaderLength:          HeaderSizeV2,
	}

	if h.Version >= Version3 {
		if len(data) < HeaderSizeV3 {
			return nil, fmt.Errorf("%w: v3 header too short: %d bytes", ErrInvalidMetadata, len(data))
		}
		h.IncompatibleFeatures = binary.BigEndian.Uint64(data[72:80])
		h.CompatibleFeatures = binary.BigEndian.Uint64(data[80:88])
		h.AutoclearFeatures = binary.BigEndian.Uint64(data[88:96])
		h.RefcountOrder = binary.BigEndian.Uint32(data[96:100])
		h.HeaderLength = binary.BigEndian.Uint32(data[100:104])
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks the header field by field and stops at the first failure.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: magic 0x%08x", ErrInvalidMetadata, h.Magic)
	}
	if h.Version != Version2 && h.Version != Version3 {
		return fmt.Errorf("%w: version %d", ErrInvalidMetadata, h.Version)
	}

	// cluster_bits must be sane before anything is compared with the
	// cluster size.
	if h.Version == Version3 {
		if h.HeaderLength < HeaderSizeV3 {
			return fmt.Errorf("%w: header_length %d below %d", ErrInvalidMetadata, h.HeaderLength, HeaderSizeV3)
		}
		if h.ClusterBits >= MinClusterBits && h.ClusterBits <= MaxClusterBits &&
			uint64(h.HeaderLength) > h.ClusterSize() {
			return fmt.Errorf("%w: header_length %d exceeds cluster size", ErrInvalidMetadata, h.HeaderLength)
		}
	}
	if h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits {
		return fmt.Errorf("%w: cluster_bits %d", ErrInvalidMetadata, h.ClusterBits)
	}
	clusterSize := h.ClusterSize()

	if h.BackingFileOffset > clusterSize {
		return fmt.Errorf("%w: backing_file_offset 0x%x beyond first cluster", ErrInvalidMetadata, h.BackingFileOffset)
	}
	if h.BackingFileSize > MaxBackingFileSize {
		return fmt.Errorf("%w: backing_file_size %d", ErrInvalidMetadata, h.BackingFileSize)
	}
	if h.BackingFileOffset+uint64(h.BackingFileSize) > clusterSize {
		return fmt.Errorf("%w: backing file name does not fit in first cluster", ErrInvalidMetadata)
	}

	if h.Version == Version3 {
		if unknown := h.IncompatibleFeatures &^ supportedIncompat; unknown != 0 {
			return fmt.Errorf("%w: incompatible_features 0x%x: %w", ErrInvalidMetadata, unknown, ErrUnsupportedImageFeature)
		}
		if h.RefcountOrder > MaxRefcountOrder {
			return fmt.Errorf("%w: refcount_order %d", ErrInvalidMetadata, h.RefcountOrder)
		}
	}

	if h.CryptMethod != EncryptionNone {
		return fmt.Errorf("%w: crypt_method %d: %w", ErrInvalidMetadata, h.CryptMethod, ErrUnsupportedImageFeature)
	}

	if h.L1Size == 0 {
		return fmt.Errorf("%w: l1_size is zero", ErrInvalidMetadata)
	}
	if h.L1Size > MaxL1Entries {
		return fmt.Errorf("%w: l1_size %d exceeds %d", ErrInvalidMetadata, h.L1Size, MaxL1Entries)
	}
	if uint64(h.L1Size) < h.MinL1Entries() {
		return fmt.Errorf("%w: l1_size %d too small for virtual size %d", ErrInvalidMetadata, h.L1Size, h.Size)
	}

	if uint64(h.RefcountTableClusters)*clusterSize/8 > MaxRefcountTableEntries {
		return fmt.Errorf("%w: refcount_table_clusters %d", ErrInvalidMetadata, h.RefcountTableClusters)
	}

	if h.L1TableOffset&(clusterSize-1) != 0 {
		return fmt.Errorf("%w: l1_table_offset 0x%x not cluster-aligned", ErrInvalidMetadata, h.L1TableOffset)
	}
	if h.RefcountTableOffset&(clusterSize-1) != 0 {
		return fmt.Errorf("%w: refcount_table_offset 0x%x not cluster-aligned", ErrInvalidMetadata, h.RefcountTableOffset)
	}

	return nil
}

// ClusterSize returns the cluster size in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// L2Entries returns the number of entries per L2 table.
func (h *Header) L2Entries() uint64 {
	return h.ClusterSize() / 8
}

// RefcountBits returns the number of bits per refcount entry.
func (h *Header) RefcountBits() uint32 {
	return 1 << h.RefcountOrder
}

// MinL1Entries is the number of L1 entries needed to map Size bytes.
func (h *Header) MinL1Entries() uint64 {
	l1Bits := 2*h.ClusterBits - 3
	n := h.Size >> l1Bits
	if h.Size&(1<<l1Bits-1) != 0 {
		n++
	}
	return n
}

// HasBackingFile reports whether the header names a backing file.
func (h *Header) HasBackingFile() bool {
	return h.BackingFileOffset != 0 && h.BackingFileSize != 0
}

// Encode serializes the header. Version 3 headers are padded to
// HeaderLength bytes.
func (h *Header) Encode() []byte {
	var buf []byte
	if h.Version >= Version3 {
		n := h.HeaderLength
		if n < HeaderSizeV3 {
			n = HeaderSizeV3
		}
		buf = make([]byte, n)
	} else {
		buf = make([]byte, HeaderSizeV2)
	}

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(buf[20:24], h.ClusterBits)
	binary.BigEndian.PutUint64(buf[24:32], h.Size)
	binary.BigEndian.PutUint32(buf[32:36], h.CryptMethod)
	binary.BigEndian.PutUint32(buf[36:40], h.L1Size)
	binary.BigEndian.PutUint64(buf[40:48], h.L1TableOffset)
	binary.BigEndian.PutUint64(buf[48:56], h.RefcountTableOffset)
	binary.BigEndian.PutUint32(buf[56:60], h.RefcountTableClusters)
	binary.BigEndian.PutUint32(buf[60:64], h.NbSnapshots)
	binary.BigEndian.PutUint64(buf[64:72], h.SnapshotsOffset)

	if h.Version >= Version3 {
		binary.BigEndian.PutUint64(buf[72:80], h.IncompatibleFeatures)
		binary.BigEndian.PutUint64(buf[80:88], h.CompatibleFeatures)
		binary.BigEndian.PutUint64(buf[88:96], h.AutoclearFeatures)
		binary.BigEndian.PutUint32(buf[96:100], h.RefcountOrder)
		binary.BigEndian.PutUint32(buf[100:104], h.HeaderLength)
	}

	return buf
}
