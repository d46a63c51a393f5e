package qcow2

import (
	"encoding/binary"
	"fmt"
)

// CheckResult contains the results of an image consistency check.
type CheckResult struct {
	// Leaks is the number of clusters with refcount > 0 that are not referenced.
	Leaks int `json:"leaks"`

	// LeakedClusters is the total size of leaked clusters in bytes.
	LeakedClusters uint64 `json:"leaked_bytes"`

	// Corruptions is the number of corrupted entries found.
	Corruptions int `json:"corruptions"`

	// Errors contains descriptions of any errors found.
	Errors []string `json:"errors,omitempty"`

	// AllocatedClusters is the total number of clusters with a refcount.
	AllocatedClusters uint64 `json:"allocated_clusters"`

	// ReferencedClusters is the number of clusters actually referenced.
	ReferencedClusters uint64 `json:"referenced_clusters"`

	// FragmentedClusters is the number of data clusters that do not follow
	// the previous data cluster on the host.
	FragmentedClusters uint64 `json:"fragmented_clusters"`
}

// IsClean returns true if no errors, corruptions, or leaks were found.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0 && r.Leaks == 0 && len(r.Errors) == 0
}

func (r *CheckResult) corrupt(format string, args ...any) {
	r.Corruptions++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Check performs a read-only consistency check of the image, similar to
// `qemu-img check`. It compares the refcount of every host cluster with the
// number of references the header, L1 and L2 tables make to it and checks
// that COPIED flags agree with refcounts of exactly 1.
//
// Clusters allocated by this engine are not recorded in the refcount table,
// so an image written here reports them as referenced with refcount 0.
func (img *Image) Check() (*CheckResult, error) {
	if img.closed {
		return nil, ErrClosed
	}
	result := &CheckResult{}

	// cluster index -> number of references
	expected := make(map[uint64]uint64)
	refRange := func(start, length uint64) {
		if length == 0 {
			return
		}
		for c := start >> img.clusterBits; c <= (start+length-1)>>img.clusterBits; c++ {
			expected[c]++
		}
	}

	refRange(0, img.clusterSize)
	refRange(img.l1Offset, img.l1Size*8)
	refRange(img.header.RefcountTableOffset, uint64(img.header.RefcountTableClusters)*img.clusterSize)
	for i, e := range img.reftable {
		block := e & RefcountTableOffsetMask
		if block == 0 {
			continue
		}
		if block&(img.clusterSize-1) != 0 {
			result.corrupt("reftable[%d]: refcount block offset 0x%x is not cluster-aligned", i, block)
			continue
		}
		refRange(block, img.clusterSize)
	}

	table := make([]byte, img.clusterSize)
	var lastDataCluster uint64
	for i, raw := range img.l1Table {
		l1, err := DecodeL1Entry(raw, img.clusterBits)
		if err != nil {
			result.corrupt("L1[%d]: %v", i, err)
			continue
		}
		if !l1.Allocated() {
			continue
		}
		refRange(l1.L2Offset, img.clusterSize)
		if err := img.checkCopied(result, fmt.Sprintf("L1[%d]", i), l1.L2Offset, l1.Copied); err != nil {
			return nil, err
		}

		if err := img.readRaw(table, l1.L2Offset); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("L1[%d]: failed to read L2 table at 0x%x: %v", i, l1.L2Offset, err))
			continue
		}

		for j := uint64(0); j < img.l2Size; j++ {
			e, err := DecodeL2Entry(binary.BigEndian.Uint64(table[j*8:]), img.clusterBits)
			if err != nil {
				result.corrupt("L2[%d][%d]: %v", i, j, err)
				continue
			}
			switch e.Kind {
			case L2Compressed:
				refRange(e.HostOffset, e.CompressedLength)
			case L2Zero:
				if e.HostOffset != 0 {
					refRange(e.HostOffset, img.clusterSize)
				}
			case L2Normal:
				refRange(e.HostOffset, img.clusterSize)
				where := fmt.Sprintf("L2[%d][%d]", i, j)
				if err := img.checkCopied(result, where, e.HostOffset, e.Copied); err != nil {
					return nil, err
				}

				cluster := e.HostOffset >> img.clusterBits
				if lastDataCluster != 0 && cluster != lastDataCluster+1 {
					result.FragmentedClusters++
				}
				lastDataCluster = cluster
			}
		}
	}

	result.ReferencedClusters = uint64(len(expected))

	size, err := img.file.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat image: %w", ErrIO, err)
	}
	last := img.alignUp(uint64(size)) >> img.clusterBits
	for c := range expected {
		if c >= last {
			result.corrupt("cluster %d: referenced beyond the end of the file", c)
		}
	}

	for c := uint64(0); c < last; c++ {
		actual, err := img.getRefcount(c << img.clusterBits)
		if err != nil {
			result.corrupt("cluster %d: %v", c, err)
			continue
		}
		want := expected[c]
		if actual > 0 {
			result.AllocatedClusters++
		}

		switch {
		case actual == want:
		case want == 0:
			result.Leaks++
			result.LeakedClusters += img.clusterSize
		case actual == 0:
			result.corrupt("cluster %d: referenced but refcount is 0", c)
		default:
			result.corrupt("cluster %d: refcount mismatch (actual=%d, expected=%d)", c, actual, want)
		}
	}

	if img.header.NbSnapshots > 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("image has %d snapshots; snapshot tables are not checked", img.header.NbSnapshots))
	}

	return result, nil
}

// checkCopied reports a COPIED flag that disagrees with the cluster's
// refcount. The flag must be set exactly when the refcount is 1.
func (img *Image) checkCopied(result *CheckResult, where string, offset uint64, copied bool) error {
	refcount, err := img.getRefcount(offset)
	if err != nil {
		return err
	}
	if refcount == 0 {
		// reported by the refcount pass
		return nil
	}
	if copied != (refcount == 1) {
		result.corrupt("%s: COPIED=%t but cluster 0x%x has refcount %d", where, copied, offset, refcount)
	}
	return nil
}
