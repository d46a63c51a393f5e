package qcow2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// allocateCluster finds a host cluster with a refcount of 0, scanning
// linearly from the free-cluster hint, and claims it.
//
// The scan stops where the refcount table ends: clusters beyond it cannot
// be accounted for, so the allocator reports ErrNoSpaceLeft instead.
func (img *Image) allocateCluster() (uint64, error) {
	limit := img.refcountCoverage()

	// Cluster 0 holds the header and is never handed out.
	offset := max(img.freeClusterHint, img.clusterSize)
	for ; offset < limit; offset += img.clusterSize {
		refcount, err := img.getRefcount(offset)
		if err != nil {
			return 0, err
		}
		if refcount == 0 {
			break
		}
	}
	if offset >= limit {
		return 0, fmt.Errorf("%w: no free cluster below 0x%x", ErrNoSpaceLeft, limit)
	}

	if err := img.changeRefcount(offset, 1); err != nil {
		if !errors.Is(err, ErrUnsupportedImageFeature) {
			return 0, err
		}
		img.warnRefcountUnsupported(err)
	}

	img.freeClusterHint = offset + img.clusterSize
	img.metrics.clusterAllocated()
	img.log.WithField("offset", offset).Debug("allocated cluster")
	return offset, nil
}

// warnRefcountUnsupported logs, once per image, that allocations are not
// recorded in the refcount table.
func (img *Image) warnRefcountUnsupported(err error) {
	if img.refcountWarned {
		return
	}
	img.refcountWarned = true
	img.log.WithError(err).Warn("refcount updates are not persisted; image needs a refcount rebuild before other tools allocate in it")
}

// allocateL2 gives hoi's L1 slot a fresh, zeroed L2 table.
func (img *Image) allocateL2(hoi *hostOffsetInfo) error {
	offset, err := img.allocateCluster()
	if err != nil {
		return err
	}

	zeros, err := img.file.AlignedAlloc(int(img.clusterSize))
	if err != nil {
		return err
	}
	defer img.file.AlignedFree(zeros)
	clear(zeros)

	if err := img.writeRaw(zeros, offset); err != nil {
		return err
	}
	// The table must be on disk before L1 points to it.
	if err := img.metadataBarrier(); err != nil {
		return err
	}

	prev := hoi.l1Entry
	hoi.l1Entry = L1Entry{L2Offset: offset, Copied: true}
	if err := img.updateL1Entry(hoi); err != nil {
		hoi.l1Entry = prev
		return err
	}
	hoi.l2Entry = L2Entry{Kind: L2Unallocated}
	hoi.hasL2 = true

	img.metrics.l2Allocated()
	img.log.WithFields(logrus.Fields{
		"l1_index": hoi.l1Index,
		"l2_table": offset,
	}).Debug("allocated L2 table")
	return nil
}

// allocateDataCluster gives hoi's L2 slot a fresh data cluster. init is
// called with the new host offset before the L2 entry is linked so the
// cluster's contents are in place once it becomes reachable.
func (img *Image) allocateDataCluster(hoi *hostOffsetInfo, init func(hostOffset uint64) error) error {
	offset, err := img.allocateCluster()
	if err != nil {
		return err
	}
	if init != nil {
		if err := init(offset); err != nil {
			return err
		}
	}
	return img.linkDataCluster(hoi, offset)
}

// linkDataCluster points hoi's L2 slot at the owned data cluster at offset.
func (img *Image) linkDataCluster(hoi *hostOffsetInfo, offset uint64) error {
	prev := hoi.l2Entry
	hoi.l2Entry = L2Entry{Kind: L2Normal, HostOffset: offset, Copied: true}
	if err := img.updateL2Entry(hoi); err != nil {
		hoi.l2Entry = prev
		return err
	}
	return nil
}

// freeCluster drops this image's reference to the storage behind an L2
// entry. The free-cluster hint only moves back when the refcount update is
// durable; otherwise the cluster still reads as allocated-to-nobody and
// would be handed out twice.
func (img *Image) freeCluster(e L2Entry) error {
	switch e.Kind {
	case L2Unallocated:
		return nil
	case L2Zero:
		if e.HostOffset == 0 {
			return nil
		}
	}
	return img.releaseCluster(e.HostOffset &^ (img.clusterSize - 1))
}

// releaseCluster decrements the refcount of the host cluster at offset.
func (img *Image) releaseCluster(offset uint64) error {
	if err := img.changeRefcount(offset, -1); err != nil {
		if !errors.Is(err, ErrUnsupportedImageFeature) {
			return err
		}
		img.warnRefcountUnsupported(err)
		return nil
	}
	if offset < img.freeClusterHint {
		img.freeClusterHint = offset
	}
	return nil
}

// updateL1Entry writes hoi's L1 entry to disk, then to the in-memory table.
// On failure the in-memory table is left untouched.
func (img *Image) updateL1Entry(hoi *hostOffsetInfo) error {
	raw := hoi.l1Entry.Encode()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], raw)
	if err := img.writeRaw(buf[:], img.l1Offset+hoi.l1Index*8); err != nil {
		return fmt.Errorf("qcow2: failed to update L1[%d]: %w", hoi.l1Index, err)
	}
	if err := img.metadataBarrier(); err != nil {
		return err
	}

	img.l1Table[hoi.l1Index] = raw
	return nil
}

// updateL2Entry persists hoi's L2 entry. An L2 table this image owns is
// patched in place. A shared table is copied first: the copy gets the new
// entry, lands in a newly allocated cluster and the L1 entry is repointed
// at it. The shared table itself is never written.
func (img *Image) updateL2Entry(hoi *hostOffsetInfo) error {
	raw, err := hoi.l2Entry.Encode(img.clusterBits)
	if err != nil {
		return err
	}

	if hoi.l1Entry.Copied {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], raw)
		if err := img.writeRaw(buf[:], hoi.l1Entry.L2Offset+hoi.l2Index*8); err != nil {
			return fmt.Errorf("qcow2: failed to update L2 entry %d: %w", hoi.l2Index, err)
		}
		return img.metadataBarrier()
	}

	table, err := img.file.AlignedAlloc(int(img.clusterSize))
	if err != nil {
		return err
	}
	defer img.file.AlignedFree(table)

	old := hoi.l1Entry
	if err := img.readRaw(table, old.L2Offset); err != nil {
		return fmt.Errorf("qcow2: failed to read L2 table for copy: %w", err)
	}
	binary.BigEndian.PutUint64(table[hoi.l2Index*8:], raw)

	offset, err := img.allocateCluster()
	if err != nil {
		return err
	}
	if err := img.writeRaw(table, offset); err != nil {
		return err
	}
	if err := img.metadataBarrier(); err != nil {
		return err
	}

	hoi.l1Entry = L1Entry{L2Offset: offset, Copied: true}
	if err := img.updateL1Entry(hoi); err != nil {
		hoi.l1Entry = old
		return err
	}

	img.metrics.copied("l2")
	img.log.WithFields(logrus.Fields{
		"l1_index": hoi.l1Index,
		"from":     old.L2Offset,
		"to":       offset,
	}).Debug("copied shared L2 table")

	return img.releaseCluster(old.L2Offset)
}
