package qcow2

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// RequestFlags modify a single read or write request.
type RequestFlags uint32

const (
	// FlagFUA makes a write durable before it returns.
	FlagFUA RequestFlags = 1 << iota
)

// clusterFunc handles the part of a request that falls within one cluster.
// buf is never empty and never crosses a cluster boundary.
type clusterFunc func(offset uint64, buf []byte, flags RequestFlags) error

// splitIOToClusters walks [offset, offset+total) and calls fn once per
// chunk. A chunk ends at the end of the current buffer, the end of the
// cluster or the end of the request, whichever comes first. The first
// error stops the walk.
func (img *Image) splitIOToClusters(offset, total uint64, bufs [][]byte, flags RequestFlags, fn clusterFunc) error {
	var have uint64
	for _, b := range bufs {
		have += uint64(len(b))
	}
	if have < total {
		return fmt.Errorf("qcow2: request of %d bytes with %d bytes of buffers: %w", total, have, io.ErrShortBuffer)
	}

	var cur []byte
	next := 0
	for total > 0 {
		for len(cur) == 0 {
			cur = bufs[next]
			next++
		}

		chunk := min(uint64(len(cur)), img.clusterSize-offset&(img.clusterSize-1), total)
		if err := fn(offset, cur[:chunk], flags); err != nil {
			return err
		}

		cur = cur[chunk:]
		offset += chunk
		total -= chunk
	}
	return nil
}

// checkRequest validates a request against the image state and size.
func (img *Image) checkRequest(offset, n uint64) error {
	if img.closed {
		return ErrClosed
	}
	if offset > img.header.Size || n > img.header.Size-offset {
		return fmt.Errorf("%w: %d bytes at 0x%x, image size %d", ErrOffsetOutOfRange, n, offset, img.header.Size)
	}
	return nil
}

// ReadV reads n bytes at guest offset into bufs, filling them in order.
// On error, some buffers may already hold data; no count is reported.
func (img *Image) ReadV(offset, n uint64, bufs [][]byte, flags RequestFlags) error {
	err := img.checkRequest(offset, n)
	if err == nil {
		err = img.splitIOToClusters(offset, n, bufs, flags, img.readCluster)
	}
	if err != nil {
		img.metrics.failed("read", err)
		return err
	}
	img.metrics.read(n)
	return nil
}

// WriteV writes n bytes from bufs at guest offset. Clusters written before
// a failure stay written.
func (img *Image) WriteV(offset, n uint64, bufs [][]byte, flags RequestFlags) error {
	err := img.checkRequest(offset, n)
	if err == nil && img.readOnly {
		err = ErrReadOnly
	}
	if err == nil {
		img.dirty = true
		err = img.splitIOToClusters(offset, n, bufs, flags, img.writeCluster)
	}
	if err == nil && flags&FlagFUA != 0 {
		err = img.sync()
	}
	if err != nil {
		img.metrics.failed("write", err)
		return err
	}
	img.metrics.written(n)
	return nil
}

// ReadAt reads len(p) bytes from the image at offset off.
// It implements io.ReaderAt; reads are clamped to the virtual size.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}
	size := img.Size()
	if off >= size {
		return 0, io.EOF
	}

	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	if err := img.ReadV(uint64(off), uint64(n), [][]byte{p[:n]}, 0); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes len(p) bytes to the image at offset off.
// It implements io.WriterAt. Bytes beyond the virtual size are not written
// and reported with ErrOffsetOutOfRange.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}
	size := img.Size()
	if off >= size {
		return 0, ErrOffsetOutOfRange
	}

	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	if err := img.WriteV(uint64(off), uint64(n), [][]byte{p[:n]}, 0); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, ErrOffsetOutOfRange
	}
	return n, nil
}

// readCluster fills buf from the cluster containing offset.
func (img *Image) readCluster(offset uint64, buf []byte, _ RequestFlags) error {
	hoi, err := img.findHostOffset(offset)
	if err != nil {
		return err
	}

	kind := hoi.kind()
	img.metrics.clusterRead(kind)

	switch kind {
	case L2Unallocated:
		return img.readBacking(buf, offset)
	case L2Zero:
		clear(buf)
		return nil
	case L2Compressed:
		return fmt.Errorf("%w: compressed cluster at guest offset 0x%x", ErrUnsupportedImageFeature, offset)
	default:
		return img.readRaw(buf, hoi.hostOffset())
	}
}

// readBacking fills buf with guest data from the backing reader, or zeros
// when there is none.
func (img *Image) readBacking(buf []byte, offset uint64) error {
	if img.backing == nil {
		clear(buf)
		return nil
	}
	n, err := img.backing.ReadAt(buf, int64(offset))
	if errors.Is(err, io.EOF) {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: backing read at 0x%x: %w", ErrIO, offset, err)
	}
	return nil
}

// writeCluster writes buf into the cluster containing offset, allocating or
// copying storage as the L2 entry requires.
func (img *Image) writeCluster(offset uint64, buf []byte, _ RequestFlags) error {
	hoi, err := img.findHostOffset(offset)
	if err != nil {
		return err
	}
	if !hoi.hasL2 {
		if err := img.allocateL2(&hoi); err != nil {
			return err
		}
	}

	switch hoi.l2Entry.Kind {
	case L2Unallocated:
		return img.allocateDataCluster(&hoi, func(host uint64) error {
			return img.writeClusterData(&hoi, host, buf, img.readBacking)
		})

	case L2Normal:
		if hoi.l2Entry.Copied {
			if err := img.writeRaw(buf, hoi.hostOffset()); err != nil {
				return err
			}
			return img.dataBarrier()
		}
		return img.copyOnWriteData(&hoi, buf)

	case L2Zero:
		return img.writeZeroCluster(&hoi, buf)

	case L2Compressed:
		if uint64(len(buf)) != img.clusterSize {
			return fmt.Errorf("%w: partial write to compressed cluster at guest offset 0x%x",
				ErrUnsupportedImageFeature, offset)
		}
		old := hoi.l2Entry
		if err := img.allocateDataCluster(&hoi, func(host uint64) error {
			return img.writeClusterData(&hoi, host, buf, nil)
		}); err != nil {
			return err
		}
		return img.freeCluster(old)
	}
	return fmt.Errorf("%w: unknown L2 entry kind %d", ErrInvalidMetadata, hoi.l2Entry.Kind)
}

// copyOnWriteData moves a shared data cluster to a new cluster owned by
// this image, merging buf into the copy.
func (img *Image) copyOnWriteData(hoi *hostOffsetInfo, buf []byte) error {
	old := hoi.l2Entry
	err := img.allocateDataCluster(hoi, func(host uint64) error {
		return img.writeClusterData(hoi, host, buf, func(dst []byte, _ uint64) error {
			return img.readRaw(dst, old.HostOffset)
		})
	})
	if err != nil {
		return err
	}

	img.metrics.copied("data")
	img.log.WithFields(logrus.Fields{
		"guest": hoi.clusterStart(),
		"from":  old.HostOffset,
		"to":    hoi.l2Entry.HostOffset,
	}).Debug("copied shared data cluster")

	return img.freeCluster(old)
}

// writeZeroCluster turns a zero entry into a normal one holding buf. Owned
// reserved storage is reused; otherwise a new cluster is allocated. The
// rest of the cluster keeps reading as zeros.
func (img *Image) writeZeroCluster(hoi *hostOffsetInfo, buf []byte) error {
	old := hoi.l2Entry
	zeroFill := func(dst []byte, _ uint64) error {
		clear(dst)
		return nil
	}

	if old.HostOffset != 0 && old.Copied {
		if err := img.writeClusterData(hoi, old.HostOffset, buf, zeroFill); err != nil {
			return err
		}
		return img.linkDataCluster(hoi, old.HostOffset)
	}

	if err := img.allocateDataCluster(hoi, func(host uint64) error {
		return img.writeClusterData(hoi, host, buf, zeroFill)
	}); err != nil {
		return err
	}
	return img.freeCluster(old)
}

// writeClusterData stores buf at its place in the host cluster at host. If
// buf covers only part of the cluster, fill supplies the rest of the
// cluster first, given the guest offset of the cluster start.
func (img *Image) writeClusterData(hoi *hostOffsetInfo, host uint64, buf []byte, fill func(dst []byte, guest uint64) error) error {
	if uint64(len(buf)) == img.clusterSize || fill == nil {
		if err := img.writeRaw(buf, host+hoi.inClusterOffset); err != nil {
			return err
		}
		return img.dataBarrier()
	}

	scratch, err := img.file.AlignedAlloc(int(img.clusterSize))
	if err != nil {
		return err
	}
	defer img.file.AlignedFree(scratch)

	if err := fill(scratch, hoi.clusterStart()); err != nil {
		return err
	}
	copy(scratch[hoi.inClusterOffset:], buf)

	if err := img.writeRaw(scratch, host); err != nil {
		return err
	}
	return img.dataBarrier()
}
