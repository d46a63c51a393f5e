//go:build unix

package qcow2

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Scratch buffers come from anonymous mappings so they are page-aligned and
// usable with O_DIRECT files.
func alignedAlloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("qcow2: invalid scratch buffer size %d", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap scratch buffer: %w", ErrIO, err)
	}
	return buf, nil
}

func alignedFree(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	_ = unix.Munmap(buf[:cap(buf)])
}
