package driver

import (
	"syscall"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

// Errno maps an engine error to the errno a block-layer host expects.
// A nil error maps to 0.
func Errno(err error) syscall.Errno {
	switch qcow2.Kind(err) {
	case qcow2.KindNone:
		return 0
	case qcow2.KindNoSpaceLeft:
		return syscall.ENOSPC
	case qcow2.KindUnsupportedImageFeature:
		return syscall.ENOTSUP
	default:
		// invalid metadata and generic I/O failures
		return syscall.EIO
	}
}
