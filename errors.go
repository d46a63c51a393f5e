package qcow2

import "errors"

// Error taxonomy. Engine errors wrap one of these so callers can classify
// them with errors.Is or Kind.
var (
	// ErrInvalidMetadata reports a malformed or misaligned on-disk structure.
	ErrInvalidMetadata = errors.New("qcow2: invalid metadata")

	// ErrIO reports a failure of the underlying file.
	ErrIO = errors.New("qcow2: i/o error")

	// ErrNoSpaceLeft reports that no cluster could be allocated.
	ErrNoSpaceLeft = errors.New("qcow2: no space left")

	// ErrUnsupportedImageFeature reports a feature this engine does not
	// implement (compressed clusters, encryption, refcount updates).
	ErrUnsupportedImageFeature = errors.New("qcow2: unsupported image feature")
)

var (
	ErrReadOnly         = errors.New("qcow2: image is read-only")
	ErrOffsetOutOfRange = errors.New("qcow2: offset out of range")
	ErrClosed           = errors.New("qcow2: image is closed")
)

// ErrorKind is the coarse classification of an engine error.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidMetadata
	KindGeneric
	KindNoSpaceLeft
	KindUnsupportedImageFeature
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidMetadata:
		return "invalid_metadata"
	case KindNoSpaceLeft:
		return "no_space_left"
	case KindUnsupportedImageFeature:
		return "unsupported_image_feature"
	default:
		return "generic"
	}
}

// Kind classifies err. Errors that wrap none of the taxonomy sentinels are
// reported as KindGeneric. An unsupported feature takes precedence over
// invalid metadata when an error wraps both.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsupportedImageFeature):
		return KindUnsupportedImageFeature
	case errors.Is(err, ErrInvalidMetadata):
		return KindInvalidMetadata
	case errors.Is(err, ErrNoSpaceLeft):
		return KindNoSpaceLeft
	default:
		return KindGeneric
	}
}
