package qcow2

import "github.com/sirupsen/logrus"

// WriteBarrierMode controls how write ordering barriers are applied.
// Barriers sync the image file so data reaches the disk before the metadata
// that references it.
type WriteBarrierMode int

const (
	// BarrierNone disables write ordering barriers.
	BarrierNone WriteBarrierMode = iota

	// BarrierBatched defers syncs until Flush is called.
	BarrierBatched

	// BarrierMetadata syncs after L1/L2 table updates.
	BarrierMetadata

	// BarrierFull syncs after every data and metadata write.
	BarrierFull
)

func (m WriteBarrierMode) String() string {
	switch m {
	case BarrierNone:
		return "none"
	case BarrierBatched:
		return "batched"
	case BarrierMetadata:
		return "metadata"
	case BarrierFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseWriteBarrierMode maps a mode name as printed by String back to the
// mode.
func ParseWriteBarrierMode(s string) (WriteBarrierMode, bool) {
	for _, m := range []WriteBarrierMode{BarrierNone, BarrierBatched, BarrierMetadata, BarrierFull} {
		if m.String() == s {
			return m, true
		}
	}
	return BarrierMetadata, false
}

// Option configures how an image is opened.
type Option func(*imageOptions)

// imageOptions holds configuration for opening an image.
type imageOptions struct {
	logger            logrus.FieldLogger
	backing           BackingReader
	metrics           *Metrics
	readOnly          bool
	barrierMode       WriteBarrierMode
	reuseFreeClusters bool
}

// defaultImageOptions returns the default configuration.
func defaultImageOptions() *imageOptions {
	return &imageOptions{
		logger:      logrus.StandardLogger(),
		barrierMode: BarrierMetadata,
	}
}

// WithLogger sets the logger used for allocation and copy-on-write events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *imageOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBacking sets the reader consulted for clusters the image does not
// allocate. Without one, unallocated clusters read as zeros.
func WithBacking(b BackingReader) Option {
	return func(o *imageOptions) {
		o.backing = b
	}
}

// WithMetrics makes the image record its activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *imageOptions) {
		o.metrics = m
	}
}

// WithReadOnly rejects all writes to the image.
func WithReadOnly(readOnly bool) Option {
	return func(o *imageOptions) {
		o.readOnly = readOnly
	}
}

// WithBarrierMode sets the write ordering barrier mode. The default is
// BarrierMetadata.
func WithBarrierMode(mode WriteBarrierMode) Option {
	return func(o *imageOptions) {
		o.barrierMode = mode
	}
}

// WithReuseFreeClusters makes the allocator scan for free clusters from the
// start of the file instead of from its end.
//
// Refcount updates are not persisted, so clusters allocated by an earlier
// session still read as free. Only enable this for images whose refcounts
// are known to be complete.
func WithReuseFreeClusters(reuse bool) Option {
	return func(o *imageOptions) {
		o.reuseFreeClusters = reuse
	}
}
