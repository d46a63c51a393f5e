package qcow2

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// Host layout of an image made by newTestImage (64KB clusters):
//
//	0x00000 header
//	0x10000 L1 table
//	0x20000 refcount table
//	0x30000 refcount block
//
// The first write allocates its L2 table at 0x40000 and its data cluster
// at 0x50000.
const (
	testClusterSize = 1 << 16
	testL1Offset    = 0x10000
	testFirstL2     = 0x40000
	testFirstData   = 0x50000
)

func quietLogger() *logrus.Logger {
	l, _ := logtest.NewNullLogger()
	return l
}

// newTestImage creates an image of size bytes with 64KB clusters in memory.
func newTestImage(t *testing.T, size uint64, opts ...Option) (*Image, *MemFile) {
	t.Helper()
	f := NewMemFile(nil)
	img, err := Create(f, CreateOptions{Size: size, ClusterBits: 16},
		append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return img, f
}

// reopen opens a fresh Image over the current contents of f.
func reopen(t *testing.T, f *MemFile, opts ...Option) *Image {
	t.Helper()
	img, err := Open(f, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return img
}

func getU64(f *MemFile, off uint64) uint64 {
	return binary.BigEndian.Uint64(f.Bytes()[off:])
}

func putU64(f *MemFile, off, v uint64) {
	binary.BigEndian.PutUint64(f.Bytes()[off:], v)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
