package qcow2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFreshImage(t *testing.T) {
	for _, v := range []uint32{Version2, Version3} {
		f := NewMemFile(nil)
		img, err := Create(f, CreateOptions{Size: 100 << 20, Version: v}, WithLogger(quietLogger()))
		require.NoError(t, err)

		result, err := img.Check()
		require.NoError(t, err)
		assert.True(t, result.IsClean(), "v%d: %v", v, result.Errors)
		assert.Equal(t, uint64(4), result.AllocatedClusters)
		assert.Equal(t, uint64(4), result.ReferencedClusters)
		require.NoError(t, img.Close())
	}
}

func TestCheckReportsUnrecordedAllocations(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	defer img.Close()

	_, err := img.WriteAt([]byte("data"), 0)
	require.NoError(t, err)

	result, err := img.Check()
	require.NoError(t, err)
	assert.False(t, result.IsClean())
	// L2 table and data cluster are referenced with refcount 0.
	assert.Equal(t, 2, result.Corruptions)
	assert.Equal(t, uint64(6), result.ReferencedClusters)
	assert.Equal(t, 0, result.Leaks)
}

func TestCheckFindsLeak(t *testing.T) {
	img, f := newTestImage(t, 1<<20)
	require.NoError(t, img.Close())

	// Cluster 4 exists and has a refcount but nothing points at it.
	_, err := f.WriteAt(make([]byte, testClusterSize), 4*testClusterSize)
	require.NoError(t, err)
	putRefcountEntry(f.Bytes()[0x30000:], 4, DefaultRefcountOrder, 1)

	img = reopen(t, f)
	defer img.Close()
	result, err := img.Check()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Leaks)
	assert.Equal(t, uint64(testClusterSize), result.LeakedClusters)
	assert.Equal(t, 0, result.Corruptions)
}

func TestCheckCopiedFlag(t *testing.T) {
	img, f := newTestImage(t, 1<<20)
	_, err := img.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	// Record the L2 table (refcount 2) and data cluster (refcount 1).
	block := f.Bytes()[0x30000:]
	putRefcountEntry(block, 4, DefaultRefcountOrder, 2)
	putRefcountEntry(block, 5, DefaultRefcountOrder, 1)

	img = reopen(t, f)
	defer img.Close()
	result, err := img.Check()
	require.NoError(t, err)

	// L1[0] claims COPIED on a shared table, and the refcount of 2 does
	// not match the single reference.
	assert.Equal(t, 2, result.Corruptions, "%v", result.Errors)
}

func TestCheckReferenceBeyondEOF(t *testing.T) {
	img, f := newTestImage(t, 1<<20)
	_, err := img.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	putU64(f, testFirstL2+8, L2EntryCopied|0x7770000)
	img = reopen(t, f)
	defer img.Close()

	result, err := img.Check()
	require.NoError(t, err)
	assert.Contains(t, result.Errors, "cluster 1911: referenced beyond the end of the file")
}

func TestCheckClosed(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	require.NoError(t, img.Close())
	_, err := img.Check()
	assert.ErrorIs(t, err, ErrClosed)
}
