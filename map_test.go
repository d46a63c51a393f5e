package qcow2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFreshImage(t *testing.T) {
	img, _ := newTestImage(t, 1<<20+100)
	defer img.Close()

	regions, err := img.Map()
	require.NoError(t, err)
	assert.Equal(t, []Region{{Start: 0, Length: 1<<20 + 100, Zero: true}}, regions)
}

func TestMapAllocated(t *testing.T) {
	img, f := newTestImage(t, 1<<20)

	// Clusters 0 and 1 are contiguous on the host, cluster 5 follows them.
	_, err := img.WriteAt(make([]byte, 2*testClusterSize), 0)
	require.NoError(t, err)
	_, err = img.WriteAt([]byte{1}, 5*testClusterSize)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	img = setL2(t, f, 3, L2Entry{Kind: L2Zero})
	defer img.Close()

	regions, err := img.Map()
	require.NoError(t, err)

	const cs = testClusterSize
	assert.Equal(t, []Region{
		{Start: 0, Length: 2 * cs, Present: true, Data: true, Offset: testFirstData},
		{Start: 2 * cs, Length: cs, Zero: true},
		{Start: 3 * cs, Length: cs, Present: true, Zero: true},
		{Start: 4 * cs, Length: cs, Zero: true},
		{Start: 5 * cs, Length: cs, Present: true, Data: true, Offset: testFirstData + 2*cs},
		{Start: 6 * cs, Length: 10 * cs, Zero: true},
	}, regions)
}

func TestMapWithBacking(t *testing.T) {
	img, _ := newTestImage(t, 4*testClusterSize, WithBacking(RawBacking{R: bytes.NewReader([]byte{1})}))
	defer img.Close()

	regions, err := img.Map()
	require.NoError(t, err)
	assert.Equal(t, []Region{{Start: 0, Length: 4 * testClusterSize}}, regions,
		"unallocated clusters come from the backing file")
}

func TestMapCompressed(t *testing.T) {
	img, f := newTestImage(t, 2*testClusterSize)
	_, err := img.WriteAt([]byte{1}, 0)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	img = setL2(t, f, 1, L2Entry{Kind: L2Compressed, HostOffset: testFirstData, CompressedLength: 512})
	defer img.Close()

	regions, err := img.Map()
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, Region{Start: testClusterSize, Length: testClusterSize, Present: true, Data: true, Compressed: true}, regions[1])
}
