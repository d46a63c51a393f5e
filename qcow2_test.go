package qcow2

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpen(t *testing.T) {
	img, f := newTestImage(t, 1<<20)

	assert.Equal(t, int64(1<<20), img.Size())
	assert.Equal(t, DefaultClusterSize, img.ClusterSize())
	require.NoError(t, img.Close())

	img2 := reopen(t, f)
	defer img2.Close()

	h := img2.Header()
	assert.Equal(t, uint32(Version3), h.Version)
	assert.Equal(t, uint64(testL1Offset), h.L1TableOffset)
	assert.Equal(t, uint64(0x20000), h.RefcountTableOffset)
	assert.Equal(t, int64(1<<20), img2.Size())
}

func TestReadWriteRoundtrip(t *testing.T) {
	img, f := newTestImage(t, 1<<20)

	data := []byte("Hello, QCOW2! This is a test message.")
	n, err := img.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = img.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
	require.NoError(t, img.Close())

	img2 := reopen(t, f)
	defer img2.Close()
	buf2 := make([]byte, len(data))
	_, err = img2.ReadAt(buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, data, buf2, "data persists across reopen")
}

func TestReadUnallocated(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	defer img.Close()

	buf := bytes.Repeat([]byte{0xff}, 1<<20)
	n, err := img.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, make([]byte, len(buf)), buf, "fresh image reads as zeros")
}

func TestWriteAtOffset(t *testing.T) {
	img, _ := newTestImage(t, 4<<20)
	defer img.Close()

	data := pattern(100, 3)
	const off = 3*testClusterSize + 1234
	_, err := img.WriteAt(data, off)
	require.NoError(t, err)

	buf := make([]byte, testClusterSize)
	_, err = img.ReadAt(buf, 3*testClusterSize)
	require.NoError(t, err)

	want := make([]byte, testClusterSize)
	copy(want[1234:], data)
	assert.Equal(t, want, buf, "rest of the cluster reads as zeros")
}

func TestCrossClusterWrite(t *testing.T) {
	img, _ := newTestImage(t, 4<<20)
	defer img.Close()

	data := pattern(3*testClusterSize, 9)
	_, err := img.WriteAt(data, testClusterSize/2)
	require.NoError(t, err)

	buf := make([]byte, len(data))
	_, err = img.ReadAt(buf, testClusterSize/2)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	head := make([]byte, testClusterSize/2)
	_, err = img.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(head)), head)
}

func TestWriteSpansMultipleL2Tables(t *testing.T) {
	// 512B clusters: one L2 table maps 32KB
	img, err := Create(NewMemFile(nil), CreateOptions{Size: 1 << 20, ClusterBits: 9}, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer img.Close()

	data := pattern(4096, 5)
	off := int64(32<<10) - 1000
	_, err = img.WriteAt(data, off)
	require.NoError(t, err)

	buf := make([]byte, len(data))
	_, err = img.ReadAt(buf, off)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	m0, err := img.Lookup(uint64(off))
	require.NoError(t, err)
	m1, err := img.Lookup(32 << 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m0.L1Index)
	assert.Equal(t, uint64(1), m1.L1Index)
	assert.NotEqual(t, m0.L2Table, m1.L2Table)
}

func TestReadAtBounds(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	defer img.Close()

	buf := make([]byte, 16)
	n, err := img.ReadAt(buf, 1<<20-8)
	assert.Equal(t, 8, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = img.ReadAt(buf, 1<<20)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = img.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestWriteAtBounds(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	defer img.Close()

	data := []byte{1, 2, 3, 4}
	n, err := img.WriteAt(data, 1<<20-2)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)

	buf := make([]byte, 2)
	_, err = img.ReadAt(buf, 1<<20-2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf)

	_, err = img.WriteAt(data, 1<<20)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
	_, err = img.WriteAt(data, -4)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestZeroLengthRequests(t *testing.T) {
	img, f := newTestImage(t, 1<<20)
	defer img.Close()
	before := len(f.Bytes())

	require.NoError(t, img.WriteV(0, 0, nil, 0))
	require.NoError(t, img.ReadV(1<<20, 0, nil, 0))
	assert.Equal(t, before, len(f.Bytes()), "nothing allocated")
}

func TestVectorRequestOutOfRange(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	defer img.Close()

	buf := make([]byte, 2)
	assert.ErrorIs(t, img.ReadV(1<<20-1, 2, [][]byte{buf}, 0), ErrOffsetOutOfRange)
	assert.ErrorIs(t, img.WriteV(1<<20+1, 0, nil, 0), ErrOffsetOutOfRange)
	assert.ErrorIs(t, img.ReadV(0, 4, [][]byte{buf}, 0), io.ErrShortBuffer)
}

func TestReadOnly(t *testing.T) {
	_, f := newTestImage(t, 1<<20)
	img := reopen(t, f, WithReadOnly(true))
	defer img.Close()

	assert.True(t, img.ReadOnly())
	_, err := img.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, KindGeneric, Kind(err))

	buf := make([]byte, 1)
	_, err = img.ReadAt(buf, 0)
	assert.NoError(t, err)
}

func TestClose(t *testing.T) {
	img, _ := newTestImage(t, 1<<20)
	require.NoError(t, img.Close())
	require.NoError(t, img.Close(), "second close is a no-op")

	buf := make([]byte, 1)
	assert.ErrorIs(t, img.ReadV(0, 1, [][]byte{buf}, 0), ErrClosed)
	assert.ErrorIs(t, img.WriteV(0, 1, [][]byte{buf}, 0), ErrClosed)
	assert.ErrorIs(t, img.Flush(), ErrClosed)
	_, err := img.Lookup(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenTruncatedHeader(t *testing.T) {
	_, f := newTestImage(t, 1<<20)

	_, err := Open(NewMemFile(f.Bytes()[:50]), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = Open(NewMemFile(nil), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestOpenPastEndOfFile(t *testing.T) {
	// Only the header cluster survives; the tables read as zeros.
	_, f := newTestImage(t, 1<<20)
	img := reopen(t, NewMemFile(f.Bytes()[:testClusterSize]))
	defer img.Close()

	buf := bytes.Repeat([]byte{0xaa}, 4096)
	_, err := img.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), buf)
}

func TestOpenRejectsEncryption(t *testing.T) {
	_, f := newTestImage(t, 1<<20)
	raw := append([]byte(nil), f.Bytes()...)
	raw[35] = EncryptionLUKS

	_, err := Open(NewMemFile(raw), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrUnsupportedImageFeature)
	assert.Equal(t, KindUnsupportedImageFeature, Kind(err))
}

func TestInfo(t *testing.T) {
	img, err := Create(NewMemFile(nil), CreateOptions{
		Size:        10 << 20,
		ClusterBits: 12,
		BackingFile: "base.img",
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer img.Close()

	info := img.Info()
	assert.Equal(t, uint64(4096), info.ClusterSize)
	assert.Equal(t, uint64(10<<20), info.VirtualSize)
	assert.Equal(t, uint32(3), info.Version)
	assert.Equal(t, uint32(16), info.RefcountBits)
	assert.Equal(t, "base.img", info.BackingFile)
	assert.True(t, info.UnallocatedBlocksAreZero)
	assert.False(t, info.CanWriteZeroesWithUnmap)

	id, err := uuid.Parse(info.ID)
	require.NoError(t, err)
	assert.Equal(t, img.ID(), id)
	assert.Contains(t, img.String(), id.String())
}

func TestBarrierModes(t *testing.T) {
	tests := []struct {
		mode         WriteBarrierMode
		wantSyncs    bool
		syncsOnFlush bool
	}{
		{BarrierNone, false, true},
		{BarrierBatched, false, true},
		{BarrierMetadata, true, true},
		{BarrierFull, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			img, f := newTestImage(t, 1<<20, WithBarrierMode(tc.mode))
			defer img.Close()
			assert.Equal(t, tc.mode, img.WriteBarrierMode())

			before := f.Syncs
			_, err := img.WriteAt([]byte("x"), 0)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSyncs, f.Syncs > before)

			before = f.Syncs
			require.NoError(t, img.Flush())
			assert.Equal(t, before+1, f.Syncs)

			before = f.Syncs
			require.NoError(t, img.Flush())
			assert.Equal(t, before, f.Syncs, "nothing left to flush")
		})
	}
}

func TestFullBarrierSyncsData(t *testing.T) {
	img, f := newTestImage(t, 1<<20, WithBarrierMode(BarrierMetadata))
	defer img.Close()

	_, err := img.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	// Overwriting an owned cluster touches no metadata.
	before := f.Syncs
	_, err = img.WriteAt([]byte("y"), 1)
	require.NoError(t, err)
	assert.Equal(t, before, f.Syncs)

	img.SetWriteBarrierMode(BarrierFull)
	_, err = img.WriteAt([]byte("z"), 2)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.Syncs)
}

func TestWriteFUA(t *testing.T) {
	img, f := newTestImage(t, 1<<20, WithBarrierMode(BarrierNone))
	defer img.Close()

	before := f.Syncs
	require.NoError(t, img.WriteV(0, 4, [][]byte{{1, 2, 3, 4}}, 0))
	assert.Equal(t, before, f.Syncs)

	require.NoError(t, img.WriteV(4, 4, [][]byte{{5, 6, 7, 8}}, FlagFUA))
	assert.Equal(t, before+1, f.Syncs)
}

func TestParseWriteBarrierMode(t *testing.T) {
	for _, m := range []WriteBarrierMode{BarrierNone, BarrierBatched, BarrierMetadata, BarrierFull} {
		got, ok := ParseWriteBarrierMode(m.String())
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := ParseWriteBarrierMode("sometimes")
	assert.False(t, ok)
}
