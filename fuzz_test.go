package qcow2

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// FuzzParseHeader checks that any header that parses survives an
// encode/parse round trip unchanged.
func FuzzParseHeader(f *testing.F) {
	v3 := validHeader()
	v2 := validHeader()
	v2.Version = Version2
	v2.HeaderLength = HeaderSizeV2

	f.Add(v3.Encode())
	f.Add(v2.Encode())
	f.Add([]byte{})
	f.Add([]byte{0x51, 0x46, 0x49, 0xfb})
	f.Add(make([]byte, HeaderSizeV3))
	f.Add(bytes.Repeat([]byte{0xff}, 200))

	f.Fuzz(func(t *testing.T, data []byte) {
		h, err := ParseHeader(data)
		if err != nil {
			return
		}
		again, err := ParseHeader(h.Encode())
		if err != nil {
			t.Fatalf("re-parse of encoded header failed: %v", err)
		}
		if *again != *h {
			t.Fatalf("round trip changed header: %+v -> %+v", h, again)
		}
	})
}

// FuzzL2Entry checks that decoding is stable under re-encoding.
func FuzzL2Entry(f *testing.F) {
	f.Add(uint64(0), uint8(16))
	f.Add(L2EntryCopied|0x50000, uint8(16))
	f.Add(uint64(0x50001), uint8(16))
	f.Add(L2EntryCompressed|uint64(3)<<54|0x12345, uint8(16))
	f.Add(^uint64(0), uint8(9))
	f.Add(^uint64(0), uint8(21))

	f.Fuzz(func(t *testing.T, raw uint64, bits uint8) {
		cb := MinClusterBits + uint32(bits)%(MaxClusterBits-MinClusterBits+1)
		e, err := DecodeL2Entry(raw, cb)
		if err != nil {
			return
		}
		enc, err := e.Encode(cb)
		if err != nil {
			t.Fatalf("encode of decoded %v failed: %v", e, err)
		}
		again, err := DecodeL2Entry(enc, cb)
		if err != nil {
			t.Fatalf("decode of %#x failed: %v", enc, err)
		}
		if again != e {
			t.Fatalf("round trip changed entry: %v -> %v", e, again)
		}
	})
}

// FuzzReadWrite writes random data at random offsets and reads it back.
func FuzzReadWrite(f *testing.F) {
	f.Add(uint32(0), []byte("hello"))
	f.Add(uint32(testClusterSize-2), []byte("across"))
	f.Add(uint32(1<<20-1), []byte{0xff})

	f.Fuzz(func(t *testing.T, offset uint32, data []byte) {
		const size = 1 << 20
		if len(data) == 0 || uint64(offset)+uint64(len(data)) > size {
			return
		}
		img, err := Create(NewMemFile(nil), CreateOptions{Size: size}, WithLogger(quietLogger()))
		if err != nil {
			t.Fatal(err)
		}
		defer img.Close()

		if _, err := img.WriteAt(data, int64(offset)); err != nil {
			t.Fatalf("WriteAt(%d, %d bytes): %v", offset, len(data), err)
		}
		buf := make([]byte, len(data))
		if _, err := img.ReadAt(buf, int64(offset)); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if !bytes.Equal(buf, data) {
			t.Fatalf("read back %x, wrote %x", buf, data)
		}
	})
}

// FuzzOpen feeds corrupted metadata to Open and a first read. Neither may
// panic.
func FuzzOpen(f *testing.F) {
	seed := newFuzzImage(f)
	// 512B clusters: L1 at 0x200, reftable at 0x400, refblock at 0x600,
	// the first L2 table at 0x800 and its data cluster at 0xa00.
	f.Add(seed, uint32(0), uint64(0))
	f.Add(seed, uint32(0x200), L1EntryCopied|0xa00)
	f.Add(seed, uint32(0x200), uint64(0x801))
	f.Add(seed, uint32(0x400), uint64(0x601))
	f.Add(seed, uint32(0x800), L2EntryCompressed|0xa00)
	f.Add(seed, uint32(0x800), uint64(1))

	f.Fuzz(func(t *testing.T, image []byte, at uint32, value uint64) {
		if len(image) < 8 {
			return
		}
		raw := append([]byte(nil), image...)
		pos := int(at % uint32(len(raw)-7))
		binary.BigEndian.PutUint64(raw[pos:], value)

		img, err := Open(NewMemFile(raw), WithLogger(quietLogger()))
		if err != nil {
			return
		}
		defer img.Close()
		if img.Size() > 0 {
			buf := make([]byte, min(int64(4096), img.Size()))
			_, _ = img.ReadAt(buf, 0)
		}
	})
}

// newFuzzImage returns a small image with one written cluster.
func newFuzzImage(f *testing.F) []byte {
	mf := NewMemFile(nil)
	img, err := Create(mf, CreateOptions{Size: 64 << 10, ClusterBits: 9}, WithLogger(quietLogger()))
	if err != nil {
		f.Fatal(err)
	}
	if _, err := img.WriteAt([]byte("seed"), 0); err != nil {
		f.Fatal(err)
	}
	if err := img.Close(); err != nil {
		f.Fatal(err)
	}
	return append([]byte(nil), mf.Bytes()...)
}
