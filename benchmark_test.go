package qcow2

import (
	"math/rand"
	"testing"
)

func setupBenchImage(b *testing.B, size uint64, preallocate bool) *Image {
	b.Helper()
	img, err := Create(NewMemFile(nil), CreateOptions{Size: size}, WithLogger(quietLogger()),
		WithBarrierMode(BarrierNone))
	if err != nil {
		b.Fatalf("Create failed: %v", err)
	}
	if preallocate {
		chunk := make([]byte, 1<<20)
		for off := int64(0); off < int64(size); off += int64(len(chunk)) {
			if _, err := img.WriteAt(chunk, off); err != nil {
				b.Fatalf("preallocate failed: %v", err)
			}
		}
	}
	b.Cleanup(func() { img.Close() })
	return img
}

func benchmarkRead(b *testing.B, n int, preallocate bool) {
	img := setupBenchImage(b, 64<<20, preallocate)
	buf := make([]byte, n)
	b.SetBytes(int64(n))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := int64(i*n) % (img.Size() - int64(n))
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReadAt4K(b *testing.B) { benchmarkRead(b, 4<<10, true) }
func BenchmarkReadAt64K(b *testing.B) { benchmarkRead(b, 64<<10, true) }
func BenchmarkReadAt1M(b *testing.B) { benchmarkRead(b, 1<<20, true) }
func BenchmarkReadUnallocated64K(b *testing.B) { benchmarkRead(b, 64<<10, false) }

func BenchmarkReadAtRandom4K(b *testing.B) {
	img := setupBenchImage(b, 64<<20, true)
	buf := make([]byte, 4096)
	rng := rand.New(rand.NewSource(1))
	b.SetBytes(4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := rng.Int63n(img.Size()/4096) * 4096
		if _, err := img.ReadAt(buf, off); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriteAt4K(b *testing.B) {
	img := setupBenchImage(b, 64<<20, false)
	buf := make([]byte, 4096)
	b.SetBytes(4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := int64(i*4096) % img.Size()
		if _, err := img.WriteAt(buf, off); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkOverwrite(b *testing.B) {
	img := setupBenchImage(b, 64<<20, true)
	buf := make([]byte, 64<<10)
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := img.WriteAt(buf, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSplitIOToClusters(b *testing.B) {
	img := setupBenchImage(b, 64<<20, false)
	bufs := [][]byte{make([]byte, 1000), make([]byte, 1<<20), make([]byte, 3000)}
	noop := func(uint64, []byte, RequestFlags) error { return nil }
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := img.splitIOToClusters(12345, 1<<20+4000, bufs, 0, noop); err != nil {
			b.Fatal(err)
		}
	}
}
