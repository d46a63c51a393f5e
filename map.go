package qcow2

// Region is a run of guest clusters stored the same way.
type Region struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	Present    bool   `json:"present"`
	Zero       bool   `json:"zero"`
	Data       bool   `json:"data"`
	Compressed bool   `json:"compressed"`
	Offset     uint64 `json:"offset,omitempty"`
}

// sameAs reports whether next continues r: same flags and, for data held
// in this image, contiguous host storage.
func (r Region) sameAs(next Region) bool {
	if r.Present != next.Present || r.Zero != next.Zero ||
		r.Data != next.Data || r.Compressed != next.Compressed {
		return false
	}
	if r.Offset == 0 && next.Offset == 0 {
		return true
	}
	return r.Offset != 0 && next.Offset == r.Offset+r.Length
}

// Map returns the allocation map of the guest address space, one region
// per run of similar clusters, in guest order.
//
// Unallocated clusters are reported as not present; whether they read as
// zeros depends on the backing reader.
func (img *Image) Map() ([]Region, error) {
	if img.closed {
		return nil, ErrClosed
	}

	var regions []Region
	size := img.header.Size
	for offset := uint64(0); offset < size; offset += img.clusterSize {
		hoi, err := img.findHostOffset(offset)
		if err != nil {
			return nil, err
		}

		r := Region{Start: offset, Length: min(img.clusterSize, size-offset)}
		switch hoi.kind() {
		case L2Unallocated:
			r.Zero = img.backing == nil
		case L2Zero:
			r.Present = true
			r.Zero = true
		case L2Compressed:
			r.Present = true
			r.Data = true
			r.Compressed = true
		case L2Normal:
			r.Present = true
			r.Data = true
			r.Offset = hoi.l2Entry.HostOffset
		}

		if n := len(regions); n > 0 && regions[n-1].sameAs(r) {
			regions[n-1].Length += r.Length
			continue
		}
		regions = append(regions, r)
	}
	return regions, nil
}
