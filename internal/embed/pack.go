package embed

// PackedDim is the dimensionality of the coarse int8 projection used for
// cheap pre-filtering in destinations that support it.
const PackedDim = 96

// Pack projects a dense vector down to PackedDim int8 lanes by averaging
// contiguous bands and quantizing to [-127, 127]. Deterministic and
// dimension-agnostic.
func Pack(dense []float32) []int8 {
	if len(dense) == 0 {
		return nil
	}
	out := make([]int8, PackedDim)
	band := len(dense) / PackedDim
	if band == 0 {
		band = 1
	}

	// Find the max magnitude for scaling.
	var maxAbs float32
	for _, v := range dense {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	if maxAbs == 0 {
		return out
	}

	for i := 0; i < PackedDim; i++ {
		start := i * band
		if start >= len(dense) {
			break
		}
		end := start + band
		if i == PackedDim-1 || end > len(dense) {
			end = len(dense)
		}
		var sum float32
		for _, v := range dense[start:end] {
			sum += v
		}
		mean := sum / float32(end-start)
		q := mean / maxAbs * 127
		switch {
		case q > 127:
			q = 127
		case q < -127:
			q = -127
		}
		out[i] = int8(q)
	}
	return out
}
