package kernels

import (
	"math"
	"sync/atomic"

	"github.com/23skdu/longbow-stride/internal/simd"
)

// histFor accumulates per-channel 256-bin counts into hist, laid out as
// channels consecutive runs of 256 bins. Each worker counts its rows into a
// private histogram and merges it with atomic adds.
func histFor(channels int) histFunc {
	return func(in []byte, hist []uint32, height, width, stride int) {
		rowElems := width * channels

		parallel(height, func(start, end int) {
			local := make([][256]uint32, channels)
			for y := start; y < end; y++ {
				row := in[y*stride : y*stride+rowElems]
				for c := 0; c < channels; c++ {
					simd.Histogram(&local[c], row[c:], channels)
				}
			}

			for c := range local {
				bins := hist[c*256 : (c+1)*256]
				for i, v := range local[c] {
					if v != 0 {
						atomic.AddUint32(&bins[i], v)
					}
				}
			}
		})
	}
}

// buildLUT maps a 256-bin histogram to an equalization table. The lowest
// populated bin maps to 0 and the rest follow the scaled cumulative count;
// an image with a single value maps to itself.
func buildLUT(lut *[256]uint8, hist []uint32) {
	*lut = [256]uint8{}
	total := simd.Sum(hist)

	i := 0
	for i < 256 && hist[i] == 0 {
		i++
	}
	if i == 256 {
		return
	}
	if uint64(hist[i]) == total {
		for j := range lut {
			lut[j] = uint8(i)
		}
		return
	}

	scale := float32(255) / float32(total-uint64(hist[i]))
	var sum uint64
	for j := i + 1; j < 256; j++ {
		sum += uint64(hist[j])
		lut[j] = saturateU8(float32(sum) * scale)
	}
}

func saturateU8(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	switch {
	case r <= 0:
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

func remapFor(channels int) remapFunc {
	return func(in, out []byte, luts [][256]uint8, height, width, inStride, outStride int) {
		rowElems := width * channels

		parallel(height, func(start, end int) {
			for y := start; y < end; y++ {
				src := in[y*inStride : y*inStride+rowElems]
				dst := out[y*outStride : y*outStride+rowElems]
				if channels == 1 {
					simd.ApplyLUT(dst, src, &luts[0], 1)
					continue
				}
				for c := 0; c < channels; c++ {
					simd.ApplyLUT(dst[c:], src[c:], &luts[c], channels)
				}
			}
		})
	}
}
