// Package simd holds the unrolled inner loops shared by the image kernels.
package simd

// Elem is the set of element types the pixel loops operate on.
type Elem interface {
	~uint8 | ~float32
}

// Histogram adds every step-th byte of src, starting at src[0], to hist.
func Histogram(hist *[256]uint32, src []uint8, step int) {
	if step == 1 {
		// Unrolled loop for better pipelining
		i := 0
		for ; i <= len(src)-4; i += 4 {
			hist[src[i]]++
			hist[src[i+1]]++
			hist[src[i+2]]++
			hist[src[i+3]]++
		}
		for ; i < len(src); i++ {
			hist[src[i]]++
		}
		return
	}
	for i := 0; i < len(src); i += step {
		hist[src[i]]++
	}
}

// ApplyLUT writes lut[src[i]] to dst[i] for every step-th element. dst and
// src may be the same slice.
func ApplyLUT(dst, src []uint8, lut *[256]uint8, step int) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if step == 1 {
		i := 0
		for ; i <= n-4; i += 4 {
			dst[i] = lut[src[i]]
			dst[i+1] = lut[src[i+1]]
			dst[i+2] = lut[src[i+2]]
			dst[i+3] = lut[src[i+3]]
		}
		for ; i < n; i++ {
			dst[i] = lut[src[i]]
		}
		return
	}
	for i := 0; i < n; i += step {
		dst[i] = lut[src[i]]
	}
}

// GatherPixels copies n pixels of the given channel count, read srcStep
// elements apart from src, into consecutive pixels of dst.
func GatherPixels[T Elem](dst, src []T, srcStep, channels, n int) {
	switch channels {
	case 1:
		i := 0
		for ; i <= n-4; i += 4 {
			dst[i] = src[i*srcStep]
			dst[i+1] = src[(i+1)*srcStep]
			dst[i+2] = src[(i+2)*srcStep]
			dst[i+3] = src[(i+3)*srcStep]
		}
		for ; i < n; i++ {
			dst[i] = src[i*srcStep]
		}
	case 3:
		for i := 0; i < n; i++ {
			s := src[i*srcStep : i*srcStep+3 : i*srcStep+3]
			d := dst[i*3 : i*3+3 : i*3+3]
			d[0], d[1], d[2] = s[0], s[1], s[2]
		}
	case 4:
		for i := 0; i < n; i++ {
			s := src[i*srcStep : i*srcStep+4 : i*srcStep+4]
			d := dst[i*4 : i*4+4 : i*4+4]
			d[0], d[1], d[2], d[3] = s[0], s[1], s[2], s[3]
		}
	default:
		for i := 0; i < n; i++ {
			copy(dst[i*channels:(i+1)*channels], src[i*srcStep:i*srcStep+channels])
		}
	}
}

// Sum returns the total of counts.
func Sum(counts []uint32) uint64 {
	var a, b, c, d uint64
	i := 0
	for ; i <= len(counts)-4; i += 4 {
		a += uint64(counts[i])
		b += uint64(counts[i+1])
		c += uint64(counts[i+2])
		d += uint64(counts[i+3])
	}
	for ; i < len(counts); i++ {
		a += uint64(counts[i])
	}
	return a + b + c + d
}
