// Package validate holds host reference implementations of the kernels and
// the tolerance comparison used to check device results against them.
// Images here are densely packed host buffers.
package validate

import (
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/status"
)

// DefaultTolerance is the absolute error allowed for float32 results.
const DefaultTolerance = 1e-5

// Generate returns a deterministic pseudo-random packed image. U8 pixels
// cover the full range; F32 pixels are uniform in [0, 1).
func Generate(f image.Format, height, width int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	n := height * width * f.Channels

	switch f.Elem {
	case image.F32:
		px := make([]float32, n)
		for i := range px {
			px[i] = r.Float32()
		}
		return image.Bytes(px)
	default:
		px := make([]byte, n)
		for i := range px {
			px[i] = byte(r.UintN(256))
		}
		return px
	}
}

// Compare checks got against want: exact for U8, within tol (absolute or
// relative) for F32.
func Compare(f image.Format, got, want []byte, tol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("compare %s: %d bytes, want %d: %w", f, len(got), len(want), status.ErrInvalidArgument)
	}

	if f.Elem == image.U8 {
		if bytes.Equal(got, want) {
			return nil
		}
		for i := range got {
			if got[i] != want[i] {
				return fmt.Errorf("compare %s: element %d = %d, want %d", f, i, got[i], want[i])
			}
		}
		return nil
	}

	g := widen(image.As[float32](got))
	w := widen(image.As[float32](want))
	if floats.EqualApprox(g, w, tol) {
		return nil
	}
	for i := range g {
		if !scalar.EqualWithinAbsOrRel(g[i], w[i], tol, tol) {
			return fmt.Errorf("compare %s: element %d = %g, want %g (max error %g)",
				f, i, g[i], w[i], floats.Distance(g, w, math.Inf(1)))
		}
	}
	return nil
}

func widen(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// Transpose returns the width x height transpose of a packed image.
func Transpose(f image.Format, height, width int, src []byte) []byte {
	px := f.PixelBytes()
	dst := make([]byte, len(src))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			copy(dst[(x*height+y)*px:(x*height+y+1)*px], src[(y*width+x)*px:(y*width+x+1)*px])
		}
	}
	return dst
}

// CalcHist returns 256 counts per channel, channel-major.
func CalcHist(f image.Format, height, width int, src []byte) ([]uint32, error) {
	if f.Elem != image.U8 {
		return nil, fmt.Errorf("calc hist %s: %w", f, status.ErrUnsupportedConfiguration)
	}
	c := f.Channels
	hist := make([]uint32, 256*c)
	for i, v := range src[:height*width*c] {
		hist[(i%c)*256+int(v)]++
	}
	return hist, nil
}

// EqualizeHist equalizes each channel of a packed 8-bit image.
func EqualizeHist(f image.Format, height, width int, src []byte) ([]byte, error) {
	hist, err := CalcHist(f, height, width, src)
	if err != nil {
		return nil, err
	}
	c := f.Channels
	total := height * width

	luts := make([][256]uint8, c)
	for ch := range luts {
		h := hist[ch*256 : (ch+1)*256]
		lo := 0
		for h[lo] == 0 {
			lo++
		}
		if int(h[lo]) == total {
			for v := range luts[ch] {
				luts[ch][v] = uint8(lo)
			}
			continue
		}
		scale := float32(255) / float32(total-int(h[lo]))
		cdf := 0
		for v := lo + 1; v < 256; v++ {
			cdf += int(h[v])
			luts[ch][v] = uint8(min(255, math.RoundToEven(float64(float32(cdf)*scale))))
		}
	}

	dst := make([]byte, len(src))
	for i, v := range src {
		dst[i] = luts[i%c][v]
	}
	return dst, nil
}
