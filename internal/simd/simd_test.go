package simd

import (
	"testing"
)

func TestHistogram(t *testing.T) {
	src := []uint8{0, 1, 1, 2, 255, 255, 255}
	var hist [256]uint32

	Histogram(&hist, src, 1)

	expected := map[int]uint32{0: 1, 1: 2, 2: 1, 255: 3}
	for i, v := range hist {
		if v != expected[i] {
			t.Errorf("Histogram[%d] = %d, want %d", i, v, expected[i])
		}
	}
}

func TestHistogramStrided(t *testing.T) {
	// Interleaved 3-channel row, counting the second channel only.
	src := []uint8{
		10, 20, 30,
		11, 20, 31,
		12, 21, 32,
	}
	var hist [256]uint32

	Histogram(&hist, src[1:], 3)

	if hist[20] != 2 || hist[21] != 1 {
		t.Errorf("Histogram[20], [21] = %d, %d, want 2, 1", hist[20], hist[21])
	}
	if Sum(hist[:]) != 3 {
		t.Errorf("Sum = %d, want 3", Sum(hist[:]))
	}
}

func TestApplyLUT(t *testing.T) {
	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(255 - i)
	}

	src := []uint8{0, 1, 2, 3, 4, 200}
	dst := make([]uint8, len(src))
	ApplyLUT(dst, src, &lut, 1)

	expected := []uint8{255, 254, 253, 252, 251, 55}
	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("ApplyLUT(%d) = %d, want %d", i, v, expected[i])
		}
	}

	// In place, every other element.
	ApplyLUT(src, src, &lut, 2)
	expected = []uint8{255, 1, 253, 3, 251, 200}
	for i, v := range src {
		if v != expected[i] {
			t.Errorf("ApplyLUT strided(%d) = %d, want %d", i, v, expected[i])
		}
	}
}

func TestGatherPixels(t *testing.T) {
	tests := []struct {
		name     string
		channels int
	}{
		{"C1", 1},
		{"C3", 3},
		{"C4", 4},
		{"C2", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const n, step = 7, 10
			src := make([]float32, n*step)
			for i := range src {
				src[i] = float32(i)
			}
			dst := make([]float32, n*tt.channels)

			GatherPixels(dst, src, step, tt.channels, n)

			for i := 0; i < n; i++ {
				for c := 0; c < tt.channels; c++ {
					if want := float32(i*step + c); dst[i*tt.channels+c] != want {
						t.Errorf("pixel %d channel %d = %v, want %v", i, c, dst[i*tt.channels+c], want)
					}
				}
			}
		})
	}
}

func TestSum(t *testing.T) {
	counts := []uint32{1, 2, 3, 4, 5, 4294967295}
	if got := Sum(counts); got != 4294967310 {
		t.Errorf("Sum = %d, want 4294967310", got)
	}
}
