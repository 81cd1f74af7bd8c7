package kernels

import (
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/simd"
)

// tileDim is the edge of a transpose tile in pixels.
const tileDim = 32

// Transpose writes the width x height transpose of a height x width image.
type Transpose struct {
	dev    device.Backend
	format image.Format
	fn     transposeFunc
}

// NewTranspose returns the transpose kernel for f.
func NewTranspose(dev device.Backend, f image.Format) (*Transpose, error) {
	fn, ok := transposeTable[f]
	if !ok {
		return nil, unsupported(OpTranspose, f)
	}
	return &Transpose{dev: dev, format: f, fn: fn}, nil
}

// Format returns the format the kernel was built for.
func (k *Transpose) Format() image.Format {
	return k.format
}

// Launch queues the transpose of the height x width image at in into the
// width x height image at out. The two must not overlap.
func (k *Transpose) Launch(s *device.Stream, height, width, inStride int, in device.Ptr, outStride int, out device.Ptr) error {
	if err := checkLaunch(string(OpTranspose), s, height, width, in, out); err != nil {
		return err
	}
	c := k.format.Channels
	src, err := view(k.dev, k.format, in, height, width*c, inStride)
	if err != nil {
		return err
	}
	dst, err := view(k.dev, k.format, out, width, height*c, outStride)
	if err != nil {
		return err
	}

	return s.Launch(string(OpTranspose), func() error {
		k.fn(src, dst, height, width, inStride, outStride)
		return nil
	})
}

func transposeFor[T image.Pixel](channels int) transposeFunc {
	return func(in, out []byte, height, width, inStride, outStride int) {
		transposeTiles(image.As[T](in), image.As[T](out), height, width, inStride, outStride, channels)
	}
}

// transposeTiles stages each tile in a worker-local buffer: rows are read
// contiguously from src, columns are gathered out of the tile into dst rows.
// Edge tiles are clipped to the image.
func transposeTiles[T image.Pixel](src, dst []T, height, width, inStride, outStride, channels int) {
	tilesY := (height + tileDim - 1) / tileDim
	tilesX := (width + tileDim - 1) / tileDim
	tileRow := tileDim * channels

	parallel(tilesY*tilesX, func(start, end int) {
		tile := make([]T, tileDim*tileRow)

		for t := start; t < end; t++ {
			y0 := (t / tilesX) * tileDim
			x0 := (t % tilesX) * tileDim
			rows := min(tileDim, height-y0)
			cols := min(tileDim, width-x0)
			n := cols * channels

			for r := 0; r < rows; r++ {
				off := (y0+r)*inStride + x0*channels
				copy(tile[r*tileRow:r*tileRow+n], src[off:off+n])
			}

			for col := 0; col < cols; col++ {
				off := (x0+col)*outStride + y0*channels
				simd.GatherPixels(dst[off:off+rows*channels], tile[col*channels:], tileRow, channels, rows)
			}
		}
	})
}
