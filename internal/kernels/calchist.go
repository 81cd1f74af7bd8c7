package kernels

import (
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
)

// CalcHist counts the values of each channel of an 8-bit image.
type CalcHist struct {
	dev    device.Backend
	format image.Format
	fn     histFunc
}

// NewCalcHist returns the histogram kernel for f.
func NewCalcHist(dev device.Backend, f image.Format) (*CalcHist, error) {
	fn, ok := histTable[f]
	if !ok {
		return nil, unsupported(OpCalcHist, f)
	}
	return &CalcHist{dev: dev, format: f, fn: fn}, nil
}

// Format returns the format the kernel was built for.
func (k *CalcHist) Format() image.Format {
	return k.format
}

// HistBytes is the size of the output buffer: 256 uint32 bins per channel.
func (k *CalcHist) HistBytes() int64 {
	return 256 * 4 * int64(k.format.Channels)
}

// Launch queues the histogram of the height x width image at in. The
// buffer at hist is overwritten with channel-major counts.
func (k *CalcHist) Launch(s *device.Stream, height, width, inStride int, in device.Ptr, hist device.Ptr) error {
	if err := checkLaunch(string(OpCalcHist), s, height, width, in, hist); err != nil {
		return err
	}
	src, err := view(k.dev, k.format, in, height, width*k.format.Channels, inStride)
	if err != nil {
		return err
	}
	raw, err := k.dev.View(hist, k.HistBytes())
	if err != nil {
		return err
	}
	bins := device.Uint32s(raw)

	return s.Launch(string(OpCalcHist), func() error {
		clear(raw)
		k.fn(src, bins, height, width, inStride)
		return nil
	})
}
