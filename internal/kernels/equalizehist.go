package kernels

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/mempool"
)

// EqualizeHist equalizes the histogram of each channel independently.
// The global histogram lives in scratch memory from the pool.
type EqualizeHist struct {
	pool   *mempool.Pool
	format image.Format
	hist   histFunc
	remap  remapFunc
}

// NewEqualizeHist returns the equalization kernel for f. Only 8-bit formats
// are supported.
func NewEqualizeHist(pool *mempool.Pool, f image.Format) (*EqualizeHist, error) {
	remap, ok := remapTable[f]
	if !ok {
		return nil, unsupported(OpEqualizeHist, f)
	}
	return &EqualizeHist{pool: pool, format: f, hist: histTable[f], remap: remap}, nil
}

// Format returns the format the kernel was built for.
func (k *EqualizeHist) Format() image.Format {
	return k.format
}

// ScratchBytes is the pool scratch one launch needs.
func (k *EqualizeHist) ScratchBytes() int64 {
	return 256 * 4 * int64(k.format.Channels)
}

// Launch queues the equalization of the height x width image at in into out.
// in and out may be the same image. The scratch histogram is returned to the
// pool before Launch returns; work queued later on the same stream cannot
// observe it before this kernel has finished with it. A scratch that the
// pool could not serve goes back to the device, which frees it at once, so
// in that case Launch synchronizes s first and reports any task error.
func (k *EqualizeHist) Launch(s *device.Stream, height, width, inStride int, in device.Ptr, outStride int, out device.Ptr) (err error) {
	if err := checkLaunch(string(OpEqualizeHist), s, height, width, in, out); err != nil {
		return err
	}
	dev := k.pool.Backend()
	c := k.format.Channels

	src, err := view(dev, k.format, in, height, width*c, inStride)
	if err != nil {
		return err
	}
	dst, err := view(dev, k.format, out, height, width*c, outStride)
	if err != nil {
		return err
	}

	scratch, err := k.pool.Allocate(k.ScratchBytes())
	if err != nil {
		return fmt.Errorf("%s: scratch: %w", OpEqualizeHist, err)
	}
	defer func() {
		if !k.pool.Owns(scratch) {
			if serr := s.Synchronize(); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		if ferr := k.pool.Free(scratch); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	raw, err := dev.View(scratch, k.ScratchBytes())
	if err != nil {
		return err
	}
	hist := device.Uint32s(raw)

	if err := s.Launch("equalize_hist.memset", func() error {
		clear(raw)
		return nil
	}); err != nil {
		return err
	}

	if err := s.Launch("equalize_hist.calc", func() error {
		k.hist(src, hist, height, width, inStride)
		return nil
	}); err != nil {
		return err
	}

	return s.Launch("equalize_hist.lut", func() error {
		luts := make([][256]uint8, c)
		for ch := range luts {
			buildLUT(&luts[ch], hist[ch*256:(ch+1)*256])
		}
		k.remap(src, dst, luts, height, width, inStride, outStride)
		return nil
	})
}
