// Package kernels implements the device kernels over strided images.
//
// Every kernel follows the same launch contract: the caller passes the
// stream, the logical height and width, and for each image its row stride in
// elements and its device pointer. Kernels read and write strictly through
// the stride, so packed and pitched buffers are handled alike. Shapes are
// the caller's responsibility; Launch only rejects null pointers and
// non-positive dimensions. Work is queued on the stream and Launch returns
// before it runs.
package kernels

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/status"
)

// numWorkers defines the parallelism of a kernel inside its stream task
var numWorkers = runtime.NumCPU()

func checkLaunch(name string, s *device.Stream, height, width int, ptrs ...device.Ptr) error {
	if s == nil {
		return fmt.Errorf("%s: nil stream: %w", name, status.ErrInvalidArgument)
	}
	if height <= 0 || width <= 0 {
		return fmt.Errorf("%s: %dx%d: %w", name, height, width, status.ErrInvalidArgument)
	}
	for _, p := range ptrs {
		if p == 0 {
			return fmt.Errorf("%s: null pointer: %w", name, status.ErrInvalidArgument)
		}
	}
	return nil
}

// view resolves rows x rowElems elements of f, stride elements apart,
// starting at p.
func view(dev device.Backend, f image.Format, p device.Ptr, rows, rowElems, stride int) ([]byte, error) {
	d := image.Desc{Format: f, Height: rows, Width: rowElems / f.Channels, Stride: stride, Ptr: p}
	return dev.View(p, d.SpanBytes())
}

// parallel splits [0, n) into contiguous chunks, one per worker.
func parallel(n int, fn func(start, end int)) {
	workers := numWorkers
	if n < workers {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= n {
			break
		}
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
