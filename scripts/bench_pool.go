//go:build ignore

package main

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/kernels"
	"github.com/23skdu/longbow-stride/internal/mempool"
	"github.com/23skdu/longbow-stride/internal/validate"
)

// Compares equalize_hist with and without an active memory pool over the
// usual frame sizes.
func main() {
	f := image.MustFormat(image.U8, 1)
	sizes := [][2]int{{240, 320}, {480, 640}, {720, 1280}, {1080, 1920}}
	const iterations = 100

	benchmark := func(height, width int, pooled bool) time.Duration {
		backend := device.NewCPUBackend(1 * mempool.GB)
		stream := backend.NewStream()
		defer stream.Close()

		pool, err := mempool.New(backend, mempool.DefaultConfig())
		if err != nil {
			panic(err)
		}
		if pooled {
			if err := pool.Activate(1 * mempool.MB); err != nil {
				panic(err)
			}
			defer pool.Shutdown()
		}

		k, err := kernels.NewEqualizeHist(pool, f)
		if err != nil {
			panic(err)
		}
		src, _ := image.Alloc(backend, f, height, width, true)
		dst, _ := image.Alloc(backend, f, height, width, true)
		if err := image.Upload(backend, src, validate.Generate(f, height, width, 1)); err != nil {
			panic(err)
		}

		// Warmup
		_ = k.Launch(stream, height, width, src.Stride, src.Ptr, dst.Stride, dst.Ptr)
		_ = stream.Synchronize()

		start := time.Now()
		for i := 0; i < iterations; i++ {
			_ = k.Launch(stream, height, width, src.Stride, src.Ptr, dst.Stride, dst.Ptr)
		}
		if err := stream.Synchronize(); err != nil {
			panic(err)
		}
		return time.Since(start) / iterations
	}

	fmt.Printf("%-12s %12s %12s\n", "size", "direct", "pooled")
	for _, sz := range sizes {
		direct := benchmark(sz[0], sz[1], false)
		pooled := benchmark(sz[0], sz[1], true)
		fmt.Printf("%-12s %12s %12s\n", fmt.Sprintf("%dx%d", sz[1], sz[0]), direct, pooled)
	}
}
