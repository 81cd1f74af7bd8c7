// Package engine orchestrates one device, its memory pool and the kernels
// for request/response callers. Requests carry packed host images; the
// engine uploads them into device buffers, runs the kernel on its stream
// and downloads the result. Requests are serialized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/kernels"
	"github.com/23skdu/longbow-stride/internal/mempool"
	"github.com/23skdu/longbow-stride/internal/status"
)

var tracer = otel.Tracer("stride-engine")

// Config controls the device buffers and the pool of an Engine.
type Config struct {
	Pool mempool.Config
	// PoolBudget is reserved when the engine starts. Zero leaves the pool
	// inactive, so every scratch request goes to the device.
	PoolBudget int64
	// Pitched allocates device images with the device row pitch instead of
	// packed rows.
	Pitched bool
}

// DefaultConfig reserves the default pool budget and uses pitched images.
func DefaultConfig() Config {
	pool := mempool.DefaultConfig()
	return Config{Pool: pool, PoolBudget: pool.DefaultBudget, Pitched: true}
}

// Request is one kernel invocation on a packed host image.
type Request struct {
	Op     kernels.Op
	Format image.Format
	Height int
	Width  int
	Pixels []byte
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if _, err := image.NewFormat(r.Format.Elem, r.Format.Channels); err != nil {
		return err
	}
	if r.Height <= 0 || r.Width <= 0 {
		return fmt.Errorf("request %dx%d: %w", r.Height, r.Width, status.ErrInvalidArgument)
	}
	if r.Width > math.MaxInt/r.Format.PixelBytes()/r.Height {
		return fmt.Errorf("request %dx%d %s: size overflows: %w", r.Height, r.Width, r.Format, status.ErrInvalidArgument)
	}
	if want := r.Height * r.Width * r.Format.PixelBytes(); len(r.Pixels) != want {
		return fmt.Errorf("request %dx%d %s: %d pixel bytes, want %d: %w",
			r.Height, r.Width, r.Format, len(r.Pixels), want, status.ErrInvalidArgument)
	}
	return nil
}

// Result is the packed output of a request. Transpose swaps Height and
// Width; CalcHist fills Hist instead of Pixels.
type Result struct {
	Op      kernels.Op
	Format  image.Format
	Height  int
	Width   int
	Pixels  []byte
	Hist    []uint32
	Elapsed time.Duration
}

// Engine owns a stream and a pool on one device.
type Engine struct {
	mu      sync.Mutex
	dev     device.Backend
	pool    *mempool.Pool
	stream  *device.Stream
	pitched bool
	closed  bool

	transposes map[image.Format]*kernels.Transpose
	equalizers map[image.Format]*kernels.EqualizeHist
	histograms map[image.Format]*kernels.CalcHist
}

// New creates an engine on dev and activates its pool when cfg.PoolBudget
// is positive.
func New(dev device.Backend, cfg Config) (*Engine, error) {
	pool, err := mempool.New(dev, cfg.Pool)
	if err != nil {
		return nil, err
	}
	if cfg.PoolBudget > 0 {
		if err := pool.Activate(cfg.PoolBudget); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("device", dev.Name()).
		Int64("pool_budget", cfg.PoolBudget).
		Bool("pitched", cfg.Pitched).
		Msg("Engine started")

	return &Engine{
		dev:        dev,
		pool:       pool,
		stream:     dev.NewStream(),
		pitched:    cfg.Pitched,
		transposes: make(map[image.Format]*kernels.Transpose),
		equalizers: make(map[image.Format]*kernels.EqualizeHist),
		histograms: make(map[image.Format]*kernels.CalcHist),
	}, nil
}

// Device returns the engine's device.
func (e *Engine) Device() device.Backend {
	return e.dev
}

// PoolStats returns a snapshot of the pool.
func (e *Engine) PoolStats() mempool.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Stats()
}

// Close drains the stream and shuts the pool down.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	err := e.stream.Close()
	if e.pool.Active() {
		err = errors.Join(err, e.pool.Shutdown())
	}
	return err
}

// Process runs req and returns its packed result.
func (e *Engine) Process(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "Engine.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("op", string(req.Op)),
		attribute.String("format", req.Format.String()),
		attribute.Int("height", req.Height),
		attribute.Int("width", req.Width),
	)

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		requestDuration.WithLabelValues(string(req.Op)).Observe(elapsed.Seconds())
		requestsTotal.WithLabelValues(string(req.Op), status.CodeOf(err).String()).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		res.Elapsed = elapsed
		pixelsProcessed.Add(float64(req.Height * req.Width))
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("engine closed: %w", status.ErrInvalidState)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch req.Op {
	case kernels.OpTranspose:
		return e.transpose(req)
	case kernels.OpEqualizeHist:
		return e.equalizeHist(req)
	case kernels.OpCalcHist:
		return e.calcHist(req)
	}
	return nil, fmt.Errorf("kernel %q: %w", req.Op, status.ErrUnsupportedConfiguration)
}

// buffers tracks the device images of one request so they are released on
// every path.
type buffers struct {
	dev  device.Backend
	imgs []image.Desc
}

func (b *buffers) alloc(f image.Format, height, width int, pitched bool) (image.Desc, error) {
	d, err := image.Alloc(b.dev, f, height, width, pitched)
	if err != nil {
		return image.Desc{}, err
	}
	b.imgs = append(b.imgs, d)
	return d, nil
}

func (b *buffers) free() error {
	var err error
	for _, d := range b.imgs {
		err = errors.Join(err, image.Free(b.dev, d))
	}
	return err
}

func (e *Engine) upload(bufs *buffers, req Request) (image.Desc, error) {
	src, err := bufs.alloc(req.Format, req.Height, req.Width, e.pitched)
	if err != nil {
		return image.Desc{}, err
	}
	return src, image.Upload(e.dev, src, req.Pixels)
}

func (e *Engine) transpose(req Request) (res *Result, err error) {
	k, ok := e.transposes[req.Format]
	if !ok {
		if k, err = kernels.NewTranspose(e.dev, req.Format); err != nil {
			return nil, err
		}
		e.transposes[req.Format] = k
	}

	bufs := &buffers{dev: e.dev}
	defer func() { err = errors.Join(err, bufs.free()) }()

	src, err := e.upload(bufs, req)
	if err != nil {
		return nil, err
	}
	dst, err := bufs.alloc(req.Format, req.Width, req.Height, e.pitched)
	if err != nil {
		return nil, err
	}
	if err := k.Launch(e.stream, req.Height, req.Width, src.Stride, src.Ptr, dst.Stride, dst.Ptr); err != nil {
		return nil, err
	}
	if err := e.stream.Synchronize(); err != nil {
		return nil, err
	}

	out, err := image.Download(e.dev, dst)
	if err != nil {
		return nil, err
	}
	return &Result{Op: req.Op, Format: req.Format, Height: req.Width, Width: req.Height, Pixels: out}, nil
}

func (e *Engine) equalizeHist(req Request) (res *Result, err error) {
	k, ok := e.equalizers[req.Format]
	if !ok {
		if k, err = kernels.NewEqualizeHist(e.pool, req.Format); err != nil {
			return nil, err
		}
		e.equalizers[req.Format] = k
	}

	bufs := &buffers{dev: e.dev}
	defer func() { err = errors.Join(err, bufs.free()) }()

	src, err := e.upload(bufs, req)
	if err != nil {
		return nil, err
	}
	dst, err := bufs.alloc(req.Format, req.Height, req.Width, e.pitched)
	if err != nil {
		return nil, err
	}
	if err := k.Launch(e.stream, req.Height, req.Width, src.Stride, src.Ptr, dst.Stride, dst.Ptr); err != nil {
		return nil, err
	}
	if err := e.stream.Synchronize(); err != nil {
		return nil, err
	}

	out, err := image.Download(e.dev, dst)
	if err != nil {
		return nil, err
	}
	return &Result{Op: req.Op, Format: req.Format, Height: req.Height, Width: req.Width, Pixels: out}, nil
}

func (e *Engine) calcHist(req Request) (res *Result, err error) {
	k, ok := e.histograms[req.Format]
	if !ok {
		if k, err = kernels.NewCalcHist(e.dev, req.Format); err != nil {
			return nil, err
		}
		e.histograms[req.Format] = k
	}

	bufs := &buffers{dev: e.dev}
	defer func() { err = errors.Join(err, bufs.free()) }()

	src, err := e.upload(bufs, req)
	if err != nil {
		return nil, err
	}

	hist, err := e.pool.Allocate(k.HistBytes())
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, e.pool.Free(hist)) }()

	if err := k.Launch(e.stream, req.Height, req.Width, src.Stride, src.Ptr, hist); err != nil {
		return nil, err
	}
	if err := e.stream.Synchronize(); err != nil {
		return nil, err
	}

	raw := make([]byte, k.HistBytes())
	if err := e.dev.CopyToHost(raw, hist); err != nil {
		return nil, err
	}
	bins := append([]uint32(nil), device.Uint32s(raw)...)
	return &Result{Op: req.Op, Format: req.Format, Height: req.Height, Width: req.Width, Hist: bins}, nil
}
