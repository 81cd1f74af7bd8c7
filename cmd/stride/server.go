package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-stride/internal/cache"
	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/engine"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/kernels"
	"github.com/23skdu/longbow-stride/internal/mempool"
	"github.com/23skdu/longbow-stride/internal/status"
)

var (
	imagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_images_processed_total",
		Help: "The total number of images processed by the servers",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stride_request_duration_seconds",
		Help:    "Time spent handling server requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

// Processor runs kernel requests.
type Processor interface {
	Process(ctx context.Context, req engine.Request) (*engine.Result, error)
	PoolStats() mempool.Stats
}

// ProcessRequest is the CBOR body of POST /process. Stride is the number
// of elements between row starts in Pixels; zero means packed rows.
type ProcessRequest struct {
	Op     string `cbor:"op"`
	Format string `cbor:"format"`
	Height int    `cbor:"height"`
	Width  int    `cbor:"width"`
	Stride int    `cbor:"stride,omitempty"`
	Pixels []byte `cbor:"pixels"`
}

// ProcessResponse is the CBOR body returned by POST /process.
type ProcessResponse struct {
	Op            string   `cbor:"op"`
	Format        string   `cbor:"format"`
	Height        int      `cbor:"height"`
	Width         int      `cbor:"width"`
	Pixels        []byte   `cbor:"pixels,omitempty"`
	Hist          []uint32 `cbor:"hist,omitempty"`
	ElapsedMicros int64    `cbor:"elapsed_us"`
	// Cached is set when the result was served from the cache; no kernel
	// ran, so ElapsedMicros is zero.
	Cached        bool     `cbor:"cached,omitempty"`
}

type Server struct {
	engine    Processor
	forwarder *client.Forwarder
	cache     cache.ResultCache
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxBytes  int64
}

// NewServer creates the HTTP and Flight handlers around eng. Admission is
// weighted by pixel bytes, up to maxBytes in flight. forwarder may be nil;
// cacheEntries <= 0 disables the result cache.
func NewServer(eng Processor, forwarder *client.Forwarder, maxBytes int64, cacheEntries int) *Server {
	s := &Server{
		engine:    eng,
		forwarder: forwarder,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(maxBytes),
		maxBytes:  maxBytes,
	}
	if cacheEntries > 0 {
		s.cache = cache.NewMapCache(cacheEntries)
	}
	return s
}

func startServer(addr string, srv *Server) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "stride_pool_high_water_bytes",
			Help: "Peak class bytes lent out by the engine pool during the current activation",
		},
		func() float64 {
			return float64(srv.engine.PoolStats().HighWater)
		},
	))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/process", srv.handleProcess)
	mux.HandleFunc("/process/arrow", srv.handleProcessArrow)
	mux.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Stride Server")
	if srv.forwarder != nil {
		log.Info().Msg("Forwarding results to specified server address")
	}

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("stride-server")

// httpStatus maps the error taxonomy onto HTTP.
func httpStatus(err error) int {
	switch status.CodeOf(err) {
	case status.OK:
		return http.StatusOK
	case status.InvalidArgument:
		return http.StatusBadRequest
	case status.UnsupportedConfiguration:
		return http.StatusUnprocessableEntity
	case status.ResourceExhausted:
		return http.StatusServiceUnavailable
	case status.InvalidState:
		return http.StatusConflict
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// toRequest converts a wire image into a packed engine request.
func toRequest(img client.Image) (engine.Request, error) {
	op, err := kernels.ParseOp(img.Op)
	if err != nil {
		return engine.Request{}, err
	}
	pixels, err := img.Packed()
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{Op: op, Format: img.Format, Height: img.Height, Width: img.Width, Pixels: pixels}, nil
}

func resultImage(res *engine.Result) client.Image {
	return client.Image{
		Op:     string(res.Op),
		Format: res.Format,
		Height: res.Height,
		Width:  res.Width,
		Pixels: res.Pixels,
		Hist:   res.Hist,
	}
}

// process admits req by its pixel bytes, runs it and forwards the result.
func (s *Server) process(ctx context.Context, req engine.Request) (*engine.Result, error) {
	weight := int64(len(req.Pixels))
	if weight > s.maxBytes {
		return nil, fmt.Errorf("request of %d bytes exceeds admission limit of %d: %w",
			weight, s.maxBytes, status.ErrResourceExhausted)
	}
	if weight > 0 {
		if err := s.sem.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		defer s.sem.Release(weight)
	}

	res, err := s.engine.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	imagesProcessed.Inc()

	if s.forwarder != nil {
		s.forward(ctx, []client.Image{resultImage(res)})
	}
	return res, nil
}

func (s *Server) forward(ctx context.Context, images []client.Image) {
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(images)
	if err != nil || rec == nil {
		return
	}
	defer rec.Release()
	if err := s.forwarder.Forward(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding results")
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleProcess")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pr ProcessRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&pr); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("op", pr.Op),
		attribute.String("format", pr.Format),
		attribute.Int("pixel_bytes", len(pr.Pixels)),
	)

	f, err := image.ParseFormat(pr.Format)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	req, err := toRequest(client.Image{Op: pr.Op, Format: f, Height: pr.Height, Width: pr.Width, Stride: pr.Stride, Pixels: pr.Pixels})
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	var key cache.Key
	if s.cache != nil {
		key = cache.NewKey(string(req.Op), req.Format.String(), req.Height, req.Width, req.Pixels)
		if body, ok := s.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cached", true))
			writeCBOR(w, body)
			return
		}
	}

	res, err := s.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("op", pr.Op).Msg("Process failed")
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	resp := ProcessResponse{
		Op:            string(res.Op),
		Format:        res.Format.String(),
		Height:        res.Height,
		Width:         res.Width,
		Pixels:        res.Pixels,
		Hist:          res.Hist,
		ElapsedMicros: res.Elapsed.Microseconds(),
	}
	body, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.cache != nil {
		resp.ElapsedMicros, resp.Cached = 0, true
		if cached, err := cbor.Marshal(resp); err == nil {
			s.cache.Put(key, cached)
		}
	}
	writeCBOR(w, body)
}

func writeCBOR(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleProcessArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleProcessArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("process_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var results []client.Image
	for reader.Next() {
		images, err := client.ReadImages(reader.Record())
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		for _, img := range images {
			req, err := toRequest(img)
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			res, err := s.process(ctx, req)
			if err != nil {
				span.RecordError(err)
				log.Error().Err(err).Str("op", img.Op).Msg("Process failed")
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			results = append(results, resultImage(res))
		}
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("image_count", len(results)))

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(client.ImageSchema), ipc.WithAllocator(s.alloc))
	if len(results) > 0 {
		rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(results)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := writer.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
