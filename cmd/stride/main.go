package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/engine"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/kernels"
	"github.com/23skdu/longbow-stride/internal/mempool"
	"github.com/23skdu/longbow-stride/internal/validate"
)

var (
	cpuProfile   = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	deviceMem    = flag.String("device-mem", "1GB", "Emulated device memory (e.g. 1GB, 512MB)")
	poolBudget   = flag.String("pool-budget", "64MB", "Memory pool budget reserved at startup; 0 leaves the pool inactive")
	poolAlign    = flag.String("pool-align", "512", "Pool block alignment in bytes")
	poolMinClass = flag.String("pool-min-class", "512", "Smallest pool size class")
	poolMaxClass = flag.String("pool-max-class", "256MB", "Largest pool size class; bigger requests go to the device")
	poolGrowth   = flag.Float64("pool-growth", 1.25, "Growth factor between consecutive size classes")
	pitched      = flag.Bool("pitched", true, "Allocate device images with pitched rows")
	opName       = flag.String("op", "equalize_hist", "Kernel to run (transpose, equalize_hist, calc_hist)")
	formatName   = flag.String("format", "u8c1", "Pixel format (u8c1, u8c3, u8c4, f32c1, f32c3, f32c4)")
	imageSize    = flag.String("size", "1920x1080", "Image size as WIDTHxHEIGHT")
	iterations   = flag.Int("iterations", 10, "Number of benchmark iterations")
	duration     = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	verify       = flag.Bool("verify", false, "Check every result against the host reference")
	outPath      = flag.String("out", "", "Write the last result as an Arrow IPC stream to this file ('-' for stdout)")
	serverAddr   = flag.String("server", "", "Flight address: remote stride server to process on, or with -listen/-flight the downstream results are forwarded to")
	datasetName  = flag.String("dataset", "stride_results", "Target dataset name for forwarded results")
	listenAddr   = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr   = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxInflight  = flag.String("max-inflight", "256MB", "Maximum pixel bytes admitted concurrently by the servers")
	cacheEntries = flag.Int("cache-entries", 1024, "Processed results kept in the result cache; 0 disables it")
	enableOTel   = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

// parseBytes parses sizes such as 4GB, 100MB, 64k or 1024.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	n, _ := fmt.Sscanf(s, "%d%s", &val, &unit)
	if n == 0 || val < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	switch cases.Upper(language.Und).String(unit) {
	case "GB", "G":
		return val * mempool.GB, nil
	case "MB", "M":
		return val * mempool.MB, nil
	case "KB", "K":
		return val * mempool.KB, nil
	case "", "B":
		return val, nil
	default:
		return 0, fmt.Errorf("invalid size unit in %q", s)
	}
}

// parseSize parses WIDTHxHEIGHT.
func parseSize(s string) (height, width int, err error) {
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &width, &height); err != nil {
		return 0, 0, fmt.Errorf("invalid image size %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %q", s)
	}
	return height, width, nil
}

func mustBytes(name, s string) int64 {
	v, err := parseBytes(s)
	if err != nil {
		log.Fatal().Err(err).Str("flag", name).Msg("Invalid flag")
	}
	return v
}

func engineConfig() (engine.Config, error) {
	pool := mempool.DefaultConfig()
	pool.Alignment = mustBytes("pool-align", *poolAlign)
	pool.MinClassBytes = mustBytes("pool-min-class", *poolMinClass)
	pool.MaxClassBytes = mustBytes("pool-max-class", *poolMaxClass)
	pool.GrowthFactor = *poolGrowth
	if err := pool.Validate(); err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Pool:       pool,
		PoolBudget: mustBytes("pool-budget", *poolBudget),
		Pitched:    *pitched,
	}, nil
}

func main() {
	flag.Parse()

	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	req, err := benchRequest()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid request flags")
	}

	// Remote mode: process on a stride Flight server.
	if *serverAddr != "" && *listenAddr == "" && *flightAddr == "" {
		if err := runRemote(req); err != nil {
			log.Fatal().Err(err).Msg("Remote processing failed")
		}
		return
	}

	cfg, err := engineConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pool configuration")
	}
	capacity := mustBytes("device-mem", *deviceMem)
	eng, err := engine.New(device.NewCPUBackend(capacity), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("Engine shutdown failed")
		}
	}()

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		runServers(eng)
		return
	}

	if err := runLocal(eng, req); err != nil {
		log.Error().Err(err).Msg("Benchmark failed")
	}
}

func runServers(eng *engine.Engine) {
	var forwarder *client.Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer fc.Close()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding results to Flight service")
		forwarder = client.NewForwarder(fc, *datasetName, client.NewCircuitBreaker(5, 30*time.Second))
	}

	maxBytes := mustBytes("max-inflight", *maxInflight)
	log.Info().Str("max_inflight", *maxInflight).Int64("bytes", maxBytes).Msg("Admission Control")

	srv := NewServer(eng, forwarder, maxBytes, *cacheEntries)

	if *flightAddr == "" {
		startServer(*listenAddr, srv)
		return
	}
	if *listenAddr != "" {
		go startServer(*listenAddr, srv)
	}
	StartFlightServer(*flightAddr, srv)
}

func benchRequest() (engine.Request, error) {
	op, err := kernels.ParseOp(*opName)
	if err != nil {
		return engine.Request{}, err
	}
	f, err := image.ParseFormat(*formatName)
	if err != nil {
		return engine.Request{}, err
	}
	if !kernels.Supports(op, f) {
		return engine.Request{}, fmt.Errorf("%s does not support %s (supported: %v)", op, f, kernels.Formats(op))
	}
	height, width, err := parseSize(*imageSize)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		Op:     op,
		Format: f,
		Height: height,
		Width:  width,
		Pixels: validate.Generate(f, height, width, 1),
	}, nil
}

func runLocal(eng *engine.Engine, req engine.Request) error {
	ctx := context.Background()
	n := *iterations
	var deadline time.Time
	if *duration > 0 {
		log.Info().Str("duration", duration.String()).Msg("Starting soak test")
		deadline = time.Now().Add(*duration)
		n = 0
	}

	var last *engine.Result
	var totalPixels int64
	start := time.Now()
	for iter := 1; ; iter++ {
		if deadline.IsZero() && iter > n {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		res, err := eng.Process(ctx, req)
		if err != nil {
			return err
		}
		if *verify {
			if err := verifyResult(req, res); err != nil {
				return fmt.Errorf("iteration %d: %w", iter, err)
			}
		}
		last = res
		totalPixels += int64(req.Height * req.Width)

		if iter%10 == 0 {
			elapsed := time.Since(start)
			stats := eng.PoolStats()
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("mpix_per_sec", float64(totalPixels)/elapsed.Seconds()/1e6).
				Uint64("pool_hits", stats.Hits).
				Uint64("pool_fallbacks", stats.Fallbacks).
				Msg("Progress")
		}
	}

	totalElapsed := time.Since(start)
	stats := eng.PoolStats()
	used, capacity := eng.Device().GetVRAMUsage()
	log.Info().
		Str("op", string(req.Op)).
		Str("format", req.Format.String()).
		Int("height", req.Height).
		Int("width", req.Width).
		Int64("pixels", totalPixels).
		Dur("total_time", totalElapsed).
		Float64("mpix_per_sec", float64(totalPixels)/totalElapsed.Seconds()/1e6).
		Str("pool_state", stats.State.String()).
		Int64("pool_high_water", stats.HighWater).
		Uint64("pool_carves", stats.Carves).
		Uint64("pool_hits", stats.Hits).
		Uint64("pool_fallbacks", stats.Fallbacks).
		Int64("device_used", used).
		Int64("device_capacity", capacity).
		Bool("verified", *verify).
		Msg("Benchmark complete")

	if last == nil || *outPath == "" {
		return nil
	}
	return writeResult(*outPath, last)
}

func runRemote(req engine.Request) error {
	fc, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]client.Image{
		{Op: string(req.Op), Format: req.Format, Height: req.Height, Width: req.Width, Pixels: req.Pixels},
	})
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	results, err := fc.Exchange(ctx, rec)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range results {
			r.Release()
		}
	}()
	log.Info().Str("server", *serverAddr).Dur("elapsed", time.Since(start)).Int("records", len(results)).Msg("Received results")

	for _, r := range results {
		images, err := client.ReadImages(r)
		if err != nil {
			return err
		}
		for _, img := range images {
			res := &engine.Result{Op: req.Op, Format: img.Format, Height: img.Height, Width: img.Width, Pixels: img.Pixels, Hist: img.Hist}
			if *verify {
				if err := verifyResult(req, res); err != nil {
					return err
				}
			}
		}
		if *outPath != "" {
			if err := writeRecordFile(*outPath, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyResult checks res against the host reference for req.
func verifyResult(req engine.Request, res *engine.Result) error {
	switch req.Op {
	case kernels.OpTranspose:
		want := validate.Transpose(req.Format, req.Height, req.Width, req.Pixels)
		return validate.Compare(req.Format, res.Pixels, want, validate.DefaultTolerance)
	case kernels.OpEqualizeHist:
		want, err := validate.EqualizeHist(req.Format, req.Height, req.Width, req.Pixels)
		if err != nil {
			return err
		}
		return validate.Compare(req.Format, res.Pixels, want, 0)
	case kernels.OpCalcHist:
		want, err := validate.CalcHist(req.Format, req.Height, req.Width, req.Pixels)
		if err != nil {
			return err
		}
		for i := range want {
			if i >= len(res.Hist) || res.Hist[i] != want[i] {
				return fmt.Errorf("histogram bin %d differs from reference", i)
			}
		}
		return nil
	}
	return fmt.Errorf("no reference for %s", req.Op)
}

func writeResult(path string, res *engine.Result) error {
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]client.Image{resultImage(res)})
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeRecordFile(path, rec)
}

func writeRecordFile(path string, rec arrow.RecordBatch) error {
	if path == "-" {
		return writeArrowStream(os.Stdout, rec)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeArrowStream(f, rec); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("stride"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
