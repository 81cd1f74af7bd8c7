//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/validate"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Stride Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	u8c1 := image.MustFormat(image.U8, 1)
	f32c4 := image.MustFormat(image.F32, 4)
	images := []client.Image{
		{Op: "equalize_hist", Format: u8c1, Height: 480, Width: 640, Pixels: validate.Generate(u8c1, 480, 640, 1)},
		{Op: "transpose", Format: f32c4, Height: 33, Width: 65, Pixels: validate.Generate(f32c4, 33, 65, 2)},
		{Op: "calc_hist", Format: u8c1, Height: 240, Width: 321, Pixels: validate.Generate(u8c1, 240, 321, 3)},
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(images)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	defer rec.Release()

	// Retry loop while the server comes up
	var results []client.Image
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		start := time.Now()
		recs, err := c.Exchange(ctx, rec)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Exchange failed, retrying...")
			time.Sleep(1 * time.Second)
			continue
		}
		log.Info().Dur("elapsed", time.Since(start)).Msg("Received results")
		for _, r := range recs {
			imgs, err := client.ReadImages(r)
			r.Release()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to decode results")
			}
			results = append(results, imgs...)
		}
		break
	}

	if len(results) != len(images) {
		log.Fatal().Int("expected", len(images)).Int("got", len(results)).Msg("Count mismatch")
	}

	for i, in := range images {
		out := results[i]
		var err error
		switch in.Op {
		case "equalize_hist":
			want, _ := validate.EqualizeHist(in.Format, in.Height, in.Width, in.Pixels)
			err = validate.Compare(in.Format, out.Pixels, want, 0)
		case "transpose":
			want := validate.Transpose(in.Format, in.Height, in.Width, in.Pixels)
			err = validate.Compare(in.Format, out.Pixels, want, validate.DefaultTolerance)
		case "calc_hist":
			want, _ := validate.CalcHist(in.Format, in.Height, in.Width, in.Pixels)
			if fmt.Sprint(want) != fmt.Sprint(out.Hist) {
				err = fmt.Errorf("histogram mismatch")
			}
		}
		if err != nil {
			log.Fatal().Err(err).Int("index", i).Str("op", in.Op).Msg("Result mismatch")
		}
		log.Info().Int("index", i).Str("op", in.Op).Msg("Result valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
