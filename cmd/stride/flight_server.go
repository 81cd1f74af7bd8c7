package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/status"
)

// StrideFlightServer processes image records over Flight DoExchange: every
// incoming record is answered with a record of results.
type StrideFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewStrideFlightServer(srv *Server) *StrideFlightServer {
	return &StrideFlightServer{srv: srv}
}

// grpcCode maps the error taxonomy onto gRPC.
func grpcCode(err error) codes.Code {
	switch status.CodeOf(err) {
	case status.InvalidArgument:
		return codes.InvalidArgument
	case status.UnsupportedConfiguration:
		return codes.Unimplemented
	case status.ResourceExhausted:
		return codes.ResourceExhausted
	case status.InvalidState:
		return codes.FailedPrecondition
	}
	return codes.Internal
}

func (s *StrideFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.ImageSchema))
	defer writer.Close()

	builder := client.NewRecordBatchBuilder(s.srv.alloc)
	count := 0
	for reader.Next() {
		images, err := client.ReadImages(reader.Record())
		if err != nil {
			return grpcstatus.Error(grpcCode(err), err.Error())
		}

		results := make([]client.Image, 0, len(images))
		for _, img := range images {
			req, err := toRequest(img)
			if err != nil {
				return grpcstatus.Error(grpcCode(err), err.Error())
			}
			res, err := s.srv.process(ctx, req)
			if err != nil {
				span.RecordError(err)
				return grpcstatus.Error(grpcCode(err), err.Error())
			}
			results = append(results, resultImage(res))
		}

		rec, err := builder.BuildRecordBatch(results)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		count += len(results)
	}
	span.SetAttributes(attribute.Int("image_count", count))
	log.Debug().Int("images", count).Msg("DoExchange complete")
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewServerWithMiddleware(nil)

	// Register our custom service implementation
	server.RegisterFlightService(NewStrideFlightServer(srv))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Stride Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
