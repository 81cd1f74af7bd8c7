package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned by Forwarder while the downstream is failing.
var ErrCircuitOpen = errors.New("client: circuit open")

// FlightClient talks to Flight services: a stride server for remote
// processing, or any dataset service accepting DoPut.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server finishes.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends image records to a stride Flight server and returns the
// processed records. The caller releases the returned records.
func (c *FlightClient) Exchange(ctx context.Context, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("exchange: read results: %w", err)
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter is the part of FlightClient a Forwarder needs.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder delivers result records to a downstream dataset through a
// circuit breaker.
type Forwarder struct {
	putter  Putter
	dataset string
	breaker *CircuitBreaker
}

// NewForwarder creates a forwarder writing to dataset.
func NewForwarder(p Putter, dataset string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{putter: p, dataset: dataset, breaker: breaker}
}

// Forward sends record downstream. While the breaker is open the record is
// dropped and ErrCircuitOpen returned.
func (f *Forwarder) Forward(ctx context.Context, record arrow.RecordBatch) error {
	if !f.breaker.Allow() {
		forwardedRecords.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}

	if err := f.putter.DoPut(ctx, f.dataset, record); err != nil {
		f.breaker.Failure()
		forwardedRecords.WithLabelValues("failed").Inc()
		log.Warn().Err(err).
			Str("dataset", f.dataset).
			Str("breaker", f.breaker.State().String()).
			Msg("Forwarding results failed")
		return err
	}

	f.breaker.Success()
	forwardedRecords.WithLabelValues("ok").Inc()
	return nil
}
