package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/image"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	mu       sync.Mutex
	datasets []string
	rows     int64
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.datasets = append(s.datasets, desc.Path...)
	}
	for reader.Next() {
		s.rows += reader.Record().NumRows()
	}
	return reader.Err()
}

// DoExchange echoes every record with the op column upper-cased.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(ImageSchema))
	defer writer.Close()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	for reader.Next() {
		images, err := ReadImages(reader.Record())
		if err != nil {
			return err
		}
		for i := range images {
			images[i].Op = "echo:" + images[i].Op
		}
		rec, err := builder.BuildRecordBatch(images)
		if err != nil {
			return err
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func testRecord(t *testing.T) arrow.RecordBatch {
	t.Helper()
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]Image{
		{Op: "transpose", Format: image.MustFormat(image.U8, 1), Height: 1, Width: 2, Pixels: []byte{1, 2}},
		{Op: "calc_hist", Format: image.MustFormat(image.U8, 1), Height: 1, Width: 1, Pixels: []byte{3}},
	})
	require.NoError(t, err)
	t.Cleanup(rb.Release)
	return rb
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "test-dataset", testRecord(t)))

	mockServer.mu.Lock()
	defer mockServer.mu.Unlock()
	assert.Equal(t, []string{"test-dataset"}, mockServer.datasets)
	assert.Equal(t, int64(2), mockServer.rows)
}

func TestFlightClient_Exchange(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := client.Exchange(ctx, testRecord(t))
	require.NoError(t, err)
	require.Len(t, results, 1)
	defer results[0].Release()

	images, err := ReadImages(results[0])
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "echo:transpose", images[0].Op)
	assert.Equal(t, []byte{1, 2}, images[0].Pixels)
	assert.Equal(t, "echo:calc_hist", images[1].Op)
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func TestForwarder(t *testing.T) {
	rec := testRecord(t)
	ctx := context.Background()

	t.Run("Delivers", func(t *testing.T) {
		p := &mockPutter{}
		p.On("DoPut", mock.Anything, "results", rec).Return(nil).Once()

		f := NewForwarder(p, "results", NewCircuitBreaker(2, time.Minute))
		assert.NoError(t, f.Forward(ctx, rec))
		p.AssertExpectations(t)
	})

	t.Run("Opens after failures", func(t *testing.T) {
		downstream := errors.New("unavailable")
		p := &mockPutter{}
		p.On("DoPut", mock.Anything, "results", rec).Return(downstream).Twice()

		cb := NewCircuitBreaker(2, time.Minute)
		f := NewForwarder(p, "results", cb)
		assert.ErrorIs(t, f.Forward(ctx, rec), downstream)
		assert.ErrorIs(t, f.Forward(ctx, rec), downstream)
		assert.Equal(t, StateOpen, cb.State())

		// Rejected without reaching the downstream.
		assert.ErrorIs(t, f.Forward(ctx, rec), ErrCircuitOpen)
		p.AssertNumberOfCalls(t, "DoPut", 2)
	})
}
