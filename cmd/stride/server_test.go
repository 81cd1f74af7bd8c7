package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/engine"
	"github.com/23skdu/longbow-stride/internal/image"
	"github.com/23skdu/longbow-stride/internal/mempool"
	"github.com/23skdu/longbow-stride/internal/validate"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(device.NewCPUBackend(256*mempool.MB), engine.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func postCBOR(t *testing.T, srv *Server, pr ProcessRequest) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(pr)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	http.HandlerFunc(srv.handleProcess).ServeHTTP(rr, req)
	return rr
}

func TestServer_Process(t *testing.T) {
	mfc := &mockFlightClient{}
	forwarder := client.NewForwarder(mfc, "test-dataset", client.NewCircuitBreaker(3, time.Minute))
	srv := NewServer(newTestEngine(t), forwarder, 64*mempool.MB, 16)

	u8c1 := image.MustFormat(image.U8, 1)
	host := validate.Generate(u8c1, 48, 64, 5)

	t.Run("HandleProcess with Forwarding", func(t *testing.T) {
		// Expect DoPut to be called once; the repeat is served from the cache.
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		pr := ProcessRequest{Op: "equalize_hist", Format: "u8c1", Height: 48, Width: 64, Pixels: host}
		rr := postCBOR(t, srv, pr)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp ProcessResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "equalize_hist", resp.Op)
		assert.Equal(t, "u8c1", resp.Format)
		want, err := validate.EqualizeHist(u8c1, 48, 64, host)
		require.NoError(t, err)
		assert.Equal(t, want, resp.Pixels)

		assert.False(t, resp.Cached)

		again := postCBOR(t, srv, pr)
		require.Equal(t, http.StatusOK, again.Code)
		var cached ProcessResponse
		require.NoError(t, cbor.Unmarshal(again.Body.Bytes(), &cached))
		assert.True(t, cached.Cached)
		assert.Zero(t, cached.ElapsedMicros, "no kernel ran for a cached result")
		assert.Equal(t, resp.Pixels, cached.Pixels)
		assert.Equal(t, resp.Height, cached.Height)
		assert.Equal(t, 1, srv.cache.Size())

		mfc.AssertExpectations(t)
	})

	t.Run("Strided pixels", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		// 2x3 image with rows padded to 4 elements.
		pr := ProcessRequest{Op: "Transpose", Format: "U8C1", Height: 2, Width: 3, Stride: 4,
			Pixels: []byte{1, 2, 3, 0, 4, 5, 6, 0}}
		rr := postCBOR(t, srv, pr)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp ProcessResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Height)
		assert.Equal(t, 2, resp.Width)
		assert.Equal(t, []byte{1, 4, 2, 5, 3, 6}, resp.Pixels)
	})

	t.Run("Histogram", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		rr := postCBOR(t, srv, ProcessRequest{Op: "calc_hist", Format: "u8c1", Height: 1, Width: 4, Pixels: []byte{0, 0, 7, 255}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp ProcessResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Hist, 256)
		assert.Equal(t, uint32(2), resp.Hist[0])
		assert.Equal(t, uint32(1), resp.Hist[7])
		assert.Equal(t, uint32(1), resp.Hist[255])
		assert.Empty(t, resp.Pixels)
	})

	mfc.AssertExpectations(t)
}

func TestServer_ProcessErrors(t *testing.T) {
	srv := NewServer(newTestEngine(t), nil, 1024, 0)

	tests := []struct {
		name string
		pr   ProcessRequest
		code int
	}{
		{"Unknown op", ProcessRequest{Op: "resize", Format: "u8c1", Height: 1, Width: 1, Pixels: []byte{1}}, http.StatusUnprocessableEntity},
		{"Unsupported format", ProcessRequest{Op: "transpose", Format: "u8c2", Height: 1, Width: 1, Pixels: []byte{1, 2}}, http.StatusUnprocessableEntity},
		{"Float equalize", ProcessRequest{Op: "equalize_hist", Format: "f32c1", Height: 1, Width: 1, Pixels: make([]byte, 4)}, http.StatusUnprocessableEntity},
		{"Short pixels", ProcessRequest{Op: "transpose", Format: "u8c1", Height: 2, Width: 2, Pixels: []byte{1}}, http.StatusBadRequest},
		{"Huge stride", ProcessRequest{Op: "transpose", Format: "u8c1", Height: 3, Width: 1, Stride: 1 << 62, Pixels: []byte{1, 2, 3}}, http.StatusBadRequest},
		{"Wrapped size", ProcessRequest{Op: "transpose", Format: "u8c1", Height: 1 << 62, Width: 4}, http.StatusBadRequest},
		{"Over admission limit", ProcessRequest{Op: "transpose", Format: "u8c1", Height: 64, Width: 64, Pixels: make([]byte, 4096)}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postCBOR(t, srv, tt.pr)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	t.Run("Bad CBOR", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		srv.handleProcess(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Method not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.handleProcess(rr, httptest.NewRequest(http.MethodGet, "/process", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestServer_ProcessArrow(t *testing.T) {
	srv := NewServer(newTestEngine(t), nil, 64*mempool.MB, 0)
	alloc := memory.NewGoAllocator()

	u8c3 := image.MustFormat(image.U8, 3)
	f32c1 := image.MustFormat(image.F32, 1)
	eqHost := validate.Generate(u8c3, 20, 30, 1)
	trHost := validate.Generate(f32c1, 5, 9, 2)

	rec, err := client.NewRecordBatchBuilder(alloc).BuildRecordBatch([]client.Image{
		{Op: "equalize_hist", Format: u8c3, Height: 20, Width: 30, Pixels: eqHost},
		{Op: "transpose", Format: f32c1, Height: 5, Width: 9, Pixels: trHost},
	})
	require.NoError(t, err)
	defer rec.Release()

	var body bytes.Buffer
	require.NoError(t, writeArrowStream(&body, rec))

	req := httptest.NewRequest(http.MethodPost, "/process/arrow", &body)
	rr := httptest.NewRecorder()
	srv.handleProcessArrow(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	images, err := client.ReadImages(reader.Record())
	require.NoError(t, err)
	require.Len(t, images, 2)

	want, err := validate.EqualizeHist(u8c3, 20, 30, eqHost)
	require.NoError(t, err)
	assert.Equal(t, want, images[0].Pixels)

	assert.Equal(t, 9, images[1].Height)
	assert.Equal(t, 5, images[1].Width)
	assert.NoError(t, validate.Compare(f32c1, images[1].Pixels, validate.Transpose(f32c1, 5, 9, trHost), validate.DefaultTolerance))

	t.Run("Not an IPC stream", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.handleProcessArrow(rr, httptest.NewRequest(http.MethodPost, "/process/arrow", bytes.NewReader([]byte("nope"))))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestFlightServer_DoExchange(t *testing.T) {
	srv := NewServer(newTestEngine(t), nil, 64*mempool.MB, 0)

	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewStrideFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	u8c1 := image.MustFormat(image.U8, 1)
	host := validate.Generate(u8c1, 33, 17, 4)
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]client.Image{
		{Op: "calc_hist", Format: u8c1, Height: 33, Width: 17, Pixels: host},
	})
	require.NoError(t, err)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := fc.Exchange(ctx, rec)
	require.NoError(t, err)
	require.Len(t, results, 1)
	defer results[0].Release()

	images, err := client.ReadImages(results[0])
	require.NoError(t, err)
	require.Len(t, images, 1)
	want, err := validate.CalcHist(u8c1, 33, 17, host)
	require.NoError(t, err)
	assert.Equal(t, want, images[0].Hist)
}

func TestHealth(t *testing.T) {
	srv := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	srv.handleHealth(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
