package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/status"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_Memory(t *testing.T) {
	backend := NewCPUBackend(1 << 20)

	t.Run("Malloc and copy", func(t *testing.T) {
		p, err := backend.Malloc(100)
		require.NoError(t, err)
		assert.NotZero(t, p)
		assert.Zero(t, uint64(p)%uint64(backend.Alignment()), "allocation must be aligned")

		src := []byte("hello device")
		require.NoError(t, backend.CopyToDevice(p.Add(10), src))

		dst := make([]byte, len(src))
		require.NoError(t, backend.CopyToHost(dst, p.Add(10)))
		assert.Equal(t, src, dst)

		require.NoError(t, backend.Free(p))
	})

	t.Run("Pitch is aligned", func(t *testing.T) {
		p, pitch, err := backend.MallocPitch(321*3, 4)
		require.NoError(t, err)
		defer backend.Free(p)

		assert.Equal(t, 1024, pitch)
		_, err = backend.View(p, int64(pitch*4))
		assert.NoError(t, err)
	})

	t.Run("View bounds", func(t *testing.T) {
		p, err := backend.Malloc(64)
		require.NoError(t, err)
		defer backend.Free(p)

		_, err = backend.View(p, 65)
		assert.ErrorIs(t, err, status.ErrInvalidArgument)

		_, err = backend.View(0, 1)
		assert.ErrorIs(t, err, status.ErrInvalidArgument)

		// The guard granule after an allocation is unmapped.
		_, err = backend.View(p.Add(64), 1)
		assert.ErrorIs(t, err, status.ErrInvalidArgument)
	})

	t.Run("Memset", func(t *testing.T) {
		p, err := backend.Malloc(16)
		require.NoError(t, err)
		defer backend.Free(p)

		require.NoError(t, backend.Memset(p, 0xAB, 16))
		view, err := backend.View(p, 16)
		require.NoError(t, err)
		for i, v := range view {
			if v != 0xAB {
				t.Errorf("Memset mismatch at %d: got %#x", i, v)
			}
		}
	})

	t.Run("Double free", func(t *testing.T) {
		p, err := backend.Malloc(32)
		require.NoError(t, err)
		require.NoError(t, backend.Free(p))
		assert.ErrorIs(t, backend.Free(p), status.ErrInvalidState)
	})

	t.Run("Interior pointer free", func(t *testing.T) {
		p, err := backend.Malloc(32)
		require.NoError(t, err)
		defer backend.Free(p)
		assert.ErrorIs(t, backend.Free(p.Add(4)), status.ErrInvalidState)
	})
}

func TestCPUBackend_Exhaustion(t *testing.T) {
	backend := NewCPUBackend(4096)
	startFailures := getMetricValue(deviceAllocFailures)

	p, err := backend.Malloc(4000)
	require.NoError(t, err)

	_, err = backend.Malloc(200)
	assert.ErrorIs(t, err, status.ErrResourceExhausted)
	assert.Equal(t, 1.0, getMetricValue(deviceAllocFailures)-startFailures)

	used, total := backend.GetVRAMUsage()
	assert.Equal(t, int64(4000), used)
	assert.Equal(t, int64(4096), total)

	require.NoError(t, backend.Free(p))
	p, err = backend.Malloc(200)
	require.NoError(t, err)
	require.NoError(t, backend.Free(p))

	used, _ = backend.GetVRAMUsage()
	assert.Zero(t, used)
}

func TestCPUBackend_InvalidArguments(t *testing.T) {
	backend := NewCPUBackend(4096)

	_, err := backend.Malloc(0)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, _, err = backend.MallocPitch(0, 10)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	assert.Panics(t, func() { NewCPUBackendWithAlignment(4096, 300) })
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int64
	}{
		{0, 512, 0},
		{1, 512, 512},
		{512, 512, 512},
		{513, 512, 1024},
		{1000, 256, 1024},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}

func TestTypedViews(t *testing.T) {
	buf := make([]byte, 10)
	assert.Len(t, Float32s(buf), 2)
	assert.Len(t, Uint32s(buf), 2)
	assert.Nil(t, Float32s(buf[:3]))

	u := Uint32s(buf)
	u[0] = 0x01020304
	assert.NotZero(t, buf[0]|buf[3])
}
