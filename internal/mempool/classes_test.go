package mempool

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/status"
)

func TestSizeClasses_Table(t *testing.T) {
	cfg := DefaultConfig()
	classes, err := NewSizeClasses(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.MinClassBytes, classes.Size(0))
	assert.Equal(t, cfg.MaxClassBytes, classes.Max())

	for i := 0; i < classes.Len(); i++ {
		size := classes.Size(i)
		if size%cfg.Alignment != 0 {
			t.Errorf("Class %d (%d bytes) is not a multiple of %d", i, size, cfg.Alignment)
		}
		if i > 0 && size-classes.Size(i-1) < cfg.Alignment {
			t.Errorf("Class %d (%d bytes) does not grow past class %d (%d bytes)", i, size, i-1, classes.Size(i-1))
		}
	}
}

func TestSizeClasses_MonotonicAndBounded(t *testing.T) {
	configs := map[string]Config{
		"default": DefaultConfig(),
		"pow2": func() Config {
			c := DefaultConfig()
			c.GrowthFactor = 2
			return c
		}(),
		"fine": func() Config {
			c := DefaultConfig()
			c.Alignment = 256
			c.MinClassBytes = 1024
			c.GrowthFactor = 1.1
			c.MaxClassBytes = 8 * MB
			return c
		}(),
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			classes, err := NewSizeClasses(cfg)
			require.NoError(t, err)

			check := func(n int64, prev int64) int64 {
				class := classes.ClassFor(n)
				if class < n {
					t.Fatalf("ClassFor(%d) = %d is smaller than the request", n, class)
				}
				if class < prev {
					t.Fatalf("ClassFor(%d) = %d is smaller than ClassFor(n-1) = %d", n, class, prev)
				}
				if waste := class - n; waste > classes.WasteBound(n) {
					t.Fatalf("ClassFor(%d) wastes %d bytes, bound is %d", n, waste, classes.WasteBound(n))
				}
				return class
			}

			// Dense sweep over small sizes.
			var prev int64
			for n := int64(1); n <= 256*KB; n++ {
				prev = check(n, prev)
			}

			// Every class boundary.
			for i := 0; i < classes.Len(); i++ {
				size := classes.Size(i)
				check(size, 0)
				check(size+1, size)
				check(size-1, 0)
			}

			// Random sizes up to the largest class, checked in order.
			rng := rand.New(rand.NewSource(7))
			samples := make([]int64, 5000)
			for i := range samples {
				samples[i] = 1 + rng.Int63n(classes.Max())
			}
			for i := 1; i < len(samples); i++ {
				a, b := samples[i-1], samples[i]
				if a > b {
					a, b = b, a
				}
				check(b, check(a, 0))
			}
		})
	}
}

func TestSizeClasses_DefaultRatio(t *testing.T) {
	classes, err := NewSizeClasses(DefaultConfig())
	require.NoError(t, err)

	// Beyond a few granules the waste stays within a quarter of the request.
	for n := int64(64 * KB); n <= classes.Max(); n = n*3/2 + 1 {
		waste := classes.ClassFor(n) - n
		assert.LessOrEqual(t, float64(waste), 0.25*float64(n)+512, "n=%d", n)
	}
}

func TestSizeClasses_Lookup(t *testing.T) {
	classes, err := NewSizeClasses(DefaultConfig())
	require.NoError(t, err)

	idx, size, ok := classes.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(512), size)

	idx, size, ok = classes.Lookup(1024)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(1024), size)

	_, _, ok = classes.Lookup(classes.Max() + 1)
	assert.False(t, ok)
	assert.Equal(t, classes.Max()+512, classes.ClassFor(classes.Max()+1))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	mutations := map[string]func(*Config){
		"alignment":   func(c *Config) { c.Alignment = 300 },
		"min class":   func(c *Config) { c.MinClassBytes = 0 },
		"max class":   func(c *Config) { c.MaxClassBytes = c.MinClassBytes - 1 },
		"growth low":  func(c *Config) { c.GrowthFactor = 1 },
		"growth high": func(c *Config) { c.GrowthFactor = 5 },
		"budget":      func(c *Config) { c.DefaultBudget = -1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), status.ErrInvalidArgument)
		})
	}
}
