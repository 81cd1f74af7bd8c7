package mempool

import (
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/status"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

// Config holds the allocation policy of a Pool.
type Config struct {
	// Alignment of every class size and block address. Must be a power of
	// two and a multiple of the device alignment.
	Alignment int64

	// MinClassBytes is the smallest class.
	MinClassBytes int64

	// MaxClassBytes is the largest class. Larger requests are served by
	// the device directly.
	MaxClassBytes int64

	// GrowthFactor is the ratio between consecutive classes.
	GrowthFactor float64

	// DefaultBudget is used by ActivateDefault.
	DefaultBudget int64
}

// DefaultConfig returns the conservative defaults: 512-byte alignment,
// 1.25x class growth (at most 25% waste above one granule), 256 MiB largest
// class and a 64 MiB budget.
func DefaultConfig() Config {
	return Config{
		Alignment:     device.DefaultAlignment,
		MinClassBytes: device.DefaultAlignment,
		MaxClassBytes: 256 * MB,
		GrowthFactor:  1.25,
		DefaultBudget: 64 * MB,
	}
}

// Validate reports configuration errors as status.ErrInvalidArgument.
func (c Config) Validate() error {
	switch {
	case !device.IsPowerOfTwo(c.Alignment):
		return fmt.Errorf("pool alignment %d is not a power of two: %w", c.Alignment, status.ErrInvalidArgument)
	case c.MinClassBytes <= 0:
		return fmt.Errorf("pool min class %d: %w", c.MinClassBytes, status.ErrInvalidArgument)
	case c.MaxClassBytes < c.MinClassBytes:
		return fmt.Errorf("pool max class %d below min class %d: %w", c.MaxClassBytes, c.MinClassBytes, status.ErrInvalidArgument)
	case c.GrowthFactor <= 1 || c.GrowthFactor > 4:
		return fmt.Errorf("pool growth factor %.3f outside (1, 4]: %w", c.GrowthFactor, status.ErrInvalidArgument)
	case c.DefaultBudget < 0:
		return fmt.Errorf("pool default budget %d: %w", c.DefaultBudget, status.ErrInvalidArgument)
	}
	return nil
}
