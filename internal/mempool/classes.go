package mempool

import (
	"math"
	"sort"

	"github.com/23skdu/longbow-stride/internal/device"
)

// SizeClasses maps request sizes onto a fixed ascending progression of
// aligned class sizes. Consecutive classes differ by at least one alignment
// granule and grow geometrically by the configured factor, so the waste of
// rounding a request up is bounded (see WasteBound).
type SizeClasses struct {
	sizes  []int64
	align  int64
	growth float64
}

// NewSizeClasses builds the class table described by cfg.
func NewSizeClasses(cfg Config) (*SizeClasses, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	align := cfg.Alignment
	maxClass := device.AlignUp(cfg.MaxClassBytes, align)
	first := device.AlignUp(cfg.MinClassBytes, align)

	sizes := []int64{first}
	for prev := first; prev < maxClass; {
		next := int64(math.Ceil(float64(prev) * cfg.GrowthFactor))
		if next < prev+align {
			next = prev + align
		}
		next = device.AlignUp(next, align)
		if next > maxClass {
			next = maxClass
		}
		sizes = append(sizes, next)
		prev = next
	}

	return &SizeClasses{
		sizes:  sizes,
		align:  align,
		growth: cfg.GrowthFactor,
	}, nil
}

// Len returns the number of classes.
func (s *SizeClasses) Len() int {
	return len(s.sizes)
}

// Size returns the byte size of class i.
func (s *SizeClasses) Size(i int) int64 {
	return s.sizes[i]
}

// Max returns the largest class size.
func (s *SizeClasses) Max() int64 {
	return s.sizes[len(s.sizes)-1]
}

// Lookup returns the index and size of the smallest class holding n bytes.
// ok is false when n exceeds the largest class.
func (s *SizeClasses) Lookup(n int64) (index int, size int64, ok bool) {
	i := sort.Search(len(s.sizes), func(i int) bool {
		return s.sizes[i] >= n
	})
	if i == len(s.sizes) {
		return -1, 0, false
	}
	return i, s.sizes[i], true
}

// ClassFor returns the class size serving an n-byte request. Requests above
// the largest class are rounded to the alignment, which is how the pool
// sizes their direct allocations.
func (s *SizeClasses) ClassFor(n int64) int64 {
	if n <= 0 {
		return s.sizes[0]
	}
	if _, size, ok := s.Lookup(n); ok {
		return size
	}
	return device.AlignUp(n, s.align)
}

// WasteBound is the largest possible ClassFor(n)-n:
// max(smallest class - 1, ceil((growth-1)*n) + alignment).
func (s *SizeClasses) WasteBound(n int64) int64 {
	bound := int64(math.Ceil((s.growth-1)*float64(n))) + s.align
	if floor := s.sizes[0] - 1; floor > bound {
		return floor
	}
	return bound
}
