package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/status"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

const (
	// DefaultAlignment matches the pitch alignment of common GPUs.
	DefaultAlignment = 512

	// baseAddress keeps the first allocation away from the null pointer.
	baseAddress Ptr = 0x10000
)

// region is one live device allocation.
type region struct {
	base Ptr
	data []byte
}

func (r region) end() Ptr {
	return r.base.Add(int64(len(r.data)))
}

// CPUBackend emulates a compute device in host memory. It owns a private
// address space, enforces a capacity limit and executes stream work on
// goroutines, so allocation failures and asynchronous ordering behave the
// way they do on a discrete GPU.
type CPUBackend struct {
	mu        sync.Mutex
	capacity  int64
	allocated int64
	align     int
	next      Ptr
	regions   []region // sorted by base; addresses are never reused
}

// NewCPUBackend creates an emulated device with capacity bytes of memory.
func NewCPUBackend(capacity int64) *CPUBackend {
	return NewCPUBackendWithAlignment(capacity, DefaultAlignment)
}

// NewCPUBackendWithAlignment creates an emulated device whose allocations and
// pitches are aligned to align bytes (a power of two).
func NewCPUBackendWithAlignment(capacity int64, align int) *CPUBackend {
	if !IsPowerOfTwo(int64(align)) {
		panic(fmt.Sprintf("device: alignment %d is not a power of two", align))
	}
	return &CPUBackend{
		capacity: capacity,
		align:    align,
		next:     baseAddress,
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Alignment() int {
	return b.align
}

func (b *CPUBackend) Malloc(size int64) (Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("device malloc %d bytes: %w", size, status.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocated+size > b.capacity {
		deviceAllocFailures.Inc()
		log.Warn().
			Int64("requested", size).
			Int64("allocated", b.allocated).
			Int64("capacity", b.capacity).
			Msg("Device memory exhausted")
		return 0, fmt.Errorf("device malloc %d bytes (%d of %d in use): %w",
			size, b.allocated, b.capacity, status.ErrResourceExhausted)
	}

	p := b.next
	b.regions = append(b.regions, region{base: p, data: make([]byte, size)})
	// Leave a guard granule so one-past-the-end never aliases the next region.
	b.next = p.Add(AlignUp(size, int64(b.align)) + int64(b.align))
	b.allocated += size

	deviceAllocations.Inc()
	deviceAllocatedBytes.Add(float64(size))
	return p, nil
}

func (b *CPUBackend) MallocPitch(widthBytes, height int) (Ptr, int, error) {
	if widthBytes <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("device malloc pitch %dx%d: %w", widthBytes, height, status.ErrInvalidArgument)
	}
	pitch := int(AlignUp(int64(widthBytes), int64(b.align)))
	p, err := b.Malloc(int64(pitch) * int64(height))
	if err != nil {
		return 0, 0, err
	}
	return p, pitch, nil
}

func (b *CPUBackend) Free(p Ptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.search(p)
	if i < 0 || b.regions[i].base != p {
		return fmt.Errorf("device free %#x: not an allocation: %w", uint64(p), status.ErrInvalidState)
	}
	size := int64(len(b.regions[i].data))
	b.regions = append(b.regions[:i], b.regions[i+1:]...)
	b.allocated -= size

	deviceAllocatedBytes.Sub(float64(size))
	return nil
}

func (b *CPUBackend) CopyToDevice(dst Ptr, src []byte) error {
	view, err := b.View(dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(view, src)
	return nil
}

func (b *CPUBackend) CopyToHost(dst []byte, src Ptr) error {
	view, err := b.View(src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, view)
	return nil
}

func (b *CPUBackend) Memset(p Ptr, v byte, n int64) error {
	view, err := b.View(p, n)
	if err != nil {
		return err
	}
	for i := range view {
		view[i] = v
	}
	return nil
}

func (b *CPUBackend) View(p Ptr, n int64) ([]byte, error) {
	if p == 0 {
		return nil, fmt.Errorf("device view of null pointer: %w", status.ErrInvalidArgument)
	}
	if n < 0 {
		return nil, fmt.Errorf("device view of %d bytes: %w", n, status.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.search(p)
	if i < 0 {
		return nil, fmt.Errorf("device view %#x: unmapped address: %w", uint64(p), status.ErrInvalidArgument)
	}
	r := b.regions[i]
	if p.Add(n) > r.end() {
		return nil, fmt.Errorf("device view %#x+%d overruns allocation of %d bytes: %w",
			uint64(p), n, len(r.data), status.ErrInvalidArgument)
	}
	off := int64(p - r.base)
	return r.data[off : off+n : off+n], nil
}

// search returns the index of the region containing p, or -1.
func (b *CPUBackend) search(p Ptr) int {
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].end() > p
	})
	if i == len(b.regions) || b.regions[i].base > p {
		return -1
	}
	return i
}

func (b *CPUBackend) NewStream() *Stream {
	return NewStream()
}

func (b *CPUBackend) GetVRAMUsage() (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated, b.capacity
}
