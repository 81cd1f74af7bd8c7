// Package mempool implements the device memory pool: a caching allocator
// that reserves one contiguous budget from the device and serves scratch
// requests from size-class free lists, falling back to direct device
// allocations when the pool is inactive or exhausted.
//
// A Pool is host-side bookkeeping and is not safe for concurrent use.
package mempool

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/status"
)

// State is the lifecycle state of a Pool.
type State int

const (
	StateUninitialized State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of pool bookkeeping.
type Stats struct {
	State             State
	Budget            int64 // bytes reserved from the device
	Carved            int64 // bytes of the budget turned into blocks
	Outstanding       int64 // class bytes lent out
	HighWater         int64 // peak Outstanding during this activation
	OutstandingBlocks int
	FreeBlocks        int
	DirectLive        int // direct allocations not yet freed

	// Lifetime counters, kept across activations.
	Hits      uint64
	Carves    uint64
	Fallbacks uint64
}

// Pool is a handle to one device memory pool. Every allocation, free and
// lifecycle call goes through the handle, so independent pools (per test,
// per device) do not share state.
type Pool struct {
	backend  device.Backend
	cfg      Config
	classes  *SizeClasses
	registry *Registry

	state     State
	region    device.Ptr // device allocation backing the budget
	base      device.Ptr // region rounded up to cfg.Alignment
	budget    int64
	carved    int64
	highWater int64

	direct map[device.Ptr]int64

	hits      uint64
	carves    uint64
	fallbacks uint64
}

// New creates an inactive pool on backend.
func New(backend device.Backend, cfg Config) (*Pool, error) {
	classes, err := NewSizeClasses(cfg)
	if err != nil {
		return nil, err
	}
	if devAlign := int64(backend.Alignment()); cfg.Alignment < devAlign || cfg.Alignment%devAlign != 0 {
		return nil, fmt.Errorf("pool alignment %d is not a multiple of device alignment %d: %w",
			cfg.Alignment, devAlign, status.ErrInvalidArgument)
	}

	return &Pool{
		backend:  backend,
		cfg:      cfg,
		classes:  classes,
		registry: NewRegistry(classes.Len()),
		direct:   make(map[device.Ptr]int64),
	}, nil
}

// Backend returns the device the pool allocates from.
func (p *Pool) Backend() device.Backend {
	return p.backend
}

// Config returns the pool's allocation policy.
func (p *Pool) Config() Config {
	return p.cfg
}

// Classes returns the size-class table.
func (p *Pool) Classes() *SizeClasses {
	return p.classes
}

// Active reports whether the pool holds a reserved budget.
func (p *Pool) Active() bool {
	return p.state == StateActive
}

// ActivateDefault activates the pool with the configured default budget.
func (p *Pool) ActivateDefault() error {
	return p.Activate(p.cfg.DefaultBudget)
}

// Activate reserves budget bytes from the device. Activating an active pool
// fails with status.ErrInvalidState; a device that cannot hold the budget
// fails with status.ErrResourceExhausted.
func (p *Pool) Activate(budget int64) error {
	if p.state == StateActive {
		return fmt.Errorf("activate pool: already active with %d bytes: %w", p.budget, status.ErrInvalidState)
	}
	if budget <= 0 {
		return fmt.Errorf("activate pool with %d bytes: %w", budget, status.ErrInvalidArgument)
	}

	budget = device.AlignUp(budget, p.cfg.Alignment)
	slack := p.cfg.Alignment - int64(p.backend.Alignment())

	region, err := p.backend.Malloc(budget + slack)
	if err != nil {
		return fmt.Errorf("activate pool with %d bytes: %w", budget, err)
	}

	p.region = region
	p.base = device.Ptr(device.AlignUp(int64(region), p.cfg.Alignment))
	p.budget = budget
	p.carved = 0
	p.highWater = 0
	p.state = StateActive

	poolReservedBytes.Add(float64(budget))
	log.Debug().
		Str("device", p.backend.Name()).
		Int64("budget", budget).
		Int("classes", p.classes.Len()).
		Msg("Memory pool activated")
	return nil
}

// Allocate returns size bytes of device memory. While active the request is
// rounded to its size class and served from the class free list, or carved
// from the remaining budget; when neither is possible, or the pool is
// inactive, the device allocates directly.
func (p *Pool) Allocate(size int64) (device.Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("allocate %d bytes: %w", size, status.ErrInvalidArgument)
	}
	if p.state != StateActive {
		return p.allocateDirect(size, "inactive")
	}

	class, classSize, ok := p.classes.Lookup(size)
	if !ok {
		return p.allocateDirect(size, "oversized")
	}

	if b := p.registry.Acquire(class, size); b != nil {
		p.hits++
		poolHits.Inc()
		p.noteOutstanding()
		return b.Base, nil
	}

	if p.carved+classSize <= p.budget {
		base := p.base.Add(p.carved)
		p.carved += classSize
		p.registry.Carve(base, class, classSize, size)
		p.carves++
		poolCarves.Inc()
		p.noteOutstanding()
		return base, nil
	}

	return p.allocateDirect(size, "budget")
}

func (p *Pool) allocateDirect(size int64, reason string) (device.Ptr, error) {
	ptr, err := p.backend.Malloc(device.AlignUp(size, p.cfg.Alignment))
	if err != nil {
		return 0, fmt.Errorf("allocate %d bytes (%s): %w", size, reason, err)
	}
	p.direct[ptr] = size

	if p.state == StateActive {
		p.fallbacks++
		poolFallbacks.Inc()
		log.Debug().
			Int64("size", size).
			Str("reason", reason).
			Int64("carved", p.carved).
			Int64("budget", p.budget).
			Msg("Memory pool fallback to direct allocation")
	}
	return ptr, nil
}

func (p *Pool) noteOutstanding() {
	out := p.registry.Outstanding()
	if out > p.highWater {
		p.highWater = out
	}
	poolOutstandingBytes.Set(float64(out))
}

// Owns reports whether ptr is a block carved from the reserved budget, as
// opposed to a direct device allocation.
func (p *Pool) Owns(ptr device.Ptr) bool {
	_, ok := p.registry.Lookup(ptr)
	return ok
}

// Free returns ptr. Pool blocks go back on their class free list; direct
// allocations are released to the device. Freeing a pointer that is not
// outstanding fails with status.ErrInvalidState.
func (p *Pool) Free(ptr device.Ptr) error {
	if ptr == 0 {
		return fmt.Errorf("free null pointer: %w", status.ErrInvalidArgument)
	}

	if b, ok := p.registry.Lookup(ptr); ok {
		if err := p.registry.Release(b); err != nil {
			return err
		}
		poolOutstandingBytes.Set(float64(p.registry.Outstanding()))
		return nil
	}

	if _, ok := p.direct[ptr]; ok {
		delete(p.direct, ptr)
		return p.backend.Free(ptr)
	}

	return fmt.Errorf("free %#x: not allocated by this pool: %w", uint64(ptr), status.ErrInvalidState)
}

// Shutdown releases the reserved budget. Every pool block must have been
// freed first; otherwise Shutdown fails with status.ErrInvalidState and the
// pool stays active. Direct allocations are unaffected.
func (p *Pool) Shutdown() error {
	if p.state != StateActive {
		return fmt.Errorf("shutdown pool: %s: %w", p.state, status.ErrInvalidState)
	}
	if n := p.registry.InUse(); n > 0 {
		return fmt.Errorf("shutdown pool: %d blocks (%d bytes) still in use: %w",
			n, p.registry.Outstanding(), status.ErrInvalidState)
	}
	if err := p.backend.Free(p.region); err != nil {
		return fmt.Errorf("shutdown pool: release budget: %w", err)
	}

	log.Debug().
		Int64("budget", p.budget).
		Int64("carved", p.carved).
		Int64("high_water", p.highWater).
		Int("blocks", p.registry.Blocks()).
		Msg("Memory pool shut down")

	poolReservedBytes.Sub(float64(p.budget))
	poolOutstandingBytes.Set(0)

	p.registry.Reset()
	p.region = 0
	p.base = 0
	p.budget = 0
	p.carved = 0
	p.highWater = 0
	p.state = StateUninitialized
	return nil
}

// Stats returns a snapshot of the pool bookkeeping.
func (p *Pool) Stats() Stats {
	return Stats{
		State:             p.state,
		Budget:            p.budget,
		Carved:            p.carved,
		Outstanding:       p.registry.Outstanding(),
		HighWater:         p.highWater,
		OutstandingBlocks: p.registry.InUse(),
		FreeBlocks:        p.registry.FreeBlocks(),
		DirectLive:        len(p.direct),
		Hits:              p.hits,
		Carves:            p.carves,
		Fallbacks:         p.fallbacks,
	}
}
