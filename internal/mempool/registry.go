package mempool

import (
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/status"
)

// Block is a class-sized region carved from the pool budget. Blocks are
// never moved or freed individually.
type Block struct {
	Base      device.Ptr
	Class     int
	ClassSize int64
	Allocated int64 // bytes requested by the current owner
	InUse     bool
}

// Registry tracks every carved block and the per-class free lists. It is the
// only code that mutates Block state.
type Registry struct {
	blocks      map[device.Ptr]*Block
	free        [][]*Block // LIFO per class
	inUse       int
	outstanding int64
}

// NewRegistry creates an empty registry for numClasses classes.
func NewRegistry(numClasses int) *Registry {
	return &Registry{
		blocks: make(map[device.Ptr]*Block),
		free:   make([][]*Block, numClasses),
	}
}

// Acquire pops a free block of the given class and lends it out, or returns
// nil when the class free list is empty.
func (r *Registry) Acquire(class int, size int64) *Block {
	list := r.free[class]
	if len(list) == 0 {
		return nil
	}
	b := list[len(list)-1]
	list[len(list)-1] = nil
	r.free[class] = list[:len(list)-1]

	r.lend(b, size)
	return b
}

// Carve registers a new block at base and lends it out.
func (r *Registry) Carve(base device.Ptr, class int, classSize, size int64) *Block {
	b := &Block{
		Base:      base,
		Class:     class,
		ClassSize: classSize,
	}
	r.blocks[base] = b
	r.lend(b, size)
	return b
}

func (r *Registry) lend(b *Block, size int64) {
	b.InUse = true
	b.Allocated = size
	r.inUse++
	r.outstanding += b.ClassSize
}

// Lookup finds the block starting at p.
func (r *Registry) Lookup(p device.Ptr) (*Block, bool) {
	b, ok := r.blocks[p]
	return b, ok
}

// Release returns b to its class free list. Releasing a block that is not
// in use is a double free and leaves the free lists untouched.
func (r *Registry) Release(b *Block) error {
	if !b.InUse {
		return fmt.Errorf("free %#x: block already free: %w", uint64(b.Base), status.ErrInvalidState)
	}
	b.InUse = false
	b.Allocated = 0
	r.inUse--
	r.outstanding -= b.ClassSize
	r.free[b.Class] = append(r.free[b.Class], b)
	return nil
}

// InUse returns the number of blocks currently lent out.
func (r *Registry) InUse() int {
	return r.inUse
}

// Outstanding returns the class bytes currently lent out.
func (r *Registry) Outstanding() int64 {
	return r.outstanding
}

// Blocks returns the number of carved blocks.
func (r *Registry) Blocks() int {
	return len(r.blocks)
}

// FreeBlocks returns the number of blocks sitting on free lists.
func (r *Registry) FreeBlocks() int {
	return len(r.blocks) - r.inUse
}

// Reset forgets every block.
func (r *Registry) Reset() {
	r.blocks = make(map[device.Ptr]*Block)
	for i := range r.free {
		r.free[i] = nil
	}
	r.inUse = 0
	r.outstanding = 0
}
