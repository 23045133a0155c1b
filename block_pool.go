package tsdf

import (
	"fmt"
	"sync/atomic"
)

// BlockPool is fixed-capacity contiguous storage for voxel blocks. Slots are
// handed out from a free list with one atomic decrement per pop and are only
// returned all at once by ReleaseAll.
type BlockPool[V any] struct {
	voxels   []V
	free     *freeList
	overflow atomic.Uint64
}

var _ SlotAllocator = (*BlockPool[Voxel])(nil)

// NewBlockPool allocates storage for capacity blocks.
func NewBlockPool[V any](capacity int) (*BlockPool[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: block capacity %d", ErrInvalidParams, capacity)
	}
	return &BlockPool[V]{
		voxels: make([]V, capacity*BlockSize3),
		free:   newFreeList(capacity),
	}, nil
}

// Allocate pops a free slot, or returns -1 and counts an overflow when the
// pool is full.
func (p *BlockPool[V]) Allocate() int32 {
	slot := p.free.pop()
	if slot < 0 {
		p.overflow.Add(1)
	}
	return slot
}

// ReleaseAll zeroes all blocks and returns every slot to the free list.
func (p *BlockPool[V]) ReleaseAll() {
	clear(p.voxels)
	p.free.reset()
}

// Block returns the voxels of slot as a BlockSize3-long slice.
func (p *BlockPool[V]) Block(slot int32) []V {
	off := int(slot) * BlockSize3
	return p.voxels[off : off+BlockSize3 : off+BlockSize3]
}

// Voxels returns the whole payload array.
func (p *BlockPool[V]) Voxels() []V { return p.voxels }

// Capacity returns the number of block slots.
func (p *BlockPool[V]) Capacity() int { return len(p.free.ids) }

// Allocated returns the number of slots in use.
func (p *BlockPool[V]) Allocated() int { return p.Capacity() - p.free.remaining() }

// LastFreeSlot returns the index of the top of the free list, -1 when full.
func (p *BlockPool[V]) LastFreeSlot() int32 { return p.free.top() }

// Overflow returns how many pops failed because the pool was full.
func (p *BlockPool[V]) Overflow() uint64 { return p.overflow.Load() }
