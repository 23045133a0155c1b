package tsdf

import (
	"time"

	"github.com/google/uuid"
)

// Volume is a sparse TSDF: a hash index mapping block keys to slots of a
// block pool, plus the scene parameters the blocks were fused with.
//
// A volume has a single writer per frame (fusion) and any number of readers
// once the writer returns. Reset, Save and Load require exclusive access.
type Volume[V VoxelKind[V]] struct {
	id       uuid.UUID
	params   SceneParams
	index    *HashIndex
	pool     *BlockPool[V]
	slotKeys []BlockKey
	compress bool
	warn     warnLimiter
}

// NewVolume creates an empty volume.
func NewVolume[V VoxelKind[V]](params SceneParams, opts ...Option) (*Volume[V], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	o := defaultVolumeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	index, err := NewHashIndex(o.buckets, o.excess)
	if err != nil {
		return nil, err
	}
	pool, err := NewBlockPool[V](o.blocks)
	if err != nil {
		return nil, err
	}

	id := o.id
	if id == uuid.Nil {
		id = uuid.New()
	}

	v := &Volume[V]{
		id:       id,
		params:   params,
		index:    index,
		pool:     pool,
		slotKeys: make([]BlockKey, o.blocks),
		compress: o.compress,
		warn:     warnLimiter{interval: time.Second},
	}
	var zero V
	Logger().Info("tsdf: volume created",
		"id", id.String(),
		"layout", zero.Layout().Name,
		"blocks", o.blocks,
		"buckets", o.buckets,
		"excess", o.excess,
		"directional", params.Directional)
	return v, nil
}

// ID returns the scene identifier written to dumps.
func (v *Volume[V]) ID() uuid.UUID { return v.id }

// Params returns a copy of the scene parameters.
func (v *Volume[V]) Params() SceneParams { return v.params }

// Index returns the block hash index.
func (v *Volume[V]) Index() *HashIndex { return v.index }

// Pool returns the block pool.
func (v *Volume[V]) Pool() *BlockPool[V] { return v.pool }

// Layout returns the voxel layout of the volume.
func (v *Volume[V]) Layout() Layout {
	var zero V
	return zero.Layout()
}

// Allocate returns the slot of key, inserting it if needed. It is safe for
// concurrent use. Exhaustion drops the request and is counted, logged at
// most once per second, and reported through the status.
func (v *Volume[V]) Allocate(key BlockKey) (int32, AllocStatus) {
	slot, status := v.index.Allocate(key, v.pool)
	switch status {
	case AllocInserted:
		v.slotKeys[slot] = key
		instrumentBlockAllocated()
	case AllocPoolExhausted, AllocIndexExhausted:
		instrumentAllocationDropped(status)
		v.warn.Warn("tsdf: block allocation dropped",
			"reason", status.String(),
			"allocated", v.pool.Allocated(),
			"capacity", v.pool.Capacity())
	}
	return slot, status
}

// Lookup returns the slot of key if it is allocated.
func (v *Volume[V]) Lookup(key BlockKey) (int32, bool) {
	return v.index.Lookup(key)
}

// Block returns the voxels stored in slot.
func (v *Volume[V]) Block(slot int32) []V {
	return v.pool.Block(slot)
}

// KeyOf returns the key a slot was allocated for.
func (v *Volume[V]) KeyOf(slot int32) BlockKey {
	return v.slotKeys[slot]
}

// Voxel returns the voxel at integer voxel coordinates in channel dir.
// ok is false when the containing block is not allocated.
func (v *Volume[V]) Voxel(x, y, z int32, dir Direction) (vox V, ok bool) {
	slot, ok := v.index.Lookup(BlockKey{Coord: BlockOfVoxel(x, y, z), Dir: dir})
	if !ok {
		return vox, false
	}
	return v.pool.Block(slot)[LocalIndex(x, y, z)], true
}

// AllocatedBlocks returns the number of blocks in use.
func (v *Volume[V]) AllocatedBlocks() int {
	return v.pool.Allocated()
}

// Overflow returns the dropped-request counters of the index and the pool.
func (v *Volume[V]) Overflow() (index, pool uint64) {
	return v.index.Overflow(), v.pool.Overflow()
}

// AllocationsPerDirection counts allocated blocks per channel. Index
// NumDirections holds the non-directional blocks.
func (v *Volume[V]) AllocationsPerDirection() [NumDirections + 1]int {
	var counts [NumDirections + 1]int
	v.index.ForEachAllocated(func(e HashEntry) {
		d := Direction(e.Dir)
		if d == DirectionNone {
			counts[NumDirections]++
			return
		}
		counts[d]++
	})
	return counts
}

// Reset frees every block.
func (v *Volume[V]) Reset() {
	v.index.Reset()
	v.pool.ReleaseAll()
	clear(v.slotKeys)
	instrumentVolumeReset()
	Logger().Info("tsdf: volume reset", "id", v.id.String())
}

func (v *Volume[V]) rebuildSlotKeys() {
	clear(v.slotKeys)
	v.index.ForEachAllocated(func(e HashEntry) {
		if int(e.Ptr) < len(v.slotKeys) {
			v.slotKeys[e.Ptr] = e.Key()
		}
	})
}
