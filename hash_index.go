package tsdf

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
)

// HashEntry is one record of the block hash table. Its layout is the
// on-disk layout of hash.dat.
type HashEntry struct {
	X, Y, Z int32
	Dir     int32
	Offset  int32 // index into the excess region of the next entry in the chain, -1 at the end
	Ptr     int32 // pool slot, < 0 when unallocated
}

// Key returns the block key stored in the entry.
func (e HashEntry) Key() BlockKey {
	return BlockKey{Coord: BlockCoord{e.X, e.Y, e.Z}, Dir: Direction(e.Dir)}
}

// Allocated reports whether the entry owns a pool slot.
func (e HashEntry) Allocated() bool { return e.Ptr >= 0 }

func (e *HashEntry) setKey(k BlockKey) {
	e.X, e.Y, e.Z, e.Dir = k.Coord.X, k.Coord.Y, k.Coord.Z, int32(k.Dir)
}

func (e *HashEntry) matches(k BlockKey) bool {
	return e.X == k.Coord.X && e.Y == k.Coord.Y && e.Z == k.Coord.Z && e.Dir == int32(k.Dir)
}

var emptyEntry = HashEntry{Dir: int32(DirectionNone), Offset: -1, Ptr: -1}

// AllocStatus is the outcome of HashIndex.Allocate.
type AllocStatus uint8

const (
	// AllocFound means the key already owned a slot.
	AllocFound AllocStatus = iota
	// AllocInserted means this call allocated the slot.
	AllocInserted
	// AllocPoolExhausted means the entry exists but the pool had no slot.
	AllocPoolExhausted
	// AllocIndexExhausted means neither a bucket nor an excess entry was
	// available for the key.
	AllocIndexExhausted
)

func (s AllocStatus) String() string {
	switch s {
	case AllocFound:
		return "found"
	case AllocInserted:
		return "inserted"
	case AllocPoolExhausted:
		return "pool_exhausted"
	case AllocIndexExhausted:
		return "index_exhausted"
	}
	return fmt.Sprintf("AllocStatus(%d)", s)
}

// Dropped reports whether the request could not be satisfied.
func (s AllocStatus) Dropped() bool {
	return s == AllocPoolExhausted || s == AllocIndexExhausted
}

// SlotAllocator hands out pool slots. BlockPool implements it.
type SlotAllocator interface {
	Allocate() int32
}

// Index is the capability the engines need from a block index.
type Index interface {
	Lookup(key BlockKey) (slot int32, ok bool)
	Allocate(key BlockKey, slots SlotAllocator) (slot int32, status AllocStatus)
}

// Per-entry node states. Only bucket heads are ever nodeFree; excess
// entries are written already keyed by the goroutine that links them.
const (
	nodeFree uint32 = iota
	nodeClaiming
	nodeKeyed
	nodeAllocating
	nodeReady
	nodeStarved
)

// Per-entry link states guarding Offset.
const (
	linkNone uint32 = iota
	linkPending
	linkSet
	linkExhausted
)

// HashIndex maps block keys to pool slots. It is a fixed array of buckets
// followed by a bounded excess region; colliding keys are chained through
// HashEntry.Offset.
//
// Allocate is lock-free and idempotent: any number of goroutines may
// request the same key and exactly one of them inserts it. Lookup may run
// concurrently with Allocate.
type HashIndex struct {
	entries  []HashEntry
	state    []atomic.Uint32
	link     []atomic.Uint32
	excess   *freeList
	buckets  int
	mask     uint32
	overflow atomic.Uint64
}

var _ Index = (*HashIndex)(nil)

// NewHashIndex creates an index with bucketCount buckets (a power of two)
// and excessCount overflow entries.
func NewHashIndex(bucketCount, excessCount int) (*HashIndex, error) {
	if bucketCount <= 0 || bits.OnesCount(uint(bucketCount)) != 1 {
		return nil, fmt.Errorf("%w: bucket count %d is not a power of two", ErrInvalidParams, bucketCount)
	}
	if excessCount < 0 {
		return nil, fmt.Errorf("%w: excess count %d", ErrInvalidParams, excessCount)
	}
	n := bucketCount + excessCount
	h := &HashIndex{
		entries: make([]HashEntry, n),
		state:   make([]atomic.Uint32, n),
		link:    make([]atomic.Uint32, n),
		excess:  newFreeList(excessCount),
		buckets: bucketCount,
		mask:    uint32(bucketCount - 1),
	}
	h.Reset()
	return h, nil
}

// BucketCount returns the number of buckets.
func (h *HashIndex) BucketCount() int { return h.buckets }

// ExcessCount returns the size of the excess region.
func (h *HashIndex) ExcessCount() int { return len(h.entries) - h.buckets }

// Overflow returns how many allocation requests were dropped because the
// index had no entry for them.
func (h *HashIndex) Overflow() uint64 { return h.overflow.Load() }

// Lookup returns the slot of key, if it is allocated.
func (h *HashIndex) Lookup(key BlockKey) (int32, bool) {
	idx := int(hashKey(key, h.mask))
	for hops := 0; hops <= h.ExcessCount(); hops++ {
		st := h.state[idx].Load()
		if st < nodeKeyed {
			return -1, false
		}
		e := &h.entries[idx]
		if e.matches(key) {
			if st == nodeReady {
				return e.Ptr, true
			}
			return -1, false
		}
		if h.link[idx].Load() != linkSet {
			return -1, false
		}
		idx = h.buckets + int(e.Offset)
	}
	return -1, false
}

// Allocate returns the slot of key, inserting the key and popping a slot
// from slots if it is absent. Exhaustion is reported through the status and
// never blocks later requests for keys that already exist.
func (h *HashIndex) Allocate(key BlockKey, slots SlotAllocator) (int32, AllocStatus) {
	idx := int(hashKey(key, h.mask))
	for {
		switch h.state[idx].Load() {
		case nodeFree:
			if h.state[idx].CompareAndSwap(nodeFree, nodeClaiming) {
				e := &h.entries[idx]
				e.setKey(key)
				e.Ptr = -1
				e.Offset = -1
				h.state[idx].Store(nodeKeyed)
			}
			continue
		case nodeClaiming:
			runtime.Gosched()
			continue
		}

		e := &h.entries[idx]
		if e.matches(key) {
			return h.claimSlot(idx, slots)
		}

		switch h.link[idx].Load() {
		case linkSet:
			idx = h.buckets + int(e.Offset)
		case linkPending:
			runtime.Gosched()
		case linkExhausted:
			h.overflow.Add(1)
			return -1, AllocIndexExhausted
		case linkNone:
			if !h.link[idx].CompareAndSwap(linkNone, linkPending) {
				continue
			}
			ex := h.excess.pop()
			if ex < 0 {
				h.link[idx].Store(linkExhausted)
				h.overflow.Add(1)
				return -1, AllocIndexExhausted
			}
			next := h.buckets + int(ex)
			ne := &h.entries[next]
			*ne = emptyEntry
			ne.setKey(key)
			h.link[next].Store(linkNone)
			h.state[next].Store(nodeKeyed)
			e.Offset = ex
			h.link[idx].Store(linkSet)
			idx = next
		}
	}
}

// claimSlot gives a keyed entry its pool slot exactly once.
func (h *HashIndex) claimSlot(idx int, slots SlotAllocator) (int32, AllocStatus) {
	for {
		switch h.state[idx].Load() {
		case nodeReady:
			return h.entries[idx].Ptr, AllocFound
		case nodeStarved:
			return -1, AllocPoolExhausted
		case nodeKeyed:
			if !h.state[idx].CompareAndSwap(nodeKeyed, nodeAllocating) {
				continue
			}
			slot := slots.Allocate()
			if slot < 0 {
				h.state[idx].Store(nodeStarved)
				return -1, AllocPoolExhausted
			}
			h.entries[idx].Ptr = slot
			h.state[idx].Store(nodeReady)
			return slot, AllocInserted
		default:
			runtime.Gosched()
		}
	}
}

// Entries returns the raw table, buckets first. The slice must not be
// modified and is only consistent when no Allocate is in flight.
func (h *HashIndex) Entries() []HashEntry {
	return h.entries
}

// Len returns the number of table entries, buckets plus excess.
func (h *HashIndex) Len() int { return len(h.entries) }

// AllocatedIn calls fn for every allocated entry with table index in
// [lo, hi), in table order.
func (h *HashIndex) AllocatedIn(lo, hi int, fn func(e HashEntry)) {
	for i := lo; i < hi; i++ {
		if h.state[i].Load() == nodeReady {
			fn(h.entries[i])
		}
	}
}

// ForEachAllocated calls fn for every allocated entry in table order.
func (h *HashIndex) ForEachAllocated(fn func(e HashEntry)) {
	h.AllocatedIn(0, len(h.entries), fn)
}

// Reset empties the index. It must not run concurrently with other calls.
func (h *HashIndex) Reset() {
	for i := range h.entries {
		h.entries[i] = emptyEntry
		h.state[i].Store(nodeFree)
		h.link[i].Store(linkNone)
	}
	h.excess.reset()
	h.overflow.Store(0)
}

// IndexStats summarises table occupancy.
type IndexStats struct {
	Buckets       int
	BucketsUsed   int
	Excess        int
	ExcessUsed    int
	Allocated     int
	LongestChain  int
	DroppedInsert uint64
}

// Stats walks the table. It must not run concurrently with Allocate.
func (h *HashIndex) Stats() IndexStats {
	s := IndexStats{
		Buckets:       h.buckets,
		Excess:        h.ExcessCount(),
		ExcessUsed:    h.ExcessCount() - h.excess.remaining(),
		DroppedInsert: h.overflow.Load(),
	}
	for i := range h.buckets {
		if h.state[i].Load() == nodeFree {
			continue
		}
		s.BucketsUsed++
		chain := 1
		for idx := i; h.link[idx].Load() == linkSet; idx = h.buckets + int(h.entries[idx].Offset) {
			chain++
		}
		s.LongestChain = max(s.LongestChain, chain)
	}
	for i := range h.entries {
		if h.state[i].Load() == nodeReady {
			s.Allocated++
		}
	}
	return s
}

// restore replaces the table with persisted contents and rebuilds the
// per-entry states from Ptr and Offset. The dump is validated before
// anything is modified.
func (h *HashIndex) restore(entries []HashEntry, excessIDs []int32, excessTop int32) error {
	if len(entries) != len(h.entries) || len(excessIDs) != h.ExcessCount() {
		return fmt.Errorf("%w: hash table has %d entries, dump has %d", ErrLayoutMismatch, len(h.entries), len(entries))
	}

	// every chain must stay inside the excess region and reach each excess
	// entry at most once
	linked := make([]bool, h.ExcessCount())
	for i := range h.buckets {
		for idx := i; entries[idx].Offset >= 0; {
			off := int(entries[idx].Offset)
			if off >= len(linked) || linked[off] {
				return fmt.Errorf("%w: corrupt hash chain at entry %d", ErrLayoutMismatch, idx)
			}
			linked[off] = true
			idx = h.buckets + off
		}
	}

	h.Reset()
	copy(h.entries, entries)
	h.excess.restore(excessIDs, excessTop)

	for i := range h.buckets {
		if h.entries[i].Ptr < 0 && h.entries[i].Offset < 0 {
			continue
		}
		for idx := i; ; idx = h.buckets + int(h.entries[idx].Offset) {
			if h.entries[idx].Ptr >= 0 {
				h.state[idx].Store(nodeReady)
			} else {
				h.state[idx].Store(nodeKeyed)
			}
			if h.entries[idx].Offset < 0 {
				break
			}
			h.link[idx].Store(linkSet)
		}
	}
	return nil
}
