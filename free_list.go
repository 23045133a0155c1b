package tsdf

import "sync/atomic"

// freeList is a stack of free indices popped with a single atomic
// decrement. Indices are only returned by reset, so concurrent pops never
// race with pushes.
type freeList struct {
	ids  []int32
	last atomic.Int32 // index of the top of the stack, -1 when empty
}

func newFreeList(n int) *freeList {
	f := &freeList{ids: make([]int32, n)}
	f.reset()
	return f
}

// pop returns a free index, or -1 when the list is exhausted.
func (f *freeList) pop() int32 {
	i := f.last.Add(-1) + 1
	if i < 0 {
		f.last.Add(1)
		return -1
	}
	return f.ids[i]
}

func (f *freeList) reset() {
	for i := range f.ids {
		f.ids[i] = int32(i)
	}
	f.last.Store(int32(len(f.ids) - 1))
}

// top returns the stack top. Only meaningful outside concurrent pops.
func (f *freeList) top() int32 {
	return max(f.last.Load(), -1)
}

// remaining returns how many indices are left.
func (f *freeList) remaining() int {
	return int(f.top()) + 1
}

func (f *freeList) restore(ids []int32, top int32) {
	copy(f.ids, ids)
	f.last.Store(top)
}
