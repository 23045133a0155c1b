package raycast

import (
	"time"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/parallel"
)

// FindVisibleBlocks stores in rs the slots of all allocated blocks that may
// be seen from pose, in ascending slot order, and returns their number.
func (e *Engine[V]) FindVisibleBlocks(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) int {
	defer instrumentStage("visible_blocks", time.Now())

	p := vol.Params()
	index := vol.Index()
	capacity := vol.Pool().Capacity()
	if e.visible == nil || e.visible.Len() != capacity {
		e.visible = parallel.NewBitset(capacity)
	} else {
		e.visible.Clear()
	}

	e.opts.exec.For(index.Len(), func(lo, hi int) {
		index.AllocatedIn(lo, hi, func(entry tsdf.HashEntry) {
			if tsdf.BlockInView(entry.Key().Coord, pose, in, &p) {
				e.visible.Set(int(entry.Ptr))
			}
		})
	})

	slots := e.visible.AppendTo(make([]int32, 0, e.visible.Count()))
	rs.SetVisibleBlocks(slots)
	return len(slots)
}

// CountVisibleBlocks returns how many visible blocks of rs have a slot in
// [minSlot, maxSlot].
func CountVisibleBlocks(rs *tsdf.RenderState, minSlot, maxSlot int32) int {
	n := 0
	for _, slot := range rs.VisibleBlocks() {
		if slot >= minSlot && slot <= maxSlot {
			n++
		}
	}
	return n
}

// CountVisibleBlocksInBox returns how many visible blocks of rs lie in the
// block-coordinate box [lo, hi], bounds included.
func CountVisibleBlocksInBox[V tsdf.VoxelKind[V]](vol *tsdf.Volume[V], rs *tsdf.RenderState, lo, hi tsdf.BlockCoord) int {
	n := 0
	for _, slot := range rs.VisibleBlocks() {
		c := vol.KeyOf(slot).Coord
		if c.X >= lo.X && c.Y >= lo.Y && c.Z >= lo.Z && c.X <= hi.X && c.Y <= hi.Y && c.Z <= hi.Z {
			n++
		}
	}
	return n
}
