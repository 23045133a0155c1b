package tsdf

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Reader samples one channel of a volume. It caches the last block it
// touched, so a Reader must not be shared between goroutines; create one
// per worker instead. Readers never modify the volume.
type Reader[V VoxelKind[V]] struct {
	vol       *Volume[V]
	dir       Direction
	cached    BlockCoord
	cacheSlot int32
	hasCache  bool
}

// NewReader returns a sampler for channel dir.
func (v *Volume[V]) NewReader(dir Direction) *Reader[V] {
	return &Reader[V]{vol: v, dir: dir}
}

// Direction returns the channel sampled by r.
func (r *Reader[V]) Direction() Direction { return r.dir }

func (r *Reader[V]) slot(c BlockCoord) int32 {
	if r.hasCache && c == r.cached {
		return r.cacheSlot
	}
	slot, ok := r.vol.index.Lookup(BlockKey{Coord: c, Dir: r.dir})
	if !ok {
		slot = -1
	}
	r.cached, r.cacheSlot, r.hasCache = c, slot, true
	return slot
}

// Voxel returns the voxel at integer coordinates; ok is false when its block
// is not allocated.
func (r *Reader[V]) Voxel(x, y, z int32) (vox V, ok bool) {
	slot := r.slot(BlockOfVoxel(x, y, z))
	if slot < 0 {
		return vox, false
	}
	return r.vol.pool.Block(slot)[LocalIndex(x, y, z)], true
}

// BlockAllocated reports whether the block containing the continuous voxel
// point p is allocated.
func (r *Reader[V]) BlockAllocated(p mgl32.Vec3) bool {
	return r.slot(BlockOfPoint(p)) >= 0
}

// corners visits the eight lattice neighbours of p with their trilinear
// weights. Neighbours in unallocated blocks or never observed are skipped.
func (r *Reader[V]) corners(p mgl32.Vec3, fn func(v V, w float32)) {
	bx, by, bz := math32.Floor(p[0]), math32.Floor(p[1]), math32.Floor(p[2])
	fx, fy, fz := p[0]-bx, p[1]-by, p[2]-bz
	x0, y0, z0 := int32(bx), int32(by), int32(bz)
	for i := range 8 {
		dx, dy, dz := int32(i&1), int32((i>>1)&1), int32(i>>2)
		w := lerpWeight(fx, dx) * lerpWeight(fy, dy) * lerpWeight(fz, dz)
		if w <= 0 {
			continue
		}
		v, ok := r.Voxel(x0+dx, y0+dy, z0+dz)
		if !ok || v.Confidence() <= 0 {
			continue
		}
		fn(v, w)
	}
}

func lerpWeight(f float32, d int32) float32 {
	if d == 0 {
		return 1 - f
	}
	return f
}

// SDF returns the trilinearly interpolated signed distance in metres at the
// continuous voxel point p. Missing neighbours are excluded and the
// remaining weights renormalised; ok is false when no neighbour is
// observed.
func (r *Reader[V]) SDF(p mgl32.Vec3) (sdf float32, ok bool) {
	var sum, wsum float32
	r.corners(p, func(v V, w float32) {
		sum += v.Distance() * w
		wsum += w
	})
	if wsum < 1e-6 {
		return 0, false
	}
	return sum / wsum, true
}

// Confidence returns the interpolated accumulated weight at p.
func (r *Reader[V]) Confidence(p mgl32.Vec3) (float32, bool) {
	var sum, wsum float32
	r.corners(p, func(v V, w float32) {
		sum += v.Confidence() * w
		wsum += w
	})
	if wsum < 1e-6 {
		return 0, false
	}
	return sum / wsum, true
}

// Colour returns the interpolated colour at p in [0, 1].
func (r *Reader[V]) Colour(p mgl32.Vec3) (mgl32.Vec3, bool) {
	var sum mgl32.Vec3
	var wsum float32
	r.corners(p, func(v V, w float32) {
		cr, cg, cb, ok := v.Colour()
		if !ok {
			return
		}
		sum = sum.Add(mgl32.Vec3{float32(cr), float32(cg), float32(cb)}.Mul(w))
		wsum += w
	})
	if wsum < 1e-6 {
		return mgl32.Vec3{}, false
	}
	return sum.Mul(1 / (255 * wsum)), true
}

// Gradient returns the normalised SDF gradient at p by central differences
// one voxel apart. ok is false when any sample is missing or the gradient
// vanishes.
func (r *Reader[V]) Gradient(p mgl32.Vec3) (mgl32.Vec3, bool) {
	var g mgl32.Vec3
	for axis := range 3 {
		var off mgl32.Vec3
		off[axis] = 1
		hi, ok1 := r.SDF(p.Add(off))
		lo, ok2 := r.SDF(p.Sub(off))
		if !ok1 || !ok2 {
			return mgl32.Vec3{}, false
		}
		g[axis] = hi - lo
	}
	n := g.Len()
	if n < 1e-9 || !isFinite(n) {
		return mgl32.Vec3{}, false
	}
	return g.Mul(1 / n), true
}
