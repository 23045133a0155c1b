// Package parallel provides the multi-core execution primitives used by the
// reconstruction engines: a work-stealing worker pool, an atomic bitset for
// concurrent visibility marking, and a screen tile grid.
package parallel

import "image"

// TileSize is the default edge length in pixels of a screen tile.
const TileSize = 64

// TileGrid divides a width x height image into square tiles. Edge tiles
// are clipped to the image bounds. Tiles are indexed in row-major order.
type TileGrid struct {
	width, height int
	size          int
	tilesX        int
	tilesY        int
}

// NewTileGrid creates a grid of size x size tiles. A size <= 0 selects
// TileSize.
func NewTileGrid(width, height, size int) *TileGrid {
	if size <= 0 {
		size = TileSize
	}
	width = max(width, 0)
	height = max(height, 0)
	return &TileGrid{
		width:  width,
		height: height,
		size:   size,
		tilesX: (width + size - 1) / size,
		tilesY: (height + size - 1) / size,
	}
}

// Len returns the number of tiles.
func (g *TileGrid) Len() int { return g.tilesX * g.tilesY }

// TilesX returns the number of tile columns.
func (g *TileGrid) TilesX() int { return g.tilesX }

// TilesY returns the number of tile rows.
func (g *TileGrid) TilesY() int { return g.tilesY }

// Bounds returns the pixel rectangle covered by tile i.
func (g *TileGrid) Bounds(i int) image.Rectangle {
	tx := i % g.tilesX
	ty := i / g.tilesX
	x0, y0 := tx*g.size, ty*g.size
	return image.Rect(x0, y0, min(x0+g.size, g.width), min(y0+g.size, g.height))
}

// TileAt returns the index of the tile containing pixel (x, y), or -1.
func (g *TileGrid) TileAt(x, y int) int {
	if x < 0 || y < 0 || x >= g.width || y >= g.height {
		return -1
	}
	return (y/g.size)*g.tilesX + x/g.size
}

// ForEachPixel runs fn over every pixel of tiles [lo, hi) in tile order,
// row-major inside each tile.
func (g *TileGrid) ForEachPixel(lo, hi int, fn func(x, y int)) {
	for i := lo; i < hi; i++ {
		r := g.Bounds(i)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				fn(x, y)
			}
		}
	}
}
