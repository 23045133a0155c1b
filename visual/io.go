package visual

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/gogpu/tsdf"
)

// SavePNG writes img to path as PNG.
func SavePNG(path string, img image.Image) error {
	return writeFile(path, func(w *bufio.Writer) error {
		return png.Encode(w, img)
	})
}

// Scale resamples img to width x height with bilinear filtering.
func Scale(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// DepthToGray16 converts a depth map to 16-bit millimetres. Holes and depths
// beyond 65.535 m become 0.
func DepthToGray16(depth *tsdf.DepthImage) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, depth.Width, depth.Height))
	for y := range depth.Height {
		for x := range depth.Width {
			mm := depth.At(x, y)*1000 + 0.5
			if !(mm >= 1) || mm > 0xffff {
				continue
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(mm)})
		}
	}
	return img
}

// SaveDepthTIFF writes depth as a deflate-compressed 16-bit TIFF in
// millimetres.
func SaveDepthTIFF(path string, depth *tsdf.DepthImage) error {
	img := DepthToGray16(depth)
	return writeFile(path, func(w *bufio.Writer) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	})
}

func writeFile(path string, encode func(*bufio.Writer) error) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("visual: create file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("visual: encode %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("visual: write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
