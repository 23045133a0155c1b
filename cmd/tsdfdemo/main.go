// Command tsdfdemo reconstructs a synthetic scene and writes renders of the
// result.
//
// A depth camera orbits a sphere resting in front of a wall. Every frame is
// fused through the pipeline, then the model is shaded from the last pose
// and from a free viewpoint:
//
//	tsdfdemo -frames 30 -colour -out renders/
//	tsdfdemo -config scene.json -save dump/
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/testscene"
	"github.com/gogpu/tsdf/pipeline"
	"github.com/gogpu/tsdf/visual"
)

type options struct {
	width, height int
	frames        int
	colour        bool
	out           string
	save          string
	scale         int
}

func main() {
	var (
		width   = flag.Int("width", 320, "depth image width")
		height  = flag.Int("height", 240, "depth image height")
		frames  = flag.Int("frames", 20, "number of frames along the orbit")
		colour  = flag.Bool("colour", false, "fuse colour")
		config  = flag.String("config", "", "JSON config file (defaults when empty)")
		out     = flag.String("out", ".", "output directory for renders")
		save    = flag.String("save", "", "directory to save the volume to")
		scale   = flag.Int("scale", 1, "upscale factor of the written renders")
		verbose = flag.Bool("v", false, "log per-frame statistics")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	tsdf.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := tsdf.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = tsdf.LoadConfig(*config); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	o := options{
		width: *width, height: *height,
		frames: *frames,
		colour: *colour,
		out:    *out,
		save:   *save,
		scale:  max(*scale, 1),
	}
	var err error
	if o.colour {
		err = run[tsdf.ColorVoxel](ctx, cfg, o)
	} else {
		err = run[tsdf.Voxel](ctx, cfg, o)
	}
	if err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
}

func scene() []testscene.Shape {
	return []testscene.Shape{
		testscene.Sphere{Centre: mgl32.Vec3{0, 0, 1.2}, Radius: 0.3},
		testscene.Plane{Point: mgl32.Vec3{0, 0, 1.6}, Normal: mgl32.Vec3{0, 0, -1}},
		testscene.Plane{Point: mgl32.Vec3{0, 0.3, 0}, Normal: mgl32.Vec3{0, -1, 0}},
	}
}

func run[V tsdf.VoxelKind[V]](ctx context.Context, cfg tsdf.Config, o options) error {
	vol, err := tsdf.NewVolume[V](cfg.Scene, cfg.VolumeOptions()...)
	if err != nil {
		return err
	}
	exec := tsdf.NewWorkerExecutor(cfg.Workers, 0)
	defer exec.Close()

	eng := pipeline.NewEngine(vol, pipeline.WithExecutor(exec))
	in := testscene.Intrinsics(o.width, o.height)
	shapes := scene()

	var last *tsdf.Frame
	for i, pose := range testscene.Orbit(o.frames, mgl32.Vec3{0, 0, 1.2}, 1.1, 0.8) {
		f := testscene.Frame(in, pose, o.colour, shapes...)
		res, err := eng.ProcessFrame(ctx, f)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		tsdf.Logger().Debug("frame",
			"index", res.Index,
			"visible", res.Fusion.VisibleBlocks,
			"inserted", res.Fusion.Inserted,
			"gpu", res.Fusion.Accelerated)
		last = f
	}
	if last == nil {
		return nil
	}
	idx, pool := vol.Overflow()
	tsdf.Logger().Info("reconstruction done",
		"frames", eng.Frames(),
		"blocks", vol.AllocatedBlocks(),
		"index_overflow", idx,
		"pool_overflow", pool)

	if err := os.MkdirAll(o.out, 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, o.width, o.height))
	modes := []visual.RenderMode{visual.RenderShaded, visual.RenderColourFromNormal, visual.RenderConfidence}
	if o.colour {
		modes = append(modes, visual.RenderColourFromVolume)
	}
	for _, mode := range modes {
		if err := eng.RenderImage(img, mode); err != nil {
			return err
		}
		if err := writePNG(filepath.Join(o.out, mode.String()+".png"), img, o.scale); err != nil {
			return err
		}
	}

	// free view from above and to the side
	rs := tsdf.NewRenderState(o.width, o.height)
	free := tsdf.LookAt(mgl32.Vec3{0.8, -0.6, 0.4}, mgl32.Vec3{0, 0, 1.2}, mgl32.Vec3{0, -1, 0})
	if err := eng.RenderFreeView(free, in, rs, img, visual.RenderShaded); err != nil {
		return err
	}
	if err := writePNG(filepath.Join(o.out, "free_view.png"), img, o.scale); err != nil {
		return err
	}

	if err := visual.RenderDepth(last.Depth, img); err != nil {
		return err
	}
	if err := writePNG(filepath.Join(o.out, "input_depth.png"), img, o.scale); err != nil {
		return err
	}
	if err := visual.SaveDepthTIFF(filepath.Join(o.out, "input_depth.tiff"), last.Depth); err != nil {
		return err
	}

	if o.save != "" {
		if err := eng.Save(o.save); err != nil {
			return err
		}
	}
	log.Printf("Renders saved to %s (%dx%d)\n", o.out, o.width*o.scale, o.height*o.scale)
	return nil
}

func writePNG(path string, img *image.RGBA, scale int) error {
	if scale == 1 {
		return visual.SavePNG(path, img)
	}
	b := img.Bounds()
	return visual.SavePNG(path, visual.Scale(img, b.Dx()*scale, b.Dy()*scale))
}
