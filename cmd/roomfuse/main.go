// Command roomfuse reconstructs a synthetic room from orbiting depth frames
// and writes the resulting chunk meshes to an STL file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/chunk"
	"github.com/soypat/tsdf/fusion"
	"github.com/soypat/tsdf/integrate"
	"github.com/soypat/tsdf/integrate/glfuse"
	"github.com/soypat/tsdf/internal/synth"
	"github.com/soypat/tsdf/internal/viz"
	"github.com/soypat/tsdf/render"
)

func init() {
	runtime.LockOSThread() // For GL.
}

type flags struct {
	config      string
	frames      int
	width       int
	height      int
	sensorScale int
	stl         string
	preview     string
	slice       string
	sliceZ      float64
	gpu         bool
	realtime    bool
	verbose     bool
}

func main() {
	var fl flags
	flag.StringVar(&fl.config, "config", "", "YAML configuration file. Defaults apply if empty.")
	flag.IntVar(&fl.frames, "frames", 24, "Amount of depth frames taken orbiting the room.")
	flag.IntVar(&fl.width, "width", 160, "Width of integrated depth frames.")
	flag.IntVar(&fl.height, "height", 120, "Height of integrated depth frames.")
	flag.IntVar(&fl.sensorScale, "sensor-scale", 1, "Sensor resolution as a multiple of the integrated resolution.")
	flag.StringVar(&fl.stl, "stl", "room.stl", "Output STL file of all chunk meshes.")
	flag.StringVar(&fl.preview, "preview", "", "Output PNG file of a rendered preview of the meshes.")
	flag.StringVar(&fl.slice, "slice", "", "Output image of a horizontal volume slice.")
	flag.Float64Var(&fl.sliceZ, "slice-z", 0, "Height of the volume slice.")
	flag.BoolVar(&fl.gpu, "gpu", false, "Fuse frames with an OpenGL 4.6 compute shader.")
	flag.BoolVar(&fl.realtime, "realtime", false, "Run the pipeline loops concurrently, publishing a frame every integration interval.")
	flag.BoolVar(&fl.verbose, "v", false, "Log every chunk mesh.")
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, fl); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, fl flags) error {
	cfg := tsdf.DefaultConfig()
	if fl.config != "" {
		var err error
		cfg, err = tsdf.LoadConfig(fl.config)
		if err != nil {
			return err
		}
	}
	if fl.frames <= 0 || fl.width <= 0 || fl.height <= 0 || fl.sensorScale <= 0 {
		return errors.New("frames, resolution and sensor scale must be positive")
	}
	opts := fusion.Options{
		Config: cfg,
		Log:    log.Default(),
	}
	if fl.gpu {
		if fl.realtime {
			return errors.New("GPU fusion must run on the main thread, realtime mode is not supported")
		}
		_, terminate, err := glgl.InitWithCurrentWindow33(glgl.WindowConfig{
			Title:   "roomfuse",
			Version: [2]int{4, 6},
			Width:   1,
			Height:  1,
		})
		if err != nil {
			return err
		}
		defer terminate()
		opts.Fuser, err = glfuse.New()
		if err != nil {
			return err
		}
	}
	var meshed, colliders atomic.Int64
	opts.Sink = chunk.MeshSinkFunc(func(c *chunk.Chunk, mesh *render.Mesh, collider bool) {
		meshed.Add(1)
		if collider {
			colliders.Add(1)
		}
		if fl.verbose {
			log.Printf("chunk %v: %d triangles", c.Coord(), mesh.TriangleCount())
		}
	})
	sys, err := fusion.New(opts)
	if err != nil {
		return err
	}
	defer sys.Close()

	room, err := synth.Room(4, 3, 2.4)
	if err != nil {
		return err
	}
	start := time.Now()
	if fl.realtime {
		err = runRealtime(ctx, sys, room, fl)
	} else {
		err = runSteps(ctx, sys, room, fl)
	}
	if err != nil {
		return err
	}
	log.Printf("fused %d frames in %s: %d chunk meshes, %d with colliders",
		sys.Integrator().Passes(), time.Since(start).Round(time.Millisecond), meshed.Load(), colliders.Load())

	if err := occlusionReport(ctx, sys, cfg, room, fl); err != nil {
		return err
	}
	return writeOutputs(sys, fl)
}

// camera returns the i'th camera of the orbit around the room.
func camera(i int, fl flags) synth.Camera {
	angle := 2 * math.Pi * float64(i) / float64(fl.frames)
	return synth.Orbit(ms3.Vec{}, 1.2, 0.4, float32(angle), fl.width*fl.sensorScale, fl.height*fl.sensorScale)
}

// sense renders what a depth sensor at cam would measure, resampled to the
// integration resolution.
func sense(ctx context.Context, room *synth.Scene, cam synth.Camera, fl flags, workers int) (*integrate.Frame, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	f, img, err := room.Render(ctx, cam, workers)
	if err != nil {
		return nil, err
	}
	f.Depth, err = integrate.DepthFromGray16(img, 0.001, fl.width, fl.height)
	if err != nil {
		return nil, err
	}
	f.Normal = subsampleNormals(f.Normal, fl.sensorScale)
	f.Time = time.Now()
	return f, nil
}

func subsampleNormals(n integrate.NormalMap, scale int) integrate.NormalMap {
	if scale == 1 {
		return n
	}
	w, h := n.Width/scale, n.Height/scale
	sub := integrate.NormalMap{Width: w, Height: h, Data: make([]ms3.Vec, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sub.Data[y*w+x] = n.Data[y*scale*n.Width+x*scale]
		}
	}
	return sub
}

func runSteps(ctx context.Context, sys *fusion.System, room *synth.Scene, fl flags) error {
	for i := 0; i < fl.frames; i++ {
		f, err := sense(ctx, room, camera(i, fl), fl, sys.Config().Workers)
		if err != nil {
			return err
		}
		sys.Publish(f)
		_, queued, err := sys.Step(ctx)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if err := sys.Flush(ctx); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if fl.verbose {
			log.Printf("frame %d: %d chunks rebuilt", i, queued)
		}
	}
	return nil
}

func runRealtime(ctx context.Context, sys *fusion.System, room *synth.Scene, fl flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()
	interval := sys.Config().Integration.Interval
	for i := 0; i < fl.frames; i++ {
		f, err := sense(ctx, room, camera(i, fl), fl, sys.Config().Workers)
		if err != nil {
			return err
		}
		sys.Publish(f)
		select {
		case <-ctx.Done():
			return <-done
		case err := <-done:
			return err
		case <-time.After(interval):
		}
	}
	// Let the rebuild loop drain the queue.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for sys.Manager().QueueLen() > 0 {
		select {
		case <-ticker.C:
		case err := <-done:
			return err
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		return err
	}
	// Flush chunks queued by the last scan.
	return sys.Flush(context.Background())
}

// occlusionReport casts rays from the first camera to the floor and the room
// center and logs where they hit the reconstruction.
func occlusionReport(ctx context.Context, sys *fusion.System, cfg tsdf.Config, room *synth.Scene, fl flags) error {
	batch, err := integrate.NewRaymarchBatch(sys.Volume(), sys.Device(), cfg.Raymarch, cfg.Integration.TruncationMax)
	if err != nil {
		return err
	}
	eye := camera(0, fl).Eye
	targets := map[string]ms3.Vec{
		"floor":  {Z: -1.2},
		"center": {},
	}
	ids := make(map[string]int)
	for name, target := range targets {
		ids[name] = batch.Add(eye, ms3.Sub(target, eye), 5)
	}
	dists, err := batch.Resolve(ctx)
	if err != nil {
		return err
	}
	for name, id := range ids {
		d := dists[id]
		if d == integrate.NoHit {
			log.Printf("ray to %s: no hit", name)
			continue
		}
		dir := ms3.Sub(targets[name], eye)
		p := ms3.Add(eye, ms3.Scale(d/ms3.Norm(dir), dir))
		log.Printf("ray to %s: hit at %.3fm, %.3fm from the true surface", name, d, room.Evaluate(p))
	}
	return nil
}

func writeOutputs(sys *fusion.System, fl flags) error {
	var meshes []*render.Mesh
	var triangles []ms3.Triangle
	for _, c := range sys.Manager().Chunks() {
		m := c.Mesh()
		if m == nil || m.Empty() {
			continue
		}
		meshes = append(meshes, m)
		triangles = m.AppendTriangles(triangles)
	}
	if fl.stl != "" {
		if err := render.CreateSTL(fl.stl, meshes...); err != nil {
			return err
		}
		log.Printf("wrote %d triangles to %s", len(triangles), fl.stl)
	}
	if fl.preview != "" {
		if err := viz.PreviewPNG(fl.preview, triangles, viz.DefaultView, 768, 432); err != nil {
			return err
		}
	}
	if fl.slice != "" {
		if err := viz.SliceHeatMap(fl.slice, sys.Volume(), float32(fl.sliceZ)); err != nil {
			return err
		}
	}
	return nil
}
