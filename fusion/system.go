// Package fusion runs the reconstruction pipeline: depth frames are fused
// into a volume at the integration interval, every fused frame's camera is
// used to find stale chunks, and stale chunks are meshed at the update
// frequency. Each loop runs on its own goroutine.
package fusion

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/chunk"
	"github.com/soypat/tsdf/compute"
	"github.com/soypat/tsdf/integrate"
	"github.com/soypat/tsdf/internal/d3"
	"golang.org/x/sync/errgroup"
)

// DefaultFrameKey is the FrameStore key a System integrates by default.
const DefaultFrameKey = "depth"

// Options configures a System. Only Config is required.
type Options struct {
	Config tsdf.Config
	// Device runs fusion kernels and volume readbacks. Nil selects a CPU
	// device with Config.Workers goroutines.
	Device compute.Device
	// Fuser overrides the fusion kernel, e.g. to fuse on the GPU.
	Fuser integrate.Fuser
	// Sink receives chunk meshes.
	Sink chunk.MeshSink
	// Frames is the store frames are taken from. Nil creates a new store.
	Frames *integrate.FrameStore
	// FrameKey selects the frames integrated. Empty selects DefaultFrameKey.
	FrameKey string
	Log      *log.Logger
}

// System owns a volume and every component reading or writing it.
type System struct {
	cfg        tsdf.Config
	key        string
	log        *log.Logger
	vol        *tsdf.Volume
	dev        compute.Device
	frames     *integrate.FrameStore
	integrator *integrate.Integrator
	builder    *chunk.Builder
	manager    *chunk.Manager
	ownsDev    bool

	// lastSeq is the sequence number of the last integrated frame.
	lastSeq uint64
}

// New validates opts.Config and creates the volume and pipeline.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fusion: %w", err)
	}
	vol, err := tsdf.NewVolume(cfg.VolumeDims(), cfg.Volume.VoxelSize)
	if err != nil {
		return nil, err
	}
	s := &System{
		cfg:    cfg,
		key:    opts.FrameKey,
		log:    opts.Log,
		vol:    vol,
		dev:    opts.Device,
		frames: opts.Frames,
	}
	if s.key == "" {
		s.key = DefaultFrameKey
	}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}
	if s.dev == nil {
		s.dev = compute.NewCPU(cfg.Workers)
		s.ownsDev = true
	}
	if s.frames == nil {
		s.frames = new(integrate.FrameStore)
	}
	fuser := opts.Fuser
	if fuser == nil {
		fuser = integrate.DeviceFuser{Device: s.dev}
	}
	s.integrator, err = integrate.New(vol, fuser, cfg.Integration)
	if err != nil {
		return nil, err
	}
	s.builder, err = chunk.NewBuilder(s.dev, vol, chunk.BuilderConfig{
		Padding: cfg.Chunks.ConnectionPadding,
		Workers: cfg.Workers,
		Sink:    opts.Sink,
		Log:     s.log,
	})
	if err != nil {
		return nil, err
	}
	s.manager, err = chunk.NewManager(vol, s.builder, cfg.Chunks)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *System) Config() tsdf.Config { return s.cfg }
func (s *System) Volume() *tsdf.Volume { return s.vol }
func (s *System) Device() compute.Device { return s.dev }
func (s *System) Frames() *integrate.FrameStore { return s.frames }
func (s *System) Integrator() *integrate.Integrator { return s.integrator }
func (s *System) Manager() *chunk.Manager { return s.manager }

// Publish stores f as the latest frame of the integrated key.
func (s *System) Publish(f *integrate.Frame) { s.frames.Publish(s.key, f) }

// Step integrates the latest frame if it was not integrated yet and queues
// the chunks its camera sees. It reports whether a frame was integrated and
// how many chunks were queued. No new frame is not an error.
// Step must not be called concurrently with Run.
func (s *System) Step(ctx context.Context) (integrated bool, queued int, err error) {
	f, err := s.integrateLatest(ctx)
	if err != nil || f == nil {
		return false, 0, err
	}
	queued, err = s.scan(f)
	return true, queued, err
}

// Flush rebuilds every queued chunk.
func (s *System) Flush(ctx context.Context) error { return s.manager.Flush(ctx) }

// Run runs the integration, scan and rebuild loops until ctx is done or a
// loop fails and returns the cause. Invalid frames are logged and skipped.
func (s *System) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// Latest wins: the scan loop only cares for the newest camera.
	fused := make(chan *integrate.Frame, 1)
	g.Go(func() error {
		return s.integrateLoop(ctx, fused)
	})
	g.Go(func() error {
		return s.scanLoop(ctx, fused)
	})
	g.Go(func() error {
		return s.manager.Run(ctx)
	})
	return g.Wait()
}

// integrateLoop integrates at most one frame per integration interval. It
// sleeps until a frame is published while the store has nothing new.
func (s *System) integrateLoop(ctx context.Context, fused chan *integrate.Frame) error {
	wake, unsubscribe := s.frames.Subscribe(s.key)
	defer unsubscribe()
	ticker := time.NewTicker(s.cfg.Integration.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f, err := s.integrateLatest(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			s.log.Printf("fusion: skipping frame: %v", err)
			continue
		} else if f == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}
		select {
		case <-fused: // Drop the older unscanned frame.
		default:
		}
		fused <- f
	}
}

func (s *System) scanLoop(ctx context.Context, fused <-chan *integrate.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-fused:
			if _, err := s.scan(f); err != nil {
				s.log.Printf("fusion: %v", err)
			}
		}
	}
}

// integrateLatest integrates the newest frame of the store. It returns a nil
// frame if nothing new was published since the last call.
func (s *System) integrateLatest(ctx context.Context) (*integrate.Frame, error) {
	f, seq := s.frames.Latest(s.key)
	if f == nil || seq == s.lastSeq {
		return nil, nil
	}
	s.lastSeq = seq
	if err := s.integrator.Integrate(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *System) scan(f *integrate.Frame) (int, error) {
	added, err := s.manager.Scan(d3.Mat4From32(f.View), d3.Mat4From32(f.Proj))
	if err != nil {
		return 0, fmt.Errorf("fusion: scan: %w", err)
	}
	return added, nil
}

// Close releases the device if the System created it.
func (s *System) Close() error {
	cpu, ok := s.dev.(*compute.CPU)
	if !s.ownsDev || !ok {
		return nil
	}
	return cpu.Close()
}
