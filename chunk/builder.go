package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
	"github.com/soypat/tsdf/render"
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// Padding is the amount of voxels read past each side of the chunk so that
	// meshes of neighbouring chunks connect.
	Padding int
	// Workers used by packing and extraction. Zero selects runtime.NumCPU.
	Workers int
	// Sink receives every committed mesh. May be nil.
	Sink MeshSink
	// Log receives readback failures. Nil discards.
	Log *log.Logger
}

// Builder produces chunk meshes from volume readbacks. It is safe for
// concurrent use; rebuilds of different chunks run independently.
type Builder struct {
	dev compute.Device
	vol *tsdf.Volume
	cfg BuilderConfig
	log *log.Logger

	// extractors holds *render.SurfaceNets.
	extractors sync.Pool
	// buffers holds *[]int8 packing buffers.
	buffers sync.Pool
}

// NewBuilder returns a builder meshing chunks of vol read back through dev.
func NewBuilder(dev compute.Device, vol *tsdf.Volume, cfg BuilderConfig) (*Builder, error) {
	if dev == nil || vol == nil {
		return nil, errors.New("chunk: nil device or volume")
	} else if cfg.Padding < 0 {
		return nil, errors.New("chunk: negative padding")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	b := &Builder{dev: dev, vol: vol, cfg: cfg, log: cfg.Log}
	if b.log == nil {
		b.log = log.New(io.Discard, "", 0)
	}
	b.extractors.New = func() any { return &render.SurfaceNets{Workers: cfg.Workers} }
	b.buffers.New = func() any { return new([]int8) }
	return b, nil
}

// Region returns the voxel box read back to mesh chunk c: the voxels sampling
// the chunk's bounds grown by the configured padding.
func (b *Builder) Region(c *Chunk) (start, size tsdf.V3i) {
	start = b.vol.WorldToVoxel(c.bounds.Min).SubScalar(b.cfg.Padding)
	end := b.vol.WorldToVoxel(c.bounds.Max).AddScalar(b.cfg.Padding)
	return start, end.Sub(start).AddScalar(1)
}

// Rebuild re-meshes chunk c and returns once the new mesh is committed or the
// rebuild fails. A rebuild of c already in flight is cancelled first and
// returns ErrSuperseded. On failure the chunk's previous mesh is kept and the
// error is logged.
func (b *Builder) Rebuild(ctx context.Context, c *Chunk) (err error) {
	began := time.Now()
	ctx, gen := c.begin(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk %v: rebuild panic: %v", c.coord, r)
		}
		if err != nil && !c.current(gen) {
			err = ErrSuperseded
		}
		c.end(gen, err)
		b.logFailure(c, err)
	}()

	start, size := b.Region(c)
	region, err := b.dev.Readback(ctx, b.vol, start, size).Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("chunk %v: readback: %w", c.coord, err)
	}
	if region.Size != size || len(region.Slices) != size[2] {
		return fmt.Errorf("chunk %v: readback returned region of size %v, want %v", c.coord, region.Size, size)
	}

	bufp := b.buffers.Get().(*[]int8)
	defer b.buffers.Put(bufp)
	data, err := b.pack(ctx, *bufp, region)
	*bufp = data
	if err != nil {
		return err
	}

	sn := b.extractors.Get().(*render.SurfaceNets)
	defer b.extractors.Put(sn)
	mesh := new(render.Mesh)
	err = sn.Extract(ctx, mesh, render.Field{
		Dims:      size,
		Data:      data,
		Origin:    b.vol.VoxelToWorld(start),
		VoxelSize: b.vol.VoxelSize(),
	})
	if err != nil {
		return err
	}
	return c.commit(gen, mesh, region.Version, time.Since(began), b.cfg.Sink)
}

// pack copies the per slice readback into one contiguous buffer, one
// goroutine per group of slices.
func (b *Builder) pack(ctx context.Context, dst []int8, region compute.Region) ([]int8, error) {
	sliceLen := region.Size[0] * region.Size[1]
	n := sliceLen * region.Size[2]
	if cap(dst) < n {
		dst = make([]int8, n)
	}
	dst = dst[:n]
	var short atomic.Bool
	err := compute.ForBlocks(ctx, len(region.Slices), b.cfg.Workers, func(_, lo, hi int) {
		for z := lo; z < hi; z++ {
			if copy(dst[z*sliceLen:(z+1)*sliceLen], region.Slices[z]) != sliceLen {
				short.Store(true)
			}
		}
	})
	if err != nil {
		return dst, err
	} else if short.Load() {
		return dst, errors.New("chunk: readback slice shorter than region")
	}
	return dst, nil
}

// logFailure logs err unless it is a cancellation.
func (b *Builder) logFailure(c *Chunk, err error) {
	if err == nil || errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return
	}
	b.log.Printf("chunk %v: rebuild failed: %v", c.coord, err)
}
