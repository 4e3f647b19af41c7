// Package chunk pages a tsdf.Volume into fixed size cubic chunks and keeps a
// triangle mesh per chunk up to date. A Manager decides which chunks a camera
// made stale and queues them, a Builder re-meshes one chunk at a time reading
// its voxels back asynchronously.
package chunk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/render"
)

// ErrSuperseded is returned by a rebuild that was cancelled because a newer
// rebuild of the same chunk started. It is a normal control signal.
var ErrSuperseded = errors.New("chunk: rebuild superseded")

// Chunk is a cubic partition of world space and the mesh of the surface
// within it. Chunks are created by a Manager and live as long as it does.
type Chunk struct {
	coord  tsdf.V3i
	bounds ms3.Box

	mu sync.Mutex
	// mesh is never mutated once committed.
	mesh     *render.Mesh
	collider bool
	queued   bool
	// cancel stops the in-flight rebuild, if any.
	cancel context.CancelFunc
	// started is the generation of the newest rebuild, committed the
	// generation of the rebuild that produced mesh.
	started   uint64
	committed uint64
	stats     Stats

	// sinkMu orders MeshSink calls the same as commits.
	sinkMu sync.Mutex
}

// Stats are counters of a chunk's rebuilds.
type Stats struct {
	Started    int
	Committed  int
	Empty      int
	Superseded int
	Failed     int
	// Version is the volume version of the current mesh.
	Version      uint64
	LastDuration time.Duration
}

func newChunk(coord tsdf.V3i, size float32) *Chunk {
	min := ms3.Scale(size, coord.Vec())
	return &Chunk{
		coord:  coord,
		bounds: ms3.Box{Min: min, Max: ms3.Add(min, ms3.Vec{X: size, Y: size, Z: size})},
		mesh:   new(render.Mesh),
	}
}

// Coord returns the chunk grid coordinate.
func (c *Chunk) Coord() tsdf.V3i { return c.coord }

// Bounds returns the world space box covered by the chunk.
func (c *Chunk) Bounds() ms3.Box { return c.bounds }

// Mesh returns the chunk's current mesh. The returned mesh is replaced, never
// modified, by later rebuilds and must not be modified by the caller.
func (c *Chunk) Mesh() *render.Mesh {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mesh
}

// ColliderEnabled reports whether the chunk's current mesh has triangles.
func (c *Chunk) ColliderEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collider
}

// Queued reports whether the chunk awaits a rebuild in its manager's queue.
func (c *Chunk) Queued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Building reports whether a rebuild is in flight.
func (c *Chunk) Building() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Generation returns the generation of the newest started rebuild and of the
// rebuild that produced the current mesh.
func (c *Chunk) Generation() (started, committed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.committed
}

// Stats returns the chunk's rebuild counters.
func (c *Chunk) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// begin cancels any rebuild in flight and registers a new one. The returned
// context is cancelled when ctx is or when a newer rebuild begins.
func (c *Chunk) begin(ctx context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.started++
	c.stats.Started++
	return ctx, c.started
}

// end releases the resources of rebuild gen. err is the rebuild's result.
func (c *Chunk) end(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.started && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded):
		c.stats.Superseded++
	default:
		c.stats.Failed++
	}
}

// current reports whether gen is the newest rebuild.
func (c *Chunk) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.started
}

// commit replaces the chunk's mesh with the result of rebuild gen and notifies
// sink. Results of rebuilds older than the newest started one are discarded.
func (c *Chunk) commit(gen uint64, mesh *render.Mesh, version uint64, took time.Duration, sink MeshSink) error {
	c.mu.Lock()
	if gen != c.started {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if mesh.Empty() {
		mesh = new(render.Mesh)
		c.collider = false
		c.stats.Empty++
	} else {
		c.collider = true
	}
	c.mesh = mesh
	c.committed = gen
	c.stats.Committed++
	c.stats.Version = version
	c.stats.LastDuration = took
	collider := c.collider
	c.sinkMu.Lock()
	c.mu.Unlock()
	defer c.sinkMu.Unlock()
	if sink != nil {
		sink.ChunkMeshed(c, mesh, collider)
	}
	return nil
}

// MeshSink is the render and collision consumer of chunk meshes. Each call
// fully replaces the previous mesh of the chunk. An empty mesh with collider
// false means the chunk is empty space.
type MeshSink interface {
	ChunkMeshed(c *Chunk, mesh *render.Mesh, collider bool)
}

// MeshSinkFunc adapts a function to a MeshSink.
type MeshSinkFunc func(c *Chunk, mesh *render.Mesh, collider bool)

func (f MeshSinkFunc) ChunkMeshed(c *Chunk, mesh *render.Mesh, collider bool) {
	f(c, mesh, collider)
}
