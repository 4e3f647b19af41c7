package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// Manager owns the chunks of a volume. It finds the chunks a camera can see,
// queues them for rebuild and feeds the queue to a Builder at a bounded rate.
type Manager struct {
	vol     *tsdf.Volume
	builder *Builder
	size    float32
	far     float64
	period  time.Duration

	mu     sync.Mutex
	chunks []*Chunk
	index  map[tsdf.V3i]int
	queue  queue

	inflight sync.WaitGroup
}

// NewManager returns a manager paging vol into chunks as configured by cfg.
// Rebuilds are delegated to b.
func NewManager(vol *tsdf.Volume, b *Builder, cfg tsdf.ChunkConfig) (*Manager, error) {
	if vol == nil || b == nil {
		return nil, errors.New("chunk: nil volume or builder")
	} else if !(cfg.Size > 0) || !(cfg.UpdateDistance > 0) || cfg.UpdateFrequency <= 0 {
		return nil, errors.New("chunk: size, update distance and update frequency must be positive")
	}
	return &Manager{
		vol:     vol,
		builder: b,
		size:    cfg.Size,
		far:     float64(cfg.UpdateDistance),
		period:  cfg.UpdateFrequency,
		index:   make(map[tsdf.V3i]int),
	}, nil
}

// ChunkSize returns the side length of chunks in world units.
func (m *Manager) ChunkSize() float32 { return m.size }

// CoordOf returns the coordinate of the chunk containing world point p.
func (m *Manager) CoordOf(p ms3.Vec) tsdf.V3i {
	return tsdf.FloorVec(ms3.Scale(1/m.size, p))
}

// Chunk returns the chunk at coord or nil if it was never touched.
func (m *Manager) Chunk(coord tsdf.V3i) *Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[coord]
	if !ok {
		return nil
	}
	return m.chunks[i]
}

// Chunks returns all chunks in creation order.
func (m *Manager) Chunks() []*Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Chunk(nil), m.chunks...)
}

// QueueLen returns the amount of chunks awaiting a rebuild.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Enqueue marks the chunk at coord stale, creating it on first touch. It
// reports whether the chunk was added to the queue, which it is not if
// already queued.
func (m *Manager) Enqueue(coord tsdf.V3i) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueue(coord)
}

func (m *Manager) enqueue(coord tsdf.V3i) bool {
	i, ok := m.index[coord]
	if !ok {
		i = len(m.chunks)
		m.chunks = append(m.chunks, newChunk(coord, m.size))
		m.index[coord] = i
	}
	if !m.queue.push(i) {
		return false
	}
	c := m.chunks[i]
	c.mu.Lock()
	c.queued = true
	c.mu.Unlock()
	return true
}

// Dequeue removes the oldest stale chunk from the queue.
func (m *Manager) Dequeue() (*Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.queue.pop()
	if !ok {
		return nil, false
	}
	c := m.chunks[i]
	c.mu.Lock()
	c.queued = false
	c.mu.Unlock()
	return c, true
}

// Visible returns the coordinates of chunks inside the volume that intersect
// the view frustum of the camera truncated at the update distance. proj may
// have an infinite far plane.
func (m *Manager) Visible(view, proj mgl64.Mat4) ([]tsdf.V3i, error) {
	proj, err := d3.WithFar(proj, m.far)
	if err != nil {
		return nil, fmt.Errorf("chunk: update frustum: %w", err)
	}
	vv, err := d3.NewViewVolume(view, proj)
	if err != nil {
		return nil, fmt.Errorf("chunk: update frustum: %w", err)
	}
	vb := m.vol.Bounds()
	box := vv.Bounds().Intersect(d3.Box{Min: d3.FromMs3(vb.Min), Max: d3.FromMs3(vb.Max)})
	if box.IsEmpty() {
		return nil, nil
	}
	frustum := d3.NewFrustum(proj.Mul4(view))
	size := float64(m.size)
	lo := m.CoordOf(d3.ToMs3(box.Min))
	hi := m.CoordOf(d3.ToMs3(box.Max))
	var visible []tsdf.V3i
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				min := r3.Vec{X: float64(x) * size, Y: float64(y) * size, Z: float64(z) * size}
				cb := d3.Box{Min: min, Max: r3.Add(min, d3.Elem(size))}
				if frustum.IntersectsBox(cb) {
					visible = append(visible, tsdf.V3i{x, y, z})
				}
			}
		}
	}
	return visible, nil
}

// Scan enqueues every visible chunk that is not already queued and returns
// the amount of chunks added to the queue.
func (m *Manager) Scan(view, proj mgl64.Mat4) (int, error) {
	visible, err := m.Visible(view, proj)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, coord := range visible {
		if m.enqueue(coord) {
			added++
		}
	}
	return added, nil
}

// Run dequeues one chunk every update period and rebuilds it on its own
// goroutine until ctx is done. Rebuild failures are contained to their chunk.
// Run waits for started rebuilds before returning ctx's error.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	defer m.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		c, ok := m.Dequeue()
		if !ok {
			continue
		}
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.builder.Rebuild(ctx, c)
		}()
	}
}

// Flush rebuilds every queued chunk in queue order, waiting for each. It
// returns the first error that is not a cancellation by a newer rebuild.
func (m *Manager) Flush(ctx context.Context) error {
	var first error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := m.Dequeue()
		if !ok {
			return first
		}
		err := m.builder.Rebuild(ctx, c)
		if err != nil && first == nil && !errors.Is(err, ErrSuperseded) {
			first = err
		}
	}
}

// Wait blocks until all rebuilds started by Run have returned.
func (m *Manager) Wait() { m.inflight.Wait() }
