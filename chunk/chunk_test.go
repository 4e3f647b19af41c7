package chunk

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
	"github.com/soypat/tsdf/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVoxel     = 0.1
	testRadius    = 0.5
	testChunkSize = 0.8
)

func testConfig() tsdf.ChunkConfig {
	return tsdf.ChunkConfig{
		Size:              testChunkSize,
		UpdateDistance:    10,
		UpdateFrequency:   time.Millisecond,
		ConnectionPadding: 1,
	}
}

// sphereVolume returns a 32³ volume holding a sphere about the origin.
func sphereVolume(t *testing.T) *tsdf.Volume {
	vol, err := tsdf.NewVolume(tsdf.Elem(32), testVoxel)
	require.NoError(t, err)
	vol.Write(func(data []int8) error {
		for i := range data {
			p := vol.VoxelToWorld(vol.Coord(i))
			data[i] = tsdf.Encode((ms3.Norm(p) - testRadius) / 0.2)
		}
		return nil
	})
	return vol
}

// fakeDevice hands out readback futures that the test resolves.
type fakeDevice struct {
	mu      sync.Mutex
	pending []*compute.Future[compute.Region]
	issued  chan int
	panics  bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{issued: make(chan int, 16)}
}

func (d *fakeDevice) Dispatch(ctx context.Context, k compute.Kernel) error { return nil }

func (d *fakeDevice) Readback(ctx context.Context, vol *tsdf.Volume, start, size tsdf.V3i) *compute.Future[compute.Region] {
	if d.panics {
		panic("readback exploded")
	}
	f := compute.NewFuture[compute.Region]()
	d.mu.Lock()
	d.pending = append(d.pending, f)
	n := len(d.pending)
	d.mu.Unlock()
	d.issued <- n - 1
	return f
}

func (d *fakeDevice) future(i int) *compute.Future[compute.Region] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[i]
}

func regionOf(t *testing.T, vol *tsdf.Volume, start, size tsdf.V3i) compute.Region {
	slices, version, err := vol.ReadSlices(nil, start, size)
	require.NoError(t, err)
	return compute.Region{Start: start, Size: size, Slices: slices, Version: version}
}

func unobservedRegion(start, size tsdf.V3i) compute.Region {
	r := compute.Region{Start: start, Size: size, Slices: make([][]int8, size[2])}
	for z := range r.Slices {
		r.Slices[z] = make([]int8, size[0]*size[1])
		for i := range r.Slices[z] {
			r.Slices[z][i] = tsdf.Unobserved
		}
	}
	return r
}

func newTestManager(t *testing.T, dev compute.Device, vol *tsdf.Volume, cfg BuilderConfig) (*Manager, *Builder) {
	b, err := NewBuilder(dev, vol, cfg)
	require.NoError(t, err)
	m, err := NewManager(vol, b, testConfig())
	require.NoError(t, err)
	return m, b
}

// testCamera looks from eye to target through a projection with infinite far plane.
func testCamera(eye, target mgl64.Vec3) (view, proj mgl64.Mat4) {
	view = mgl64.LookAtV(eye, target, mgl64.Vec3{0, 1, 0})
	proj = mgl64.Perspective(mgl64.DegToRad(60), 1, 0.1, 100)
	proj[10] = -1
	proj[14] = -2 * 0.1
	return view, proj
}

func TestQueueIdempotent(t *testing.T) {
	vol := sphereVolume(t)
	m, _ := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{})
	coord := tsdf.V3i{0, 0, 0}
	assert.True(t, m.Enqueue(coord))
	assert.False(t, m.Enqueue(coord))
	assert.Equal(t, 1, m.QueueLen())
	assert.True(t, m.Enqueue(tsdf.V3i{1, 0, 0}))
	assert.Equal(t, 2, m.QueueLen())

	c, ok := m.Dequeue()
	require.True(t, ok)
	assert.Equal(t, coord, c.Coord())
	assert.False(t, c.Queued())
	// Once dequeued it may be queued again, even while rebuilding.
	assert.True(t, m.Enqueue(coord))
	assert.True(t, c.Queued())
	assert.Len(t, m.Chunks(), 2)
	assert.Same(t, c, m.Chunk(coord))
	assert.Nil(t, m.Chunk(tsdf.V3i{9, 9, 9}))
}

func TestQueueOrder(t *testing.T) {
	var q queue
	for i := 0; i < 3000; i++ {
		require.True(t, q.push(i))
	}
	for i := 0; i < 2000; i++ {
		got, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, i, got)
	}
	require.True(t, q.push(5))
	require.False(t, q.push(2500))
	for i := 2000; i < 3000; i++ {
		got, _ := q.pop()
		require.Equal(t, i, got)
	}
	got, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, 5, got)
	_, ok = q.pop()
	require.False(t, ok)
}

func TestVisible(t *testing.T) {
	vol := sphereVolume(t)
	m, _ := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{})

	view, proj := testCamera(mgl64.Vec3{0.1, 0.1, 3}, mgl64.Vec3{0.1, 0.1, 0})
	visible, err := m.Visible(view, proj)
	require.NoError(t, err)
	assert.Contains(t, visible, tsdf.V3i{0, 0, 0})
	assert.Contains(t, visible, tsdf.V3i{-1, -1, -1})
	bounds := vol.Bounds()
	lo, hi := m.CoordOf(bounds.Min), m.CoordOf(bounds.Max)
	for _, c := range visible {
		assert.False(t, c.AnyLT(lo) || hi.AnyLT(c), "chunk %v outside volume", c)
	}

	// Looking away from the volume.
	view, proj = testCamera(mgl64.Vec3{0, 0, 3}, mgl64.Vec3{0, 0, 6})
	visible, err = m.Visible(view, proj)
	require.NoError(t, err)
	assert.Empty(t, visible)

	added, err := m.Scan(testCamera(mgl64.Vec3{0.1, 0.1, 3}, mgl64.Vec3{0.1, 0.1, 0}))
	require.NoError(t, err)
	assert.Equal(t, m.QueueLen(), added)
	again, err := m.Scan(testCamera(mgl64.Vec3{0.1, 0.1, 3}, mgl64.Vec3{0.1, 0.1, 0}))
	require.NoError(t, err)
	assert.Zero(t, again, "already queued chunks must not be queued twice")
}

func TestVisibleCulling(t *testing.T) {
	vol := sphereVolume(t)
	m, _ := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{})
	// Narrow view along the x axis from the volume edge: chunks far off axis
	// lie within the view box but outside the frustum.
	view := mgl64.LookAtV(mgl64.Vec3{-1.5, 0.1, 0.1}, mgl64.Vec3{0, 0.1, 0.1}, mgl64.Vec3{0, 1, 0})
	proj := mgl64.Perspective(mgl64.DegToRad(10), 1, 0.1, 100)
	visible, err := m.Visible(view, proj)
	require.NoError(t, err)
	assert.Contains(t, visible, tsdf.V3i{0, 0, 0})
	assert.NotContains(t, visible, tsdf.V3i{-2, 1, 1})
	assert.NotContains(t, visible, tsdf.V3i{-2, -1, -1})
}

func TestVisibleBadProjection(t *testing.T) {
	vol := sphereVolume(t)
	m, _ := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{})
	_, err := m.Visible(mgl64.Ident4(), mgl64.Ortho(-1, 1, -1, 1, 0.1, 10))
	assert.Error(t, err)
}

func TestRebuildCommitsMesh(t *testing.T) {
	vol := sphereVolume(t)
	var sunk atomic.Int32
	sink := MeshSinkFunc(func(c *Chunk, mesh *render.Mesh, collider bool) {
		sunk.Add(1)
		assert.Equal(t, collider, !mesh.Empty())
	})
	m, b := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{Padding: 1, Sink: sink})
	m.Enqueue(tsdf.V3i{0, 0, 0})
	c := m.Chunk(tsdf.V3i{0, 0, 0})
	require.NoError(t, b.Rebuild(context.Background(), c))
	mesh := c.Mesh()
	require.False(t, mesh.Empty())
	assert.True(t, c.ColliderEnabled())
	assert.False(t, c.Building())
	pad := ms3.Vec{X: 2 * testVoxel, Y: 2 * testVoxel, Z: 2 * testVoxel}
	grown := ms3.Box{Min: ms3.Sub(c.Bounds().Min, pad), Max: ms3.Add(c.Bounds().Max, pad)}
	for _, p := range mesh.Positions {
		assert.InDelta(t, testRadius, ms3.Norm(p), testVoxel)
		inside := p.X >= grown.Min.X && p.Y >= grown.Min.Y && p.Z >= grown.Min.Z &&
			p.X <= grown.Max.X && p.Y <= grown.Max.Y && p.Z <= grown.Max.Z
		assert.True(t, inside, "vertex %v outside chunk", p)
	}
	started, committed := c.Generation()
	assert.Equal(t, started, committed)
	assert.Equal(t, 1, c.Stats().Committed)
	assert.EqualValues(t, 1, sunk.Load())
}

func TestRebuildEmptyRegion(t *testing.T) {
	vol := sphereVolume(t)
	m, b := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{Padding: 1})
	m.Enqueue(tsdf.V3i{-2, -2, -2})
	c := m.Chunk(tsdf.V3i{-2, -2, -2})
	require.NoError(t, b.Rebuild(context.Background(), c))
	assert.True(t, c.Mesh().Empty())
	assert.False(t, c.ColliderEnabled())
	assert.Equal(t, 1, c.Stats().Empty)
}

func TestRebuildCancellationRace(t *testing.T) {
	for _, newerFirst := range []bool{true, false} {
		dev := newFakeDevice()
		vol := sphereVolume(t)
		m, b := newTestManager(t, dev, vol, BuilderConfig{Padding: 1})
		m.Enqueue(tsdf.V3i{0, 0, 0})
		c := m.Chunk(tsdf.V3i{0, 0, 0})
		start, size := b.Region(c)

		errA := make(chan error, 1)
		go func() { errA <- b.Rebuild(context.Background(), c) }()
		ia := <-dev.issued
		errB := make(chan error, 1)
		go func() { errB <- b.Rebuild(context.Background(), c) }()
		ib := <-dev.issued

		stale := unobservedRegion(start, size) // Would clear the mesh if committed.
		fresh := regionOf(t, vol, start, size)
		if newerFirst {
			dev.future(ib).Resolve(fresh, nil)
			require.NoError(t, <-errB)
			dev.future(ia).Resolve(stale, nil)
			assert.ErrorIs(t, <-errA, ErrSuperseded)
		} else {
			dev.future(ia).Resolve(stale, nil)
			assert.ErrorIs(t, <-errA, ErrSuperseded)
			dev.future(ib).Resolve(fresh, nil)
			require.NoError(t, <-errB)
		}
		assert.False(t, c.Mesh().Empty(), "newerFirst=%v: stale rebuild overwrote mesh", newerFirst)
		started, committed := c.Generation()
		assert.EqualValues(t, 2, started)
		assert.EqualValues(t, 2, committed)
		assert.Equal(t, 1, c.Stats().Superseded)
		assert.False(t, c.Building())
	}
}

func TestCommitDiscardsStaleGeneration(t *testing.T) {
	c := newChunk(tsdf.V3i{}, 1)
	_, genA := c.begin(context.Background())
	ctxB, genB := c.begin(context.Background())
	full := &render.Mesh{Positions: make([]ms3.Vec, 3), Normals: make([]ms3.Vec, 3), Indices: []uint32{0, 1, 2}}
	require.NoError(t, c.commit(genB, full, 1, 0, nil))
	assert.ErrorIs(t, c.commit(genA, new(render.Mesh), 0, 0, nil), ErrSuperseded)
	assert.Same(t, full, c.Mesh())
	c.end(genA, ErrSuperseded)
	assert.NoError(t, ctxB.Err(), "ending a stale rebuild must not cancel the newer one")
	c.end(genB, nil)
	assert.Error(t, ctxB.Err())
}

func TestRebuildReadbackFailure(t *testing.T) {
	dev := newFakeDevice()
	vol := sphereVolume(t)
	var logbuf bytes.Buffer
	m, b := newTestManager(t, dev, vol, BuilderConfig{Padding: 1, Log: log.New(&logbuf, "", 0)})
	m.Enqueue(tsdf.V3i{0, 0, 0})
	c := m.Chunk(tsdf.V3i{0, 0, 0})
	start, size := b.Region(c)

	done := make(chan error, 1)
	go func() { done <- b.Rebuild(context.Background(), c) }()
	dev.future(<-dev.issued).Resolve(regionOf(t, vol, start, size), nil)
	require.NoError(t, <-done)
	before := c.Mesh()

	errTransfer := errors.New("transfer failed")
	go func() { done <- b.Rebuild(context.Background(), c) }()
	dev.future(<-dev.issued).Resolve(compute.Region{}, errTransfer)
	err := <-done
	require.ErrorIs(t, err, errTransfer)
	assert.Same(t, before, c.Mesh(), "failed rebuild must keep previous mesh")
	assert.True(t, c.ColliderEnabled())
	assert.Equal(t, 1, c.Stats().Failed)
	assert.Contains(t, logbuf.String(), "transfer failed")

	// Cancellations are not logged.
	logbuf.Reset()
	go func() { done <- b.Rebuild(context.Background(), c) }()
	<-dev.issued
	latest := make(chan error, 1)
	go func() { latest <- b.Rebuild(context.Background(), c) }()
	assert.ErrorIs(t, <-done, ErrSuperseded)
	dev.future(<-dev.issued).Resolve(regionOf(t, vol, start, size), nil)
	require.NoError(t, <-latest)
	assert.False(t, c.Building())
	assert.Empty(t, logbuf.String())
}

func TestRebuildPanicContained(t *testing.T) {
	dev := newFakeDevice()
	dev.panics = true
	vol := sphereVolume(t)
	m, b := newTestManager(t, dev, vol, BuilderConfig{})
	m.Enqueue(tsdf.V3i{0, 0, 0})
	c := m.Chunk(tsdf.V3i{0, 0, 0})
	err := b.Rebuild(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.False(t, c.Building())
}

func TestManagerRun(t *testing.T) {
	vol := sphereVolume(t)
	dev := compute.NewCPU(2)
	defer dev.Close()
	m, _ := newTestManager(t, dev, vol, BuilderConfig{Padding: 1})
	coords := []tsdf.V3i{{0, 0, 0}, {-1, 0, 0}, {-2, -2, -2}}
	for _, c := range coords {
		m.Enqueue(c)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()
	require.Eventually(t, func() bool {
		for _, coord := range coords {
			if _, committed := m.Chunk(coord).Generation(); committed == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, m.QueueLen())
	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
	assert.False(t, m.Chunk(coords[0]).Mesh().Empty())
	assert.True(t, m.Chunk(coords[2]).Mesh().Empty())
}

func TestManagerFlush(t *testing.T) {
	vol := sphereVolume(t)
	m, _ := newTestManager(t, compute.NewCPU(2), vol, BuilderConfig{Padding: 1})
	n, err := m.Scan(testCamera(mgl64.Vec3{0.1, 0.1, 3}, mgl64.Vec3{0.1, 0.1, 0}))
	require.NoError(t, err)
	require.NotZero(t, n)
	require.NoError(t, m.Flush(context.Background()))
	assert.Zero(t, m.QueueLen())
	var triangles int
	for _, c := range m.Chunks() {
		triangles += c.Mesh().TriangleCount()
	}
	assert.NotZero(t, triangles)
}
