// Package compute defines the execution backend the reconstruction pipeline
// runs its data parallel kernels on, along with asynchronous readback of
// volume regions into host memory. The CPU device runs kernels on goroutines.
package compute

import (
	"context"
	"errors"

	"github.com/soypat/tsdf"
)

// ErrDeviceClosed is returned by work submitted to a closed device.
var ErrDeviceClosed = errors.New("compute: device closed")

// Grid is the thread grid a kernel is dispatched over. One dimensional
// dispatches use Y=Z=1, see Linear.
type Grid struct {
	X, Y, Z int
}

// Linear returns a one dimensional grid of n invocations.
func Linear(n int) Grid { return Grid{X: n, Y: 1, Z: 1} }

// Size returns the total amount of invocations in the grid.
func (g Grid) Size() int {
	if g.X <= 0 || g.Y <= 0 || g.Z <= 0 {
		return 0
	}
	return g.X * g.Y * g.Z
}

// Coord returns the 3D invocation coordinate of the flat invocation index i.
func (g Grid) Coord(i int) tsdf.V3i {
	return tsdf.V3i{i % g.X, (i / g.X) % g.Y, i / (g.X * g.Y)}
}

// Kernel is a named compute kernel. Body is invoked once per grid invocation
// index and must only write outputs owned by that index so that invocations
// may run in any order and concurrently.
type Kernel struct {
	Name string
	Grid Grid
	Body func(i int)
}

// Region is host memory holding a copy of a box of voxels. Each slice holds
// one z layer of Size[0]*Size[1] voxels with x varying fastest.
type Region struct {
	Start, Size tsdf.V3i
	Slices      [][]int8
	// Version is the volume version the copy was taken at.
	Version uint64
}

// Device executes kernels and transfers volume data to host memory.
type Device interface {
	// Dispatch runs the kernel over its grid and returns once all invocations
	// have completed or ctx is done.
	Dispatch(ctx context.Context, k Kernel) error
	// Readback starts an asynchronous copy of the box of voxels of vol at
	// start of the given size. The result is delivered through the future.
	Readback(ctx context.Context, vol *tsdf.Volume, start, size tsdf.V3i) *Future[Region]
}
