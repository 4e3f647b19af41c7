// Package tsdf implements the shared volumetric state of a real-time room
// reconstruction pipeline: a dense truncated signed distance volume stored
// in fixed point, the voxel/world coordinate mapping and the pipeline
// configuration.
//
// Depth frames are fused into the volume by package integrate, chunks of the
// volume are paged in and out of meshing by package chunk and turned into
// triangle meshes by package render.
package tsdf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms3"
)

const (
	// Unobserved is the stored value of a voxel that has never been reached by an
	// integration pass. It decodes to +1, the "outside" end of the truncation band,
	// so unobserved space never produces a surface.
	Unobserved int8 = fixedScale
	fixedScale      = 127
)

// ErrOutOfBounds is returned when a voxel coordinate lies outside of the volume.
var ErrOutOfBounds = errors.New("tsdf: out of volume bounds")

// Encode converts a normalized signed distance to fixed point.
// Values outside of [-1, 1] saturate.
func Encode(d float32) int8 {
	if d != d { // NaN.
		return Unobserved
	}
	if d >= 1 {
		return fixedScale
	} else if d <= -1 {
		return -fixedScale
	}
	return int8(math32.Floor(d*fixedScale + 0.5))
}

// Decode converts a fixed point voxel value to a normalized signed distance in [-1, 1].
func Decode(v int8) float32 {
	if v < -fixedScale {
		return -1
	}
	return float32(v) / fixedScale
}

// Volume is a dense 3D grid of fixed point truncated signed distances.
// It is the single arena shared by the integrator (the only writer) and the
// chunk mesh builders (readers). Writes are serialized and every write bumps
// the volume version so that readers may detect they raced a write.
type Volume struct {
	dims      V3i
	voxelSize float32
	// center is the voxel coordinate of the world origin.
	center V3i

	mu      sync.RWMutex
	data    []int8
	version atomic.Uint64
}

// NewVolume allocates a volume of dims voxels, each of side voxelSize,
// centered about the world origin. All voxels start Unobserved.
func NewVolume(dims V3i, voxelSize float32) (*Volume, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("tsdf: invalid volume dimensions %v", dims)
	} else if !(voxelSize > 0) || math32.IsInf(voxelSize, 1) {
		return nil, fmt.Errorf("tsdf: invalid voxel size %g", voxelSize)
	}
	v := &Volume{
		dims:      dims,
		voxelSize: voxelSize,
		center:    V3i{dims[0] / 2, dims[1] / 2, dims[2] / 2},
		data:      make([]int8, dims.Prod()),
	}
	v.Clear()
	return v, nil
}

// Dims returns the amount of voxels along each axis.
func (v *Volume) Dims() V3i { return v.dims }

// VoxelSize returns the side length of a voxel in world units.
func (v *Volume) VoxelSize() float32 { return v.voxelSize }

// Center returns the voxel coordinate that maps to the world origin.
func (v *Volume) Center() V3i { return v.center }

// Len returns the total amount of voxels.
func (v *Volume) Len() int { return len(v.data) }

// Version returns the amount of completed writes to the volume.
func (v *Volume) Version() uint64 { return v.version.Load() }

// Contains reports whether c addresses a voxel of the volume.
func (v *Volume) Contains(c V3i) bool {
	return c[0] >= 0 && c[1] >= 0 && c[2] >= 0 &&
		c[0] < v.dims[0] && c[1] < v.dims[1] && c[2] < v.dims[2]
}

// Index returns the linear index of voxel c. Voxels are laid out with x
// varying fastest, then y, then z so that each z slice is contiguous.
func (v *Volume) Index(c V3i) int {
	return c[0] + v.dims[0]*(c[1]+v.dims[1]*c[2])
}

// Coord is the inverse of Index.
func (v *Volume) Coord(i int) V3i {
	sx := v.dims[0]
	sxy := sx * v.dims[1]
	return V3i{i % sx, (i % sxy) / sx, i / sxy}
}

// VoxelToWorld returns the world position of the sample at voxel c.
func (v *Volume) VoxelToWorld(c V3i) ms3.Vec {
	return ms3.Scale(v.voxelSize, c.Sub(v.center).Vec())
}

// WorldToVoxel returns the coordinate of the voxel sample nearest to p.
// The result may lie outside the volume.
func (v *Volume) WorldToVoxel(p ms3.Vec) V3i {
	s := ms3.Scale(1/v.voxelSize, p)
	return FloorVec(ms3.Vec{X: s.X + 0.5, Y: s.Y + 0.5, Z: s.Z + 0.5}).Add(v.center)
}

// Bounds returns the world space box spanning all voxel samples.
func (v *Volume) Bounds() ms3.Box {
	return ms3.Box{
		Min: v.VoxelToWorld(V3i{}),
		Max: v.VoxelToWorld(v.dims.SubScalar(1)),
	}
}

// At returns the stored value of voxel c. Voxels outside the volume read as Unobserved.
func (v *Volume) At(c V3i) int8 {
	if !v.Contains(c) {
		return Unobserved
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data[v.Index(c)]
}

// Set stores a value at voxel c. It is a single-voxel write and bumps the volume version.
func (v *Volume) Set(c V3i, value int8) error {
	if !v.Contains(c) {
		return ErrOutOfBounds
	}
	return v.Write(func(data []int8) error {
		data[v.Index(c)] = value
		return nil
	})
}

// Clear resets every voxel to Unobserved.
func (v *Volume) Clear() {
	v.Write(func(data []int8) error {
		for i := range data {
			data[i] = Unobserved
		}
		return nil
	})
}

// Write grants fn exclusive access to the voxel data. Writes never overlap.
// The version is incremented once fn returns, regardless of its error.
func (v *Volume) Write(fn func(data []int8) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := fn(v.data)
	v.version.Add(1)
	return err
}

// Read grants fn shared access to the voxel data. fn must not modify data
// nor retain it after returning.
func (v *Volume) Read(fn func(data []int8)) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fn(v.data)
}

// ReadSlices copies the box of voxels starting at start of the given size into
// dst, one buffer per z slice with x varying fastest. Samples outside the
// volume read as Unobserved, so a region need not intersect the volume at all.
// dst is reused when it has enough capacity.
// The returned version identifies the volume state the copy was taken from.
func (v *Volume) ReadSlices(dst [][]int8, start, size V3i) ([][]int8, uint64, error) {
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return dst, 0, fmt.Errorf("tsdf: invalid region size %v", size)
	}
	end := start.Add(size)
	sliceLen := size[0] * size[1]
	if cap(dst) < size[2] {
		dst = make([][]int8, size[2])
	}
	dst = dst[:size[2]]
	// Clamp to volume so inner loops need no bounds checks.
	lo := MaxElem(start, V3i{})
	hi := MinElem(end, v.dims)

	v.mu.RLock()
	defer v.mu.RUnlock()
	version := v.version.Load()
	for iz := range dst {
		if cap(dst[iz]) < sliceLen {
			dst[iz] = make([]int8, sliceLen)
		}
		slice := dst[iz][:sliceLen]
		dst[iz] = slice
		z := start[2] + iz
		if z < lo[2] || z >= hi[2] {
			fillUnobserved(slice)
			continue
		}
		for iy := 0; iy < size[1]; iy++ {
			row := slice[iy*size[0] : (iy+1)*size[0]]
			y := start[1] + iy
			if y < lo[1] || y >= hi[1] || lo[0] >= hi[0] {
				fillUnobserved(row)
				continue
			}
			xoff := lo[0] - start[0]
			fillUnobserved(row[:xoff])
			src := v.data[v.Index(V3i{lo[0], y, z}):]
			n := copy(row[xoff:], src[:hi[0]-lo[0]])
			fillUnobserved(row[xoff+n:])
		}
	}
	return dst, version, nil
}

func fillUnobserved(b []int8) {
	for i := range b {
		b[i] = Unobserved
	}
}
