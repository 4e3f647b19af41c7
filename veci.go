/*

Integer 3D vectors for voxel and chunk grid coordinates.

*/

package tsdf

import (
	"github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms3"
)

// V3i is a 3D integer vector. It addresses voxels in a Volume
// and chunks in a chunk grid.
type V3i [3]int

// Elem returns a V3i with all components set to v.
func Elem(v int) V3i { return V3i{v, v, v} }

// Add adds two vectors. Return v = a + b.
func (a V3i) Add(b V3i) V3i {
	return V3i{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// Sub subtracts two vectors. Return v = a - b.
func (a V3i) Sub(b V3i) V3i {
	return V3i{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// AddScalar adds a scalar to each component of the vector.
func (a V3i) AddScalar(b int) V3i {
	return V3i{a[0] + b, a[1] + b, a[2] + b}
}

// SubScalar subtracts a scalar from each component of the vector.
func (a V3i) SubScalar(b int) V3i {
	return V3i{a[0] - b, a[1] - b, a[2] - b}
}

// Scale multiplies each component by k.
func (a V3i) Scale(k int) V3i {
	return V3i{a[0] * k, a[1] * k, a[2] * k}
}

// Prod returns the product of the components. For a size vector this is the
// amount of cells it spans.
func (a V3i) Prod() int { return a[0] * a[1] * a[2] }

// MinElem returns the component-wise minimum of a and b.
func MinElem(a, b V3i) V3i {
	return V3i{imin(a[0], b[0]), imin(a[1], b[1]), imin(a[2], b[2])}
}

// MaxElem returns the component-wise maximum of a and b.
func MaxElem(a, b V3i) V3i {
	return V3i{imax(a[0], b[0]), imax(a[1], b[1]), imax(a[2], b[2])}
}

// AnyLT returns true if any component of a is less than the matching component of b.
func (a V3i) AnyLT(b V3i) bool {
	return a[0] < b[0] || a[1] < b[1] || a[2] < b[2]
}

// Vec converts V3i (integer) to ms3.Vec (float).
func (a V3i) Vec() ms3.Vec {
	return ms3.Vec{X: float32(a[0]), Y: float32(a[1]), Z: float32(a[2])}
}

// FloorVec returns the integer vector of the floored components of v.
func FloorVec(v ms3.Vec) V3i {
	return V3i{int(math32.Floor(v.X)), int(math32.Floor(v.Y)), int(math32.Floor(v.Z))}
}

// FloorDiv returns floor(a/b) for b > 0, rounding towards negative infinity
// unlike Go's truncating division.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func imin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func imax(a, b int) int {
	if a > b {
		return a
	}
	return b
}
