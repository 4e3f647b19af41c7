package d3

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/r3"
)

// Plane is the set of points p with Dot(N,p)+D = 0. Points with a positive
// distance lie on the side N points to.
type Plane struct {
	N r3.Vec
	D float64
}

// Distance returns the signed distance from p to the plane. It is only a
// euclidean distance for a unit length normal.
func (p Plane) Distance(v r3.Vec) float64 { return r3.Dot(p.N, v) + p.D }

func (p Plane) normalize() Plane {
	n := r3.Norm(p.N)
	if n == 0 {
		return p
	}
	return Plane{N: r3.Scale(1/n, p.N), D: p.D / n}
}

// Frustum is a convex view volume bounded by six inward facing planes in
// the order left, right, bottom, top, near, far.
type Frustum [6]Plane

// NewFrustum extracts the frustum planes of a combined projection*view matrix.
func NewFrustum(clip mgl64.Mat4) Frustum {
	// Matrix is in column-major order in mgl64
	m00, m01, m02, m03 := clip[0], clip[4], clip[8], clip[12]
	m10, m11, m12, m13 := clip[1], clip[5], clip[9], clip[13]
	m20, m21, m22, m23 := clip[2], clip[6], clip[10], clip[14]
	m30, m31, m32, m33 := clip[3], clip[7], clip[11], clip[15]
	plane := func(a, b, c, d float64) Plane {
		return Plane{N: r3.Vec{X: a, Y: b, Z: c}, D: d}.normalize()
	}
	return Frustum{
		plane(m30+m00, m31+m01, m32+m02, m33+m03), // Left
		plane(m30-m00, m31-m01, m32-m02, m33-m03), // Right
		plane(m30+m10, m31+m11, m32+m12, m33+m13), // Bottom
		plane(m30-m10, m31-m11, m32-m12, m33-m13), // Top
		plane(m30+m20, m31+m21, m32+m22, m33+m23), // Near
		plane(m30-m20, m31-m21, m32-m22, m33-m23), // Far
	}
}

// ContainsPoint reports whether v lies inside or on the frustum.
func (f *Frustum) ContainsPoint(v r3.Vec) bool {
	for i := range f {
		if f[i].Distance(v) < 0 {
			return false
		}
	}
	return true
}

// IntersectsBox tests the box against every plane using the box corner
// furthest along the plane normal. It is conservative: boxes near frustum
// edges may be reported as intersecting while lying outside.
func (f *Frustum) IntersectsBox(b Box) bool {
	for i := range f {
		p := &f[i]
		// Select the positive vertex for this plane normal.
		v := b.Max
		if p.N.X < 0 {
			v.X = b.Min.X
		}
		if p.N.Y < 0 {
			v.Y = b.Min.Y
		}
		if p.N.Z < 0 {
			v.Z = b.Min.Z
		}
		if p.Distance(v) < 0 {
			return false
		}
	}
	return true
}

var errNotPerspective = errors.New("d3: projection is not an OpenGL perspective projection")

// PerspectiveNear returns the near plane distance of an OpenGL style perspective
// projection. Projections with infinite far plane are supported.
func PerspectiveNear(proj mgl64.Mat4) (float64, error) {
	p22, p23 := proj[10], proj[14]
	if proj[11] != -1 || p22 == 1 {
		return 0, errNotPerspective
	}
	n := p23 / (p22 - 1)
	if !(n > 0) || math.IsInf(n, 0) {
		return 0, errNotPerspective
	}
	return n, nil
}

// WithFar returns the perspective projection proj with its far plane moved to
// distance far. Field of view, aspect and any off-center terms are kept.
func WithFar(proj mgl64.Mat4, far float64) (mgl64.Mat4, error) {
	n, err := PerspectiveNear(proj)
	if err != nil {
		return proj, err
	} else if !(far > n) {
		return proj, errors.New("d3: far plane must lie beyond near plane")
	}
	proj[10] = (far + n) / (n - far)
	proj[14] = 2 * far * n / (n - far)
	return proj, nil
}

// ViewVolume is the pyramid spanned by the eye and the far plane corners of
// a perspective camera.
type ViewVolume struct {
	Eye r3.Vec
	// Far holds the far plane corners in the order
	// bottom-left, bottom-right, top-left, top-right.
	Far [4]r3.Vec
}

// NewViewVolume computes the view volume of a camera. proj must have a finite far plane.
func NewViewVolume(view, proj mgl64.Mat4) (ViewVolume, error) {
	if view.Det() == 0 {
		return ViewVolume{}, errors.New("d3: singular view matrix")
	}
	clip := proj.Mul4(view)
	if clip.Det() == 0 {
		return ViewVolume{}, errors.New("d3: singular projection*view matrix")
	}
	inv := clip.Inv()
	var vv ViewVolume
	vv.Eye = FromMgl(view.Inv().Mul4x1(mgl64.Vec4{0, 0, 0, 1}).Vec3())
	for i, ndc := range [4]mgl64.Vec4{{-1, -1, 1, 1}, {1, -1, 1, 1}, {-1, 1, 1, 1}, {1, 1, 1, 1}} {
		w := inv.Mul4x1(ndc)
		if w[3] == 0 {
			return vv, errors.New("d3: far corner at infinity")
		}
		vv.Far[i] = FromMgl(w.Vec3().Mul(1 / w[3]))
	}
	return vv, nil
}

// Bounds returns the box enclosing the view volume.
func (vv ViewVolume) Bounds() Box {
	return Set{vv.Eye, vv.Far[0], vv.Far[1], vv.Far[2], vv.Far[3]}.Bounds()
}

// Mat4From32 widens a single precision matrix.
func Mat4From32(m mgl32.Mat4) (d mgl64.Mat4) {
	for i := range m {
		d[i] = float64(m[i])
	}
	return d
}
