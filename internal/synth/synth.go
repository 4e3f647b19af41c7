// Package synth renders depth frames of a synthetic room so that the
// pipeline can run without a depth sensor.
package synth

import (
	"context"
	"errors"
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/deadsy/sdfx/sdf"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf/compute"
	"github.com/soypat/tsdf/integrate"
)

// Scene is a signed distance field in world units, Z up.
type Scene struct {
	s sdf.SDF3
}

// Room returns a closed room of the given interior size centered at the
// origin with a table and a ball standing on the floor.
func Room(width, depth, height float64) (*Scene, error) {
	if width <= 0 || depth <= 0 || height <= 0 {
		return nil, errors.New("synth: room size must be positive")
	}
	const wall = 0.1
	inner, err := sdf.Box3D(sdf.V3{X: width, Y: depth, Z: height}, 0)
	if err != nil {
		return nil, err
	}
	outer, err := sdf.Box3D(sdf.V3{X: width + 2*wall, Y: depth + 2*wall, Z: height + 2*wall}, 0)
	if err != nil {
		return nil, err
	}
	floor := -height / 2
	top, err := sdf.Box3D(sdf.V3{X: 1.2, Y: 0.7, Z: 0.05}, 0)
	if err != nil {
		return nil, err
	}
	top = sdf.Transform3D(top, sdf.Translate3d(sdf.V3{X: width / 4, Y: depth / 5, Z: floor + 0.75}))
	leg, err := sdf.Box3D(sdf.V3{X: 0.6, Y: 0.4, Z: 0.75}, 0)
	if err != nil {
		return nil, err
	}
	leg = sdf.Transform3D(leg, sdf.Translate3d(sdf.V3{X: width / 4, Y: depth / 5, Z: floor + 0.375}))
	ball, err := sdf.Sphere3D(0.3)
	if err != nil {
		return nil, err
	}
	ball = sdf.Transform3D(ball, sdf.Translate3d(sdf.V3{X: -width / 4, Y: -depth / 5, Z: floor + 0.3}))
	room := sdf.Union3D(sdf.Difference3D(outer, inner), top, leg, ball)
	return &Scene{s: room}, nil
}

// FromSDF returns a scene of an arbitrary sdfx shape.
func FromSDF(s sdf.SDF3) *Scene { return &Scene{s: s} }

// Evaluate returns the signed distance from p to the scene's surface.
func (sc *Scene) Evaluate(p ms3.Vec) float32 {
	return float32(sc.s.Evaluate(sdf.V3{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}))
}

// Normal returns the unit gradient of the scene's field at p.
func (sc *Scene) Normal(p ms3.Vec) ms3.Vec {
	const h = 1e-3
	g := ms3.Vec{
		X: sc.Evaluate(ms3.Add(p, ms3.Vec{X: h})) - sc.Evaluate(ms3.Sub(p, ms3.Vec{X: h})),
		Y: sc.Evaluate(ms3.Add(p, ms3.Vec{Y: h})) - sc.Evaluate(ms3.Sub(p, ms3.Vec{Y: h})),
		Z: sc.Evaluate(ms3.Add(p, ms3.Vec{Z: h})) - sc.Evaluate(ms3.Sub(p, ms3.Vec{Z: h})),
	}
	n := ms3.Norm(g)
	if n == 0 {
		return ms3.Vec{}
	}
	return ms3.Scale(1/n, g)
}

// Camera is a pinhole depth sensor.
type Camera struct {
	Eye, Target ms3.Vec
	// FovY is the vertical field of view in radians.
	FovY          float32
	Width, Height int
	Near          float32
	// MaxDepth is the sensor range. Surfaces further away are not measured.
	MaxDepth float32
}

// Orbit returns a camera at the given height circling center at radius,
// angle radians around the Z axis, looking at center.
func Orbit(center ms3.Vec, radius, height, angle float32, w, h int) Camera {
	return Camera{
		Eye: ms3.Vec{
			X: center.X + radius*math32.Cos(angle),
			Y: center.Y + radius*math32.Sin(angle),
			Z: height,
		},
		Target:   center,
		FovY:     mgl32.DegToRad(60),
		Width:    w,
		Height:   h,
		Near:     0.05,
		MaxDepth: 5,
	}
}

func (c Camera) aspect() float32 { return float32(c.Width) / float32(c.Height) }

// View returns the world to eye transform, Z up.
func (c Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(vec3(c.Eye), vec3(c.Target), mgl32.Vec3{0, 0, 1})
}

// Proj returns a perspective projection with an infinite far plane.
func (c Camera) Proj() mgl32.Mat4 {
	return InfinitePerspective(c.FovY, c.aspect(), c.Near)
}

// InfinitePerspective is mgl32.Perspective with the far plane at infinity.
func InfinitePerspective(fovy, aspect, near float32) mgl32.Mat4 {
	p := mgl32.Perspective(fovy, aspect, near, 2*near)
	p[10] = -1
	p[14] = -2 * near
	return p
}

// Render sphere traces the scene from cam. It returns the frame with depths
// and normals and the depth as a millimeter Gray16 image, as a depth sensor
// would produce it.
func (sc *Scene) Render(ctx context.Context, cam Camera, workers int) (*integrate.Frame, *image.Gray16, error) {
	w, h := cam.Width, cam.Height
	if w <= 0 || h <= 0 || !(cam.FovY > 0) || !(cam.Near > 0) || !(cam.MaxDepth > cam.Near) {
		return nil, nil, errors.New("synth: invalid camera")
	}
	view := cam.View()
	invView := view.Inv()
	if invView == (mgl32.Mat4{}) {
		return nil, nil, errors.New("synth: degenerate camera orientation")
	}
	f := &integrate.Frame{
		Depth:  integrate.DepthMap{Width: w, Height: h, Data: make([]float32, w*h)},
		Normal: integrate.NormalMap{Width: w, Height: h, Data: make([]ms3.Vec, w*h)},
		View:   view,
		Proj:   cam.Proj(),
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	tanY := math32.Tan(cam.FovY / 2)
	tanX := tanY * cam.aspect()
	err := compute.ForBlocks(ctx, h, workers, func(_, lo, hi int) {
		for y := lo; y < hi; y++ {
			for x := 0; x < w; x++ {
				// Eye space direction with unit depth.
				ex := ((float32(x)+0.5)/float32(w)*2 - 1) * tanX
				ey := (1 - (float32(y)+0.5)/float32(h)*2) * tanY
				d := invView.Mul4x1(mgl32.Vec4{ex, ey, -1, 0})
				dir := ms3.Vec{X: d[0], Y: d[1], Z: d[2]}
				scale := ms3.Norm(dir)
				dir = ms3.Scale(1/scale, dir)
				t, hit := sc.trace(cam.Eye, dir, cam.Near*scale, cam.MaxDepth*scale)
				if !hit {
					continue
				}
				depth := t / scale
				i := y*w + x
				f.Depth.Data[i] = depth
				f.Normal.Data[i] = sc.Normal(ms3.Add(cam.Eye, ms3.Scale(t, dir)))
				img.SetGray16(x, y, color.Gray16{Y: uint16(math32.Min(depth*1000+0.5, 65535))})
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return f, img, nil
}

// trace returns the distance along unit dir from origin to the first
// surface between tmin and tmax.
func (sc *Scene) trace(origin, dir ms3.Vec, tmin, tmax float32) (float32, bool) {
	const (
		maxSteps = 512
		epsilon  = 1e-4
	)
	t := tmin
	for i := 0; i < maxSteps && t < tmax; i++ {
		d := sc.Evaluate(ms3.Add(origin, ms3.Scale(t, dir)))
		if d < epsilon {
			return t, true
		}
		t += d
	}
	return 0, false
}

func vec3(v ms3.Vec) mgl32.Vec3 { return mgl32.Vec3{v.X, v.Y, v.Z} }
