// Package viz writes debug images of volumes and meshes.
package viz

import (
	"errors"
	"fmt"
	"image"

	"github.com/fogleman/fauxgl"
	"github.com/nfnt/resize"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// slice is a plotter.GridXYZ over one z slice of a volume.
type slice struct {
	vol  *tsdf.Volume
	z    int
	data []int8
}

func (s slice) Dims() (c, r int) {
	d := s.vol.Dims()
	return d[0], d[1]
}

func (s slice) Z(c, r int) float64 {
	return float64(tsdf.Decode(s.data[s.vol.Index(tsdf.V3i{c, r, s.z})]))
}

func (s slice) X(c int) float64 { return float64(s.vol.VoxelToWorld(tsdf.V3i{c, 0, s.z}).X) }

func (s slice) Y(r int) float64 { return float64(s.vol.VoxelToWorld(tsdf.V3i{0, r, s.z}).Y) }

// SliceHeatMap plots the signed distances of the voxel slice nearest the
// world height z as a heat map and saves it to path. The image format is
// inferred from the extension, as plot.Save does.
func SliceHeatMap(path string, vol *tsdf.Volume, z float32) error {
	vz := vol.WorldToVoxel(ms3.Vec{Z: z})[2]
	if vz < 0 || vz >= vol.Dims()[2] {
		return fmt.Errorf("viz: height %g outside volume", z)
	}
	data := make([]int8, vol.Len())
	vol.Read(func(d []int8) { copy(data, d) })

	p := plot.New()
	p.Title.Text = fmt.Sprintf("signed distance at z=%.3g", z)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	hm := plotter.NewHeatMap(slice{vol: vol, z: vz, data: data}, palette.Heat(32, 1))
	hm.Min, hm.Max = -1, 1
	p.Add(hm)
	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}

// View positions the camera of a mesh preview.
type View struct {
	Eye, LookAt, Up r3.Vec
	// FovY is the vertical field of view in degrees.
	FovY      float64
	Near, Far float64
}

// DefaultView is an isometric view from above of a mesh fitted in a bi-unit cube.
var DefaultView = View{
	Eye:  r3.Vec{X: 2.4, Y: 2.4, Z: 2.4},
	Up:   r3.Vec{Z: 1},
	FovY: 30,
	Near: 1,
	Far:  10,
}

// Preview rasterizes triangles fitted into a bi-unit cube with a Phong
// shader and returns a width by height image.
func Preview(triangles []ms3.Triangle, view View, width, height int) (image.Image, error) {
	if len(triangles) == 0 {
		return nil, errors.New("viz: no triangles to preview")
	} else if width <= 0 || height <= 0 {
		return nil, errors.New("viz: invalid image size")
	}
	const scale = 2 // Supersampling.
	tris := make([]*fauxgl.Triangle, len(triangles))
	for i, t := range triangles {
		tris[i] = fauxgl.NewTriangleForPoints(fv(t[0]), fv(t[1]), fv(t[2]))
	}
	mesh := fauxgl.NewTriangleMesh(tris)
	mesh.BiUnitCube()

	var (
		eye    = fauxgl.V(view.Eye.X, view.Eye.Y, view.Eye.Z)
		center = fauxgl.V(view.LookAt.X, view.LookAt.Y, view.LookAt.Z)
		up     = fauxgl.V(view.Up.X, view.Up.Y, view.Up.Z)
		light  = fauxgl.V(-0.75, 1, 0.25).Normalize()
	)
	ctx := fauxgl.NewContext(width*scale, height*scale)
	ctx.ClearColorBufferWith(fauxgl.HexColor("#FFF8E3"))
	aspect := float64(width) / float64(height)
	matrix := fauxgl.LookAt(eye, center, up).Perspective(view.FovY, aspect, view.Near, view.Far)
	shader := fauxgl.NewPhongShader(matrix, light, eye)
	shader.ObjectColor = fauxgl.HexColor("#468966")
	ctx.Shader = shader
	ctx.DrawMesh(mesh)
	return resize.Resize(uint(width), uint(height), ctx.Image(), resize.Bilinear), nil
}

// PreviewPNG writes a Preview of triangles to a PNG file at path.
func PreviewPNG(path string, triangles []ms3.Triangle, view View, width, height int) error {
	img, err := Preview(triangles, view, width, height)
	if err != nil {
		return err
	}
	return fauxgl.SavePNG(path, img)
}

func fv(v ms3.Vec) fauxgl.Vector {
	return fauxgl.V(float64(v.X), float64(v.Y), float64(v.Z))
}
