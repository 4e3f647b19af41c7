// Package render converts fixed point signed distance fields into triangle
// meshes using surface nets and exports meshes to STL.
package render

import (
	"errors"
	"fmt"

	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
)

// Field is a dense box of fixed point signed distance samples, as copied out
// of a tsdf.Volume. Samples are laid out with x varying fastest, then y, then z.
type Field struct {
	Dims tsdf.V3i
	Data []int8
	// Origin is the world position of the sample at (0,0,0).
	Origin    ms3.Vec
	VoxelSize float32
}

// Validate checks that the field's data matches its dimensions.
func (f Field) Validate() error {
	if f.Dims[0] <= 0 || f.Dims[1] <= 0 || f.Dims[2] <= 0 {
		return fmt.Errorf("render: invalid field dimensions %v", f.Dims)
	} else if len(f.Data) != f.Dims.Prod() {
		return fmt.Errorf("render: field data length %d does not match dimensions %v", len(f.Data), f.Dims)
	} else if !(f.VoxelSize > 0) {
		return errors.New("render: field voxel size must be positive")
	}
	return nil
}

func (f Field) sample(x, y, z int) float32 {
	return tsdf.Decode(f.Data[x+f.Dims[0]*(y+f.Dims[1]*z)])
}

// Mesh is an indexed triangle mesh. Each vertex has a position and a unit
// normal pointing towards the outside (positive distance) of the surface.
// Consecutive triples of Indices form counter-clockwise triangles when seen
// from the outside.
type Mesh struct {
	Positions []ms3.Vec
	Normals   []ms3.Vec
	Indices   []uint32
}

// Reset empties the mesh keeping allocated memory.
func (m *Mesh) Reset() {
	m.Positions = m.Positions[:0]
	m.Normals = m.Normals[:0]
	m.Indices = m.Indices[:0]
}

// VertexCount returns the amount of vertices in the mesh.
func (m *Mesh) VertexCount() int { return len(m.Positions) }

// TriangleCount returns the amount of triangles in the mesh.
func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool { return len(m.Indices) < 3 }

// AppendTriangles appends the mesh's triangles to dst and returns the result.
func (m *Mesh) AppendTriangles(dst []ms3.Triangle) []ms3.Triangle {
	for i := 0; i+2 < len(m.Indices); i += 3 {
		dst = append(dst, ms3.Triangle{
			m.Positions[m.Indices[i]],
			m.Positions[m.Indices[i+1]],
			m.Positions[m.Indices[i+2]],
		})
	}
	return dst
}
