package render

import (
	"context"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
)

// cubeEdges lists the 12 edges of a cell as pairs of corner indices. Corner k
// is offset from the cell origin by (k&1, k>>1&1, k>>2&1).
var cubeEdges = [12][2]uint8{
	{0, 1}, {2, 3}, {4, 5}, {6, 7}, // x
	{0, 2}, {1, 3}, {4, 6}, {5, 7}, // y
	{0, 4}, {1, 5}, {2, 6}, {3, 7}, // z
}

var cornerOffsets = [8]ms3.Vec{
	{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 0},
	{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1},
}

const noVertex = -1

// SurfaceNets extracts the zero isosurface of a Field. Every cell of the
// field (the cube spanned by 2x2x2 neighbouring samples) whose corners differ
// in sign gets one vertex placed at the mean of its edge crossings. Faces are
// then emitted for every sample edge with a sign change, joining the vertices
// of the four cells sharing that edge.
//
// Both passes run in parallel over contiguous cell ranges and their outputs
// are concatenated in range order, so the result does not depend on scheduling.
// A SurfaceNets reuses its scratch memory between calls and must not be used
// concurrently.
type SurfaceNets struct {
	// Workers is the amount of goroutines used. Zero selects runtime.NumCPU.
	Workers int

	cellVert []int32
	blocks   []snBlock
}

type snBlock struct {
	positions []ms3.Vec
	normals   []ms3.Vec
	indices   []uint32
}

// Extract replaces the contents of dst with the surface of field.
// A field without sign changes yields an empty mesh and no error.
// Extraction stops early if ctx is done, leaving dst empty.
func (sn *SurfaceNets) Extract(ctx context.Context, dst *Mesh, field Field) error {
	dst.Reset()
	if err := field.Validate(); err != nil {
		return err
	}
	cells := field.Dims.SubScalar(1)
	ncells := cells.Prod()
	if ncells <= 0 {
		return nil // Field is a slab, no cells.
	}
	workers := sn.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	nb := compute.Blocks(ncells, workers)
	if cap(sn.cellVert) < ncells {
		sn.cellVert = make([]int32, ncells)
	}
	sn.cellVert = sn.cellVert[:ncells]
	if cap(sn.blocks) < nb {
		sn.blocks = make([]snBlock, nb)
	}
	sn.blocks = sn.blocks[:nb]
	for i := range sn.blocks {
		b := &sn.blocks[i]
		b.positions = b.positions[:0]
		b.normals = b.normals[:0]
		b.indices = b.indices[:0]
	}

	// Pass 1: vertex placement.
	err := compute.ForBlocks(ctx, ncells, nb, func(b, lo, hi int) {
		blk := &sn.blocks[b]
		for ci := lo; ci < hi; ci++ {
			c := cellCoord(ci, cells)
			pos, norm, ok := cellVertex(field, c)
			if !ok {
				sn.cellVert[ci] = noVertex
				continue
			}
			sn.cellVert[ci] = int32(len(blk.positions))
			blk.positions = append(blk.positions, pos)
			blk.normals = append(blk.normals, norm)
		}
	})
	if err != nil {
		return err
	}
	// Rebase block local vertex indices onto the concatenated vertex buffer.
	var offsets []int32
	nverts := 0
	for i := range sn.blocks {
		offsets = append(offsets, int32(nverts))
		nverts += len(sn.blocks[i].positions)
	}
	if nverts == 0 {
		return nil
	}
	err = compute.ForBlocks(ctx, ncells, nb, func(b, lo, hi int) {
		off := offsets[b]
		for ci := lo; ci < hi; ci++ {
			if sn.cellVert[ci] != noVertex {
				sn.cellVert[ci] += off
			}
		}
	})
	if err != nil {
		return err
	}

	// Pass 2: triangulation.
	err = compute.ForBlocks(ctx, ncells, nb, func(b, lo, hi int) {
		blk := &sn.blocks[b]
		for ci := lo; ci < hi; ci++ {
			if sn.cellVert[ci] == noVertex {
				continue
			}
			blk.indices = sn.appendCellFaces(blk.indices, field, cells, cellCoord(ci, cells))
		}
	})
	if err != nil {
		return err
	}

	for i := range sn.blocks {
		blk := &sn.blocks[i]
		dst.Positions = append(dst.Positions, blk.positions...)
		dst.Normals = append(dst.Normals, blk.normals...)
		dst.Indices = append(dst.Indices, blk.indices...)
	}
	return nil
}

// cellVertex computes the surface nets vertex of the cell with origin sample c.
// ok is false if the cell's corners are all of the same sign.
func cellVertex(f Field, c tsdf.V3i) (pos, normal ms3.Vec, ok bool) {
	var vals [8]float32
	var mask uint8
	for k := range vals {
		v := f.sample(c[0]+k&1, c[1]+k>>1&1, c[2]+k>>2&1)
		vals[k] = v
		if v < 0 {
			mask |= 1 << k
		}
	}
	if mask == 0 || mask == 0xff {
		return pos, normal, false
	}
	var sum, grad ms3.Vec
	crossings := 0
	for _, e := range cubeEdges {
		va, vb := vals[e[0]], vals[e[1]]
		if (va < 0) == (vb < 0) {
			continue
		}
		a, b := cornerOffsets[e[0]], cornerOffsets[e[1]]
		// Signs differ so va != vb.
		t := va / (va - vb)
		sum = ms3.Add(sum, ms3.Add(a, ms3.Scale(t, ms3.Sub(b, a))))
		grad = ms3.Add(grad, ms3.Scale(va-vb, ms3.Sub(a, b)))
		crossings++
	}
	local := ms3.Scale(1/float32(crossings), sum)
	pos = ms3.Add(f.Origin, ms3.Scale(f.VoxelSize, ms3.Add(c.Vec(), local)))
	if gn := ms3.Norm(grad); gn > 1e-12 && !math32.IsNaN(gn) {
		normal = ms3.Scale(1/gn, grad)
	}
	return pos, normal, true
}

// appendCellFaces appends the triangles of the faces owned by cell c: one quad
// per axis whose sample edge starting at c changes sign.
func (sn *SurfaceNets) appendCellFaces(dst []uint32, f Field, cells, c tsdf.V3i) []uint32 {
	insideC := f.sample(c[0], c[1], c[2]) < 0
	for axis := 0; axis < 3; axis++ {
		j, k := (axis+1)%3, (axis+2)%3
		if c[j] == 0 || c[k] == 0 {
			continue // Quad would need cells outside the field.
		}
		n := c
		n[axis]++
		if insideC == (f.sample(n[0], n[1], n[2]) < 0) {
			continue
		}
		cj, ck, cjk := c, c, c
		cj[j]--
		ck[k]--
		cjk[j]--
		cjk[k]--
		v0 := sn.cellVert[cellIndex(c, cells)]
		v1 := sn.cellVert[cellIndex(cj, cells)]
		v2 := sn.cellVert[cellIndex(cjk, cells)]
		v3 := sn.cellVert[cellIndex(ck, cells)]
		if v1 == noVertex || v2 == noVertex || v3 == noVertex {
			continue // Unreachable: all four cells share the crossing edge.
		}
		a, b, cc, d := uint32(v0), uint32(v1), uint32(v2), uint32(v3)
		if insideC {
			// Surface faces +axis, from the negative sample towards the positive one.
			dst = append(dst, a, b, cc, a, cc, d)
		} else {
			dst = append(dst, a, cc, b, a, d, cc)
		}
	}
	return dst
}

func cellCoord(ci int, cells tsdf.V3i) tsdf.V3i {
	return tsdf.V3i{ci % cells[0], (ci / cells[0]) % cells[1], ci / (cells[0] * cells[1])}
}

func cellIndex(c, cells tsdf.V3i) int {
	return c[0] + cells[0]*(c[1]+cells[1]*c[2])
}
