package integrate

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/soypat/tsdf"
)

// Offset is a voxel offset from the camera's voxel.
type Offset [3]int16

// V3i widens the offset.
func (o Offset) V3i() tsdf.V3i { return tsdf.V3i{int(o[0]), int(o[1]), int(o[2])} }

// Shell returns the offsets of all voxels whose sample lies between minDist
// and maxDist of the origin voxel's sample, sorted by z, then y, then x.
// The set only depends on distances so a camera's set is found by translating
// it to the camera voxel, whatever the camera orientation.
func Shell(minDist, maxDist, voxelSize float32) []Offset {
	rmin := minDist / voxelSize
	rmax := maxDist / voxelSize
	r := int(math32.Ceil(rmax))
	if r > math.MaxInt16 {
		r = math.MaxInt16
	}
	rmin2, rmax2 := rmin*rmin, rmax*rmax
	var offsets []Offset
	for z := -r; z <= r; z++ {
		for y := -r; y <= r; y++ {
			yz2 := float32(y*y + z*z)
			if yz2 > rmax2 {
				continue
			}
			for x := -r; x <= r; x++ {
				d2 := yz2 + float32(x*x)
				if d2 < rmin2 || d2 > rmax2 {
					continue
				}
				offsets = append(offsets, Offset{int16(x), int16(y), int16(z)})
			}
		}
	}
	return offsets
}
