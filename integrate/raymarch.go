package integrate

import (
	"context"
	"errors"

	"github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
)

// NoHit is the result of a ray that reached its maximum distance without
// crossing the surface.
const NoHit = -1

// Ray is an occlusion query against the volume.
type Ray struct {
	Origin ms3.Vec
	// Dir need not be unit length.
	Dir     ms3.Vec
	MaxDist float32
}

// RaymarchBatch collects ray queries and resolves them against a volume in a
// single kernel dispatch.
type RaymarchBatch struct {
	vol *tsdf.Volume
	dev compute.Device
	cfg tsdf.RaymarchConfig
	// truncMax converts positive normalized distances back to world units.
	truncMax float32
	rays     []Ray
}

// NewRaymarchBatch returns an empty batch. truncMax is the positive
// truncation distance the volume was integrated with.
func NewRaymarchBatch(vol *tsdf.Volume, dev compute.Device, cfg tsdf.RaymarchConfig, truncMax float32) (*RaymarchBatch, error) {
	if vol == nil || dev == nil {
		return nil, errors.New("integrate: nil volume or device")
	} else if !(cfg.StepFactor > 0) || cfg.MaxSteps <= 0 || !(truncMax > 0) {
		return nil, errors.New("integrate: invalid raymarch configuration")
	}
	return &RaymarchBatch{vol: vol, dev: dev, cfg: cfg, truncMax: truncMax}, nil
}

// Add queues a ray and returns its index in the results of Resolve.
// A ray with a zero direction never hits.
func (b *RaymarchBatch) Add(origin, dir ms3.Vec, maxDist float32) int {
	b.rays = append(b.rays, Ray{Origin: origin, Dir: dir, MaxDist: maxDist})
	return len(b.rays) - 1
}

// Len returns the amount of queued rays.
func (b *RaymarchBatch) Len() int { return len(b.rays) }

// Resolve marches all queued rays and returns for each the distance along
// its unit direction to the first surface crossing, or NoHit. The batch is
// emptied. Unobserved space is treated as free.
func (b *RaymarchBatch) Resolve(ctx context.Context) ([]float32, error) {
	rays := b.rays
	b.rays = nil
	results := make([]float32, len(rays))
	var err error
	b.vol.Read(func(data []int8) {
		err = b.dev.Dispatch(ctx, compute.Kernel{
			Name: "tsdf_raymarch",
			Grid: compute.Linear(len(rays)),
			Body: func(i int) {
				results[i] = b.march(data, rays[i])
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (b *RaymarchBatch) march(data []int8, r Ray) float32 {
	n := ms3.Norm(r.Dir)
	if n == 0 || math32.IsNaN(n) {
		return NoHit
	}
	dir := ms3.Scale(1/n, r.Dir)
	minStep := b.cfg.StepFactor * b.vol.VoxelSize()
	prevT := float32(0)
	prev := b.sample(data, r.Origin)
	if prev < 0 {
		return 0 // Starts inside.
	}
	t := float32(0)
	for step := 0; step < b.cfg.MaxSteps && t < r.MaxDist; step++ {
		// Positive distances below 1 are a lower bound of the surface distance.
		adv := minStep
		if prev < 1 {
			adv = math32.Max(minStep, prev*b.truncMax)
		}
		t = math32.Min(t+adv, r.MaxDist)
		v := b.sample(data, ms3.Add(r.Origin, ms3.Scale(t, dir)))
		if v < 0 {
			// Refine linearly between the last two samples.
			return prevT + (t-prevT)*prev/(prev-v)
		}
		prevT, prev = t, v
	}
	return NoHit
}

func (b *RaymarchBatch) sample(data []int8, p ms3.Vec) float32 {
	c := b.vol.WorldToVoxel(p)
	if !b.vol.Contains(c) {
		return 1
	}
	return tsdf.Decode(data[b.vol.Index(c)])
}
