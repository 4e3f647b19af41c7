package integrate

import (
	"context"
	"errors"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
)

// Pass is one integration of a frame into a volume. It holds everything the
// fusion kernel reads.
type Pass struct {
	Volume *tsdf.Volume
	Frame  *Frame
	Config tsdf.IntegrationConfig
	// Eye is the camera position in world space.
	Eye ms3.Vec
	// Origin is the voxel the Offsets are relative to, the voxel nearest Eye.
	Origin  tsdf.V3i
	Offsets []Offset
}

// Fuser integrates passes into their volume. Implementations must not return
// before the pass' writes are visible to volume readers.
type Fuser interface {
	Fuse(ctx context.Context, pass *Pass) error
}

// DeviceFuser fuses on a compute.Device with one invocation per offset.
type DeviceFuser struct {
	Device compute.Device
}

// Fuse holds the volume's write lock for the whole dispatch.
func (df DeviceFuser) Fuse(ctx context.Context, pass *Pass) error {
	if df.Device == nil {
		return errors.New("integrate: nil device")
	}
	return pass.Volume.Write(func(data []int8) error {
		return df.Device.Dispatch(ctx, compute.Kernel{
			Name: "tsdf_fuse",
			Grid: compute.Linear(len(pass.Offsets)),
			Body: func(i int) {
				c := pass.Origin.Add(pass.Offsets[i].V3i())
				if !pass.Volume.Contains(c) {
					return
				}
				idx := pass.Volume.Index(c)
				if v, ok := pass.FuseVoxel(data[idx], pass.Volume.VoxelToWorld(c)); ok {
					data[idx] = v
				}
			},
		})
	})
}

// FuseVoxel returns the updated value of a voxel storing stored whose sample
// lies at world position p. ok is false if the frame does not observe p:
// p lies behind the camera, outside the image, on a pixel without depth or
// further behind the observed surface than the negative truncation band.
func (pass *Pass) FuseVoxel(stored int8, p ms3.Vec) (_ int8, ok bool) {
	obs, conf, ok := pass.observe(p)
	if !ok {
		return stored, false
	}
	cfg := &pass.Config
	rate := cfg.BlendRate
	if pass.Frame.HasNormals() {
		rate *= math32.Max(cfg.MinConfidence, conf)
	}
	return Blend(stored, obs, rate), true
}

// observe projects p into the frame and returns the observed signed distance
// normalized to [-1,1] and the normal based confidence of the observation.
func (pass *Pass) observe(p ms3.Vec) (obs, conf float32, ok bool) {
	f := pass.Frame
	eye := f.View.Mul4x1(mgl32.Vec4{p.X, p.Y, p.Z, 1})
	eyeDepth := -eye[2]
	if eyeDepth <= 0 {
		return 0, 0, false // Behind the camera.
	}
	clip := f.Proj.Mul4x1(eye)
	if clip[3] <= 0 {
		return 0, 0, false
	}
	ndcX, ndcY := clip[0]/clip[3], clip[1]/clip[3]
	if ndcX < -1 || ndcX > 1 || ndcY < -1 || ndcY > 1 {
		return 0, 0, false
	}
	w, h := f.Depth.Width, f.Depth.Height
	u := min(int((ndcX+1)/2*float32(w)), w-1)
	v := min(int((1-ndcY)/2*float32(h)), h-1)
	depth, valid := f.Depth.At(u, v)
	if !valid {
		return 0, 0, false
	}
	cfg := &pass.Config
	sdf := depth - eyeDepth
	if sdf < cfg.TruncationMin {
		return 0, 0, false // Occluded, beyond the surface's band.
	}
	if sdf >= 0 {
		obs = math32.Min(sdf/cfg.TruncationMax, 1)
	} else {
		obs = sdf / -cfg.TruncationMin
	}
	if f.HasNormals() {
		n := f.Normal.Data[v*w+u]
		toEye := ms3.Sub(pass.Eye, p)
		if dist := ms3.Norm(toEye); dist > 0 {
			conf = math32.Abs(dot(n, toEye)) / dist
		}
	}
	return obs, conf, true
}

// Blend moves stored towards the observation obs by rate, the weight of the
// new observation. The first observation of an Unobserved voxel is taken as is.
// The result is always within the truncation band.
func Blend(stored int8, obs, rate float32) int8 {
	if stored == tsdf.Unobserved {
		return tsdf.Encode(obs)
	}
	old := tsdf.Decode(stored)
	return tsdf.Encode(old + rate*(obs-old))
}

func dot(a, b ms3.Vec) float32 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
