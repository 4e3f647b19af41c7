// Package integrate fuses depth frames into a tsdf.Volume.
//
// Each pass visits the voxels of a precomputed shell of offsets around the
// camera, the voxels between the minimum and maximum integration distance,
// projects them into the depth image and moves their stored signed distance
// towards the observed one. Passes on a volume are serialized.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
)

// Integrator fuses frames into a volume.
type Integrator struct {
	vol   *tsdf.Volume
	fuser Fuser

	// mu serializes passes and guards the fields below.
	mu     sync.Mutex
	cfg    tsdf.IntegrationConfig
	shell  []Offset
	passes int
}

// New returns an integrator writing into vol through fuser.
func New(vol *tsdf.Volume, fuser Fuser, cfg tsdf.IntegrationConfig) (*Integrator, error) {
	if vol == nil || fuser == nil {
		return nil, errors.New("integrate: nil volume or fuser")
	}
	in := &Integrator{vol: vol, fuser: fuser}
	if err := in.SetConfig(cfg); err != nil {
		return nil, err
	}
	return in, nil
}

// SetConfig replaces the integration parameters. The voxel shell is only
// recomputed if the integration distances changed.
func (in *Integrator) SetConfig(cfg tsdf.IntegrationConfig) error {
	if !(cfg.TruncationMin < 0) || !(cfg.TruncationMax > 0) {
		return errors.New("integrate: truncation band must contain zero")
	} else if !(cfg.MinEyeDist >= 0) || !(cfg.MaxEyeDist > cfg.MinEyeDist) {
		return fmt.Errorf("integrate: invalid integration distances [%g, %g]", cfg.MinEyeDist, cfg.MaxEyeDist)
	} else if !(cfg.BlendRate > 0 && cfg.BlendRate <= 1) {
		return fmt.Errorf("integrate: blend rate %g not in (0, 1]", cfg.BlendRate)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.shell == nil || cfg.MinEyeDist != in.cfg.MinEyeDist || cfg.MaxEyeDist != in.cfg.MaxEyeDist {
		in.shell = Shell(cfg.MinEyeDist, cfg.MaxEyeDist, in.vol.VoxelSize())
	}
	in.cfg = cfg
	return nil
}

// Config returns the current integration parameters.
func (in *Integrator) Config() tsdf.IntegrationConfig {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg
}

// ShellLen returns the amount of voxels visited by one pass.
func (in *Integrator) ShellLen() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.shell)
}

// Passes returns the amount of completed passes.
func (in *Integrator) Passes() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.passes
}

// Integrate fuses frame f into the volume. A nil frame is not an error: the
// sensor need not have a frame ready every tick, so Integrate does nothing.
// Integrate blocks while another pass is in progress.
func (in *Integrator) Integrate(ctx context.Context, f *Frame) error {
	if f == nil {
		return nil
	}
	if err := f.Validate(); err != nil {
		return err
	}
	invView := f.View.Inv()
	if invView == (mgl32.Mat4{}) {
		return errors.New("integrate: singular view matrix")
	}
	e := invView.Mul4x1(mgl32.Vec4{0, 0, 0, 1})
	eye := ms3.Vec{X: e[0], Y: e[1], Z: e[2]}

	in.mu.Lock()
	defer in.mu.Unlock()
	pass := &Pass{
		Volume:  in.vol,
		Frame:   f,
		Config:  in.cfg,
		Eye:     eye,
		Origin:  in.vol.WorldToVoxel(eye),
		Offsets: in.shell,
	}
	if err := in.fuser.Fuse(ctx, pass); err != nil {
		return fmt.Errorf("integrate: %w", err)
	}
	in.passes++
	return nil
}

// Clear resets every voxel of the volume to tsdf.Unobserved.
func (in *Integrator) Clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.vol.Clear()
}
