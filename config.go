package tsdf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the reconstruction pipeline.
// All numeric parameters must be positive unless noted otherwise.
type Config struct {
	Volume      VolumeConfig      `yaml:"volume"`
	Integration IntegrationConfig `yaml:"integration"`
	Chunks      ChunkConfig       `yaml:"chunks"`
	Raymarch    RaymarchConfig    `yaml:"raymarch"`
	// Workers is the amount of goroutines used by parallel kernels.
	// Zero selects runtime.NumCPU.
	Workers int `yaml:"workers"`
}

// VolumeConfig determines the shape of a Volume. Changing it requires
// re-creating the volume.
type VolumeConfig struct {
	Dims      [3]int  `yaml:"dims"`
	VoxelSize float32 `yaml:"voxel_size"`
}

// IntegrationConfig configures depth frame fusion.
type IntegrationConfig struct {
	// TruncationMin is the negative bound of the truncation band in world units.
	// Observations further behind the surface than this are not integrated.
	TruncationMin float32 `yaml:"truncation_min"`
	// TruncationMax is the positive bound of the truncation band in world units.
	// Observed signed distances beyond it saturate at +1.
	TruncationMax float32 `yaml:"truncation_max"`
	MinEyeDist    float32 `yaml:"min_eye_dist"`
	MaxEyeDist    float32 `yaml:"max_eye_dist"`
	// BlendRate is the exponential moving average rate applied to an observed voxel.
	BlendRate float32 `yaml:"blend_rate"`
	// MinConfidence is the lower bound of the normal-based confidence weight.
	MinConfidence float32 `yaml:"min_confidence"`
	// Interval is the period of the depth integration loop.
	Interval time.Duration `yaml:"interval"`
}

// ChunkConfig configures chunk paging and mesh rebuild cadence.
type ChunkConfig struct {
	// Size is the side length of a cubic chunk in world units.
	Size float32 `yaml:"size"`
	// UpdateDistance is the far distance of the frustum used to find stale chunks.
	UpdateDistance float32 `yaml:"update_distance"`
	// UpdateFrequency is the time between two dequeues of the rebuild loop.
	UpdateFrequency time.Duration `yaml:"update_frequency"`
	// ConnectionPadding is the amount of voxels extracted past the chunk bounds
	// so that meshes of adjacent chunks overlap.
	ConnectionPadding int `yaml:"connection_padding"`
}

// RaymarchConfig configures batched occlusion queries against the volume.
type RaymarchConfig struct {
	// StepFactor scales the minimum step, which is StepFactor*VoxelSize.
	StepFactor float32 `yaml:"step_factor"`
	MaxSteps   int     `yaml:"max_steps"`
}

// DefaultConfig returns a configuration suited for a room sized volume
// of 4cm voxels.
func DefaultConfig() Config {
	return Config{
		Volume: VolumeConfig{
			Dims:      [3]int{160, 96, 160},
			VoxelSize: 0.04,
		},
		Integration: IntegrationConfig{
			TruncationMin: -0.1,
			TruncationMax: 0.12,
			MinEyeDist:    0.2,
			MaxEyeDist:    4,
			BlendRate:     0.3,
			MinConfidence: 0.25,
			Interval:      250 * time.Millisecond,
		},
		Chunks: ChunkConfig{
			Size:              0.64,
			UpdateDistance:    4,
			UpdateFrequency:   20 * time.Millisecond,
			ConnectionPadding: 1,
		},
		Raymarch: RaymarchConfig{
			StepFactor: 0.5,
			MaxSteps:   512,
		},
	}
}

// LoadConfig reads a YAML configuration file. Keys absent from the file keep
// their DefaultConfig value. The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// VolumeDims returns the volume dimensions as a V3i.
func (c Config) VolumeDims() V3i {
	return V3i{c.Volume.Dims[0], c.Volume.Dims[1], c.Volume.Dims[2]}
}

// Validate checks that every parameter lies in its allowed range.
func (c Config) Validate() error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	for i, d := range c.Volume.Dims {
		positive(fmt.Sprintf("volume.dims[%d]", i), d > 0)
	}
	positive("volume.voxel_size", c.Volume.VoxelSize > 0)
	if !(c.Integration.TruncationMin < 0) {
		errs = append(errs, errors.New("integration.truncation_min must be negative"))
	}
	positive("integration.truncation_max", c.Integration.TruncationMax > 0)
	positive("integration.min_eye_dist", c.Integration.MinEyeDist > 0)
	positive("integration.max_eye_dist", c.Integration.MaxEyeDist > 0)
	if c.Integration.MaxEyeDist <= c.Integration.MinEyeDist {
		errs = append(errs, errors.New("integration.max_eye_dist must exceed min_eye_dist"))
	}
	positive("integration.blend_rate", c.Integration.BlendRate > 0 && c.Integration.BlendRate <= 1)
	positive("integration.min_confidence", c.Integration.MinConfidence > 0 && c.Integration.MinConfidence <= 1)
	positive("integration.interval", c.Integration.Interval > 0)
	positive("chunks.size", c.Chunks.Size > 0)
	positive("chunks.update_distance", c.Chunks.UpdateDistance > 0)
	positive("chunks.update_frequency", c.Chunks.UpdateFrequency > 0)
	if c.Chunks.ConnectionPadding < 0 {
		errs = append(errs, errors.New("chunks.connection_padding must not be negative"))
	}
	positive("raymarch.step_factor", c.Raymarch.StepFactor > 0)
	positive("raymarch.max_steps", c.Raymarch.MaxSteps > 0)
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	return errors.Join(errs...)
}
