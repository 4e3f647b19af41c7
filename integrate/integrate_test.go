package integrate

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/compute"
)

const testVoxel = 0.05

func testIntegrationConfig() tsdf.IntegrationConfig {
	cfg := tsdf.DefaultConfig().Integration
	cfg.MaxEyeDist = 3
	return cfg
}

// planeFrame is a camera at height eyeZ looking down -z at the plane z=planeZ.
func planeFrame(eyeZ, planeZ float32, w, h int) *Frame {
	eye := mgl32.Vec3{0, 0, eyeZ}
	f := &Frame{
		Depth: DepthMap{Width: w, Height: h, Data: make([]float32, w*h)},
		View:  mgl32.LookAtV(eye, eye.Sub(mgl32.Vec3{0, 0, 1}), mgl32.Vec3{0, 1, 0}),
		Proj:  mgl32.Perspective(mgl32.DegToRad(60), float32(w)/float32(h), 0.1, 10),
		Time:  time.Now(),
	}
	for i := range f.Depth.Data {
		f.Depth.Data[i] = eyeZ - planeZ
	}
	return f
}

func newTestIntegrator(t *testing.T) (*Integrator, *tsdf.Volume) {
	t.Helper()
	vol, err := tsdf.NewVolume(tsdf.Elem(64), testVoxel)
	if err != nil {
		t.Fatal(err)
	}
	in, err := New(vol, DeviceFuser{Device: compute.NewCPU(4)}, testIntegrationConfig())
	if err != nil {
		t.Fatal(err)
	}
	return in, vol
}

// columnAt returns the decoded value of the voxel at world (0,0,z).
func columnAt(vol *tsdf.Volume, z float32) float32 {
	return tsdf.Decode(vol.At(vol.WorldToVoxel(ms3.Vec{Z: z})))
}

func TestShell(t *testing.T) {
	const minD, maxD, voxel = 0.2, 1.0, 0.1
	shell := Shell(minD, maxD, voxel)
	if len(shell) == 0 {
		t.Fatal("empty shell")
	}
	seen := make(map[Offset]bool)
	for i, o := range shell {
		if seen[o] {
			t.Fatalf("offset %v repeated", o)
		}
		seen[o] = true
		r := ms3.Norm(o.V3i().Vec()) * voxel
		if r < minD-1e-5 || r > maxD+1e-5 {
			t.Fatalf("offset %v at distance %g outside [%g,%g]", o, r, minD, maxD)
		}
		if i > 0 {
			p := shell[i-1]
			if p[2] > o[2] || (p[2] == o[2] && (p[1] > o[1] || (p[1] == o[1] && p[0] >= o[0]))) {
				t.Fatalf("offsets %v, %v not sorted", p, o)
			}
		}
	}
	// Voxel count approximates the shell's volume in voxels.
	want := 4. / 3 * math32.Pi * (1000 - 8)
	if got := float32(len(shell)); math32.Abs(got-want) > 0.05*want {
		t.Errorf("shell has %d voxels, want about %g", len(shell), want)
	}
}

func TestBlend(t *testing.T) {
	if got := Blend(tsdf.Unobserved, -0.5, 0.1); got != tsdf.Encode(-0.5) {
		t.Errorf("first observation must be taken verbatim, got %d", got)
	}
	got := tsdf.Decode(Blend(tsdf.Encode(0), 1, 0.25))
	if math32.Abs(got-0.25) > 1./127 {
		t.Errorf("want 0.25, got %g", got)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		stored := int8(rng.Intn(255) - 127)
		obs := rng.Float32()*2 - 1
		rate := rng.Float32()
		v := Blend(stored, obs, rate)
		if v < -127 {
			t.Fatalf("blend(%d, %g, %g) = %d outside truncation band", stored, obs, rate, v)
		}
		if d := tsdf.Decode(v); d < -1 || d > 1 {
			t.Fatalf("decoded %g outside [-1,1]", d)
		}
	}
}

func TestIntegratePlane(t *testing.T) {
	in, vol := newTestIntegrator(t)
	cfg := in.Config()
	f := planeFrame(1.2, 0, 64, 64)
	if err := in.Integrate(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if in.Passes() != 1 {
		t.Fatalf("want 1 pass, got %d", in.Passes())
	}
	const tol = 1.5 / 127
	for _, tc := range []struct {
		z    float32
		want float32
	}{
		{z: 0.1, want: 0.1 / cfg.TruncationMax},
		{z: 0.05, want: 0.05 / cfg.TruncationMax},
		{z: 0, want: 0},
		{z: -0.05, want: -0.05 / -cfg.TruncationMin},
		{z: 0.5, want: 1},  // Saturated free space.
		{z: -0.2, want: 1}, // Occluded, never observed.
		{z: -0.5, want: 1}, // Occluded, never observed.
		{z: 1.5, want: 1},  // Behind the camera.
	} {
		if got := columnAt(vol, tc.z); math32.Abs(got-tc.want) > tol {
			t.Errorf("z=%g: want %g, got %g", tc.z, tc.want, got)
		}
	}
	if got := vol.At(vol.WorldToVoxel(ms3.Vec{Z: -0.5})); got != tsdf.Unobserved {
		t.Errorf("occluded voxel modified: %d", got)
	}

	// A second observation of a plane slightly higher blends into the first.
	f = planeFrame(1.2, 0.05, 64, 64)
	if err := in.Integrate(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	obs := float32(-0.05) / -cfg.TruncationMin
	want := cfg.BlendRate * obs
	if got := columnAt(vol, 0); math32.Abs(got-want) > tol {
		t.Errorf("blended value: want %g, got %g", want, got)
	}
}

func TestIntegrateNilFrame(t *testing.T) {
	in, vol := newTestIntegrator(t)
	version := vol.Version()
	if err := in.Integrate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if in.Passes() != 0 || vol.Version() != version {
		t.Error("nil frame must not touch the volume")
	}
}

func TestIntegrateInvalidFrame(t *testing.T) {
	in, _ := newTestIntegrator(t)
	f := planeFrame(1.2, 0, 8, 8)
	f.Depth.Data = f.Depth.Data[:10]
	if err := in.Integrate(context.Background(), f); err == nil {
		t.Error("expected error for short depth map")
	}
	f = planeFrame(1.2, 0, 8, 8)
	f.Normal = NormalMap{Width: 4, Height: 4, Data: make([]ms3.Vec, 16)}
	if err := in.Integrate(context.Background(), f); err == nil {
		t.Error("expected error for mismatched normal map")
	}
	f = planeFrame(1.2, 0, 8, 8)
	f.View = mgl32.Mat4{}
	if err := in.Integrate(context.Background(), f); err == nil {
		t.Error("expected error for singular view")
	}
}

func TestIntegrateTruncationInvariant(t *testing.T) {
	in, vol := newTestIntegrator(t)
	rng := rand.New(rand.NewSource(2))
	for pass := 0; pass < 4; pass++ {
		f := planeFrame(0.5+rng.Float32(), 0, 32, 32)
		for i := range f.Depth.Data {
			switch rng.Intn(8) {
			case 0:
				f.Depth.Data[i] = 0 // Missing.
			case 1:
				f.Depth.Data[i] = math32.NaN()
			default:
				f.Depth.Data[i] = rng.Float32() * 3
			}
		}
		if err := in.Integrate(context.Background(), f); err != nil {
			t.Fatal(err)
		}
	}
	vol.Read(func(data []int8) {
		for i, v := range data {
			if v < -127 {
				t.Fatalf("voxel %v stores %d outside truncation band", vol.Coord(i), v)
			}
		}
	})
}

func TestIntegrateNormalConfidence(t *testing.T) {
	in, vol := newTestIntegrator(t)
	cfg := in.Config()
	// Seed the volume so the second pass blends.
	if err := in.Integrate(context.Background(), planeFrame(1.2, 0, 32, 32)); err != nil {
		t.Fatal(err)
	}
	f := planeFrame(1.2, 0.05, 32, 32)
	f.Normal = NormalMap{Width: 32, Height: 32, Data: make([]ms3.Vec, 32*32)}
	for i := range f.Normal.Data {
		f.Normal.Data[i] = ms3.Vec{X: 1} // Grazing: confidence clamps to minimum.
	}
	if err := in.Integrate(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	want := cfg.BlendRate * cfg.MinConfidence * -0.5
	if got := columnAt(vol, 0); math32.Abs(got-want) > 1.5/127 {
		t.Errorf("grazing observation: want %g, got %g", want, got)
	}
}

func TestSetConfigKeepsShell(t *testing.T) {
	in, _ := newTestIntegrator(t)
	n := in.ShellLen()
	cfg := in.Config()
	cfg.BlendRate = 0.5
	if err := in.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if in.ShellLen() != n {
		t.Error("shell changed without distance change")
	}
	cfg.MaxEyeDist = 1
	if err := in.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if in.ShellLen() >= n {
		t.Error("shell did not shrink")
	}
	cfg.TruncationMin = 0.1
	if err := in.SetConfig(cfg); err == nil {
		t.Error("expected error for positive truncation min")
	}
}

func TestClear(t *testing.T) {
	in, vol := newTestIntegrator(t)
	if err := in.Integrate(context.Background(), planeFrame(1.2, 0, 16, 16)); err != nil {
		t.Fatal(err)
	}
	in.Clear()
	vol.Read(func(data []int8) {
		for _, v := range data {
			if v != tsdf.Unobserved {
				t.Fatal("voxel not cleared")
			}
		}
	})
}

func TestRaymarch(t *testing.T) {
	in, vol := newTestIntegrator(t)
	if err := in.Integrate(context.Background(), planeFrame(1.2, 0, 64, 64)); err != nil {
		t.Fatal(err)
	}
	cfg := tsdf.DefaultConfig().Raymarch
	batch, err := NewRaymarchBatch(vol, compute.NewCPU(2), cfg, in.Config().TruncationMax)
	if err != nil {
		t.Fatal(err)
	}
	down := batch.Add(ms3.Vec{Z: 1}, ms3.Vec{Z: -2}, 3)
	up := batch.Add(ms3.Vec{Z: 0.5}, ms3.Vec{Z: 1}, 3)
	short := batch.Add(ms3.Vec{Z: 1}, ms3.Vec{Z: -1}, 0.5)
	zero := batch.Add(ms3.Vec{Z: 1}, ms3.Vec{}, 3)
	results, err := batch.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if batch.Len() != 0 {
		t.Error("batch not emptied")
	}
	if got := results[down]; math32.Abs(got-1) > testVoxel {
		t.Errorf("downward ray: want hit at 1, got %g", got)
	}
	for _, i := range []int{up, short, zero} {
		if results[i] != NoHit {
			t.Errorf("ray %d: want no hit, got %g", i, results[i])
		}
	}
}

func TestFrameStore(t *testing.T) {
	var s FrameStore
	if f, seq := s.Latest("depth"); f != nil || seq != 0 {
		t.Fatal("empty store returned a frame")
	}
	wake, unsubscribe := s.Subscribe("depth")
	a, b := planeFrame(1, 0, 2, 2), planeFrame(2, 0, 2, 2)
	s.Publish("depth", a)
	s.Publish("depth", b)
	s.Publish("color", a)
	select {
	case <-wake:
	default:
		t.Fatal("subscriber not woken")
	}
	select {
	case <-wake:
		t.Fatal("wake ups should coalesce")
	default:
	}
	f, seq := s.Latest("depth")
	if f != b || seq != 2 {
		t.Errorf("want latest frame with seq 2, got seq %d", seq)
	}
	unsubscribe()
	s.Publish("depth", a)
	select {
	case <-wake:
		t.Fatal("woken after unsubscribe")
	default:
	}
	if _, seq := s.Latest("depth"); seq != 3 {
		t.Errorf("want seq 3, got %d", seq)
	}
}

func TestDepthFromGray16(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 * (1 + x/2 + 2*(y/2)))})
		}
	}
	img.SetGray16(0, 0, color.Gray16{}) // Missing.
	dm, err := DepthFromGray16(img, 0.001, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dm.At(0, 0); ok {
		t.Error("zero depth must be invalid")
	}
	if d, ok := dm.At(3, 3); !ok || math32.Abs(d-4) > 1e-6 {
		t.Errorf("want 4m, got %g", d)
	}
	small, err := DepthFromGray16(img, 0.001, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float32{1, 2, 3, 4} {
		if i == 0 {
			continue // Covers the missing pixel.
		}
		got := small.Data[i]
		if math32.Abs(got-want) > 0.002 {
			t.Errorf("pixel %d: want %g, got %g", i, want, got)
		}
	}
	if _, err := DepthFromGray16(img, 0, 2, 2); err == nil {
		t.Error("expected error for zero scale")
	}
}
