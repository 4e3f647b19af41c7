// Package glfuse implements an integrate.Fuser running the fusion kernel as
// an OpenGL 4.6 compute shader.
//
// The GL context must be current on the calling thread: Fuse may only be
// called from the goroutine locked to the OS thread that created the context.
package glfuse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-gl/gl/all-core/gl"
	"github.com/soypat/glgl/math/ms3"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/tsdf"
	"github.com/soypat/tsdf/integrate"
)

// rowWidth is the width of the textures the shell is laid out in. Shells
// are larger than the maximum 1D texture size of most drivers.
const rowWidth = 4096

// Fuser fuses passes on the GPU.
type Fuser struct {
	prog glgl.Program
	// scratch buffers reused between passes.
	pos    []ms3.Vec
	stored []float32
	index  []int
	params [numParams]float32
}

var _ integrate.Fuser = (*Fuser)(nil)

// Layout of the per pass parameter texture.
const (
	paramView      = 0
	paramProj      = 16
	paramEye       = 32
	paramTruncMin  = 35
	paramTruncMax  = 36
	paramBlend     = 37
	paramMinConf   = 38
	paramDepthW    = 39
	paramDepthH    = 40
	paramHasNormal = 41
	numParams      = 42
)

// New compiles the fusion shader. The GL context must be current.
func New() (*Fuser, error) {
	var src bytes.Buffer
	if _, err := writeProgram(&src); err != nil {
		return nil, err
	}
	combined, err := glgl.ParseCombined(&src)
	if err != nil {
		return nil, err
	}
	prog, err := glgl.CompileProgram(combined)
	if err != nil {
		return nil, errors.New(string(combined.Compute) + "\n" + err.Error())
	}
	return &Fuser{prog: prog}, nil
}

// Fuse gathers the shell voxels of the pass, runs the fusion shader over them
// and scatters the results back into the volume under its write lock.
func (fu *Fuser) Fuse(ctx context.Context, pass *integrate.Pass) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fu.setParams(pass)
	f := pass.Frame
	fu.prog.Bind()
	return pass.Volume.Write(func(data []int8) error {
		fu.gather(pass, data)
		n := len(fu.index)
		if n == 0 {
			return nil
		}
		w, h := rowWidth, (n+rowWidth-1)/rowWidth
		if h == 1 {
			w = n
		}
		// Pad to full rows.
		for len(fu.pos) < w*h {
			fu.pos = append(fu.pos, ms3.Vec{})
			fu.stored = append(fu.stored, float32(tsdf.Unobserved))
		}
		cfg := baseConfig
		cfg.Width, cfg.Height = len(fu.params), 1
		cfg.ImageUnit = 4
		paramTex, err := glgl.NewTextureFromImage(cfg, fu.params[:])
		if err != nil {
			return err
		}
		defer paramTex.Delete()

		cfg = baseConfig
		cfg.Width, cfg.Height = w, h
		cfg.Format, cfg.InternalFormat = gl.RGB, gl.RGBA32F
		posTex, err := glgl.NewTextureFromImage(cfg, fu.pos)
		if err != nil {
			return err
		}
		defer posTex.Delete()

		cfg = baseConfig
		cfg.Width, cfg.Height = f.Depth.Width, f.Depth.Height
		cfg.ImageUnit = 1
		depthTex, err := glgl.NewTextureFromImage(cfg, f.Depth.Data)
		if err != nil {
			return err
		}
		defer depthTex.Delete()

		normals := f.Normal.Data
		cfg = baseConfig
		cfg.Width, cfg.Height = f.Normal.Width, f.Normal.Height
		if !f.HasNormals() {
			normals = make([]ms3.Vec, 1)
			cfg.Width, cfg.Height = 1, 1
		}
		cfg.Format, cfg.InternalFormat = gl.RGB, gl.RGBA32F
		cfg.ImageUnit = 2
		normTex, err := glgl.NewTextureFromImage(cfg, normals)
		if err != nil {
			return err
		}
		defer normTex.Delete()

		valCfg := baseConfig
		valCfg.Width, valCfg.Height = w, h
		valCfg.Access = glgl.ReadOrWrite
		valCfg.ImageUnit = 3
		valTex, err := glgl.NewTextureFromImage(valCfg, fu.stored)
		if err != nil {
			return err
		}
		defer valTex.Delete()

		if err := fu.prog.RunCompute(w, h, 1); err != nil {
			return err
		}
		if err := glgl.GetImage(fu.stored, valTex, valCfg); err != nil {
			return err
		}
		for i, idx := range fu.index {
			data[idx] = int8(fu.stored[i])
		}
		return nil
	})
}

var baseConfig = glgl.TextureImgConfig{
	Type:           glgl.Texture2D,
	Access:         glgl.ReadOnly,
	Format:         gl.RED,
	MinFilter:      gl.NEAREST,
	MagFilter:      gl.NEAREST,
	Xtype:          gl.FLOAT,
	InternalFormat: gl.R32F,
}

func (fu *Fuser) setParams(pass *integrate.Pass) {
	f := pass.Frame
	p := &fu.params
	copy(p[paramView:], f.View[:])
	copy(p[paramProj:], f.Proj[:])
	eye := [3]float32{pass.Eye.X, pass.Eye.Y, pass.Eye.Z}
	copy(p[paramEye:], eye[:])
	p[paramTruncMin] = pass.Config.TruncationMin
	p[paramTruncMax] = pass.Config.TruncationMax
	p[paramBlend] = pass.Config.BlendRate
	p[paramMinConf] = pass.Config.MinConfidence
	p[paramDepthW] = float32(f.Depth.Width)
	p[paramDepthH] = float32(f.Depth.Height)
	p[paramHasNormal] = 0
	if f.HasNormals() {
		p[paramHasNormal] = 1
	}
}

// gather collects the in-volume voxels of the shell with their world
// positions and stored values.
func (fu *Fuser) gather(pass *integrate.Pass, data []int8) {
	vol := pass.Volume
	fu.pos = fu.pos[:0]
	fu.stored = fu.stored[:0]
	fu.index = fu.index[:0]
	for _, off := range pass.Offsets {
		c := pass.Origin.Add(off.V3i())
		if !vol.Contains(c) {
			continue
		}
		idx := vol.Index(c)
		fu.index = append(fu.index, idx)
		fu.pos = append(fu.pos, vol.VoxelToWorld(c))
		fu.stored = append(fu.stored, float32(data[idx]))
	}
}

// writeProgram writes the combined compute shader source to w.
func writeProgram(w io.Writer) (int, error) {
	var b []byte
	b = appendIntDecl(b, "paramView", paramView)
	b = appendIntDecl(b, "paramProj", paramProj)
	b = appendIntDecl(b, "paramEye", paramEye)
	b = appendIntDecl(b, "paramTruncMin", paramTruncMin)
	b = appendIntDecl(b, "paramTruncMax", paramTruncMax)
	b = appendIntDecl(b, "paramBlend", paramBlend)
	b = appendIntDecl(b, "paramMinConf", paramMinConf)
	b = appendIntDecl(b, "paramDepthW", paramDepthW)
	b = appendIntDecl(b, "paramDepthH", paramDepthH)
	b = appendIntDecl(b, "paramHasNormal", paramHasNormal)
	b = appendFloatDecl(b, "unobserved", float32(tsdf.Unobserved))
	b = appendFloatDecl(b, "encodeScale", 127)
	return fmt.Fprintf(w, programTemplate, b)
}

const programTemplate = `#shader compute
#version 430
layout(local_size_x = 1, local_size_y = 1, local_size_z = 1) in;
layout(rgba32f, binding = 0) uniform image2D posIn;
layout(r32f, binding = 1) uniform image2D depthIn;
layout(rgba32f, binding = 2) uniform image2D normalIn;
layout(r32f, binding = 3) uniform image2D values;
layout(r32f, binding = 4) uniform image2D params;

%s
float param(int i) {
	return imageLoad(params, ivec2(i, 0)).r;
}

mat4 paramMat4(int start) {
	mat4 m;
	for (int c = 0; c < 4; c++) {
		for (int r = 0; r < 4; r++) {
			m[c][r] = param(start + 4*c + r);
		}
	}
	return m;
}

float encode(float d) {
	return round(clamp(d, -1.0, 1.0) * encodeScale);
}

void main() {
	ivec2 gid = ivec2(gl_GlobalInvocationID.xy);
	float stored = imageLoad(values, gid).r;
	vec3 p = imageLoad(posIn, gid).rgb;
	vec4 e = paramMat4(paramView) * vec4(p, 1.0);
	float eyeDepth = -e.z;
	if (eyeDepth <= 0.0) {
		return;
	}
	vec4 clip = paramMat4(paramProj) * e;
	if (clip.w <= 0.0) {
		return;
	}
	vec2 ndc = clip.xy / clip.w;
	if (any(lessThan(ndc, vec2(-1.0))) || any(greaterThan(ndc, vec2(1.0)))) {
		return;
	}
	ivec2 depthSize = ivec2(param(paramDepthW), param(paramDepthH));
	ivec2 px = min(ivec2(vec2((ndc.x+1.0)/2.0, (1.0-ndc.y)/2.0) * vec2(depthSize)), depthSize-1);
	float depth = imageLoad(depthIn, px).r;
	if (!(depth > 0.0) || isinf(depth)) {
		return;
	}
	float truncMin = param(paramTruncMin);
	float sdf = depth - eyeDepth;
	if (sdf < truncMin) {
		return;
	}
	float obs = sdf >= 0.0 ? min(sdf/param(paramTruncMax), 1.0) : sdf / -truncMin;
	if (stored == unobserved) {
		imageStore(values, gid, vec4(encode(obs)));
		return;
	}
	float rate = param(paramBlend);
	if (param(paramHasNormal) > 0.5) {
		vec3 n = imageLoad(normalIn, px).rgb;
		vec3 eye = vec3(param(paramEye), param(paramEye+1), param(paramEye+2));
		vec3 toEye = eye - p;
		float dist = length(toEye);
		float conf = dist > 0.0 ? abs(dot(n, toEye)) / dist : 0.0;
		rate *= max(param(paramMinConf), conf);
	}
	float old = stored / encodeScale;
	imageStore(values, gid, vec4(encode(old + rate*(obs-old))));
}
`

func appendFloat(b []byte, v float32) []byte {
	start := len(b)
	b = strconv.AppendFloat(b, float64(v), 'f', 6, 32)
	idx := bytes.IndexByte(b[start:], '.')
	end := len(b)
	for i := len(b) - 1; idx >= 0 && i > idx+start+1 && b[i] == '0'; i-- {
		end--
	}
	return b[:end]
}

func appendFloatDecl(b []byte, name string, v float32) []byte {
	b = append(b, "const float "...)
	b = append(b, name...)
	b = append(b, '=')
	b = appendFloat(b, v)
	return append(b, ';', '\n')
}

func appendIntDecl(b []byte, name string, v int) []byte {
	b = append(b, "const int "...)
	b = append(b, name...)
	b = append(b, '=')
	b = strconv.AppendInt(b, int64(v), 10)
	return append(b, ';', '\n')
}
