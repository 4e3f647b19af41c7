package integrate

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/nfnt/resize"
	"github.com/soypat/glgl/math/ms3"
)

// DepthMap holds per pixel eye space depth in meters, the distance from the
// sensor plane along the viewing direction. Row 0 is the top of the image.
// Zero, negative and non finite values mark pixels without a measurement.
type DepthMap struct {
	Width, Height int
	Data          []float32
}

// At returns the depth at pixel (x,y) and whether it is a valid measurement.
func (d *DepthMap) At(x, y int) (float32, bool) {
	v := d.Data[y*d.Width+x]
	return v, validDepth(v)
}

func validDepth(v float32) bool {
	return v > 0 && !math32.IsInf(v, 1)
}

// NormalMap holds per pixel world space unit surface normals co-registered
// with a DepthMap. Zero vectors mark pixels without a normal.
type NormalMap struct {
	Width, Height int
	Data          []ms3.Vec
}

// Frame is one depth sensor update: depth, optional normals and the camera
// matrices that produced them.
type Frame struct {
	Depth  DepthMap
	Normal NormalMap
	View   mgl32.Mat4
	// Proj may have an infinite far plane.
	Proj mgl32.Mat4
	Time time.Time
}

// Validate checks the frame's buffers match their dimensions.
func (f *Frame) Validate() error {
	d := &f.Depth
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("integrate: invalid depth map size %dx%d", d.Width, d.Height)
	} else if len(d.Data) != d.Width*d.Height {
		return fmt.Errorf("integrate: depth map has %d pixels, want %d", len(d.Data), d.Width*d.Height)
	}
	n := &f.Normal
	if len(n.Data) == 0 {
		return nil
	} else if n.Width != d.Width || n.Height != d.Height || len(n.Data) != n.Width*n.Height {
		return errors.New("integrate: normal map not co-registered with depth map")
	}
	return nil
}

// HasNormals reports whether the frame carries a normal map.
func (f *Frame) HasNormals() bool { return len(f.Normal.Data) > 0 }

// DepthFromGray16 converts a 16 bit depth image as produced by common depth
// sensors into a DepthMap of the given resolution. Each unit of the image is
// metersPerUnit meters; zero pixels are missing measurements. Images of a
// different size are resampled with a nearest neighbour filter.
func DepthFromGray16(img *image.Gray16, metersPerUnit float32, width, height int) (DepthMap, error) {
	if width <= 0 || height <= 0 {
		return DepthMap{}, fmt.Errorf("integrate: invalid depth map size %dx%d", width, height)
	} else if !(metersPerUnit > 0) {
		return DepthMap{}, errors.New("integrate: meters per unit must be positive")
	}
	var src image.Image = img
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		src = resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor)
	}
	sb := src.Bounds()
	dm := DepthMap{Width: width, Height: height, Data: make([]float32, width*height)}
	g16, isGray16 := src.(*image.Gray16)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var raw uint16
			if isGray16 {
				raw = g16.Gray16At(sb.Min.X+x, sb.Min.Y+y).Y
			} else {
				r, _, _, _ := src.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
				raw = uint16(r)
			}
			dm.Data[y*width+x] = float32(raw) * metersPerUnit
		}
	}
	return dm, nil
}

// FrameStore keeps the latest frame published under each key so that the
// integrator can fetch the current frame of a sensor without polling it.
type FrameStore struct {
	mu     sync.Mutex
	frames map[string]storedFrame
	subs   map[string][]chan struct{}
}

type storedFrame struct {
	frame *Frame
	seq   uint64
}

// Publish replaces the frame stored under key and wakes subscribers.
func (s *FrameStore) Publish(key string, f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string]storedFrame)
	}
	prev := s.frames[key]
	s.frames[key] = storedFrame{frame: f, seq: prev.seq + 1}
	for _, ch := range s.subs[key] {
		select {
		case ch <- struct{}{}:
		default: // Subscriber has a pending wake up.
		}
	}
}

// Latest returns the newest frame published under key and its sequence
// number, which increments with every publish. It returns a nil frame and
// zero if nothing was published yet.
func (s *FrameStore) Latest(key string) (*Frame, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf := s.frames[key]
	return sf.frame, sf.seq
}

// Subscribe returns a channel receiving a value after frames are published
// under key. Wake ups coalesce: several publishes may produce one receive.
// Calling unsubscribe stops further wake ups.
func (s *FrameStore) Subscribe(key string) (wake <-chan struct{}, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string][]chan struct{})
	}
	ch := make(chan struct{}, 1)
	s.subs[key] = append(s.subs[key], ch)
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[key]
		for i, c := range subs {
			if c == ch {
				s.subs[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}
