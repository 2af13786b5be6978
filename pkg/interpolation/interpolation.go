// Package interpolation resamples a voxel volume at fractional coordinates.
//
// All functions are pure: they read the volume and never retain it. Coordinates are
// in voxel units (x along width, y along height, z along depth). Results are always
// clamped to the intensity range recorded in the volume geometry, so cubic ringing
// cannot produce values the source never contained.
package interpolation

import (
	"fmt"
	"math"
	"strings"

	"mprengine/internal/models"
)

// Method selects an interpolation routine
type Method int

const (
	Nearest Method = iota
	Trilinear
	Cubic
)

// Methods lists every method in increasing cost
var Methods = []Method{Nearest, Trilinear, Cubic}

func (m Method) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Trilinear:
		return "trilinear"
	case Cubic:
		return "cubic"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a method name to its Method
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest":
		return Nearest, nil
	case "trilinear", "linear":
		return Trilinear, nil
	case "cubic":
		return Cubic, nil
	default:
		return Nearest, fmt.Errorf("invalid interpolation method: %s", s)
	}
}

// Func samples a volume at a fractional voxel coordinate
type Func func(vol *models.Volume, x, y, z float64) float64

// Func returns the routine implementing m. Unknown values fall back to Nearest.
func (m Method) Func() Func {
	switch m {
	case Trilinear:
		return SampleTrilinear
	case Cubic:
		return SampleCubic
	default:
		return SampleNearest
	}
}

// SampleNearest returns the voxel closest to (x, y, z), clamped to the volume bounds.
func SampleNearest(vol *models.Volume, x, y, z float64) float64 {
	v := vol.At(int(math.Round(x)), int(math.Round(y)), int(math.Round(z)))
	return clampRange(vol, v)
}

// SampleTrilinear blends the 8 surrounding voxels. Neighbours outside the grid take
// the value of the nearest edge voxel instead of zero.
func SampleTrilinear(vol *models.Volume, x, y, z float64) float64 {
	x0, fx := split(x)
	y0, fy := split(y)
	z0, fz := split(z)

	c00 := lerp(vol.At(x0, y0, z0), vol.At(x0+1, y0, z0), fx)
	c10 := lerp(vol.At(x0, y0+1, z0), vol.At(x0+1, y0+1, z0), fx)
	c01 := lerp(vol.At(x0, y0, z0+1), vol.At(x0+1, y0, z0+1), fx)
	c11 := lerp(vol.At(x0, y0+1, z0+1), vol.At(x0+1, y0+1, z0+1), fx)

	c0 := lerp(c00, c10, fy)
	c1 := lerp(c01, c11, fy)

	return clampRange(vol, lerp(c0, c1, fz))
}

// SampleCubic applies 4-tap cubic convolution separably over a 4x4x4 neighbourhood.
// When the neighbourhood would need more than one voxel of padding on any axis it
// falls back to SampleTrilinear.
func SampleCubic(vol *models.Volume, x, y, z float64) float64 {
	x0, fx := split(x)
	y0, fy := split(y)
	z0, fz := split(z)

	g := vol.Geometry
	if !cubicSupported(x0, g.Width) || !cubicSupported(y0, g.Height) || !cubicSupported(z0, g.Depth) {
		return SampleTrilinear(vol, x, y, z)
	}

	wx := cubicWeights(fx)
	wy := cubicWeights(fy)
	wz := cubicWeights(fz)

	var sum float64
	for k := 0; k < 4; k++ {
		var plane float64
		for j := 0; j < 4; j++ {
			var row float64
			for i := 0; i < 4; i++ {
				row += wx[i] * vol.At(x0-1+i, y0-1+j, z0-1+k)
			}
			plane += wy[j] * row
		}
		sum += wz[k] * plane
	}

	return clampRange(vol, sum)
}

// cubicA is the Keys kernel parameter (Catmull-Rom)
const cubicA = -0.5

// cubicSupported reports whether taps base-1..base+2 stay within one voxel of
// padding around an axis of n voxels.
func cubicSupported(base, n int) bool {
	return base >= 0 && base+2 <= n
}

// cubicWeights returns the kernel weights for taps at offsets -1, 0, 1, 2 from the
// base voxel, given the fractional offset f in [0, 1).
func cubicWeights(f float64) [4]float64 {
	return [4]float64{
		keys(1 + f),
		keys(f),
		keys(1 - f),
		keys(2 - f),
	}
}

func keys(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (cubicA+2)*t*t*t - (cubicA+3)*t*t + 1
	case t < 2:
		return cubicA*t*t*t - 5*cubicA*t*t + 8*cubicA*t - 4*cubicA
	default:
		return 0
	}
}

func split(c float64) (int, float64) {
	f := math.Floor(c)
	return int(f), c - f
}

func lerp(a, b, t float64) float64 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}

func clampRange(vol *models.Volume, v float64) float64 {
	lo, hi := vol.Geometry.MinIntensity, vol.Geometry.MaxIntensity
	if lo > hi {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
