package models

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// SliceDescriptor is a single decoded 2D cross-section with its geometry tags.
// It is handed over by the external decoder and is never modified by the engine.
type SliceDescriptor struct {
	// Rows and Columns are the in-plane dimensions of Pixels
	Rows    int
	Columns int

	// PixelSpacingRow is the physical distance between rows in mm
	PixelSpacingRow float64

	// PixelSpacingColumn is the physical distance between columns in mm
	PixelSpacingColumn float64

	// SliceThickness is the physical thickness of the slice in mm
	SliceThickness float64

	// SliceIndex is the position of this slice in the acquisition sequence
	SliceIndex int

	// Position is the physical location of the slice along the stack axis.
	// Only meaningful when HasPosition is set.
	Position    float64
	HasPosition bool

	// Pixels holds single-channel intensities in row-major order
	Pixels []float32

	// Source names where the slice came from (a filename, an instance UID)
	Source string
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (s *SliceDescriptor) Valid() bool {
	return s.Rows > 0 && s.Columns > 0 && len(s.Pixels) == s.Rows*s.Columns
}

// Spacing is a physical voxel size in mm along each axis
type Spacing struct {
	X, Y, Z float64
}

// VolumeGeometry describes the shape of a built volume. It is derived once per build.
type VolumeGeometry struct {
	Width  int
	Height int
	Depth  int

	// VoxelSpacing is the physical size of a voxel in mm. X and Y come from the
	// in-plane pixel spacing, Z from the observed inter-slice distance.
	VoxelSpacing Spacing

	// OriginIndex is the SliceIndex of the first slice in the sorted stack
	OriginIndex int

	// LayerPositions holds each layer's distance in mm from the first layer when
	// the stack is not evenly spaced. Nil for uniform stacks, where layer z sits at
	// z*VoxelSpacing.Z.
	LayerPositions []float64

	// FillRatio is the fraction of voxels whose magnitude exceeds the fill threshold
	FillRatio float64

	// MinIntensity and MaxIntensity bound every value in the voxel buffer
	MinIntensity float64
	MaxIntensity float64
}

// NumVoxels returns width*height*depth
func (g VolumeGeometry) NumVoxels() int {
	return g.Width * g.Height * g.Depth
}

// Extent returns the number of voxels along the given orientation's normal axis.
func (g VolumeGeometry) Extent(o Orientation) int {
	switch o {
	case Sagittal:
		return g.Width
	case Coronal:
		return g.Height
	default:
		return g.Depth
	}
}

func (g VolumeGeometry) String() string {
	return fmt.Sprintf("%dx%dx%d @ %.3gx%.3gx%.3g mm", g.Width, g.Height, g.Depth,
		g.VoxelSpacing.X, g.VoxelSpacing.Y, g.VoxelSpacing.Z)
}

var volumeIDs atomic.Uint64

// Volume owns one contiguous voxel buffer. Data is laid out as z*width*height + y*width + x.
type Volume struct {
	// ID distinguishes volumes built during one session
	ID uint64

	// Data is the voxel buffer. Nil once the volume has been released.
	Data []float32

	Geometry VolumeGeometry

	released atomic.Bool
}

// NewVolume wraps an already filled buffer and assigns it a fresh ID.
func NewVolume(data []float32, geom VolumeGeometry) *Volume {
	return &Volume{
		ID:       volumeIDs.Add(1),
		Data:     data,
		Geometry: geom,
	}
}

// Index returns the buffer offset of voxel (x, y, z). No bounds checking.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Geometry.Width*v.Geometry.Height + y*v.Geometry.Width + x
}

// At returns the voxel at (x, y, z) with each coordinate clamped to the volume bounds.
func (v *Volume) At(x, y, z int) float64 {
	x = clampInt(x, 0, v.Geometry.Width-1)
	y = clampInt(y, 0, v.Geometry.Height-1)
	z = clampInt(z, 0, v.Geometry.Depth-1)
	return float64(v.Data[v.Index(x, y, z)])
}

// SizeBytes returns the size of the voxel buffer in bytes
func (v *Volume) SizeBytes() uint64 {
	return uint64(len(v.Data)) * 4
}

// ComputeRange scans the buffer and sets the geometry's intensity bounds.
func (v *Volume) ComputeRange() {
	if len(v.Data) == 0 {
		return
	}
	lo, hi := v.Data[0], v.Data[0]
	for _, d := range v.Data[1:] {
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	v.Geometry.MinIntensity = float64(lo)
	v.Geometry.MaxIntensity = float64(hi)
}

// Release drops the voxel buffer. Safe to call more than once.
func (v *Volume) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.Data = nil
	}
}

// Released reports whether Release has been called
func (v *Volume) Released() bool {
	return v.released.Load()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Orientation is one of the three canonical viewing planes
type Orientation int

const (
	Axial Orientation = iota
	Sagittal
	Coronal
)

// Orientations lists every orientation in a fixed order
var Orientations = []Orientation{Axial, Sagittal, Coronal}

func (o Orientation) String() string {
	switch o {
	case Axial:
		return "axial"
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	default:
		return fmt.Sprintf("orientation(%d)", int(o))
	}
}

// ParseOrientation accepts the orientation names and the normal-axis letters
// (z for axial, x for sagittal, y for coronal).
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "axial", "z":
		return Axial, nil
	case "sagittal", "x":
		return Sagittal, nil
	case "coronal", "y":
		return Coronal, nil
	default:
		return Axial, fmt.Errorf("invalid orientation: %s (must be axial, sagittal or coronal)", s)
	}
}

// PixelSpacing is the physical size of one output pixel in mm
type PixelSpacing struct {
	Column float64
	Row    float64
}

// ReconstructedSlice is a single plane resampled from a volume.
type ReconstructedSlice struct {
	// Pixels is the plane in row-major order, Width*Height values
	Pixels []float32
	Width  int
	Height int

	// SliceIndex is the voxel index along the orientation's normal axis
	SliceIndex  int
	Orientation Orientation

	// Position is the normalized position actually sampled
	Position float64

	// Method names the interpolation used
	Method string

	// QualityScore is the fraction of sampled coordinates that fell inside the voxel grid
	QualityScore float64

	Spacing PixelSpacing

	// VolumeID is the ID of the volume the plane was computed from
	VolumeID uint64
}

// At returns the pixel at column x, row y
func (s *ReconstructedSlice) At(x, y int) float32 {
	return s.Pixels[y*s.Width+x]
}
