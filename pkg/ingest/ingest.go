// Package ingest normalizes decoded 2D slices before they are stacked into a volume.
package ingest

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/rs/zerolog"

	"mprengine/internal/models"
)

// Options controls how slice metadata is normalized
type Options struct {
	// DefaultSpacing replaces missing, zero or invalid pixel spacing (mm)
	DefaultSpacing float64

	Log zerolog.Logger
}

// Stack is the normalized, still unordered set of slices that survived ingest.
type Stack struct {
	Slices []models.SliceDescriptor

	// Warnings lists every correction made and every slice dropped
	Warnings []string

	// Dropped counts slices removed because their pixel buffer was unusable
	Dropped int
}

// Normalize copies the descriptors, drops the ones whose pixel buffer does not match
// their declared dimensions, fills in missing spacing and zeroes NaN or infinite
// pixels (in a copy; callers' buffers are not modified). It never fails; every
// correction is reported as a warning.
func Normalize(slices []models.SliceDescriptor, opts Options) Stack {
	defaultSpacing := opts.DefaultSpacing
	if !validSpacing(defaultSpacing) {
		defaultSpacing = 1.0
	}

	stack := Stack{Slices: make([]models.SliceDescriptor, 0, len(slices))}
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		stack.Warnings = append(stack.Warnings, msg)
		opts.Log.Warn().Msg(msg)
	}

	for i, s := range slices {
		name := sliceName(s, i)

		if !s.Valid() {
			warn("dropping slice %s: pixel buffer holds %d values for %dx%d", name, len(s.Pixels), s.Columns, s.Rows)
			stack.Dropped++
			continue
		}

		if !validSpacing(s.PixelSpacingRow) {
			warn("slice %s: missing row spacing, using %.3g mm", name, defaultSpacing)
			s.PixelSpacingRow = defaultSpacing
		}
		if !validSpacing(s.PixelSpacingColumn) {
			warn("slice %s: missing column spacing, using %.3g mm", name, defaultSpacing)
			s.PixelSpacingColumn = defaultSpacing
		}
		if !validSpacing(s.SliceThickness) {
			s.SliceThickness = 0
		}
		if s.HasPosition && (math.IsNaN(s.Position) || math.IsInf(s.Position, 0)) {
			warn("slice %s: invalid position %v ignored", name, s.Position)
			s.HasPosition = false
		}

		if pixels, n := finitePixels(s.Pixels); n > 0 {
			warn("slice %s: %d non-finite pixel value(s) replaced with 0", name, n)
			s.Pixels = pixels
		}

		stack.Slices = append(stack.Slices, s)
	}

	return stack
}

// finitePixels returns a copy of pixels with NaN and infinite values zeroed and the
// number replaced. The input is returned untouched when every value is finite.
func finitePixels(pixels []float32) ([]float32, int) {
	first := -1
	for i, v := range pixels {
		if !isFinite(v) {
			first = i
			break
		}
	}
	if first < 0 {
		return pixels, 0
	}

	out := make([]float32, len(pixels))
	copy(out, pixels)
	n := 0
	for i := first; i < len(out); i++ {
		if !isFinite(out[i]) {
			out[i] = 0
			n++
		}
	}
	return out, n
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validSpacing(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sliceName(s models.SliceDescriptor, i int) string {
	if s.Source != "" {
		return s.Source
	}
	return fmt.Sprintf("#%d", i)
}

// FromImage converts a decoded image into a slice descriptor. 16-bit grayscale keeps
// its raw value, anything else goes through the 16-bit gray model.
func FromImage(img image.Image, index int) models.SliceDescriptor {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	pixels := make([]float32, width*height)

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pixels[y*width+x] = float32(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pixels[y*width+x] = float32(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				pixels[y*width+x] = float32(g.Y)
			}
		}
	}

	return models.SliceDescriptor{
		Rows:       height,
		Columns:    width,
		SliceIndex: index,
		Pixels:     pixels,
	}
}
