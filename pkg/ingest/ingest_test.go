package ingest

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mprengine/internal/models"
)

func makeSlice(rows, cols, index int) models.SliceDescriptor {
	return models.SliceDescriptor{
		Rows:               rows,
		Columns:            cols,
		PixelSpacingRow:    0.5,
		PixelSpacingColumn: 0.5,
		SliceIndex:         index,
		Pixels:             make([]float32, rows*cols),
	}
}

func TestNormalizeDefaultsSpacing(t *testing.T) {
	s := makeSlice(4, 4, 0)
	s.PixelSpacingRow = 0
	s.PixelSpacingColumn = math.NaN()

	stack := Normalize([]models.SliceDescriptor{s}, Options{DefaultSpacing: 1.0})

	require.Len(t, stack.Slices, 1)
	assert.Equal(t, 1.0, stack.Slices[0].PixelSpacingRow)
	assert.Equal(t, 1.0, stack.Slices[0].PixelSpacingColumn)
	assert.Len(t, stack.Warnings, 2)
	assert.Equal(t, 0, stack.Dropped)
}

func TestNormalizeDropsUndecodedSlices(t *testing.T) {
	good := makeSlice(4, 4, 0)
	short := makeSlice(4, 4, 1)
	short.Pixels = short.Pixels[:10]
	missing := models.SliceDescriptor{Rows: 4, Columns: 4, SliceIndex: 2, Source: "broken.png"}

	stack := Normalize([]models.SliceDescriptor{good, short, missing}, Options{})

	require.Len(t, stack.Slices, 1)
	assert.Equal(t, 2, stack.Dropped)
	assert.Len(t, stack.Warnings, 2)
	assert.Contains(t, stack.Warnings[1], "broken.png")
}

func TestNormalizeDoesNotTouchInput(t *testing.T) {
	s := makeSlice(2, 2, 0)
	s.PixelSpacingRow = 0
	in := []models.SliceDescriptor{s}

	Normalize(in, Options{DefaultSpacing: 2})
	assert.Equal(t, 0.0, in[0].PixelSpacingRow)
}

func TestNormalizeIgnoresInvalidPosition(t *testing.T) {
	s := makeSlice(2, 2, 0)
	s.Position = math.Inf(1)
	s.HasPosition = true

	stack := Normalize([]models.SliceDescriptor{s}, Options{})
	require.Len(t, stack.Slices, 1)
	assert.False(t, stack.Slices[0].HasPosition)
}

func TestNormalizeZeroesNonFinitePixels(t *testing.T) {
	s := makeSlice(2, 2, 0)
	s.Source = "noisy.tif"
	s.Pixels = []float32{1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))}
	clean := makeSlice(2, 2, 1)
	clean.Pixels = []float32{5, 6, 7, 8}

	stack := Normalize([]models.SliceDescriptor{s, clean}, Options{})

	require.Len(t, stack.Slices, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, stack.Slices[0].Pixels)
	require.Len(t, stack.Warnings, 1)
	assert.Contains(t, stack.Warnings[0], "noisy.tif")
	assert.Contains(t, stack.Warnings[0], "3 non-finite")

	// the caller's buffer is left as it was
	assert.True(t, math.IsNaN(float64(s.Pixels[1])))
	assert.Same(t, &clean.Pixels[0], &stack.Slices[1].Pixels[0])
}

func TestFromImageKeepsGray16Values(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 3, 2))
	img.SetGray16(2, 1, color.Gray16{Y: 40000})

	s := FromImage(img, 7)
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, 3, s.Columns)
	assert.Equal(t, 7, s.SliceIndex)
	assert.Equal(t, float32(40000), s.Pixels[1*3+2])
	assert.Equal(t, float32(0), s.Pixels[0])
}

func TestFromImageConvertsColor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)

	s := FromImage(img, 0)
	assert.Equal(t, float32(65535), s.Pixels[0])
}

func writePNG(t *testing.T, path string, width, height int, value uint16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, png.Encode(file, img))
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "slice_10.png"), 8, 6, 300)
	writePNG(t, filepath.Join(dir, "slice_2.png"), 8, 6, 200)
	writePNG(t, filepath.Join(dir, "slice_1.png"), 8, 6, 100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slice_3.png"), []byte("not a png"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	manifest := "pixelSpacing: [0.7, 0.8]\nsliceThickness: 2.5\nslices:\n  - file: slice_10.png\n    position: 42.0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0644))

	slices, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, slices, 4)

	// numeric ordering, not lexical
	assert.Equal(t, "slice_1.png", slices[0].Source)
	assert.Equal(t, "slice_2.png", slices[1].Source)
	assert.Equal(t, "slice_3.png", slices[2].Source)
	assert.Equal(t, "slice_10.png", slices[3].Source)

	assert.Equal(t, float32(100), slices[0].Pixels[0])
	assert.Equal(t, 0.7, slices[0].PixelSpacingRow)
	assert.Equal(t, 0.8, slices[0].PixelSpacingColumn)
	assert.Equal(t, 2.5, slices[0].SliceThickness)

	assert.True(t, slices[3].HasPosition)
	assert.Equal(t, 42.0, slices[3].Position)

	// the undecodable file is handed on and dropped by Normalize
	assert.False(t, slices[2].Valid())
	stack := Normalize(slices, Options{})
	assert.Len(t, stack.Slices, 3)
	assert.Equal(t, 1, stack.Dropped)
}

func TestLoadDirectoryWithoutImages(t *testing.T) {
	_, err := LoadDirectory(t.TempDir())
	assert.Error(t, err)
}

func TestLoadManifestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestName)
	require.NoError(t, os.WriteFile(path, []byte("pixelSpacing: [1, 2, 3]\n"), 0644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("img_012.png"))
	assert.Equal(t, 0, extractNumber("scout.png"))
}
