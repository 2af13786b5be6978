package ingest

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"mprengine/internal/models"
)

// ManifestName is the optional sidecar file read by LoadDirectory
const ManifestName = "slices.yaml"

// Manifest carries the geometry tags that plain image files cannot hold.
type Manifest struct {
	// PixelSpacing is [row, column] in mm
	PixelSpacing   []float64       `yaml:"pixelSpacing"`
	SliceThickness float64         `yaml:"sliceThickness"`
	Slices         []ManifestEntry `yaml:"slices"`
}

// ManifestEntry overrides the index or position of one file
type ManifestEntry struct {
	File     string   `yaml:"file"`
	Index    *int     `yaml:"index"`
	Position *float64 `yaml:"position"`
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// LoadManifest reads a manifest file. A missing file yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	if len(m.PixelSpacing) != 0 && len(m.PixelSpacing) != 2 {
		return nil, fmt.Errorf("manifest %s: pixelSpacing needs 2 values, got %d", path, len(m.PixelSpacing))
	}
	return m, nil
}

// LoadDirectory decodes every image file in dir into a slice descriptor, ordered by
// the number embedded in the filename. Files that fail to decode are returned with an
// empty pixel buffer so that Normalize drops and reports them.
func LoadDirectory(dir string) ([]models.SliceDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			imageFiles = append(imageFiles, entry.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	sort.SliceStable(imageFiles, func(i, j int) bool {
		numI, numJ := extractNumber(imageFiles[i]), extractNumber(imageFiles[j])
		if numI != numJ {
			return numI < numJ
		}
		return imageFiles[i] < imageFiles[j]
	})

	manifest, err := LoadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]ManifestEntry, len(manifest.Slices))
	for _, e := range manifest.Slices {
		overrides[e.File] = e
	}

	slices := make([]models.SliceDescriptor, 0, len(imageFiles))
	for i, filename := range imageFiles {
		s, err := loadImage(filepath.Join(dir, filename), i)
		if err != nil {
			s = models.SliceDescriptor{SliceIndex: i}
		}
		s.Source = filename

		if len(manifest.PixelSpacing) == 2 {
			s.PixelSpacingRow = manifest.PixelSpacing[0]
			s.PixelSpacingColumn = manifest.PixelSpacing[1]
		}
		s.SliceThickness = manifest.SliceThickness

		if e, ok := overrides[filename]; ok {
			if e.Index != nil {
				s.SliceIndex = *e.Index
			}
			if e.Position != nil {
				s.Position = *e.Position
				s.HasPosition = true
			}
		}
		slices = append(slices, s)
	}

	return slices, nil
}

func loadImage(path string, index int) (models.SliceDescriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.SliceDescriptor{}, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return models.SliceDescriptor{}, err
	}
	return FromImage(img, index), nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
