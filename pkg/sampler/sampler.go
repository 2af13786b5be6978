// Package sampler extracts axial, sagittal and coronal planes from a voxel volume.
package sampler

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"mprengine/internal/models"
	"mprengine/pkg/interpolation"
)

// bandsPerWorker splits a plane into more row bands than workers so uneven bands
// (cubic fallbacks near edges) balance out
const bandsPerWorker = 4

// Options controls how planes are produced
type Options struct {
	Method interpolation.Method

	// Workers is the number of row bands computed concurrently.
	// The output does not depend on it.
	Workers int

	// Isotropic resamples the depth rows of sagittal and coronal planes to the
	// in-plane column spacing, so pixels are square in physical space.
	Isotropic bool
}

// Sampler maps an orientation and a normalized position to a 2D plane.
// It holds no volume state and is safe for concurrent use.
type Sampler struct {
	opts Options
}

// New creates a sampler
func New(opts Options) *Sampler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Sampler{opts: opts}
}

// Options returns the sampler's options
func (s *Sampler) Options() Options {
	return s.opts
}

// layout describes how output pixels map into the volume
type layout struct {
	cols, rows int
	spacing    models.PixelSpacing

	// depthStep converts an output row into a fractional z for sagittal/coronal
	depthStep float64

	// positions are the layer offsets of an unevenly spaced stack; rows then sit at
	// physical depth start + (r+0.5)*spacing.Row and are mapped back to layer indexes
	positions []float64
	start     float64
}

// ClampPosition limits a normalized position to [0, 1]. NaN maps to 0.
func ClampPosition(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// NormalIndex maps a normalized position to a voxel index along an axis of extent voxels.
func NormalIndex(extent int, position float64) int {
	return int(math.Round(ClampPosition(position) * float64(extent-1)))
}

// PlaneSize returns the output dimensions (columns, rows) for an orientation.
func PlaneSize(geom models.VolumeGeometry, o models.Orientation, isotropic bool) (int, int) {
	l := planeLayout(geom, o, isotropic)
	return l.cols, l.rows
}

func planeLayout(geom models.VolumeGeometry, o models.Orientation, isotropic bool) layout {
	sp := geom.VoxelSpacing

	switch o {
	case models.Sagittal:
		return depthLayout(geom.Height, geom.Depth, sp.Y, sp.Z, geom.LayerPositions, isotropic)
	case models.Coronal:
		return depthLayout(geom.Width, geom.Depth, sp.X, sp.Z, geom.LayerPositions, isotropic)
	default:
		return layout{
			cols:      geom.Width,
			rows:      geom.Height,
			spacing:   models.PixelSpacing{Column: sp.X, Row: sp.Y},
			depthStep: 1,
		}
	}
}

// depthLayout builds a plane whose rows walk the depth axis. With positions, rows
// cover the slab from half the first gap before layer 0 to half the last gap after
// the final layer.
func depthLayout(cols, depth int, colSpacing, zSpacing float64, positions []float64, isotropic bool) layout {
	l := layout{
		cols:      cols,
		rows:      depth,
		spacing:   models.PixelSpacing{Column: colSpacing, Row: zSpacing},
		depthStep: 1,
	}
	if !isotropic || colSpacing <= 0 || zSpacing <= 0 {
		return l
	}

	if n := len(positions); n == depth && n >= 2 {
		first := positions[1] - positions[0]
		last := positions[n-1] - positions[n-2]
		slab := positions[n-1] + (first+last)/2

		rows := int(math.Round(slab / colSpacing))
		if rows < 1 {
			rows = 1
		}
		l.rows = rows
		l.spacing.Row = colSpacing
		l.positions = positions
		l.start = -first / 2
		return l
	}

	if colSpacing == zSpacing {
		return l
	}

	rows := int(math.Round(float64(depth) * zSpacing / colSpacing))
	if rows < 1 {
		rows = 1
	}
	l.rows = rows
	l.spacing.Row = colSpacing
	l.depthStep = colSpacing / zSpacing
	return l
}

// rowDepth returns the fractional z sampled by output row r. Rows are centred on
// equal physical intervals covering the full slab.
func (l layout) rowDepth(r int) float64 {
	if l.positions != nil {
		return layerIndex(l.positions, l.start+(float64(r)+0.5)*l.spacing.Row)
	}
	if l.depthStep == 1 {
		return float64(r)
	}
	return (float64(r)+0.5)*l.depthStep - 0.5
}

// layerIndex inverts ascending layer offsets: it returns the fractional layer index
// at physical depth d, linear between neighbouring layers and extrapolated by the
// outer gaps beyond the first and last layer.
func layerIndex(positions []float64, d float64) float64 {
	n := len(positions)
	if d <= positions[0] {
		if gap := positions[1] - positions[0]; gap > 0 {
			return (d - positions[0]) / gap
		}
		return 0
	}
	if d >= positions[n-1] {
		if gap := positions[n-1] - positions[n-2]; gap > 0 {
			return float64(n-1) + (d-positions[n-1])/gap
		}
		return float64(n - 1)
	}

	i := sort.SearchFloat64s(positions, d)
	if positions[i] == d {
		return float64(i)
	}
	lo, hi := positions[i-1], positions[i]
	return float64(i-1) + (d-lo)/(hi-lo)
}

// Sample resamples the plane at a normalized position along the orientation's normal axis.
//
// Axial planes walk the native slice axis and have width x height pixels. Sagittal
// planes have height columns, coronal planes width columns; both have one row per
// slice (or per in-plane spacing step when Isotropic is set). QualityScore reports the
// fraction of sampled coordinates whose rounded location lies inside the voxel grid.
func (s *Sampler) Sample(ctx context.Context, vol *models.Volume, o models.Orientation, position float64) (*models.ReconstructedSlice, error) {
	if vol == nil || vol.Released() {
		return nil, &SampleError{Kind: NoVolume, Detail: "no volume has been built"}
	}

	geom := vol.Geometry
	extent := geom.Extent(o)
	if extent < 2 {
		return nil, &SampleError{Kind: DegenerateAxis,
			Detail: fmt.Sprintf("%s axis has %d voxel(s)", o, extent)}
	}

	position = ClampPosition(position)
	index := NormalIndex(extent, position)
	l := planeLayout(geom, o, s.opts.Isotropic)
	fn := s.opts.Method.Func()

	pixels := make([]float32, l.cols*l.rows)
	coord := coordinateMapper(o, index, l)

	workers := s.opts.Workers
	numBands := workers * bandsPerWorker
	if numBands > l.rows {
		numBands = l.rows
	}
	bandRows := (l.rows + numBands - 1) / numBands
	inBounds := make([]int, numBands)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := 0; b < numBands; b++ {
		b := b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := b * bandRows
			end := start + bandRows
			if end > l.rows {
				end = l.rows
			}
			count := 0
			for r := start; r < end; r++ {
				for c := 0; c < l.cols; c++ {
					x, y, z := coord(c, r)
					pixels[r*l.cols+c] = float32(fn(vol, x, y, z))
					if inGrid(geom, x, y, z) {
						count++
					}
				}
			}
			inBounds[b] = count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &SampleError{Kind: Cancelled, Detail: fmt.Sprintf("%s at %.3f", o, position), Err: err}
	}

	total := 0
	for _, n := range inBounds {
		total += n
	}

	return &models.ReconstructedSlice{
		Pixels:       pixels,
		Width:        l.cols,
		Height:       l.rows,
		SliceIndex:   index,
		Orientation:  o,
		Position:     position,
		Method:       s.opts.Method.String(),
		QualityScore: float64(total) / float64(len(pixels)),
		Spacing:      l.spacing,
		VolumeID:     vol.ID,
	}, nil
}

// coordinateMapper returns the volume coordinate of output pixel (c, r)
func coordinateMapper(o models.Orientation, index int, l layout) func(c, r int) (float64, float64, float64) {
	fixed := float64(index)
	switch o {
	case models.Sagittal:
		return func(c, r int) (float64, float64, float64) {
			return fixed, float64(c), l.rowDepth(r)
		}
	case models.Coronal:
		return func(c, r int) (float64, float64, float64) {
			return float64(c), fixed, l.rowDepth(r)
		}
	default:
		return func(c, r int) (float64, float64, float64) {
			return float64(c), float64(r), fixed
		}
	}
}

func inGrid(geom models.VolumeGeometry, x, y, z float64) bool {
	xi, yi, zi := math.Round(x), math.Round(y), math.Round(z)
	return xi >= 0 && xi < float64(geom.Width) &&
		yi >= 0 && yi < float64(geom.Height) &&
		zi >= 0 && zi < float64(geom.Depth)
}
