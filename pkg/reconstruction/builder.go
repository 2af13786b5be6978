package reconstruction

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mprengine/internal/models"
	"mprengine/pkg/ingest"
)

// DefaultFillThreshold is the magnitude a voxel has to exceed to count as filled
const DefaultFillThreshold = 1e-3

// nonUniformTolerance is the spread of inter-slice gaps, relative to their mean,
// above which a warning is recorded
const nonUniformTolerance = 0.1

// Options holds the build parameters.
type Options struct {
	// Workers bounds how many slices are copied concurrently.
	// Zero uses all available cores.
	Workers int

	// FillThreshold is the magnitude above which a voxel counts as filled.
	// Zero uses DefaultFillThreshold.
	FillThreshold float64

	// DefaultSpacing replaces missing spacing metadata, in mm
	DefaultSpacing float64

	Log zerolog.Logger
}

// Result is a successfully built volume together with everything that was
// corrected on the way.
type Result struct {
	Volume   *models.Volume
	Warnings []string
	Dropped  int
	Elapsed  time.Duration
}

type layerStats struct {
	filled   int
	min, max float64
}

// Build stacks the slices into a single voxel buffer.
//
// The slices are normalized, sorted by position (or index when any position is
// missing) and copied layer by layer without in-plane resampling. The physical
// distance between layers is kept in the geometry's voxel spacing so that
// interpolation along depth weights physical distance. Build does not replace any
// live volume; ownership of the result passes to the caller.
func Build(ctx context.Context, slices []models.SliceDescriptor, opts Options) (*Result, error) {
	start := time.Now()
	log := opts.Log

	if opts.DefaultSpacing <= 0 {
		opts.DefaultSpacing = 1.0
	}
	if opts.FillThreshold <= 0 {
		opts.FillThreshold = DefaultFillThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	stack := ingest.Normalize(slices, ingest.Options{DefaultSpacing: opts.DefaultSpacing, Log: log})
	warnings := stack.Warnings

	if len(stack.Slices) < 2 {
		return nil, buildErrorf(InsufficientSlices, "need at least 2 usable slices, got %d (%d dropped)",
			len(stack.Slices), stack.Dropped)
	}

	first := stack.Slices[0]
	for _, s := range stack.Slices[1:] {
		if s.Rows != first.Rows || s.Columns != first.Columns {
			return nil, buildErrorf(InconsistentDimensions, "slice %s is %dx%d, expected %dx%d",
				s.Source, s.Columns, s.Rows, first.Columns, first.Rows)
		}
	}

	sorted := sortSlices(stack.Slices)

	zSpacing, spacingWarnings := interSliceSpacing(sorted, opts.DefaultSpacing)
	warnings = append(warnings, spacingWarnings...)
	for _, w := range spacingWarnings {
		log.Warn().Msg(w)
	}

	geom := models.VolumeGeometry{
		Width:  first.Columns,
		Height: first.Rows,
		Depth:  len(sorted),
		VoxelSpacing: models.Spacing{
			X: sorted[0].PixelSpacingColumn,
			Y: sorted[0].PixelSpacingRow,
			Z: zSpacing,
		},
		OriginIndex:    sorted[0].SliceIndex,
		LayerPositions: layerPositions(sorted),
	}
	for _, s := range sorted[1:] {
		if s.PixelSpacingColumn != geom.VoxelSpacing.X || s.PixelSpacingRow != geom.VoxelSpacing.Y {
			w := fmt.Sprintf("slice %s has pixel spacing %gx%g, using %gx%g from the first slice",
				s.Source, s.PixelSpacingColumn, s.PixelSpacingRow, geom.VoxelSpacing.X, geom.VoxelSpacing.Y)
			warnings = append(warnings, w)
			log.Warn().Msg(w)
			break
		}
	}

	sliceSize := geom.Width * geom.Height
	data := make([]float32, sliceSize*geom.Depth)
	log.Debug().
		Str("geometry", geom.String()).
		Str("buffer", humanize.Bytes(uint64(len(data))*4)).
		Msg("allocated voxel buffer")

	stats := make([]layerStats, geom.Depth)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for z := range sorted {
		z := z
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stats[z] = copyLayer(data[z*sliceSize:(z+1)*sliceSize], sorted[z].Pixels, opts.FillThreshold)
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		// the context may have been cancelled after the last layer was scheduled
		err = ctx.Err()
	}
	if err != nil {
		// the partial buffer is never wrapped in a Volume, so nothing can observe it
		return nil, &BuildError{Kind: Cancelled, Detail: "superseded before completion", Err: err}
	}

	filled := 0
	mins := make([]float64, len(stats))
	maxs := make([]float64, len(stats))
	for i, st := range stats {
		filled += st.filled
		mins[i] = st.min
		maxs[i] = st.max
	}
	if filled == 0 {
		return nil, buildErrorf(EmptyVolume, "no voxel above %g in %d slices", opts.FillThreshold, geom.Depth)
	}

	geom.FillRatio = float64(filled) / float64(len(data))
	geom.MinIntensity = floats.Min(mins)
	geom.MaxIntensity = floats.Max(maxs)

	vol := models.NewVolume(data, geom)
	elapsed := time.Since(start)

	log.Info().
		Uint64("volume", vol.ID).
		Str("geometry", geom.String()).
		Str("buffer", humanize.Bytes(vol.SizeBytes())).
		Float64("fill_ratio", geom.FillRatio).
		Int("warnings", len(warnings)).
		Dur("elapsed", elapsed).
		Msg("volume built")

	return &Result{
		Volume:   vol,
		Warnings: warnings,
		Dropped:  stack.Dropped,
		Elapsed:  elapsed,
	}, nil
}

// copyLayer copies one slice into its depth layer and gathers the layer statistics
func copyLayer(dst, src []float32, threshold float64) layerStats {
	copy(dst, src)

	st := layerStats{min: math.Inf(1), max: math.Inf(-1)}
	for _, v := range src {
		f := float64(v)
		if math.Abs(f) > threshold {
			st.filled++
		}
		if f < st.min {
			st.min = f
		}
		if f > st.max {
			st.max = f
		}
	}
	return st
}

// sortSlices orders the stack by physical position when every slice has one,
// otherwise by slice index. The input is not modified.
func sortSlices(slices []models.SliceDescriptor) []models.SliceDescriptor {
	sorted := make([]models.SliceDescriptor, len(slices))
	copy(sorted, slices)

	if allPositioned(sorted) {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Position < sorted[j].Position
		})
	} else {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].SliceIndex < sorted[j].SliceIndex
		})
	}
	return sorted
}

func allPositioned(slices []models.SliceDescriptor) bool {
	for _, s := range slices {
		if !s.HasPosition {
			return false
		}
	}
	return true
}

// interSliceSpacing derives the depth spacing of a sorted stack: the mean distance
// between consecutive positions, else the slice thickness, else the default.
func interSliceSpacing(sorted []models.SliceDescriptor, defaultSpacing float64) (float64, []string) {
	var warnings []string

	if allPositioned(sorted) {
		gaps := make([]float64, len(sorted)-1)
		for i := range gaps {
			gaps[i] = math.Abs(sorted[i+1].Position - sorted[i].Position)
		}
		mean := stat.Mean(gaps, nil)
		if mean > 0 {
			if spread := floats.Max(gaps) - floats.Min(gaps); spread > nonUniformTolerance*mean {
				warnings = append(warnings, fmt.Sprintf(
					"non-uniform inter-slice spacing (%.3g..%.3g mm, mean %.3g mm), resampling by slice position",
					floats.Min(gaps), floats.Max(gaps), mean))
			}
			return mean, warnings
		}
		warnings = append(warnings, "all slice positions coincide, ignoring positions")
	}

	if t := sorted[0].SliceThickness; t > 0 {
		return t, warnings
	}

	warnings = append(warnings, fmt.Sprintf("no slice position or thickness, using %.3g mm between slices", defaultSpacing))
	return defaultSpacing, warnings
}

// layerPositions returns the offset of every sorted slice from the first one when
// the gaps between positions are uneven, else nil
func layerPositions(sorted []models.SliceDescriptor) []float64 {
	if len(sorted) < 3 || !allPositioned(sorted) {
		return nil
	}

	offsets := make([]float64, len(sorted))
	gaps := make([]float64, len(sorted)-1)
	for i := range sorted {
		offsets[i] = sorted[i].Position - sorted[0].Position
		if i > 0 {
			gaps[i-1] = offsets[i] - offsets[i-1]
		}
	}
	mean := stat.Mean(gaps, nil)
	if mean <= 0 || floats.Max(gaps)-floats.Min(gaps) <= nonUniformTolerance*mean {
		return nil
	}
	return offsets
}
