// Package diagnostics runs a fixed battery of plane samples against a volume and
// summarizes its intensity statistics.
package diagnostics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"mprengine/internal/models"
)

// TestPositions are the normalized positions sampled for every orientation
var TestPositions = []float64{0.25, 0.5, 0.75}

// maxStatSamples bounds how many voxels feed the mean/stddev/entropy estimates
const maxStatSamples = 1 << 18

// Sampler produces a plane from a volume
type Sampler interface {
	Sample(ctx context.Context, vol *models.Volume, o models.Orientation, position float64) (*models.ReconstructedSlice, error)
}

// SliceTest is the outcome of one fixed sample
type SliceTest struct {
	Orientation models.Orientation
	Position    float64
	Success     bool

	// Error is the failure message when Success is false
	Error string

	Timing   time.Duration
	TimingMs float64

	Width, Height int
	QualityScore  float64
}

// VolumeStats describes the volume as a whole
type VolumeStats struct {
	FillRatio float64
	Geometry  models.VolumeGeometry

	// Mean, StdDev and Entropy are estimated from a strided subsample of the buffer
	Mean    float64
	StdDev  float64
	Entropy float64
	Min     float64
	Max     float64

	Bytes uint64
}

// Report is the result of a diagnostics run
type Report struct {
	VolumeStats VolumeStats
	SliceTests  map[string]SliceTest
	Elapsed     time.Duration
}

// TestName names the fixed sample for an orientation and position, e.g. "axial@0.25"
func TestName(o models.Orientation, position float64) string {
	return fmt.Sprintf("%s@%.2f", o, position)
}

// Run samples every orientation at TestPositions. It never modifies the volume and
// a failed sample is recorded, not returned.
func Run(ctx context.Context, vol *models.Volume, s Sampler) Report {
	start := time.Now()
	report := Report{
		SliceTests: make(map[string]SliceTest, len(models.Orientations)*len(TestPositions)),
	}
	if vol != nil && !vol.Released() {
		report.VolumeStats = computeStats(vol)
	}

	for _, o := range models.Orientations {
		for _, p := range TestPositions {
			report.SliceTests[TestName(o, p)] = runTest(ctx, vol, s, o, p)
		}
	}

	report.Elapsed = time.Since(start)
	return report
}

func runTest(ctx context.Context, vol *models.Volume, s Sampler, o models.Orientation, p float64) SliceTest {
	test := SliceTest{Orientation: o, Position: p}

	t0 := time.Now()
	slice, err := s.Sample(ctx, vol, o, p)
	test.Timing = time.Since(t0)
	test.TimingMs = float64(test.Timing) / float64(time.Millisecond)

	if err != nil {
		test.Error = err.Error()
		return test
	}
	test.Success = true
	test.Width, test.Height = slice.Width, slice.Height
	test.QualityScore = slice.QualityScore
	return test
}

func computeStats(vol *models.Volume) VolumeStats {
	g := vol.Geometry
	st := VolumeStats{
		FillRatio: g.FillRatio,
		Geometry:  g,
		Min:       g.MinIntensity,
		Max:       g.MaxIntensity,
		Bytes:     vol.SizeBytes(),
	}

	samples := subsample(vol.Data, maxStatSamples)
	if len(samples) == 0 {
		return st
	}
	st.Mean, st.StdDev = stat.MeanStdDev(samples, nil)
	if math.IsNaN(st.StdDev) {
		st.StdDev = 0
	}
	st.Entropy = entropy(samples, g.MinIntensity, g.MaxIntensity)
	return st
}

// subsample returns at most max values taken at a fixed stride
func subsample(data []float32, max int) []float64 {
	stride := 1
	if len(data) > max {
		stride = (len(data) + max - 1) / max
	}
	out := make([]float64, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		out = append(out, float64(data[i]))
	}
	return out
}

// entropy computes the Shannon entropy in bits over a 256-bin histogram
func entropy(data []float64, min, max float64) float64 {
	if len(data) == 0 || max <= min {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (max - min) / numBins
	for _, v := range data {
		bin := int((v - min) / binWidth)
		if bin >= numBins {
			bin = numBins - 1
		} else if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}

	n := float64(len(data))
	var h float64
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// Passed returns the number of successful slice tests
func (r Report) Passed() int {
	n := 0
	for _, t := range r.SliceTests {
		if t.Success {
			n++
		}
	}
	return n
}

// AllPassed reports whether every slice test succeeded
func (r Report) AllPassed() bool {
	return len(r.SliceTests) > 0 && r.Passed() == len(r.SliceTests)
}

// Names returns the slice test names in orientation then position order
func (r Report) Names() []string {
	names := make([]string, 0, len(r.SliceTests))
	for name := range r.SliceTests {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.SliceTests[names[i]], r.SliceTests[names[j]]
		if a.Orientation != b.Orientation {
			return a.Orientation < b.Orientation
		}
		return a.Position < b.Position
	})
	return names
}

// String renders the report as a plain text table
func (r Report) String() string {
	var b strings.Builder
	st := r.VolumeStats

	fmt.Fprintf(&b, "Volume: %s (%s)\n", st.Geometry, humanize.Bytes(st.Bytes))
	fmt.Fprintf(&b, "Fill ratio: %.2f%%\n", st.FillRatio*100)
	fmt.Fprintf(&b, "Intensity: min %.3f, max %.3f, mean %.3f, stddev %.3f, entropy %.3f bits\n",
		st.Min, st.Max, st.Mean, st.StdDev, st.Entropy)
	fmt.Fprintf(&b, "Slice tests: %d/%d passed in %s\n", r.Passed(), len(r.SliceTests), r.Elapsed.Round(time.Microsecond))

	for _, name := range r.Names() {
		t := r.SliceTests[name]
		if t.Success {
			fmt.Fprintf(&b, "  %-14s ok    %8.3f ms  %dx%d  quality %.2f\n", name, t.TimingMs, t.Width, t.Height, t.QualityScore)
		} else {
			fmt.Fprintf(&b, "  %-14s FAIL  %8.3f ms  %s\n", name, t.TimingMs, t.Error)
		}
	}
	return b.String()
}
