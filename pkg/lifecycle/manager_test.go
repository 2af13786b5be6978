package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mprengine/internal/models"
	"mprengine/pkg/cache"
	"mprengine/pkg/interpolation"
	"mprengine/pkg/quality"
	"mprengine/pkg/reconstruction"
	"mprengine/pkg/sampler"
)

// createTestSlices creates n slices 1mm apart; offset shifts every pixel value
func createTestSlices(n, width, height int, offset float32) []models.SliceDescriptor {
	slices := make([]models.SliceDescriptor, n)
	for i := range slices {
		pixels := make([]float32, width*height)
		for p := range pixels {
			pixels[p] = offset + float32(i*10000+p+1)
		}
		slices[i] = models.SliceDescriptor{
			Rows:               height,
			Columns:            width,
			PixelSpacingRow:    1,
			PixelSpacingColumn: 1,
			SliceThickness:     1,
			SliceIndex:         i,
			Position:           float64(i),
			HasPosition:        true,
			Pixels:             pixels,
		}
	}
	return slices
}

func TestTenSliceScenario(t *testing.T) {
	m := New(Options{Profile: quality.Medium})
	slices := createTestSlices(10, 64, 64, 0)

	info, err := m.Build(context.Background(), slices)
	require.NoError(t, err)
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, 64, info.Geometry.Width)
	assert.Equal(t, 64, info.Geometry.Height)
	assert.Equal(t, 10, info.Geometry.Depth)

	plane, err := m.Sample(context.Background(), models.Axial, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 64, plane.Width)
	assert.Equal(t, 64, plane.Height)
	require.Contains(t, []int{4, 5}, plane.SliceIndex)
	assert.Equal(t, slices[plane.SliceIndex].Pixels, plane.Pixels)

	report := m.RunDiagnostics(context.Background())
	assert.Len(t, report.SliceTests, 9)
	assert.True(t, report.AllPassed())
	assert.Equal(t, 1.0, report.VolumeStats.FillRatio)
}

func TestFailedBuildLeavesManagerEmpty(t *testing.T) {
	m := New(Options{})

	_, err := m.Build(context.Background(), createTestSlices(1, 8, 8, 0))
	assert.True(t, errors.Is(err, reconstruction.ErrInsufficientSlices))
	assert.Equal(t, Empty, m.State())

	mixed := append(createTestSlices(2, 64, 64, 0), createTestSlices(1, 64, 128, 0)...)
	_, err = m.Build(context.Background(), mixed)
	assert.True(t, errors.Is(err, reconstruction.ErrInconsistentDimensions))
	assert.Equal(t, Empty, m.State())

	_, ok := m.Info()
	assert.False(t, ok)
	_, err = m.Sample(context.Background(), models.Axial, 0.5)
	assert.True(t, errors.Is(err, sampler.ErrNoVolume))
}

func TestFailedRebuildDropsPreviousVolume(t *testing.T) {
	m := New(Options{})
	_, err := m.Build(context.Background(), createTestSlices(4, 8, 8, 0))
	require.NoError(t, err)

	_, err = m.Build(context.Background(), createTestSlices(1, 8, 8, 0))
	require.Error(t, err)
	assert.Equal(t, Empty, m.State())

	_, err = m.Sample(context.Background(), models.Axial, 0.5)
	assert.True(t, errors.Is(err, sampler.ErrNoVolume))
}

func TestDisposeIsIdempotent(t *testing.T) {
	m := New(Options{})
	m.Dispose()
	assert.Equal(t, Empty, m.State())

	_, err := m.Build(context.Background(), createTestSlices(3, 8, 8, 0))
	require.NoError(t, err)

	m.Dispose()
	m.Dispose()
	assert.Equal(t, Empty, m.State())
	assert.Equal(t, cache.Stats{}, m.CacheStats())

	_, err = m.Sample(context.Background(), models.Coronal, 0.5)
	assert.True(t, errors.Is(err, sampler.ErrNoVolume))
}

func TestRebuildNeverServesStalePlanes(t *testing.T) {
	m := New(Options{Profile: quality.Low})

	first, err := m.Build(context.Background(), createTestSlices(4, 16, 16, 0))
	require.NoError(t, err)
	old, err := m.Sample(context.Background(), models.Sagittal, 0.5)
	require.NoError(t, err)
	assert.Equal(t, first.VolumeID, old.VolumeID)

	m.Dispose()
	second, err := m.Build(context.Background(), createTestSlices(4, 16, 16, 5))
	require.NoError(t, err)
	require.NotEqual(t, first.VolumeID, second.VolumeID)

	fresh, err := m.Sample(context.Background(), models.Sagittal, 0.5)
	require.NoError(t, err)
	assert.Equal(t, second.VolumeID, fresh.VolumeID)
	assert.NotEqual(t, old.Pixels, fresh.Pixels)
	assert.Equal(t, uint64(0), m.CacheStats().Hits)
}

func TestBuildWhileReadyReplacesVolume(t *testing.T) {
	m := New(Options{})
	first, err := m.Build(context.Background(), createTestSlices(3, 8, 8, 0))
	require.NoError(t, err)

	second, err := m.Build(context.Background(), createTestSlices(5, 8, 8, 0))
	require.NoError(t, err)

	info, ok := m.Info()
	require.True(t, ok)
	assert.Equal(t, second.VolumeID, info.VolumeID)
	assert.NotEqual(t, first.VolumeID, info.VolumeID)
	assert.Equal(t, 5, info.Geometry.Depth)
}

func TestSampleIsDeterministicWithinBucket(t *testing.T) {
	m := New(Options{Profile: quality.High})
	_, err := m.Build(context.Background(), createTestSlices(6, 12, 10, 0))
	require.NoError(t, err)

	a, err := m.Sample(context.Background(), models.Coronal, (100+0.2)/cache.Buckets)
	require.NoError(t, err)
	b, err := m.Sample(context.Background(), models.Coronal, (100-0.3)/cache.Buckets)
	require.NoError(t, err)

	assert.Equal(t, a.Pixels, b.Pixels)
	assert.Equal(t, interpolation.Cubic.String(), a.Method)

	stats := m.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	// a recompute outside the cache matches
	s := sampler.New(sampler.Options{Method: interpolation.Cubic, Workers: 1, Isotropic: true})
	m.mu.RLock()
	direct, err := s.Sample(context.Background(), m.vol, models.Coronal, cache.BucketPosition(100))
	m.mu.RUnlock()
	require.NoError(t, err)
	assert.Equal(t, a.Pixels, direct.Pixels)
}

func TestSetQualityProfileKeepsVolume(t *testing.T) {
	m := New(Options{Profile: quality.Low})
	info, err := m.Build(context.Background(), createTestSlices(4, 8, 8, 0))
	require.NoError(t, err)

	for b := 0; b < 12; b++ {
		_, err := m.Sample(context.Background(), models.Axial, cache.BucketPosition(b*20))
		require.NoError(t, err)
	}
	assert.Equal(t, quality.Low.Settings().CacheCapacity, m.CacheStats().Entries)

	require.NoError(t, m.SetQualityProfileName("high"))
	assert.Equal(t, quality.High, m.Profile())
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, quality.High.Settings().CacheCapacity, m.CacheStats().Capacity)

	current, ok := m.Info()
	require.True(t, ok)
	assert.Equal(t, info.VolumeID, current.VolumeID)

	plane, err := m.Sample(context.Background(), models.Axial, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "cubic", plane.Method)

	m.SetQualityProfile(quality.Low)
	assert.Equal(t, quality.Low.Settings().CacheCapacity, m.CacheStats().Entries)

	assert.Error(t, m.SetQualityProfileName("ultra"))
	assert.Equal(t, quality.Low, m.Profile())
}

func TestSupersededBuildIsCancelled(t *testing.T) {
	m := New(Options{})

	// hold the transition so both builds queue behind it
	m.transition.Lock()
	first := m.BuildAsync(context.Background(), createTestSlices(6, 32, 32, 0))
	second := m.BuildAsync(context.Background(), createTestSlices(3, 16, 16, 0))
	m.transition.Unlock()

	r1 := <-first
	r2 := <-second

	require.Error(t, r1.Err)
	assert.True(t, errors.Is(r1.Err, reconstruction.ErrCancelled))
	assert.True(t, errors.Is(r1.Err, context.Canceled))

	require.NoError(t, r2.Err)
	assert.Equal(t, Ready, m.State())
	info, ok := m.Info()
	require.True(t, ok)
	assert.Equal(t, r2.Info.VolumeID, info.VolumeID)
	assert.Equal(t, 3, info.Geometry.Depth)
}

func TestAbort(t *testing.T) {
	m := New(Options{})

	m.transition.Lock()
	result := m.BuildAsync(context.Background(), createTestSlices(4, 16, 16, 0))
	m.Abort()
	m.transition.Unlock()

	r := <-result
	assert.True(t, errors.Is(r.Err, reconstruction.ErrCancelled))
	assert.Equal(t, Empty, m.State())

	// nothing in flight
	m.Abort()
}

func TestCancelledSample(t *testing.T) {
	m := New(Options{})
	_, err := m.Build(context.Background(), createTestSlices(4, 16, 16, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Sample(ctx, models.Axial, 0.5)
	assert.True(t, errors.Is(err, sampler.ErrCancelled))
	assert.Equal(t, 0, m.CacheStats().Entries)
}

func TestConcurrentSamplesAndDispose(t *testing.T) {
	m := New(Options{Profile: quality.High})
	_, err := m.Build(context.Background(), createTestSlices(8, 32, 32, 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := models.Orientations[i%3]
			_, err := m.Sample(context.Background(), o, float64(i)/16)
			if err != nil {
				assert.True(t, errors.Is(err, sampler.ErrNoVolume), "%v", err)
			}
		}(i)
	}
	m.Dispose()
	wg.Wait()

	assert.Equal(t, Empty, m.State())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Options{Registerer: reg})

	_, err := m.Build(context.Background(), createTestSlices(1, 16, 16, 0))
	require.Error(t, err)
	_, err = m.Build(context.Background(), createTestSlices(4, 16, 16, 0))
	require.NoError(t, err)

	_, err = m.Sample(context.Background(), models.Axial, 0.5)
	require.NoError(t, err)
	_, err = m.Sample(context.Background(), models.Axial, 0.5)
	require.NoError(t, err)

	metrics := m.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Builds.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Builds.WithLabelValues("insufficient_slices")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("axial", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("axial", "hit")))
	assert.Equal(t, float64(4*16*16*4), testutil.ToFloat64(metrics.LiveBytes))

	m.Dispose()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LiveBytes))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "rebuilding", Rebuilding.String())
}

// createThickSlices creates n layers whose spacing along z is thickness times the
// in-plane spacing
func createThickSlices(n, width, height int, thickness float64) []models.SliceDescriptor {
	slices := createTestSlices(n, width, height, 0)
	for i := range slices {
		slices[i].SliceThickness = thickness
		slices[i].Position = float64(i) * thickness
		for p := range slices[i].Pixels {
			// non-linear along z so every method weighs neighbours differently
			slices[i].Pixels[p] = float32((i*i)%7*100 + p%13)
		}
	}
	return slices
}

func TestQualityProfilesDifferOnThickSlices(t *testing.T) {
	slices := createThickSlices(10, 32, 32, 3)

	planes := map[quality.Profile]*models.ReconstructedSlice{}
	for _, p := range []quality.Profile{quality.Low, quality.Medium, quality.High} {
		m := New(Options{Profile: p})
		_, err := m.Build(context.Background(), slices)
		require.NoError(t, err)

		plane, err := m.Sample(context.Background(), models.Coronal, 0.37)
		require.NoError(t, err)
		assert.Equal(t, 30, plane.Height, "depth rows follow the in-plane spacing")
		assert.Equal(t, plane.Spacing.Column, plane.Spacing.Row)
		planes[p] = plane
		m.Dispose()
	}

	assert.NotEqual(t, planes[quality.Low].Pixels, planes[quality.Medium].Pixels)
	assert.NotEqual(t, planes[quality.Low].Pixels, planes[quality.High].Pixels)
	assert.NotEqual(t, planes[quality.Medium].Pixels, planes[quality.High].Pixels)
}

func TestNativeGridKeepsOneRowPerLayer(t *testing.T) {
	m := New(Options{Profile: quality.High, NativeGrid: true})
	_, err := m.Build(context.Background(), createThickSlices(10, 32, 32, 3))
	require.NoError(t, err)

	plane, err := m.Sample(context.Background(), models.Coronal, 0.37)
	require.NoError(t, err)
	assert.Equal(t, 10, plane.Height)
	assert.Equal(t, 3.0, plane.Spacing.Row)
}

func TestCancelledSampleDoesNotFailConcurrentSamples(t *testing.T) {
	m := New(Options{Profile: quality.High})
	_, err := m.Build(context.Background(), createThickSlices(24, 96, 96, 2))
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		position := float64(round+1) / 12
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(round)*100*time.Microsecond)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Sample(ctx, models.Sagittal, position)
			if err != nil {
				assert.True(t, errors.Is(err, sampler.ErrCancelled), "%v", err)
			}
		}()
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				plane, err := m.Sample(context.Background(), models.Sagittal, position)
				assert.NoError(t, err)
				assert.NotNil(t, plane)
			}()
		}
		wg.Wait()
		cancel()
	}
}

func TestConcurrentProfileChangesKeepCacheCapacityInStep(t *testing.T) {
	m := New(Options{Profile: quality.Low})
	_, err := m.Build(context.Background(), createTestSlices(4, 8, 8, 0))
	require.NoError(t, err)

	profiles := []quality.Profile{quality.Low, quality.Medium, quality.High}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(p quality.Profile) {
			defer wg.Done()
			m.SetQualityProfile(p)
		}(profiles[i%len(profiles)])
	}
	wg.Wait()

	assert.Equal(t, m.Profile().Settings().CacheCapacity, m.CacheStats().Capacity)
}
