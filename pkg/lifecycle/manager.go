// Package lifecycle owns the single live volume of a viewing session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mprengine/internal/models"
	"mprengine/pkg/cache"
	"mprengine/pkg/diagnostics"
	"mprengine/pkg/logging"
	"mprengine/pkg/quality"
	"mprengine/pkg/reconstruction"
	"mprengine/pkg/sampler"
)

// State is the lifecycle state of a Manager
type State int32

const (
	Empty State = iota
	Building
	Ready
	Rebuilding
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Rebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// VolumeInfo describes the live volume
type VolumeInfo struct {
	VolumeID  uint64
	Geometry  models.VolumeGeometry
	Warnings  []string
	Dropped   int
	BuildTime time.Duration
	Bytes     uint64
}

// BuildResult is delivered by BuildAsync
type BuildResult struct {
	Info VolumeInfo
	Err  error
}

// Options configures a Manager
type Options struct {
	Profile quality.Profile

	// NativeGrid samples sagittal and coronal planes with one row per layer instead
	// of resampling depth to the in-plane spacing. Rows then stretch on anisotropic
	// volumes and every quality profile returns the same layer pixels.
	NativeGrid bool

	// FillThreshold, DefaultSpacing and BuildWorkers are passed to the volume builder
	FillThreshold  float64
	DefaultSpacing float64
	BuildWorkers   int

	Log zerolog.Logger

	// Registerer receives the manager's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Manager holds at most one volume and the plane cache computed from it.
//
// Build and Dispose are serialized. Sample and RunDiagnostics may run concurrently
// with each other; a Build or Dispose waits for them before releasing the volume.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	state   atomic.Int32
	profile atomic.Int32

	// profileMu makes a profile change and the matching cache resize one step
	profileMu sync.Mutex

	// transition serializes Build and Dispose
	transition sync.Mutex

	// mu guards the live volume; readers hold it shared while sampling
	mu    sync.RWMutex
	vol   *models.Volume
	cache *cache.SliceCache
	info  VolumeInfo

	buildMu     sync.Mutex
	buildSeq    uint64
	cancelBuild context.CancelFunc
}

// New creates an empty manager
func New(opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		log:     logging.Component(opts.Log, "lifecycle"),
		metrics: NewMetrics(opts.Registerer),
	}
	m.profile.Store(int32(opts.Profile))
	return m
}

// Metrics returns the manager's collectors
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state transition")
	}
}

// Profile returns the active quality profile
func (m *Manager) Profile() quality.Profile {
	return quality.Profile(m.profile.Load())
}

// Build replaces the live volume with one built from slices. Any build still in
// flight is cancelled first and fails with a Cancelled BuildError. The previous volume
// is released before the new one is built, so two volumes never coexist. On failure
// the manager is left Empty.
func (m *Manager) Build(ctx context.Context, slices []models.SliceDescriptor) (VolumeInfo, error) {
	bctx, seq := m.beginBuild(ctx)
	return m.runBuild(bctx, seq, slices)
}

// BuildAsync starts a build and returns a channel that delivers its result once.
// A later Build, BuildAsync, Abort or Dispose cancels it.
func (m *Manager) BuildAsync(ctx context.Context, slices []models.SliceDescriptor) <-chan BuildResult {
	bctx, seq := m.beginBuild(ctx)
	ch := make(chan BuildResult, 1)
	go func() {
		defer close(ch)
		info, err := m.runBuild(bctx, seq, slices)
		ch <- BuildResult{Info: info, Err: err}
	}()
	return ch
}

// Abort cancels the build in flight, if any, without waiting for it.
func (m *Manager) Abort() {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if m.cancelBuild != nil {
		m.cancelBuild()
		m.cancelBuild = nil
	}
}

// beginBuild supersedes the current build and registers a new one
func (m *Manager) beginBuild(ctx context.Context) (context.Context, uint64) {
	bctx, cancel := context.WithCancel(ctx)

	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if m.cancelBuild != nil {
		m.log.Debug().Uint64("build", m.buildSeq).Msg("superseding build in flight")
		m.cancelBuild()
	}
	m.buildSeq++
	m.cancelBuild = cancel
	return bctx, m.buildSeq
}

func (m *Manager) endBuild(seq uint64) {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if m.buildSeq == seq && m.cancelBuild != nil {
		m.cancelBuild()
		m.cancelBuild = nil
	}
}

func (m *Manager) runBuild(ctx context.Context, seq uint64, slices []models.SliceDescriptor) (VolumeInfo, error) {
	defer m.endBuild(seq)

	m.transition.Lock()
	defer m.transition.Unlock()

	// superseded while waiting for the previous transition; a newer build may already
	// own the state, so leave it alone
	if err := ctx.Err(); err != nil {
		m.metrics.Builds.WithLabelValues(buildResult(reconstruction.ErrCancelled)).Inc()
		return VolumeInfo{}, &reconstruction.BuildError{Kind: reconstruction.Cancelled, Detail: "superseded before start", Err: err}
	}

	if m.State() == Ready {
		m.setState(Rebuilding)
		m.release()
	} else {
		m.setState(Building)
	}

	res, err := reconstruction.Build(ctx, slices, reconstruction.Options{
		Workers:        m.opts.BuildWorkers,
		FillThreshold:  m.opts.FillThreshold,
		DefaultSpacing: m.opts.DefaultSpacing,
		Log:            logging.Component(m.opts.Log, "builder"),
	})
	if err != nil {
		return VolumeInfo{}, m.failBuild(err)
	}

	// a cancel racing the end of the build must not publish the volume
	if err := ctx.Err(); err != nil {
		res.Volume.Release()
		return VolumeInfo{}, m.failBuild(&reconstruction.BuildError{Kind: reconstruction.Cancelled, Detail: "superseded", Err: err})
	}

	vol := res.Volume
	info := VolumeInfo{
		VolumeID:  vol.ID,
		Geometry:  vol.Geometry,
		Warnings:  res.Warnings,
		Dropped:   res.Dropped,
		BuildTime: res.Elapsed,
		Bytes:     vol.SizeBytes(),
	}

	m.profileMu.Lock()
	m.mu.Lock()
	m.vol = vol
	m.cache = cache.New(vol.ID, m.Profile().Settings().CacheCapacity)
	m.info = info
	m.mu.Unlock()
	m.profileMu.Unlock()
	m.setState(Ready)

	m.metrics.Builds.WithLabelValues(buildResult(nil)).Inc()
	m.metrics.BuildDuration.Observe(res.Elapsed.Seconds())
	m.metrics.LiveBytes.Set(float64(info.Bytes))

	m.log.Info().
		Uint64("volume", vol.ID).
		Str("geometry", vol.Geometry.String()).
		Str("size", humanize.Bytes(info.Bytes)).
		Int("warnings", len(info.Warnings)).
		Msg("volume ready")

	return info, nil
}

func (m *Manager) failBuild(err error) error {
	m.setState(Empty)
	m.metrics.Builds.WithLabelValues(buildResult(err)).Inc()
	if errors.Is(err, reconstruction.ErrCancelled) {
		m.log.Debug().Err(err).Msg("build cancelled")
	} else {
		m.log.Warn().Err(err).Msg("build failed")
	}
	return err
}

// Dispose cancels any build in flight, waits for in-flight reads and releases the
// volume and its cache. Safe to call in any state and more than once.
func (m *Manager) Dispose() {
	m.Abort()

	m.transition.Lock()
	defer m.transition.Unlock()

	m.release()
	m.setState(Empty)
}

// release drops the live volume. Callers hold m.transition.
func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache != nil {
		m.cache.Close()
		m.cache = nil
	}
	if m.vol != nil {
		m.log.Debug().Uint64("volume", m.vol.ID).Msg("releasing volume")
		m.vol.Release()
		m.vol = nil
	}
	m.info = VolumeInfo{}
	m.metrics.LiveBytes.Set(0)
}

// Info returns the live volume's description, or false when none is live.
func (m *Manager) Info() (VolumeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info, m.vol != nil
}

// CacheStats returns the plane cache counters. Zero when no volume is live.
func (m *Manager) CacheStats() cache.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return cache.Stats{}
	}
	return m.cache.Stats()
}

// SetQualityProfile changes the interpolation, parallelism and cache capacity used by
// later samples. The live volume is kept.
func (m *Manager) SetQualityProfile(p quality.Profile) {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()

	prev := quality.Profile(m.profile.Swap(int32(p)))

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache != nil {
		m.cache.Resize(p.Settings().CacheCapacity)
	}
	if prev != p {
		m.log.Info().Stringer("profile", p).Msg("quality profile changed")
	}
}

// SetQualityProfileName is SetQualityProfile for a profile name
func (m *Manager) SetQualityProfileName(name string) error {
	p, err := quality.Parse(name)
	if err != nil {
		return err
	}
	m.SetQualityProfile(p)
	return nil
}

func (m *Manager) sampler() *sampler.Sampler {
	settings := m.Profile().Settings()
	return sampler.New(sampler.Options{
		Method:    settings.Method,
		Workers:   settings.ParallelismHint,
		Isotropic: !m.opts.NativeGrid,
	})
}

// Sample returns the plane at a normalized position. Positions are quantized to
// cache.Buckets steps and the plane is sampled at the quantized position, so repeated
// requests within a bucket return identical pixels.
func (m *Manager) Sample(ctx context.Context, o models.Orientation, position float64) (*models.ReconstructedSlice, error) {
	start := time.Now()
	s := m.sampler()
	method := s.Options().Method

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.vol == nil {
		m.metrics.Samples.WithLabelValues(o.String(), "error").Inc()
		return nil, &sampler.SampleError{Kind: sampler.NoVolume, Detail: "no volume has been built"}
	}

	vol := m.vol
	bucket := cache.QuantizePosition(position)
	key := cache.Key{Orientation: o, Bucket: bucket, Method: method}

	slice, hit, err := m.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*models.ReconstructedSlice, error) {
		return s.Sample(ctx, vol, o, cache.BucketPosition(bucket))
	})
	if err != nil {
		m.metrics.Samples.WithLabelValues(o.String(), "error").Inc()
		var se *sampler.SampleError
		if !errors.As(err, &se) && ctx.Err() != nil {
			err = &sampler.SampleError{Kind: sampler.Cancelled, Err: err}
		}
		return nil, err
	}

	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.metrics.Samples.WithLabelValues(o.String(), outcome).Inc()
	m.metrics.SampleLatency.WithLabelValues(method.String()).Observe(time.Since(start).Seconds())
	return slice, nil
}

// RunDiagnostics samples the fixed diagnostic positions against the live volume,
// bypassing the cache. Without a volume every test is reported as failed.
func (m *Manager) RunDiagnostics(ctx context.Context) diagnostics.Report {
	s := m.sampler()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return diagnostics.Run(ctx, m.vol, s)
}
