// Package cache keeps recently sampled planes of one volume in an LRU.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"mprengine/internal/models"
	"mprengine/pkg/interpolation"
)

// Buckets is the number of quantization steps across the normalized position range
const Buckets = 256

// Key identifies a cached plane
type Key struct {
	Orientation models.Orientation
	Bucket      int
	Method      interpolation.Method
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Orientation, k.Bucket, k.Method)
}

// QuantizePosition maps a normalized position to its bucket in [0, Buckets].
// NaN and out of range values are clamped first.
func QuantizePosition(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return Buckets
	}
	return int(math.Round(p * Buckets))
}

// BucketPosition returns the normalized position a bucket stands for. Planes are
// always sampled at this value so a cached plane equals a recomputed one.
func BucketPosition(bucket int) float64 {
	return float64(bucket) / Buckets
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Capacity  int

	// Bytes is the approximate memory held by cached planes
	Bytes int
}

// ComputeFunc produces the plane for a missing key
type ComputeFunc func(ctx context.Context) (*models.ReconstructedSlice, error)

type entry struct {
	slice *models.ReconstructedSlice
	bytes int
}

// SliceCache is an LRU of planes computed from a single volume. Returned planes are
// shared between callers and must be treated as read-only.
type SliceCache struct {
	volumeID uint64

	mu        sync.Mutex
	lru       *lru.Cache
	closed    bool
	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int

	group   singleflight.Group
	flights map[string]*flight
}

// New creates a cache bound to the volume with the given ID
func New(volumeID uint64, capacity int) *SliceCache {
	if capacity < 1 {
		capacity = 1
	}
	c := &SliceCache{
		volumeID: volumeID,
		lru:      lru.New(capacity),
		flights:  make(map[string]*flight),
	}
	c.lru.OnEvicted = c.onEvicted
	return c
}

// VolumeID returns the ID of the volume this cache serves
func (c *SliceCache) VolumeID() uint64 {
	return c.volumeID
}

// onEvicted runs with c.mu held
func (c *SliceCache) onEvicted(_ lru.Key, value interface{}) {
	c.evictions++
	c.bytes -= value.(entry).bytes
}

// Get returns the cached plane for key, if any
func (c *SliceCache) Get(key Key) (*models.ReconstructedSlice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *SliceCache) getLocked(key Key) (*models.ReconstructedSlice, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(entry).slice, true
}

// Add stores a plane. Planes from another volume, or added after Close, are ignored.
func (c *SliceCache) Add(key Key, slice *models.ReconstructedSlice) {
	if slice == nil || slice.VolumeID != c.volumeID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if old, ok := c.lru.Get(key); ok {
		c.bytes -= old.(entry).bytes
	}
	e := entry{slice: slice, bytes: size.Of(slice)}
	c.bytes += e.bytes
	c.lru.Add(key, e)
}

// maxFlightRetries bounds how often a live caller rejoins after the shared
// computation it joined was cancelled by the other waiters leaving
const maxFlightRetries = 3

// flight tracks the callers waiting on one shared computation. The computation runs
// under ctx, which is detached from every caller and cancelled once all waiters left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// joinLocked registers a waiter on the flight for k. Callers hold c.mu.
func (c *SliceCache) joinLocked(k string, ctx context.Context) *flight {
	f, ok := c.flights[k]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[k] = f
	}
	f.waiters++
	return f
}

// leaveLocked removes a waiter and reports whether it was the last one, in which
// case the flight is cancelled. Callers hold c.mu.
func (c *SliceCache) leaveLocked(k string, f *flight) bool {
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	if c.flights[k] == f {
		delete(c.flights, k)
	}
	return true
}

// GetOrCompute returns the cached plane for key, computing and storing it on a miss.
// Concurrent misses for the same key share a single computation. The boolean reports
// whether the plane came from the cache. Failed computations are not cached.
//
// A caller whose context ends returns at once with the context error. The shared
// computation keeps running for the remaining callers and is cancelled only when the
// last one leaves; that caller waits for it to stop. Some caller therefore stays
// inside GetOrCompute for as long as compute reads the volume.
func (c *SliceCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*models.ReconstructedSlice, bool, error) {
	k := key.String()

	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if s, ok := c.getLocked(key); ok {
			c.hits++
			c.mu.Unlock()
			return s, true, nil
		}
		if attempt == 0 {
			c.misses++
		}
		f := c.joinLocked(k, ctx)
		c.mu.Unlock()

		ch := c.group.DoChan(k, func() (interface{}, error) {
			if s, ok := c.Get(key); ok {
				return s, nil
			}
			s, err := compute(f.ctx)
			if err != nil {
				return nil, err
			}
			c.Add(key, s)
			return s, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
			c.mu.Lock()
			c.leaveLocked(k, f)
			c.mu.Unlock()
		case <-ctx.Done():
			c.mu.Lock()
			last := c.leaveLocked(k, f)
			c.mu.Unlock()
			if last {
				<-ch
			}
			return nil, false, ctx.Err()
		}

		if res.Err != nil {
			// the flight was abandoned by everyone else just before we joined it
			if ctx.Err() == nil && errors.Is(res.Err, context.Canceled) && attempt < maxFlightRetries {
				continue
			}
			return nil, false, res.Err
		}
		return res.Val.(*models.ReconstructedSlice), false, nil
	}
}

// Resize changes the capacity, evicting least recently used planes if needed.
func (c *SliceCache) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.MaxEntries = capacity
	for c.lru.Len() > capacity {
		c.lru.RemoveOldest()
	}
}

// Purge drops every plane without counting evictions
func (c *SliceCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *SliceCache) purgeLocked() {
	c.lru.OnEvicted = nil
	c.lru.Clear()
	c.lru.OnEvicted = c.onEvicted
	c.bytes = 0
}

// Close purges the cache and refuses further additions. Safe to call more than once.
func (c *SliceCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	c.closed = true
}

// Len returns the number of cached planes
func (c *SliceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters
func (c *SliceCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.lru.Len(),
		Capacity:  c.lru.MaxEntries,
		Bytes:     c.bytes,
	}
}
