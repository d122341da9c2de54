// Package evictor implements Evictor: LRU-by-atime reclamation over
// the mixed file/directory entries CacheFileManager enumerates,
// throttled on a cooldown window the way internal/resilience/circuit_breaker.go
// gates retries.
package evictor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/rlog"
	"github.com/reelcache/reelcache/internal/rmetrics"
)

const (
	throttleWindow = 30 * time.Second
	targetRatio    = 0.8
)

// MetadataRemover removes the metadata record for a hash, decoupling
// the evictor from cachemeta's URL-keyed API.
type MetadataRemover interface {
	RemoveByHash(hash string, hashOf func(string) string)
}

// Evictor runs the eviction algorithm over a CacheFileManager.
type Evictor struct {
	files    *cachefs.Manager
	meta     MetadataRemover
	hashOf   func(string) string
	maxBytes int64

	mu      sync.Mutex
	lastRun time.Time
	running int32
}

// New creates an Evictor bounding the cache at maxBytes. hashOf must
// be the same hash function CacheFileManager uses for filenames
// (cachekey.Hash), so metadata removal can key off an entry's hash.
func New(files *cachefs.Manager, meta MetadataRemover, hashOf func(string) string, maxBytes int64) *Evictor {
	return &Evictor{files: files, meta: meta, hashOf: hashOf, maxBytes: maxBytes}
}

// EvictIfNeeded runs the algorithmic core unconditionally: enumerate,
// sum, and if over budget, delete oldest-accessed entries until the
// total is at or below 80% of max_bytes.
func (e *Evictor) EvictIfNeeded() {
	logger := rlog.WithComponent("evictor")
	rmetrics.EvictionRuns.Inc()

	entries := e.files.EnumerateEntries()
	var total int64
	for _, en := range entries {
		total += en.Size
	}
	if total <= e.maxBytes {
		return
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	target := int64(float64(e.maxBytes) * targetRatio)
	removed := 0
	var freed int64
	for _, en := range entries {
		if total <= target {
			break
		}
		if err := e.files.DeleteEntry(en); err != nil {
			logger.Warn().Str("hash", en.Hash).Err(err).Msg("evict: delete failed, will retry next pass")
			continue
		}
		e.meta.RemoveByHash(en.Hash, e.hashOf)
		total -= en.Size
		freed += en.Size
		removed++
	}

	rmetrics.EvictionEntriesRemoved.Add(float64(removed))
	rmetrics.EvictionBytesFreed.Add(float64(freed))
	rmetrics.CacheBytes.Set(float64(total))
	logger.Info().Int("removed", removed).Int64("freed_bytes", freed).Int64("remaining_bytes", total).Msg("eviction pass complete")
}

// EvictIfNeededThrottled is the public entry point: no-ops if an
// eviction is already in flight or fewer than 30s have passed since
// the last run.
func (e *Evictor) EvictIfNeededThrottled() {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	e.mu.Lock()
	elapsed := time.Since(e.lastRun)
	if elapsed < throttleWindow {
		e.mu.Unlock()
		return
	}
	e.lastRun = time.Now()
	e.mu.Unlock()

	e.EvictIfNeeded()
}
