// Package reelcache wires CacheFileManager, CacheMetadataStore,
// ProgressiveDownloader, HlsCacheManager, Evictor,
// NetworkQualityMonitor, and ReelPrefetchController into one
// convenience facade. Every component remains an explicit constructor
// underneath (internal/cachefs.New, internal/prefetch.New, ...); this
// package only exists so callers who don't need custom wiring can skip
// straight to a working instance.
package reelcache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/cachekey"
	"github.com/reelcache/reelcache/internal/cachemeta"
	"github.com/reelcache/reelcache/internal/downloader"
	"github.com/reelcache/reelcache/internal/evictor"
	"github.com/reelcache/reelcache/internal/hlscache"
	"github.com/reelcache/reelcache/internal/netquality"
	"github.com/reelcache/reelcache/internal/prefetch"
	"github.com/reelcache/reelcache/internal/rconfig"
	"golang.org/x/time/rate"
)

// Cache bundles one configuration's worth of reelcache components.
type Cache struct {
	Files      *cachefs.Manager
	Meta       *cachemeta.Store
	Downloader *downloader.Downloader
	HLS        *hlscache.Manager
	Network    *netquality.Monitor
	Evictor    *evictor.Evictor
	Prefetch   *prefetch.Controller
}

// New builds a Cache from cfg. The caller owns its lifetime and should
// call Close when done.
func New(cfg rconfig.Config) *Cache {
	files := cachefs.New(cfg.CacheRoot)

	meta := cachemeta.New(cfg.CacheRoot, files)

	var limiter *rate.Limiter
	dl := downloader.New(limiter)

	hls := hlscache.New(files, meta, dl)
	network := netquality.New()
	ev := evictor.New(files, meta, cachekey.Hash, cfg.MaxCacheBytes)
	pf := prefetch.New(files, meta, dl, hls, network, cfg.DefaultMaxConcurrent)

	return &Cache{
		Files:      files,
		Meta:       meta,
		Downloader: dl,
		HLS:        hls,
		Network:    network,
		Evictor:    ev,
		Prefetch:   pf,
	}
}

// GetPlayablePath delegates to the bundled ReelPrefetchController.
func (c *Cache) GetPlayablePath(ctx context.Context, url string, headers http.Header) (string, error) {
	return c.Prefetch.GetPlayablePath(ctx, url, headers)
}

// Close tears down every background goroutine the Cache owns.
func (c *Cache) Close() error {
	c.Prefetch.Dispose()
	return c.HLS.Close()
}

// IsCached delegates to the bundled ReelPrefetchController.
func (c *Cache) IsCached(url string) bool {
	return c.Prefetch.IsCached(url)
}

// GetProgress delegates to the bundled ReelPrefetchController.
func (c *Cache) GetProgress(url string) (float64, bool) {
	return c.Prefetch.GetProgress(url)
}

// SetNetworkType delegates to the bundled ReelPrefetchController.
func (c *Cache) SetNetworkType(class netquality.NetworkType) {
	c.Prefetch.SetNetworkType(class)
}

var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default returns a process-wide Cache rooted at <os temp
// dir>/video_cache, configured by rconfig.FromLookup over the process
// environment, built once and reused across calls. Prefer New for
// anything that needs its own configuration or lifecycle.
func Default() *Cache {
	defaultOnce.Do(func() {
		cfg := rconfig.FromLookup(os.LookupEnv, defaultCacheRoot())
		defaultCache = New(cfg)
	})
	return defaultCache
}

func defaultCacheRoot() string {
	return filepath.Join(os.TempDir(), "video_cache")
}
