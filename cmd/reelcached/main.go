package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/cachekey"
	"github.com/reelcache/reelcache/internal/cachemeta"
	"github.com/reelcache/reelcache/internal/downloader"
	"github.com/reelcache/reelcache/internal/evictor"
	"github.com/reelcache/reelcache/internal/hlscache"
	"github.com/reelcache/reelcache/internal/netquality"
	"github.com/reelcache/reelcache/internal/prefetch"
	"github.com/reelcache/reelcache/internal/rconfig"
	"github.com/reelcache/reelcache/internal/rlog"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	cacheRoot := flag.String("cache-dir", "", "cache root directory (default: <os_tmp>/video_cache)")
	debugAddr := flag.String("debug-addr", ":9191", "listen address for the debug/metrics HTTP server")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reelcached %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	rlog.Configure(rlog.Config{Level: *logLevel, Service: "reelcached"})
	logger := rlog.WithComponent("main")

	root := *cacheRoot
	if root == "" {
		root = rconfig.ParseString(osLookup, "REELCACHE_CACHE_DIR", defaultCacheDir())
	}

	cfg := rconfig.FromLookup(osLookup, root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files := cachefs.New(cfg.CacheRoot)
	if _, err := files.CacheDir(); err != nil {
		logger.Fatal().Err(err).Str("cache_root", cfg.CacheRoot).Msg("failed to prepare cache directory")
	}

	meta := cachemeta.New(cfg.CacheRoot, files)

	var limiter *rate.Limiter
	dl := downloader.New(limiter)

	hls := hlscache.New(files, meta, dl)
	defer func() { _ = hls.Close() }()

	network := netquality.New()

	evict := evictor.New(files, meta, cachekey.Hash, cfg.MaxCacheBytes)

	controller := prefetch.New(files, meta, dl, hls, network, cfg.DefaultMaxConcurrent)
	defer controller.Dispose()

	logger.Info().
		Str("cache_root", cfg.CacheRoot).
		Int64("max_cache_bytes", cfg.MaxCacheBytes).
		Int("default_max_concurrent", cfg.DefaultMaxConcurrent).
		Msg("reelcached starting")

	stopEviction := runEvictionLoop(ctx, evict, logger)
	defer stopEviction()

	srv := &http.Server{
		Addr:              *debugAddr,
		Handler:           newDebugRouter(files, meta, network, controller),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", *debugAddr).Msg("debug/metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("debug server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("debug server shutdown did not complete cleanly")
	}
}

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

func defaultCacheDir() string {
	return filepath.Join(os.TempDir(), "video_cache")
}

// runEvictionLoop periodically runs the throttled evictor in the
// background, off the main request path, the way a daemon runs a
// periodic refresh job.
func runEvictionLoop(ctx context.Context, evict *evictor.Evictor, logger zerolog.Logger) func() {
	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				logger.Debug().Msg("eviction loop stopping")
				return
			case <-ticker.C:
				evict.EvictIfNeededThrottled()
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

func newDebugRouter(files *cachefs.Manager, meta *cachemeta.Store, network *netquality.Monitor, controller *prefetch.Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(rlog.Middleware())
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		entries := files.EnumerateEntries()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entry_count": len(entries),
			"total_bytes": files.TotalSize(),
			"entries":     entries,
		})
	})

	r.Get("/debug/network", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"class":           network.Class().String(),
			"bandwidth_kibs":  network.BandwidthKiBs(),
			"prefetch_config": network.PrefetchConfig(),
		})
	})

	r.Post("/debug/cancel", func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			http.Error(w, `{"error":"missing url query parameter"}`, http.StatusBadRequest)
			return
		}
		controller.CancelDownload(url)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/debug/progress", func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			http.Error(w, `{"error":"missing url query parameter"}`, http.StatusBadRequest)
			return
		}
		record, ok := meta.Get(url)
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "no record for url"})
			return
		}
		fraction, fractionKnown := meta.Fraction(url)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"record":         record,
			"fraction":       fraction,
			"fraction_known": fractionKnown,
		})
	})

	return r
}
