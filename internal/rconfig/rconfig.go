// Package rconfig reads environment-shaped configuration the way
// reelcache's teacher lineage does: typed parse helpers that log their
// source (environment value vs. default) and fall back quietly on a
// parse error, assembled into one immutable Config.
package rconfig

import (
	"strconv"
	"strings"
	"time"

	"github.com/reelcache/reelcache/internal/rlog"
)

// Lookup is the injectable environment-shaped source. os.LookupEnv in
// production; a plain map in tests.
type Lookup func(key string) (string, bool)

// ParseString reads a string from lookup or returns defaultValue.
func ParseString(lookup Lookup, key, defaultValue string) string {
	logger := rlog.WithComponent("rconfig")
	v, ok := lookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("default", defaultValue).Msg("using default value")
		return defaultValue
	}
	logger.Debug().Str("key", key).Str("value", v).Msg("using environment value")
	return v
}

// ParseInt reads an int from lookup or returns defaultValue on absence
// or parse failure.
func ParseInt(lookup Lookup, key string, defaultValue int) int {
	logger := rlog.WithComponent("rconfig")
	v, ok := lookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Int("default", defaultValue).Msg("using default value")
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Msg("using environment value")
	return i
}

// ParseInt64 reads an int64 from lookup or returns defaultValue.
func ParseInt64(lookup Lookup, key string, defaultValue int64) int64 {
	logger := rlog.WithComponent("rconfig")
	v, ok := lookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Int64("default", defaultValue).Msg("using default value")
		return defaultValue
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int64("default", defaultValue).Msg("invalid integer, using default")
		return defaultValue
	}
	return i
}

// ParseDuration reads a Go-duration-formatted value from lookup or
// returns defaultValue.
func ParseDuration(lookup Lookup, key string, defaultValue time.Duration) time.Duration {
	logger := rlog.WithComponent("rconfig")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

// ParseBool reads "true"/"false"/"1"/"0"/"yes"/"no" (case-insensitive)
// from lookup or returns defaultValue.
func ParseBool(lookup Lookup, key string, defaultValue bool) bool {
	logger := rlog.WithComponent("rconfig")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).Msg("invalid bool, using default")
		return defaultValue
	}
}

// Config holds reelcache's tunables. reelcache.New and cmd/reelcached
// pass CacheRoot, MaxCacheBytes and DefaultMaxConcurrent to the
// component constructors; the other fields mirror constants the
// components define for themselves and are not read by them.
type Config struct {
	CacheRoot string

	MaxCacheBytes int64

	PoolSize       int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	EmitThreshold  int64
	MinPlayBytes   int64

	HLSPrefetchSegments int
	HLSRefillSegments   int

	EvictionMinInterval time.Duration
	EvictionTargetRatio float64

	DefaultMaxConcurrent int
}

// Default returns reelcache's default tunables.
func Default(cacheRoot string) Config {
	return Config{
		CacheRoot:            cacheRoot,
		MaxCacheBytes:        200 << 20, // 200 MiB
		PoolSize:             4,
		ConnectTimeout:       8 * time.Second,
		IdleTimeout:          30 * time.Second,
		EmitThreshold:        64 << 10, // 64 KiB
		MinPlayBytes:         128 << 10,
		HLSPrefetchSegments:  3,
		HLSRefillSegments:    2,
		EvictionMinInterval:  30 * time.Second,
		EvictionTargetRatio:  0.8,
		DefaultMaxConcurrent: 4,
	}
}

// FromLookup builds a Config from a Lookup source layered over
// Default(cacheRoot).
func FromLookup(lookup Lookup, cacheRoot string) Config {
	c := Default(cacheRoot)
	c.MaxCacheBytes = ParseInt64(lookup, "REELCACHE_MAX_BYTES", c.MaxCacheBytes)
	c.PoolSize = ParseInt(lookup, "REELCACHE_POOL_SIZE", c.PoolSize)
	c.ConnectTimeout = ParseDuration(lookup, "REELCACHE_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.IdleTimeout = ParseDuration(lookup, "REELCACHE_IDLE_TIMEOUT", c.IdleTimeout)
	c.DefaultMaxConcurrent = ParseInt(lookup, "REELCACHE_MAX_CONCURRENT", c.DefaultMaxConcurrent)
	return c
}
