// Package netquality implements NetworkQualityMonitor: a rolling
// bandwidth estimate and connectivity-class state machine, modeled on
// internal/resilience/circuit_breaker.go's explicit State enum plus
// injectable clock, adapted from a trip/reset breaker to a simple
// classification ladder.
package netquality

import (
	"sync"
	"time"

	"github.com/reelcache/reelcache/internal/rmetrics"
)

// NetworkType is the current connectivity classification.
type NetworkType int

const (
	Wifi NetworkType = iota
	FiveG
	FourG
	Slow
	Offline
)

func (n NetworkType) String() string {
	switch n {
	case Wifi:
		return "wifi"
	case FiveG:
		return "fiveG"
	case FourG:
		return "fourG"
	case Slow:
		return "slow"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	maxSamples           = 10
	defaultBandwidthKiBs = 1024.0
	minSampleDuration    = 100 * time.Millisecond
)

// PrefetchConfig is the per-class prefetch tuning: how far ahead/behind
// of the current scroll position to fetch, how many cached entries to
// keep around it, and how many downloads may run at once.
type PrefetchConfig struct {
	Ahead         int
	Behind        int
	Keep          int
	MaxConcurrent int
}

var prefetchTable = map[NetworkType]PrefetchConfig{
	Wifi:    {Ahead: 4, Behind: 2, Keep: 8, MaxConcurrent: 4},
	FiveG:   {Ahead: 3, Behind: 1, Keep: 6, MaxConcurrent: 3},
	FourG:   {Ahead: 2, Behind: 1, Keep: 4, MaxConcurrent: 2},
	Slow:    {Ahead: 1, Behind: 0, Keep: 3, MaxConcurrent: 1},
	Offline: {Ahead: 0, Behind: 0, Keep: 2, MaxConcurrent: 0},
}

// clock abstracts time.Now for deterministic tests, mirroring the
// teacher's circuit breaker.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Monitor is the NetworkQualityMonitor. A single instance is intended
// to be shared across a process (wired once in cmd/reelcached), but
// nothing here enforces that at the type level.
type Monitor struct {
	mu        sync.Mutex
	class     NetworkType
	bandwidth float64
	samples   []float64
	clock     clock
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithClock overrides the time source, for tests.
func WithClock(c clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// New creates a Monitor defaulting to fourG classification and 1024
// KiB/s estimated bandwidth.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		class:     FourG,
		bandwidth: defaultBandwidthKiBs,
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	rmetrics.SetNetworkClass(m.class.String())
	rmetrics.NetworkBandwidthKiBs.Set(m.bandwidth)
	return m
}

// RecordSample folds one measured transfer into the rolling window.
// Samples shorter than 100ms are ignored as unreliable.
func (m *Monitor) RecordSample(bytes int64, duration time.Duration) {
	if duration < minSampleDuration {
		return
	}
	kibps := (float64(bytes) / 1024.0) / duration.Seconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, kibps)
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}

	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	m.bandwidth = sum / float64(len(m.samples))
	rmetrics.NetworkBandwidthKiBs.Set(m.bandwidth)

	if m.class != Wifi {
		m.class = classify(m.bandwidth)
		rmetrics.SetNetworkClass(m.class.String())
	}
}

func classify(bandwidthKiBs float64) NetworkType {
	switch {
	case bandwidthKiBs > 2048:
		return FiveG
	case bandwidthKiBs > 512:
		return FourG
	default:
		return Slow
	}
}

// ConnectivityHint carries the platform-reported connectivity state.
type ConnectivityHint struct {
	IsWifi   *bool
	IsMobile *bool
}

// UpdateFromConnectivity sets wifi, fourG (a placeholder class until
// samples arrive), or offline based on hint, clearing the rolling
// sample window on any transition.
func (m *Monitor) UpdateFromConnectivity(hint ConnectivityHint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case hint.IsWifi != nil && *hint.IsWifi:
		m.class = Wifi
	case hint.IsMobile != nil && *hint.IsMobile:
		m.class = FourG
	default:
		m.class = Offline
	}
	m.samples = nil
	m.bandwidth = defaultBandwidthKiBs
	rmetrics.SetNetworkClass(m.class.String())
	rmetrics.NetworkBandwidthKiBs.Set(m.bandwidth)
}

// SetClass overrides the classification directly, for callers that
// already know the network type (e.g. a platform-reported change)
// rather than inferring it from samples. The rolling bandwidth
// estimate is left untouched.
func (m *Monitor) SetClass(class NetworkType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.class = class
	rmetrics.SetNetworkClass(m.class.String())
}

// Class returns the current network classification.
func (m *Monitor) Class() NetworkType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.class
}

// BandwidthKiBs returns the current rolling-average estimate.
func (m *Monitor) BandwidthKiBs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bandwidth
}

// PrefetchConfig returns the tuning table entry for the current class.
func (m *Monitor) PrefetchConfig() PrefetchConfig {
	return prefetchTable[m.Class()]
}
