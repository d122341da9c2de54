package netquality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestNewDefaultsToFourGAnd1024KiBs(t *testing.T) {
	m := New()
	require.Equal(t, FourG, m.Class())
	require.InDelta(t, 1024.0, m.BandwidthKiBs(), 0.001)
}

func TestRecordSampleIgnoresSubThresholdDuration(t *testing.T) {
	m := New()
	before := m.BandwidthKiBs()
	m.RecordSample(1024*1024, 50*time.Millisecond)
	require.InDelta(t, before, m.BandwidthKiBs(), 0.001)
}

func TestRecordSampleReclassifiesToFiveG(t *testing.T) {
	m := New()
	// 4 MiB in 1s = 4096 KiB/s > 2048 threshold.
	m.RecordSample(4*1024*1024, time.Second)
	require.Equal(t, FiveG, m.Class())
}

func TestRecordSampleReclassifiesToSlow(t *testing.T) {
	m := New()
	// 100 KiB in 1s = 100 KiB/s <= 512 threshold.
	m.RecordSample(100*1024, time.Second)
	require.Equal(t, Slow, m.Class())
}

func TestRecordSampleNeverReclassifiesAwayFromWifi(t *testing.T) {
	m := New()
	m.UpdateFromConnectivity(ConnectivityHint{IsWifi: boolPtr(true)})
	require.Equal(t, Wifi, m.Class())

	m.RecordSample(100*1024, time.Second) // would be "slow" for any other class
	require.Equal(t, Wifi, m.Class())
}

func TestRollingWindowCapsAtTenSamples(t *testing.T) {
	m := New()
	for i := 0; i < 15; i++ {
		m.RecordSample(1024*1024, time.Second)
	}
	require.Len(t, m.samples, maxSamples)
}

func TestUpdateFromConnectivityClearsSamples(t *testing.T) {
	m := New()
	m.RecordSample(1024*1024, time.Second)
	require.NotEmpty(t, m.samples)

	m.UpdateFromConnectivity(ConnectivityHint{IsMobile: boolPtr(true)})
	require.Equal(t, FourG, m.Class())
	require.Empty(t, m.samples)
	require.InDelta(t, defaultBandwidthKiBs, m.BandwidthKiBs(), 0.001)
}

func TestUpdateFromConnectivityOfflineWhenNeitherSet(t *testing.T) {
	m := New()
	m.UpdateFromConnectivity(ConnectivityHint{})
	require.Equal(t, Offline, m.Class())
}

func TestPrefetchConfigMatchesTable(t *testing.T) {
	m := New()
	m.UpdateFromConnectivity(ConnectivityHint{IsWifi: boolPtr(true)})
	cfg := m.PrefetchConfig()
	require.Equal(t, PrefetchConfig{Ahead: 4, Behind: 2, Keep: 8, MaxConcurrent: 4}, cfg)

	m.UpdateFromConnectivity(ConnectivityHint{})
	cfg = m.PrefetchConfig()
	require.Equal(t, PrefetchConfig{Ahead: 0, Behind: 0, Keep: 2, MaxConcurrent: 0}, cfg)
}
