package prefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/cachemeta"
	"github.com/reelcache/reelcache/internal/downloader"
	"github.com/reelcache/reelcache/internal/hlscache"
	"github.com/reelcache/reelcache/internal/netquality"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, maxConcurrent int) (*Controller, string) {
	t.Helper()
	root := t.TempDir()
	files := cachefs.New(root)
	meta := cachemeta.New(root, files)
	dl := downloader.New(nil)
	hls := hlscache.New(files, meta, dl)
	t.Cleanup(func() { _ = hls.Close() })
	network := netquality.New()
	c := New(files, meta, dl, hls, network, maxConcurrent)
	return c, root
}

func TestGetPlayablePathStartsDownloadAndAwaitsThreshold(t *testing.T) {
	payload := make([]byte, 256*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/v.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestController(t, 4)
	url := srv.URL + "/v.mp4"

	path, err := c.GetPlayablePath(context.Background(), url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() >= minPlayBytes
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGetPlayablePathReturnsImmediatelyWhenAlreadyComplete(t *testing.T) {
	c, root := newTestController(t, 4)
	url := "https://h/v.mp4"
	files := cachefs.New(root)
	path, err := files.EnsureFile(url)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))

	meta := cachemeta.New(root, files)
	meta.MarkComplete(url, 10)
	c.meta = meta

	got, err := c.GetPlayablePath(context.Background(), url, nil)
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestGetPlayablePathEnqueuesWhenNoSlotAvailable(t *testing.T) {
	payload := make([]byte, 4*1024*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestController(t, 1)

	ok := c.TryReserveSlot(srv.URL + "/occupy.mp4")
	require.True(t, ok)

	url := srv.URL + "/queued.mp4"
	path, err := c.GetPlayablePath(context.Background(), url, nil)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	c.mu.Lock()
	queuedLen := len(c.queueHigh)
	c.mu.Unlock()
	require.Equal(t, 1, queuedLen)
}

func TestCancelDownloadRemovesFromQueueAndInFlight(t *testing.T) {
	c, _ := newTestController(t, 1)
	c.TryReserveSlot("https://h/a.mp4")
	c.enqueue("https://h/b.mp4", High, nil)

	c.CancelDownload("https://h/a.mp4")
	c.CancelDownload("https://h/b.mp4")

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.inFlight)
	require.Empty(t, c.queueHigh)
	require.Empty(t, c.queuedSet)
}

func TestOnScrollUpdateCancelsOutOfRangeAndFetchesAheadBehind(t *testing.T) {
	payload := make([]byte, 10)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestController(t, 4)
	urls := []string{
		srv.URL + "/0.mp4",
		srv.URL + "/1.mp4",
		srv.URL + "/2.mp4",
		srv.URL + "/3.mp4",
		srv.URL + "/4.mp4",
	}

	// Simulate a stale in-flight download far outside the keep range.
	c.TryReserveSlot(srv.URL + "/stale.mp4")

	ahead, behind, keep := 1, 1, 1
	c.OnScrollUpdate(context.Background(), urls, 2, &ahead, &behind, &keep, nil)

	c.mu.Lock()
	_, staleStillTracked := c.inFlight[srv.URL+"/stale.mp4"]
	c.mu.Unlock()
	require.False(t, staleStillTracked)
}

func TestDisposeCancelsEverything(t *testing.T) {
	c, _ := newTestController(t, 2)
	c.TryReserveSlot("https://h/a.mp4")
	c.enqueue("https://h/b.mp4", Low, nil)

	c.Dispose()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.inFlight)
	require.Empty(t, c.queueHigh)
	require.Empty(t, c.queueLow)
}

func TestIsHLSURLDetection(t *testing.T) {
	require.True(t, isHLSURL("https://h/playlist.m3u8"))
	require.True(t, isHLSURL("https://h/playlist.M3U8?token=abc"))
	require.False(t, isHLSURL("https://h/video.mp4"))
}

func TestIsCachedAndGetProgressDelegateToMeta(t *testing.T) {
	c, root := newTestController(t, 4)
	files := cachefs.New(root)
	url := "https://h/v.mp4"
	_, err := files.EnsureFile(url)
	require.NoError(t, err)

	require.False(t, c.IsCached(url))
	_, known := c.GetProgress(url)
	require.False(t, known)

	c.meta.UpdateProgress(url, 50, int64Ptr(100), false)
	frac, known := c.GetProgress(url)
	require.True(t, known)
	require.InDelta(t, 0.5, frac, 0.0001)

	c.meta.MarkComplete(url, 100)
	require.True(t, c.IsCached(url))
}

func int64Ptr(v int64) *int64 { return &v }

func TestSetNetworkTypeRebuildsSemaphoreWithoutDoubleRelease(t *testing.T) {
	c, _ := newTestController(t, 4)

	require.True(t, c.TryReserveSlot("https://h/a.mp4"))
	require.True(t, c.TryReserveSlot("https://h/b.mp4"))

	// Offline caps MaxConcurrent to 0, forcing the semaphore to shrink
	// far below the two slots already held.
	c.SetNetworkType(netquality.Offline)

	// Releasing both previously-held slots must not panic even though
	// the semaphore object backing the controller has changed.
	c.releaseSlot("https://h/a.mp4")
	c.releaseSlot("https://h/b.mp4")

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.inFlight)
}
