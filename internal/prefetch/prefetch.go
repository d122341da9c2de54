// Package prefetch implements ReelPrefetchController: it coordinates
// MP4 and HLS downloads against a feed's scroll position, bounding
// concurrency with a weighted slot pool the way
// internal/pipeline/worker/orchestrator.go bounds concurrent sessions,
// generalized from "one job per key" to "bounded concurrent jobs drawn
// from two priority queues".
package prefetch

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/cachemeta"
	"github.com/reelcache/reelcache/internal/downloader"
	"github.com/reelcache/reelcache/internal/hlscache"
	"github.com/reelcache/reelcache/internal/netquality"
	"github.com/reelcache/reelcache/internal/rlog"
	"github.com/reelcache/reelcache/internal/rmetrics"
	"golang.org/x/sync/semaphore"
)

// Priority selects which FIFO queue a deferred request waits in.
type Priority int

const (
	// High is for URLs the user is actively trying to play.
	High Priority = iota
	// Low is for background, scroll-driven prefetch.
	Low
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

const minPlayBytes = 128 << 10

type queuedRequest struct {
	url      string
	priority Priority
	headers  http.Header
}

// slot tracks one reserved concurrency unit. acquired records whether
// it was actually obtained from the *current* sem, so a semaphore
// rebuilt by SetNetworkType is never Released more times than it was
// Acquired — x/sync/semaphore panics on over-release.
type slot struct {
	cancel   context.CancelFunc
	acquired bool
}

// Controller implements ReelPrefetchController.
type Controller struct {
	files   *cachefs.Manager
	meta    *cachemeta.Store
	dl      *downloader.Downloader
	hls     *hlscache.Manager
	network *netquality.Monitor

	configuredMaxConcurrent int64

	mu         sync.Mutex
	inFlight   map[string]*slot
	queuedSet  map[string]bool
	queueHigh  []queuedRequest
	queueLow   []queuedRequest
	sem        *semaphore.Weighted
	currentCap int64
}

// New creates a Controller. Each caller constructs its own instance;
// there is no hidden package-level reconfiguration (see reelcache.go's
// Default() for the one intentional process-wide convenience wrapper).
func New(files *cachefs.Manager, meta *cachemeta.Store, dl *downloader.Downloader, hls *hlscache.Manager, network *netquality.Monitor, configuredMaxConcurrent int) *Controller {
	if configuredMaxConcurrent <= 0 {
		configuredMaxConcurrent = 4
	}
	return &Controller{
		files:                   files,
		meta:                    meta,
		dl:                      dl,
		hls:                     hls,
		network:                 network,
		configuredMaxConcurrent: int64(configuredMaxConcurrent),
		inFlight:                make(map[string]*slot),
		queuedSet:               make(map[string]bool),
		sem:                     semaphore.NewWeighted(int64(configuredMaxConcurrent)),
		currentCap:              int64(configuredMaxConcurrent),
	}
}

func isHLSURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasSuffix(lower, ".m3u8") || strings.Contains(lower, ".m3u8?")
}

func (c *Controller) effectiveMaxConcurrent() int64 {
	cfg := c.network.PrefetchConfig()
	if int64(cfg.MaxConcurrent) < c.configuredMaxConcurrent {
		return int64(cfg.MaxConcurrent)
	}
	return c.configuredMaxConcurrent
}

// GetPlayablePath resolves url to a locally-playable path: HLS
// playlists delegate to the HLS manager, everything else goes through
// getPlayableMP4Path.
func (c *Controller) GetPlayablePath(ctx context.Context, url string, headers http.Header) (string, error) {
	if isHLSURL(url) {
		result, err := c.hls.GetPlayablePath(ctx, url, 3, nil, headers)
		if err != nil {
			rlog.WithComponent("prefetch").Warn().Str("url", url).Err(err).Msg("hls resolve failed, falling back to remote URL")
			return url, nil
		}
		return result.PlaylistPath, nil
	}
	return c.getPlayableMP4Path(ctx, url, headers)
}

func (c *Controller) getPlayableMP4Path(ctx context.Context, url string, headers http.Header) (string, error) {
	path, err := c.files.EnsureFile(url)
	if err != nil {
		return "", err
	}
	if c.meta.IsComplete(url) {
		return path, nil
	}

	currentSize := c.files.FileSize(url)
	if currentSize >= minPlayBytes {
		c.startOrResumeBackground(url, currentSize, headers)
		return path, nil
	}

	if c.TryReserveSlot(url) {
		dlCtx, cancel := context.WithCancel(context.Background())
		c.setCancel(url, cancel)
		ch, err := c.dl.DownloadAndWaitForBytes(dlCtx, url, path, currentSize, minPlayBytes, headers)
		go c.drainAndRelease(url, ch)
		if err != nil {
			rlog.WithComponent("prefetch").Warn().Str("url", url).Err(err).Msg("mp4 threshold wait failed, falling back to remote URL")
			return url, nil
		}
		return path, nil
	}

	c.enqueue(url, High, headers)
	return path, nil
}

func (c *Controller) startOrResumeBackground(url string, currentSize int64, headers http.Header) {
	if !c.TryReserveSlot(url) {
		return
	}
	c.startDownload(url, c.files.FilePath(url), currentSize, headers)
}

// startDownload launches url's download under its own cancellable
// context, registers the cancel func, and drains progress in the
// background. It must only be called after a successful
// TryReserveSlot.
func (c *Controller) startDownload(url, path string, startByte int64, headers http.Header) {
	ctx, cancel := context.WithCancel(context.Background())
	c.setCancel(url, cancel)
	ch := c.dl.Download(ctx, url, path, startByte, headers)
	go c.drainAndRelease(url, ch)
}

func (c *Controller) setCancel(url string, cancel context.CancelFunc) {
	c.mu.Lock()
	if s, ok := c.inFlight[url]; ok {
		s.cancel = cancel
	}
	c.mu.Unlock()
}

// drainAndRelease consumes a download's progress channel to
// completion, folding each record that carries a known total into the
// metadata store, then releases the slot it occupies.
func (c *Controller) drainAndRelease(url string, ch <-chan downloader.Progress) {
	defer c.releaseSlot(url)

	var last downloader.Progress
	for p := range ch {
		last = p
		if p.TotalBytes != nil {
			c.meta.UpdateProgress(url, p.DownloadedBytes, p.TotalBytes, false)
		}
	}
	if last.Err == nil && last.IsComplete && last.TotalBytes != nil {
		c.meta.MarkComplete(url, *last.TotalBytes)
	}
}

// TryReserveSlot reserves a concurrency slot for url, failing if url
// is already in-flight or the in-flight set is at the effective cap.
func (c *Controller) TryReserveSlot(url string) bool {
	c.mu.Lock()
	if _, ok := c.inFlight[url]; ok {
		c.mu.Unlock()
		return false
	}
	if int64(len(c.inFlight)) >= c.effectiveMaxConcurrent() {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.sem.TryAcquire(1) {
		return false
	}
	c.mu.Lock()
	// cancel is filled in by the caller via setCancel once the download
	// context exists; acquired is true because the TryAcquire above
	// succeeded against the semaphore object referenced by c.sem right now.
	c.inFlight[url] = &slot{cancel: func() {}, acquired: true}
	c.mu.Unlock()
	rmetrics.InFlightDownloads.Inc()
	return true
}

// releaseSlot frees url's slot if it still holds one. A concurrent
// CancelDownload may have already released it, in which case this is
// a no-op beyond trying to start the next queued request.
func (c *Controller) releaseSlot(url string) {
	c.mu.Lock()
	s, existed := c.inFlight[url]
	delete(c.inFlight, url)
	sem := c.sem
	c.mu.Unlock()
	if existed && s.acquired {
		sem.Release(1)
		rmetrics.InFlightDownloads.Dec()
	}

	next, ok := c.popNextQueued()
	if !ok {
		return
	}
	c.startQueued(next)
}

func (c *Controller) enqueue(url string, priority Priority, headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, inFlight := c.inFlight[url]; inFlight {
		return
	}
	if c.queuedSet[url] {
		return
	}
	c.queuedSet[url] = true
	req := queuedRequest{url: url, priority: priority, headers: headers}
	if priority == High {
		c.queueHigh = append(c.queueHigh, req)
	} else {
		c.queueLow = append(c.queueLow, req)
	}
	rmetrics.PrefetchQueueDepth.WithLabelValues(High.String()).Set(float64(len(c.queueHigh)))
	rmetrics.PrefetchQueueDepth.WithLabelValues(Low.String()).Set(float64(len(c.queueLow)))
}

func (c *Controller) popNextQueued() (queuedRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queueHigh) > 0 {
		req := c.queueHigh[0]
		c.queueHigh = c.queueHigh[1:]
		delete(c.queuedSet, req.url)
		rmetrics.PrefetchQueueDepth.WithLabelValues(High.String()).Set(float64(len(c.queueHigh)))
		return req, true
	}
	if len(c.queueLow) > 0 {
		req := c.queueLow[0]
		c.queueLow = c.queueLow[1:]
		delete(c.queuedSet, req.url)
		rmetrics.PrefetchQueueDepth.WithLabelValues(Low.String()).Set(float64(len(c.queueLow)))
		return req, true
	}
	return queuedRequest{}, false
}

func (c *Controller) startQueued(req queuedRequest) {
	if isHLSURL(req.url) {
		if !c.TryReserveSlot(req.url) {
			c.enqueue(req.url, req.priority, req.headers)
			return
		}
		go func() {
			defer c.releaseSlot(req.url)
			_, err := c.hls.GetPlayablePath(context.Background(), req.url, 3, nil, req.headers)
			if err != nil {
				rlog.WithComponent("prefetch").Warn().Str("url", req.url).Err(err).Msg("queued hls fetch failed")
			}
		}()
		return
	}

	path, err := c.files.EnsureFile(req.url)
	if err != nil {
		return
	}
	if c.meta.IsComplete(req.url) {
		return
	}
	if !c.TryReserveSlot(req.url) {
		c.enqueue(req.url, req.priority, req.headers)
		return
	}
	c.startDownload(req.url, path, c.files.FileSize(req.url), req.headers)
}

// CancelDownload tears down any in-flight or queued state for url,
// symmetrically across MP4 and HLS.
func (c *Controller) CancelDownload(url string) {
	c.mu.Lock()
	s, ok := c.inFlight[url]
	if ok {
		delete(c.inFlight, url)
	}
	sem := c.sem
	delete(c.queuedSet, url)
	c.queueHigh = removeURL(c.queueHigh, url)
	c.queueLow = removeURL(c.queueLow, url)
	rmetrics.PrefetchQueueDepth.WithLabelValues(High.String()).Set(float64(len(c.queueHigh)))
	rmetrics.PrefetchQueueDepth.WithLabelValues(Low.String()).Set(float64(len(c.queueLow)))
	c.mu.Unlock()

	if ok {
		if s.cancel != nil {
			s.cancel()
		}
		if s.acquired {
			sem.Release(1)
			rmetrics.InFlightDownloads.Dec()
		}
	}
	c.dl.Cancel(url)
	if isHLSURL(url) {
		c.hls.Cancel(url)
	}
}

func removeURL(reqs []queuedRequest, url string) []queuedRequest {
	out := reqs[:0]
	for _, r := range reqs {
		if r.url != url {
			out = append(out, r)
		}
	}
	return out
}

// CancelAll tears down every in-flight and queued download.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	urls := make([]string, 0, len(c.inFlight)+len(c.queuedSet))
	for url := range c.inFlight {
		urls = append(urls, url)
	}
	for url := range c.queuedSet {
		urls = append(urls, url)
	}
	c.mu.Unlock()
	for _, url := range urls {
		c.CancelDownload(url)
	}
	c.dl.CancelAll()
}

// Dispose tears down all state and releases background resources.
// After Dispose the Controller must not be reused.
func (c *Controller) Dispose() {
	c.CancelAll()
}

// OnScrollUpdate resolves effective prefetch counts, cancels
// in-flight URLs outside keep_range of currentIndex, then fetches the
// ahead-then-behind URLs that fall inside urls.
func (c *Controller) OnScrollUpdate(ctx context.Context, urls []string, currentIndex int, prefetchAhead, prefetchBehind, keepRange *int, headers http.Header) {
	cfg := c.network.PrefetchConfig()
	ahead := cfg.Ahead
	if prefetchAhead != nil {
		ahead = *prefetchAhead
	}
	behind := cfg.Behind
	if prefetchBehind != nil {
		behind = *prefetchBehind
	}
	keep := cfg.Keep
	if keepRange != nil {
		keep = *keepRange
	}

	indexOf := make(map[string]int, len(urls))
	for i, u := range urls {
		indexOf[u] = i
	}

	c.mu.Lock()
	inFlightURLs := make([]string, 0, len(c.inFlight))
	for url := range c.inFlight {
		inFlightURLs = append(inFlightURLs, url)
	}
	c.mu.Unlock()
	sort.Strings(inFlightURLs) // deterministic cancellation order

	for _, url := range inFlightURLs {
		idx, known := indexOf[url]
		if !known || idx < currentIndex-keep || idx > currentIndex+keep {
			c.CancelDownload(url)
		}
	}

	for i := 1; i <= ahead; i++ {
		idx := currentIndex + i
		if idx < 0 || idx >= len(urls) {
			continue
		}
		_, _ = c.GetPlayablePath(ctx, urls[idx], headers)
	}
	for i := 1; i <= behind; i++ {
		idx := currentIndex - i
		if idx < 0 || idx >= len(urls) {
			continue
		}
		_, _ = c.GetPlayablePath(ctx, urls[idx], headers)
	}
}

// IsCached reports whether url (MP4 or HLS) is fully cached locally.
func (c *Controller) IsCached(url string) bool {
	return c.meta.IsComplete(url)
}

// GetProgress reports url's download progress as a fraction in [0, 1],
// and whether progress is knowable yet (false while url has no record
// or no known total).
func (c *Controller) GetProgress(url string) (float64, bool) {
	return c.meta.Fraction(url)
}

// SetNetworkType overrides the network monitor's classification and,
// if the resulting effective concurrency cap differs from the one the
// current semaphore was built with, rebuilds the semaphore at the new
// capacity. Slots already held are carried across the rebuild: each is
// re-acquired against the new semaphore up to its capacity, and only
// those that succeed are marked acquired, so a later release never
// frees more permits than the current semaphore actually granted.
func (c *Controller) SetNetworkType(class netquality.NetworkType) {
	c.network.SetClass(class)

	c.mu.Lock()
	defer c.mu.Unlock()

	newCap := c.effectiveMaxConcurrent()
	if newCap == c.currentCap {
		return
	}

	newSem := semaphore.NewWeighted(newCap)
	var held int64
	for _, s := range c.inFlight {
		if held < newCap && newSem.TryAcquire(1) {
			s.acquired = true
			held++
		} else {
			s.acquired = false
		}
	}
	c.sem = newSem
	c.currentCap = newCap
}
