// Package hlscache implements HlsCacheManager: it turns a remote HLS
// URL into a local playlist path while progressively materializing
// segments in the background, supervised by golang.org/x/sync/errgroup
// in the daemon-supervision style of internal/daemon/app.go, each run
// correlated by a github.com/google/uuid identifier the way
// internal/pipeline/worker/orchestrator.go tags session owners.
package hlscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/reelcache/reelcache/internal/cachekey"
	"github.com/reelcache/reelcache/internal/cachemeta"
	"github.com/reelcache/reelcache/internal/downloader"
	"github.com/reelcache/reelcache/internal/hlsparse"
	"github.com/reelcache/reelcache/internal/rlog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	initialPrefetchBudget = 3
	refillBudget          = 2
	minRefreshInterval    = 3 * time.Second
	maxRefreshInterval    = 30 * time.Second
	minBackoff            = 3 * time.Second
	maxBackoff            = 60 * time.Second
)

// ErrNotMediaPlaylist is returned when the variant selected from a
// master playlist resolves to another master instead of a media
// playlist.
var ErrNotMediaPlaylist = errors.New("hlscache: variant did not resolve to a media playlist")

// Result is the outcome of GetPlayablePath.
type Result struct {
	PlaylistPath   string
	IsFullyCached  bool
	TotalSegments  int
	CachedSegments int
}

type entryState struct {
	mu            sync.Mutex
	url           string
	media         *hlsparse.Media
	cancelled     bool
	loopStarted   bool
	nextIndex     int
	cached        int
	refreshTmr    *time.Timer
	backoff       time.Duration
	runID         string
	initialBudget int
}

// Manager implements HlsCacheManager over a CacheFileManager,
// CacheMetadataStore and ProgressiveDownloader.
type Manager struct {
	files *cachefs.Manager
	meta  *cachemeta.Store
	dl    *downloader.Downloader
	http  *http.Client

	mu      sync.Mutex
	entries map[string]*entryState

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Manager. The returned Manager owns background
// goroutines; call Close to stop them.
func New(files *cachefs.Manager, meta *cachemeta.Store, dl *downloader.Downloader) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{
		files:   files,
		meta:    meta,
		dl:      dl,
		http:    &http.Client{Timeout: 15 * time.Second},
		entries: make(map[string]*entryState),
		group:   g,
		ctx:     gctx,
		cancel:  cancel,
	}
}

// Close cancels every background loop and waits for them to exit.
func (m *Manager) Close() error {
	m.cancel()
	return m.group.Wait()
}

// GetPlayablePath resolves hlsURL to a local playlist path: reuse a
// warm entry if one exists, otherwise fetch and resolve the playlist
// (following a master down to its best or closest-bandwidth variant),
// ensure the on-disk directory, start or reuse the background segment
// loop, and write out the local playlist before returning.
func (m *Manager) GetPlayablePath(ctx context.Context, hlsURL string, prefetchSegments int, targetBandwidth *int, headers http.Header) (Result, error) {
	if prefetchSegments <= 0 {
		prefetchSegments = initialPrefetchBudget
	}
	dir := m.files.HLSDir(hlsURL)
	playlistPath := filepath.Join(dir, "playlist.m3u8")

	if _, err := os.Stat(playlistPath); err == nil {
		cached, total := m.cachedAndTotalFromMeta(hlsURL)
		return Result{
			PlaylistPath:   playlistPath,
			IsFullyCached:  m.meta.IsComplete(hlsURL),
			TotalSegments:  total,
			CachedSegments: cached,
		}, nil
	}

	media, err := m.fetchAndResolveMedia(ctx, hlsURL, targetBandwidth, headers)
	if err != nil {
		return Result{}, err
	}

	if _, err := m.files.EnsureHLSDir(hlsURL); err != nil {
		return Result{}, fmt.Errorf("hlscache: ensure dir: %w", err)
	}

	cachedCount, nextIndex := m.scanCacheState(dir, media)
	total := int64(len(media.Segments))
	m.meta.UpdateProgress(hlsURL, int64(cachedCount), &total, true)

	state := m.startOrReuseLoop(hlsURL, media, cachedCount, nextIndex, prefetchSegments, headers)

	if err := m.writePlaylist(dir, media); err != nil {
		return Result{}, fmt.Errorf("hlscache: write playlist: %w", err)
	}

	state.mu.Lock()
	cached := state.cached
	state.mu.Unlock()

	return Result{
		PlaylistPath:   playlistPath,
		IsFullyCached:  cached == len(media.Segments) && !media.IsLive,
		TotalSegments:  len(media.Segments),
		CachedSegments: cached,
	}, nil
}

func (m *Manager) cachedAndTotalFromMeta(hlsURL string) (cached, total int) {
	rec, ok := m.meta.Get(hlsURL)
	if !ok {
		return 0, 0
	}
	if rec.TotalBytes != nil {
		total = int(*rec.TotalBytes)
	}
	cached = int(rec.DownloadedBytes)
	return cached, total
}

func (m *Manager) fetchAndResolveMedia(ctx context.Context, hlsURL string, targetBandwidth *int, headers http.Header) (*hlsparse.Media, error) {
	body, err := m.fetchText(ctx, hlsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("hlscache: fetch playlist: %w", err)
	}
	master, media, err := hlsparse.Parse(body, hlsURL)
	if err != nil {
		return nil, fmt.Errorf("hlscache: parse playlist: %w", err)
	}
	if media != nil {
		return media, nil
	}

	var variant hlsparse.Variant
	if targetBandwidth != nil {
		variant = master.ClosestTo(*targetBandwidth)
	} else {
		variant = master.BestVariant()
	}

	body2, err := m.fetchText(ctx, variant.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("hlscache: fetch variant playlist: %w", err)
	}
	_, media2, err := hlsparse.Parse(body2, variant.URL)
	if err != nil {
		return nil, fmt.Errorf("hlscache: parse variant playlist: %w", err)
	}
	if media2 == nil {
		return nil, ErrNotMediaPlaylist
	}
	return media2, nil
}

func (m *Manager) fetchText(ctx context.Context, url string, headers http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &downloader.HttpError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%d.ts", index))
}

func (m *Manager) scanCacheState(dir string, media *hlsparse.Media) (cachedCount, nextIndex int) {
	nextIndex = -1
	for _, seg := range media.Segments {
		info, err := os.Stat(segmentPath(dir, seg.Index))
		if err == nil && info.Size() > 0 {
			cachedCount++
			continue
		}
		if nextIndex == -1 {
			nextIndex = seg.Index
		}
	}
	if nextIndex == -1 {
		nextIndex = len(media.Segments)
	}
	return cachedCount, nextIndex
}

func (m *Manager) startOrReuseLoop(hlsURL string, media *hlsparse.Media, cachedCount, nextIndex, prefetchSegments int, headers http.Header) *entryState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.entries[hlsURL]
	if !ok {
		state = &entryState{url: hlsURL, backoff: minBackoff, initialBudget: prefetchSegments}
		m.entries[hlsURL] = state
	}
	state.mu.Lock()
	state.media = media
	state.cached = cachedCount
	state.nextIndex = nextIndex
	started := state.loopStarted
	if !started {
		state.loopStarted = true
		state.runID = uuid.New().String()
	}
	state.mu.Unlock()

	if !started {
		m.group.Go(func() error {
			m.runLoop(state, headers)
			return nil
		})
	}
	return state
}

func (m *Manager) runLoop(state *entryState, headers http.Header) {
	logger := rlog.WithComponent("hlscache").With().Str("url", state.url).Str("run_id", state.runID).Logger()
	dir := m.files.HLSDir(state.url)
	budget := state.initialBudget
	if budget <= 0 {
		budget = initialPrefetchBudget
	}

	for {
		if m.ctx.Err() != nil {
			return
		}
		state.mu.Lock()
		if state.cancelled {
			state.mu.Unlock()
			return
		}
		media := state.media
		state.mu.Unlock()

		fetched := m.fillSegments(dir, state, media, headers, budget, logger)
		budget = refillBudget

		state.mu.Lock()
		allCached := state.cached == len(media.Segments)
		isLive := media.IsLive
		state.mu.Unlock()

		if fetched > 0 {
			if err := m.writePlaylist(dir, media); err != nil {
				logger.Warn().Err(err).Msg("rewrite playlist failed")
			}
		}

		if !allCached {
			continue
		}

		if !isLive {
			m.meta.MarkComplete(state.url, int64(len(media.Segments)))
			m.mu.Lock()
			delete(m.entries, state.url)
			m.mu.Unlock()
			return
		}

		if !m.waitForRefresh(state, dir, headers, logger) {
			return
		}
	}
}

func (m *Manager) fillSegments(dir string, state *entryState, media *hlsparse.Media, headers http.Header, budget int, logger zerolog.Logger) int {
	fetched := 0
	state.mu.Lock()
	idx := state.nextIndex
	state.mu.Unlock()

	for _, seg := range media.Segments {
		if fetched >= budget {
			break
		}
		if seg.Index < idx {
			continue
		}
		path := segmentPath(dir, seg.Index)
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			state.mu.Lock()
			if state.nextIndex <= seg.Index {
				state.nextIndex = seg.Index + 1
			}
			state.mu.Unlock()
			continue
		}

		if err := m.downloadSegment(seg.URL, path, headers); err != nil {
			evt := logger.Warn().Int("segment", seg.Index).Err(err)
			if seg.ProgramDateTime != nil {
				evt = evt.Time("program_date_time", *seg.ProgramDateTime)
			}
			evt.Msg("segment fetch failed, moving on without it")
			// Advance past it unconditionally: a VOD playlist with one
			// unreachable segment must still make progress on the rest,
			// and writePlaylist falls back to the remote URL for any
			// segment with no local file.
			state.mu.Lock()
			state.nextIndex = seg.Index + 1
			state.mu.Unlock()
			m.applyBackoff(state, logger, err)
			if m.ctx.Err() != nil {
				return fetched
			}
			continue
		}

		fetched++
		state.mu.Lock()
		state.cached++
		state.nextIndex = seg.Index + 1
		state.backoff = minBackoff
		cached := state.cached
		state.mu.Unlock()

		total := int64(len(media.Segments))
		m.meta.UpdateProgress(state.url, int64(cached), &total, true)
	}
	return fetched
}

func (m *Manager) downloadSegment(url, path string, headers http.Header) error {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()
	ch := m.dl.Download(ctx, url, path, 0, headers)
	var last downloader.Progress
	for p := range ch {
		last = p
	}
	if last.Err != nil {
		return last.Err
	}
	if !last.IsComplete {
		return fmt.Errorf("hlscache: segment download did not complete for %s", url)
	}
	return nil
}

// waitForRefresh schedules and waits for a live-playlist refresh after
// clamp(ceil(target_duration), 3, 30) seconds. Returns false if the
// manager or entry was cancelled while waiting.
func (m *Manager) waitForRefresh(state *entryState, dir string, headers http.Header, logger zerolog.Logger) bool {
	state.mu.Lock()
	target := state.media.TargetDuration
	state.mu.Unlock()

	interval := clampDuration(time.Duration(target)*time.Second, minRefreshInterval, maxRefreshInterval)
	timer := time.NewTimer(interval)
	state.mu.Lock()
	state.refreshTmr = timer
	state.mu.Unlock()

	select {
	case <-timer.C:
	case <-m.ctx.Done():
		return false
	}

	state.mu.Lock()
	cancelled := state.cancelled
	url := state.url
	state.mu.Unlock()
	if cancelled {
		return false
	}

	body, err := m.fetchText(m.ctx, url, headers)
	if err != nil {
		m.applyBackoff(state, logger, err)
		return true
	}
	_, media, err := hlsparse.Parse(body, url)
	if err != nil || media == nil {
		m.applyBackoff(state, logger, err)
		return true
	}

	state.mu.Lock()
	state.media = media
	state.backoff = minBackoff
	cachedCount, nextIndex := m.scanCacheState(dir, media)
	state.cached = cachedCount
	state.nextIndex = nextIndex
	state.mu.Unlock()

	total := int64(len(media.Segments))
	m.meta.UpdateProgress(url, int64(cachedCount), &total, true)
	return true
}

func (m *Manager) applyBackoff(state *entryState, logger zerolog.Logger, err error) {
	state.mu.Lock()
	backoff := state.backoff
	state.mu.Unlock()

	logger.Warn().Dur("backoff", backoff).Err(err).Msg("live playlist refresh failed, backing off")

	timer := time.NewTimer(backoff)
	state.mu.Lock()
	state.refreshTmr = timer
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	state.backoff = next
	state.mu.Unlock()

	select {
	case <-timer.C:
	case <-m.ctx.Done():
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// writePlaylist (re)generates the local playlist.m3u8 for dir's
// entry, atomically: each segment line points at the local file when
// cached and falls back to the remote segment URL otherwise.
func (m *Manager) writePlaylist(dir string, media *hlsparse.Media) error {
	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(buf, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(float64(media.TargetDuration))))
	fmt.Fprintf(buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", media.MediaSequence)

	for _, seg := range media.Segments {
		fmt.Fprintf(buf, "#EXTINF:%v,\n", seg.Duration)
		localPath := segmentPath(dir, seg.Index)
		if info, err := os.Stat(localPath); err == nil && info.Size() > 0 {
			buf.WriteString(localPath + "\n")
		} else {
			buf.WriteString(seg.URL + "\n")
		}
	}
	if !media.IsLive {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}

	path := filepath.Join(dir, "playlist.m3u8")
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending playlist: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, buf); err != nil {
		return fmt.Errorf("write pending playlist: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

// Cancel stops the background loop for hlsURL, cancels its refresh
// timer if any, and drops the entry.
func (m *Manager) Cancel(hlsURL string) {
	m.mu.Lock()
	state, ok := m.entries[hlsURL]
	if ok {
		delete(m.entries, hlsURL)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.cancelled = true
	if state.refreshTmr != nil {
		state.refreshTmr.Stop()
	}
	state.mu.Unlock()
}

// ClearCache cancels any in-flight entry, deletes its directory, and
// removes its metadata record.
func (m *Manager) ClearCache(hlsURL string) error {
	m.Cancel(hlsURL)
	if err := m.files.Delete(hlsURL); err != nil {
		return fmt.Errorf("hlscache: clear cache: %w", err)
	}
	m.meta.Remove(hlsURL)
	return nil
}

// Hash exposes the content key used for this URL's directory name, for
// callers that need to locate segment files directly.
func Hash(url string) string {
	return cachekey.Hash(url)
}
