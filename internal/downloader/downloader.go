// Package downloader implements ProgressiveDownloader: a pooled
// ranged HTTP fetcher that streams bytes into a growing file and
// publishes progress over a channel, in the producer-goroutine-
// plus-consumer-select style of internal/vod/executor.go's
// runFFmpegWithProgress / parseFFmpegProgress, layered onto a hardened
// HTTP client (internal/platform/httpx/client.go).
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/reelcache/reelcache/internal/rlog"
	"golang.org/x/time/rate"
)

const (
	poolSize          = 4
	connectTimeout    = 8 * time.Second
	idleConnTimeout   = 30 * time.Second
	emitThreshold     = 64 << 10 // 64 KiB
	defaultMinBytes   = 128 << 10
	maxIdleConns      = 16
	maxIdlePerHost    = 4
)

// HttpError reports a non-{200,206} response status.
type HttpError struct {
	Status int
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("downloader: unexpected HTTP status %d", e.Status)
}

// Progress is one emitted record: the running byte count, the total
// if known, and whether the download has finished.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      *int64
	IsComplete      bool
	Err             error
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Downloader is the ProgressiveDownloader. Safe for concurrent use
// across distinct URLs; per-URL operations serialize via the inflight
// table.
type Downloader struct {
	mu       sync.Mutex
	clients  [poolSize]*http.Client
	next     int
	inflight map[string]*inflight
	limiter  *rate.Limiter
}

// New creates a Downloader with a fixed pool of poolSize hardened
// HTTP clients, optionally throttled by limiter (nil disables
// throttling).
func New(limiter *rate.Limiter) *Downloader {
	d := &Downloader{
		inflight: make(map[string]*inflight),
		limiter:  limiter,
	}
	for i := range d.clients {
		d.clients[i] = newHardenedClient()
	}
	return d
}

func newHardenedClient() *http.Client {
	return &http.Client{
		Timeout: 0, // streaming downloads have no fixed deadline; cancellation is explicit
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdlePerHost,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
		},
	}
}

func (d *Downloader) nextClient() *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.clients[d.next]
	d.next = (d.next + 1) % poolSize
	return c
}

// Download starts (or restarts, cancelling any prior download for the
// same url) a ranged fetch and returns a channel of Progress records.
// The channel is closed after the final record (complete, failed, or
// cancelled silently).
func (d *Downloader) Download(ctx context.Context, url, filePath string, startByte int64, headers http.Header) <-chan Progress {
	d.Cancel(url)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.mu.Lock()
	d.inflight[url] = &inflight{cancel: cancel, done: done}
	d.mu.Unlock()

	out := make(chan Progress, 4)
	go func() {
		defer close(out)
		defer close(done)
		defer d.clearInflight(url)
		d.run(runCtx, url, filePath, startByte, headers, out)
	}()
	return out
}

// DownloadAndWaitForBytes starts a background download and blocks
// until either downloaded bytes reach minBytes or the download
// finishes (successfully, with an error, or is cancelled). It returns
// the channel so the caller can continue consuming subsequent
// progress events after the threshold resolves.
func (d *Downloader) DownloadAndWaitForBytes(ctx context.Context, url, filePath string, startByte, minBytes int64, headers http.Header) (<-chan Progress, error) {
	if minBytes <= 0 {
		minBytes = 0
	}
	raw := d.Download(ctx, url, filePath, startByte, headers)
	forwarded := make(chan Progress, 4)
	resolved := make(chan error, 1)

	go func() {
		thresholdSent := false
		for p := range raw {
			forwarded <- p
			if !thresholdSent && (p.DownloadedBytes >= minBytes || p.IsComplete || p.Err != nil) {
				thresholdSent = true
				resolved <- p.Err
			}
		}
		close(forwarded)
		if !thresholdSent {
			// The stream closed without a single record: it was cancelled.
			resolved <- context.Canceled
		}
	}()

	err := <-resolved
	return forwarded, err
}

// Cancel aborts the in-flight download for url, if any. Bytes
// written so far are retained; no further progress events are
// emitted.
func (d *Downloader) Cancel(url string) {
	d.mu.Lock()
	inf, ok := d.inflight[url]
	d.mu.Unlock()
	if !ok {
		return
	}
	inf.cancel()
	<-inf.done
}

// CancelAll aborts every in-flight download.
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	urls := make([]string, 0, len(d.inflight))
	for url := range d.inflight {
		urls = append(urls, url)
	}
	d.mu.Unlock()
	for _, url := range urls {
		d.Cancel(url)
	}
}

func (d *Downloader) clearInflight(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, url)
}

func (d *Downloader) run(ctx context.Context, url, filePath string, startByte int64, headers http.Header, out chan<- Progress) {
	logger := rlog.WithComponent("downloader")

	for {
		complete, retry, err := d.attempt(ctx, url, filePath, startByte, headers, out)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn().Str("url", url).Err(err).Msg("download failed")
				select {
				case out <- Progress{DownloadedBytes: startByte, Err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
		if retry {
			startByte = 0
			continue
		}
		if complete {
			return
		}
		if ctx.Err() != nil {
			return // cancelled: no further events
		}
	}
}

// attempt performs one GET (with Range if startByte > 0) and streams
// the body. retry=true signals a range-ignored 200 response requiring
// a truncate-and-restart from byte 0.
func (d *Downloader) attempt(ctx context.Context, url, filePath string, startByte int64, headers http.Header, out chan<- Progress) (complete bool, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}

	client := d.nextClient()
	resp, err := client.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if startByte > 0 && resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, true, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, false, &HttpError{Status: resp.StatusCode}
	}

	var totalBytes *int64
	if resp.ContentLength > 0 {
		t := startByte + resp.ContentLength
		totalBytes = &t
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startByte == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		return false, false, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	if startByte > 0 {
		if _, err := f.Seek(startByte, io.SeekStart); err != nil {
			return false, false, fmt.Errorf("seek %s: %w", filePath, err)
		}
	}

	downloaded := startByte
	sinceEmit := int64(0)
	buf := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			return false, false, nil // cancelled: retain bytes, no further events
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				_ = d.limiter.WaitN(ctx, n)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return false, false, fmt.Errorf("write %s: %w", filePath, werr)
			}
			downloaded += int64(n)
			sinceEmit += int64(n)
			if sinceEmit >= emitThreshold {
				sinceEmit = 0
				select {
				case out <- Progress{DownloadedBytes: downloaded, TotalBytes: totalBytes}:
				case <-ctx.Done():
					return false, false, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				select {
				case out <- Progress{DownloadedBytes: downloaded, TotalBytes: totalBytes, IsComplete: true}:
				case <-ctx.Done():
				}
				return true, false, nil
			}
			return false, false, fmt.Errorf("read body: %w", readErr)
		}
	}
}
