// Package cachemeta implements CacheMetadataStore: a durable key to
// progress index that reconciles with disk on startup and persists to
// a single metadata.json document, throttled to avoid write
// amplification, in the renameio-atomic-write style of
// internal/jobs/write_unix.go.
package cachemeta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/reelcache/reelcache/internal/rlog"
)

const (
	metadataFile    = "metadata.json"
	persistInterval = 5 * time.Second
)

// Record is the progress record for one URL.
type Record struct {
	URL             string    `json:"url"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      *int64    `json:"totalBytes"`
	IsComplete      bool      `json:"isComplete"`
	IsHLS           bool      `json:"isHls"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// FileSizer resolves the current on-disk size for a URL's entry, used
// during startup reconciliation. CacheFileManager's FileSize/Exists
// satisfy this.
type FileSizer interface {
	Exists(url string) bool
	FileSize(url string) int64
}

// Store is the process-wide CacheMetadataStore. Construct one per
// cache root; reelcache.Default() wires a single shared instance,
// matching the spec's process-wide-singleton contract without forcing
// a package-level global on every consumer.
type Store struct {
	mu          sync.Mutex
	path        string
	records     map[string]*Record
	lastPersist map[string]time.Time
	reconciled  bool
	files       FileSizer
}

// New creates a Store rooted at cacheRoot. Reconciliation runs lazily
// on first access, guarded by files for on-disk size lookups.
func New(cacheRoot string, files FileSizer) *Store {
	return &Store{
		path:        filepath.Join(cacheRoot, metadataFile),
		records:     make(map[string]*Record),
		lastPersist: make(map[string]time.Time),
		files:       files,
	}
}

func (s *Store) ensureLoaded() {
	if s.reconciled {
		return
	}
	s.reconciled = true

	logger := rlog.WithComponent("cachemeta")
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("read metadata.json failed, starting fresh")
		}
		return
	}

	var loaded map[string]*Record
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warn().Err(err).Msg("parse metadata.json failed, treating as no prior state")
		return
	}

	for url, rec := range loaded {
		if rec == nil {
			continue
		}
		if !rec.IsHLS {
			if !s.files.Exists(url) {
				continue
			}
			diskSize := s.files.FileSize(url)
			if diskSize != rec.DownloadedBytes {
				rec.DownloadedBytes = diskSize
				if rec.TotalBytes != nil {
					rec.IsComplete = diskSize == *rec.TotalBytes
				} else {
					rec.IsComplete = false
				}
			}
		}
		s.records[url] = rec
	}
}

// UpdateProgress writes the in-memory record and persists to disk if
// the write marks the record complete or at least 5s have passed
// since the last persistence for url.
func (s *Store) UpdateProgress(url string, downloadedBytes int64, totalBytes *int64, isHLS bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	rec, ok := s.records[url]
	if !ok {
		rec = &Record{URL: url, IsHLS: isHLS}
		s.records[url] = rec
	}
	rec.DownloadedBytes = downloadedBytes
	rec.TotalBytes = totalBytes
	rec.IsHLS = isHLS
	rec.LastUpdated = time.Now()
	wasIncomplete := !rec.IsComplete
	if totalBytes != nil {
		rec.IsComplete = downloadedBytes == *totalBytes
	}

	forcedComplete := wasIncomplete && rec.IsComplete
	elapsed := time.Since(s.lastPersist[url]) >= persistInterval
	if forcedComplete || elapsed {
		s.persistLocked(url)
	}
}

// MarkComplete sets is_complete and total_bytes for url and forces
// persistence regardless of the throttle window.
func (s *Store) MarkComplete(url string, totalBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	rec, ok := s.records[url]
	if !ok {
		rec = &Record{URL: url}
		s.records[url] = rec
	}
	rec.TotalBytes = &totalBytes
	rec.DownloadedBytes = totalBytes
	rec.IsComplete = true
	rec.LastUpdated = time.Now()
	s.persistLocked(url)
}

// Get returns a copy of the record for url, or a zero Record and false
// if absent.
func (s *Store) Get(url string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.records[url]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IsComplete reports whether url's record is marked complete.
func (s *Store) IsComplete(url string) bool {
	rec, ok := s.Get(url)
	return ok && rec.IsComplete
}

// DownloadedBytes returns url's recorded downloaded byte count, or 0
// if no record exists.
func (s *Store) DownloadedBytes(url string) int64 {
	rec, ok := s.Get(url)
	if !ok {
		return 0
	}
	return rec.DownloadedBytes
}

// Fraction reports download progress as a value in [0, 1] along with
// whether progress is knowable at all. It unifies MP4's byte-count
// progress and HLS's segment-count progress into a single ratio: both
// are stored as downloaded_bytes/total_bytes, where for an HLS record
// those fields actually count segments, so the same ratio serves both
// kinds without looking at is_hls. ok is false when url has no record
// or its total is unknown (total_bytes is nil) or not positive.
func (s *Store) Fraction(url string) (float64, bool) {
	rec, ok := s.Get(url)
	if !ok || rec.TotalBytes == nil || *rec.TotalBytes <= 0 {
		return 0, false
	}
	f := float64(rec.DownloadedBytes) / float64(*rec.TotalBytes)
	if f > 1 {
		f = 1
	}
	return f, true
}

// Remove deletes url's record and persists the removal.
func (s *Store) Remove(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	delete(s.records, url)
	delete(s.lastPersist, url)
	s.persistLocked(url)
}

// RemoveByHash deletes any record whose URL hashes to hash. hash must
// be computed by the caller (cachekey.Hash) since the store indexes by
// URL, not by hash.
func (s *Store) RemoveByHash(hash string, hashOf func(string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	for url := range s.records {
		if hashOf(url) == hash {
			delete(s.records, url)
			delete(s.lastPersist, url)
		}
	}
	s.persistLocked("")
}

// ClearAll drops every record and persists an empty store.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled = true
	s.records = make(map[string]*Record)
	s.lastPersist = make(map[string]time.Time)
	s.persistLocked("")
}

// persistLocked writes the full record map to metadata.json using an
// atomic renameio write. Must be called with s.mu held. A crash
// mid-write leaves the prior file intact (renameio never partially
// overwrites the destination); reconciliation at next startup recovers
// ground truth from the filesystem regardless, so persistence failures
// here are logged, not propagated.
func (s *Store) persistLocked(url string) {
	logger := rlog.WithComponent("cachemeta")

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		logger.Warn().Err(err).Msg("create metadata dir failed")
		return
	}

	data, err := json.Marshal(s.records)
	if err != nil {
		logger.Warn().Err(err).Msg("marshal metadata failed")
		return
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		logger.Warn().Err(err).Msg("create pending metadata file failed")
		return
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			logger.Debug().Err(cerr).Msg("cleanup pending metadata file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		logger.Warn().Err(err).Msg("write pending metadata file failed")
		return
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		logger.Warn().Err(err).Msg("atomically replace metadata.json failed")
		return
	}

	if url != "" {
		s.lastPersist[url] = time.Now()
	}
}
