// Package cachefs implements CacheFileManager: the mapping from a
// content key to an on-disk path, entry enumeration, deletion, and
// access-time bookkeeping.
package cachefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reelcache/reelcache/internal/cachekey"
	"github.com/reelcache/reelcache/internal/rlog"
	"github.com/rs/zerolog"
)

// ErrEscapesRoot is returned when a constructed path would resolve
// outside the cache root. Should never happen for a 32-hex-char
// digest; guarded defensively anyway.
var ErrEscapesRoot = errors.New("cachefs: path escapes cache root")

const hlsSubdir = "hls"

// EntryKind distinguishes a standalone MP4 file from an HLS directory.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// Entry describes one cache-root occupant for enumeration/eviction.
type Entry struct {
	Kind         EntryKind
	Hash         string
	Size         int64
	LastAccessed time.Time
}

// Manager implements CacheFileManager over a single root directory.
type Manager struct {
	mu       sync.Mutex
	root     string
	rootOnce bool
}

// New creates a Manager rooted at root. The directory is created
// lazily on first CacheDir() call.
func New(root string) *Manager {
	return &Manager{root: root}
}

// CacheDir returns the cache root, creating it on first call.
func (m *Manager) CacheDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rootOnce {
		if err := os.MkdirAll(m.root, 0o755); err != nil {
			return "", fmt.Errorf("cachefs: create cache dir: %w", err)
		}
		m.rootOnce = true
	}
	return m.root, nil
}

// FilePath returns the MP4 path for url. Pure; does not touch disk.
func (m *Manager) FilePath(url string) string {
	return filepath.Join(m.root, cachekey.Hash(url)+".mp4")
}

// HLSDir returns the HLS directory for url. Pure; does not touch disk.
func (m *Manager) HLSDir(url string) string {
	return filepath.Join(m.root, hlsSubdir, cachekey.Hash(url))
}

func (m *Manager) confine(path string) (string, error) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEscapesRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, path)
	}
	return path, nil
}

// Exists reports whether the MP4 file for url is present.
func (m *Manager) Exists(url string) bool {
	if _, err := m.CacheDir(); err != nil {
		return false
	}
	_, err := os.Stat(m.FilePath(url))
	return err == nil
}

// FileSize returns the MP4 file's size, or 0 if absent.
func (m *Manager) FileSize(url string) int64 {
	info, err := os.Stat(m.FilePath(url))
	if err != nil {
		return 0
	}
	return info.Size()
}

// EnsureFile creates a zero-byte file for url if one does not already
// exist, and returns its path. Idempotent: never truncates an
// existing file.
func (m *Manager) EnsureFile(url string) (string, error) {
	if _, err := m.CacheDir(); err != nil {
		return "", err
	}
	path := m.FilePath(url)
	if _, err := m.confine(path); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("cachefs: stat %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return path, nil
		}
		return "", fmt.Errorf("cachefs: create %s: %w", path, err)
	}
	_ = f.Close()
	return path, nil
}

// EnsureHLSDir creates the per-URL HLS directory if absent and returns
// its path.
func (m *Manager) EnsureHLSDir(url string) (string, error) {
	if _, err := m.CacheDir(); err != nil {
		return "", err
	}
	dir := m.HLSDir(url)
	if _, err := m.confine(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cachefs: create hls dir %s: %w", dir, err)
	}
	return dir, nil
}

// Delete removes the MP4 file (or HLS directory) for url, ignoring a
// not-found error. Metadata removal is the caller's responsibility
// (cachemeta.Remove), keeping the two stores decoupled per DESIGN
// NOTES.
func (m *Manager) Delete(url string) error {
	if err := os.Remove(m.FilePath(url)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cachefs: delete %s: %w", url, err)
	}
	if err := os.RemoveAll(m.HLSDir(url)); err != nil {
		return fmt.Errorf("cachefs: delete hls dir for %s: %w", url, err)
	}
	return nil
}

// DeleteEntry removes the on-disk occupant an enumerated Entry
// describes (the MP4 file for a KindFile entry, or the recursive HLS
// directory for a KindDirectory entry), keyed by hash rather than URL
// so the evictor never needs to reconstruct the original URL.
func (m *Manager) DeleteEntry(e Entry) error {
	root, err := m.CacheDir()
	if err != nil {
		return err
	}
	switch e.Kind {
	case KindFile:
		path := filepath.Join(root, e.Hash+".mp4")
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cachefs: delete entry %s: %w", e.Hash, err)
		}
	case KindDirectory:
		path := filepath.Join(root, hlsSubdir, e.Hash)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("cachefs: delete hls entry %s: %w", e.Hash, err)
		}
	}
	return nil
}

// ClearAll wipes every entry under the cache root.
func (m *Manager) ClearAll() error {
	root, err := m.CacheDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("cachefs: read cache dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("cachefs: clear %s: %w", e.Name(), err)
		}
	}
	return nil
}

// TotalSize recursively sums regular-file lengths under the cache
// root.
func (m *Manager) TotalSize() int64 {
	root, err := m.CacheDir()
	if err != nil {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // per-entry probe failures are swallowed, not fatal to the walk
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// UpdateAccessTime sets the atime on the MP4 file for url. Errors are
// swallowed; a failed touch just makes the entry look slightly staler
// to the evictor, which isn't worth failing the caller's request over.
func (m *Manager) UpdateAccessTime(url string) {
	path := m.FilePath(url)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		rlog.WithComponent("cachefs").Debug().Str("url", url).Err(err).Msg("update access time failed, ignoring")
	}
}

// EnumerateEntries yields one Entry per MP4 file directly under the
// cache root and one per direct child directory of hls/. Per-entry
// probe failures are logged and skipped, never propagated.
func (m *Manager) EnumerateEntries() []Entry {
	root, err := m.CacheDir()
	if err != nil {
		return nil
	}
	logger := rlog.WithComponent("cachefs")
	var out []Entry

	topEntries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn().Err(err).Msg("enumerate: read cache root failed")
		return nil
	}
	for _, e := range topEntries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".mp4") {
			continue
		}
		hash := strings.TrimSuffix(name, ".mp4")
		info, err := e.Info()
		if err != nil {
			logger.Warn().Str("file", name).Err(err).Msg("enumerate: stat failed, skipping")
			continue
		}
		out = append(out, Entry{
			Kind:         KindFile,
			Hash:         hash,
			Size:         info.Size(),
			LastAccessed: atimeOrEpoch(filepath.Join(root, name)),
		})
	}

	hlsRoot := filepath.Join(root, hlsSubdir)
	hlsEntries, err := os.ReadDir(hlsRoot)
	if err != nil {
		return out // no hls/ subdirectory yet is not an error
	}
	for _, e := range hlsEntries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(hlsRoot, e.Name())
		size, lastAccess := dirSizeAndLatestAtime(dir, logger)
		out = append(out, Entry{
			Kind:         KindDirectory,
			Hash:         e.Name(),
			Size:         size,
			LastAccessed: lastAccess,
		})
	}
	return out
}

func atimeOrEpoch(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return atimeOf(info)
}

func dirSizeAndLatestAtime(dir string, logger zerolog.Logger) (int64, time.Time) {
	var size int64
	latest := time.Unix(0, 0).UTC()
	foundAny := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("enumerate: walk failed, skipping")
			return nil //nolint:nilerr // per-entry probe failures are swallowed, not fatal to the walk
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("enumerate: stat failed, skipping")
			return nil //nolint:nilerr
		}
		size += info.Size()
		if at := atimeOf(info); !foundAny || at.After(latest) {
			latest = at
			foundAny = true
		}
		return nil
	})
	if !foundAny {
		latest = time.Unix(0, 0).UTC()
	}
	return size, latest
}
