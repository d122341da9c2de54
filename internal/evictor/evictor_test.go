package evictor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reelcache/reelcache/internal/cachefs"
	"github.com/stretchr/testify/require"
)

type fakeMetaRemover struct {
	removedHashes []string
}

func (f *fakeMetaRemover) RemoveByHash(hash string, hashOf func(string) string) {
	f.removedHashes = append(f.removedHashes, hash)
}

func identityHash(s string) string { return s }

func TestEvictIfNeededDeletesOldestUntilUnder80Percent(t *testing.T) {
	root := t.TempDir()
	files := cachefs.New(root)
	_, err := files.CacheDir()
	require.NoError(t, err)

	// Six 2 MiB entries with ascending atimes, exercising oldest-first eviction.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		url := "https://h/v" + string(rune('0'+i)) + ".mp4"
		path, err := files.EnsureFile(url)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0o644))
		atime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, atime, atime))
	}

	meta := &fakeMetaRemover{}
	ev := New(files, meta, identityHash, 10*1024*1024)
	ev.EvictIfNeeded()

	require.Len(t, meta.removedHashes, 3)
	require.LessOrEqual(t, files.TotalSize(), int64(8*1024*1024))
}

func TestEvictIfNeededNoopWhenUnderBudget(t *testing.T) {
	root := t.TempDir()
	files := cachefs.New(root)
	path, err := files.EnsureFile("https://h/v.mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	meta := &fakeMetaRemover{}
	ev := New(files, meta, identityHash, 10*1024*1024)
	ev.EvictIfNeeded()

	require.Empty(t, meta.removedHashes)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestEvictIfNeededThrottledSkipsWithinWindow(t *testing.T) {
	root := t.TempDir()
	files := cachefs.New(root)
	for i := 0; i < 6; i++ {
		url := "https://h/v" + string(rune('0'+i)) + ".mp4"
		path, err := files.EnsureFile(url)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0o644))
	}

	meta := &fakeMetaRemover{}
	ev := New(files, meta, identityHash, 10*1024*1024)
	ev.EvictIfNeededThrottled()
	firstRunCount := len(meta.removedHashes)
	require.Greater(t, firstRunCount, 0)

	ev.EvictIfNeededThrottled()
	require.Equal(t, firstRunCount, len(meta.removedHashes))
}

func TestEvictIfNeededRemovesHLSDirectoryEntries(t *testing.T) {
	root := t.TempDir()
	files := cachefs.New(root)

	dir, err := files.EnsureHLSDir("https://h/p.m3u8")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_0.ts"), make([]byte, 9*1024*1024), 0o644))

	mp4Path, err := files.EnsureFile("https://h/v.mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mp4Path, make([]byte, 9*1024*1024), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "segment_0.ts"), old, old))

	meta := &fakeMetaRemover{}
	ev := New(files, meta, identityHash, 10*1024*1024)
	ev.EvictIfNeeded()

	require.NotEmpty(t, meta.removedHashes)
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
}
