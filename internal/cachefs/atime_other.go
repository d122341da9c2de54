//go:build !linux

package cachefs

import (
	"io/fs"
	"time"
)

// atimeOf falls back to ModTime on platforms without a syscall.Stat_t
// atime field (e.g. Windows via this build).
func atimeOf(info fs.FileInfo) time.Time {
	return info.ModTime()
}
