// Package cachekey derives the stable content key used to name every
// on-disk cache entry from a request URL.
package cachekey

import (
	"crypto/md5" //nolint:gosec // not a security boundary, only a filename-stable digest
	"encoding/hex"
)

// Hash returns the 32-character lowercase hex MD5 digest of url's UTF-8
// bytes. It is deterministic; collision resistance only needs to hold
// practically across one user's cache, not cryptographically.
func Hash(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
