// Package dlx implements the content-addressed on-disk cache used by
// self-extracting binaries. Entries live under <base>/<cacheKey>/ where
// the key is derived from a SHA-512 digest of the compressed payload, so
// identical payloads always resolve to the same entry and concurrent
// populations of the same key write byte-identical content.
package dlx

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
)

const (
	// cacheDirName is the per-key cache subdirectory under the base dir.
	cacheDirName = "_dlx"

	// homeDirName is the dotted directory appended to $HOME.
	homeDirName = ".socket"

	// envDirOverride fully overrides the cache base directory.
	envDirOverride = "SOCKET_DLX_DIR"

	// envHomeOverride overrides only the base under which _dlx lives.
	envHomeOverride = "SOCKET_HOME"
)

// KeyLen is the length of a cache key in hex characters.
const KeyLen = 16

// CacheKey derives the short content-addressed key for data: the first
// 16 hex characters (8 bytes) of its SHA-512 digest.
func CacheKey(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:KeyLen/2])
}

// Integrity returns the verifiable integrity string for data: the full
// SHA-512 digest, base64-encoded, prefixed "sha512-".
func Integrity(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

// ResolveBaseDir resolves the cache base directory. Priority order:
//
//  1. SOCKET_DLX_DIR — full override
//  2. SOCKET_HOME    — base directory, "_dlx" appended
//  3. $HOME/.socket/_dlx
//  4. <tmp>/.socket/_dlx
func ResolveBaseDir() string {
	if dir := os.Getenv(envDirOverride); dir != "" {
		return dir
	}
	if home := os.Getenv(envHomeOverride); home != "" {
		return filepath.Join(home, cacheDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, homeDirName, cacheDirName)
	}
	return filepath.Join(os.TempDir(), homeDirName, cacheDirName)
}
