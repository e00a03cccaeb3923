//go:build windows

package dlx

import "os"

// lstatNoFollow on Windows relies on Lstat: a reparse point at the
// cached binary path reads as non-regular and therefore as a miss.
func lstatNoFollow(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// Windows has no executable permission bit; existence of a regular file
// with the expected size is the whole check.
func isExecutable(_ os.FileInfo) bool {
	return true
}
