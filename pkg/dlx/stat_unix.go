//go:build !windows

package dlx

import (
	"os"

	"golang.org/x/sys/unix"
)

// lstatNoFollow stats path through a file descriptor opened with
// O_NOFOLLOW, so a symlink planted at the cached binary path reads as a
// miss instead of being chased.
func lstatNoFollow(path string) (os.FileInfo, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func isExecutable(fi os.FileInfo) bool {
	return fi.Mode().Perm()&0o111 != 0
}

