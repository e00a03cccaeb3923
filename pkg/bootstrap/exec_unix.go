//go:build !windows

package bootstrap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reExec replaces the current process image. argv[0] is kept so the
// cached binary sees the invocation name the user typed.
func reExec(path string, argv, env []string) error {
	if err := unix.Exec(path, argv, env); err != nil {
		return fmt.Errorf("failed to exec %s: %w", path, err)
	}
	return nil
}
