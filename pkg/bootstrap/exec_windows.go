package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// reExec runs the cached binary as a child and mirrors its exit code;
// Windows has no execve equivalent.
func reExec(path string, argv, env []string) error {
	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		os.Exit(0)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	return fmt.Errorf("failed to run %s: %w", path, err)
}
