//go:build windows

package provisioner

import (
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

func configureJobProcess(cmd *exec.Cmd) {}

func terminateJobProcess(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func describeExit(err error) ExitResult {
	if err == nil {
		return ExitResult{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitResult{Code: exitErr.ExitCode()}
	}
	return ExitResult{Code: -1, Err: err}
}
