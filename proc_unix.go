//go:build !windows

package provisioner

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func configureJobProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateJobProcess signals the whole process group so browser children
// go down with the job. SIGKILL follows after grace unless exited closes first.
func terminateJobProcess(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
		}
		// Leftover grandchildren still get killed after a clean job exit.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}()
}

func describeExit(err error) ExitResult {
	if err == nil {
		return ExitResult{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitResult{Code: -1, Signal: unix.SignalName(ws.Signal())}
		}
		return ExitResult{Code: exitErr.ExitCode()}
	}
	return ExitResult{Code: -1, Err: err}
}
