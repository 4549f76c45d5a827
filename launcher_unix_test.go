//go:build !windows

package provisioner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-provisioner")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecLauncherRunsJob(t *testing.T) {
	bin := writeScript(t, `echo "{\"status\": \"$1 $2 $3 $4\"}"
echo "diagnostics" >&2
exit 3
`)
	l, err := NewExecLauncher(bin)
	require.NoError(t, err)
	proc, err := l.Launch(context.Background(), JobSpec{JobID: "j", Device: DeviceCPE, Args: []string{"--hostname", "x"}})
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Output())
	require.NoError(t, err)
	assert.Equal(t, "{\"status\": \"job cpe --hostname x\"}\n", string(out))
	res := proc.Wait()
	assert.Equal(t, 3, res.Code)
	assert.False(t, res.OK())
}

func TestExecLauncherTerminateKillsGroup(t *testing.T) {
	bin := writeScript(t, "exec sleep 30\n")
	l, err := NewExecLauncher(bin)
	require.NoError(t, err)
	proc, err := l.Launch(context.Background(), JobSpec{JobID: "j", Device: DeviceRouter})
	require.NoError(t, err)

	start := time.Now()
	proc.Terminate(time.Second)
	_, _ = io.Copy(io.Discard, proc.Output())
	res := proc.Wait()
	assert.Equal(t, "SIGTERM", res.Signal)
	assert.Less(t, time.Since(start), 5*time.Second)
}
