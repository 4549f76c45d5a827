package provisioner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// JobSpec is what the supervisor asks a Launcher to start.
type JobSpec struct {
	JobID  string
	Device Device
	Args   []string
}

// ExitResult describes how a job process ended.
type ExitResult struct {
	Code   int
	Signal string
	Err    error
}

// OK reports a clean exit with status 0.
func (r ExitResult) OK() bool {
	return r.Err == nil && r.Signal == "" && r.Code == 0
}

func (r ExitResult) String() string {
	switch {
	case r.Signal != "":
		return "signal " + r.Signal
	case r.Err != nil:
		return r.Err.Error()
	default:
		return fmt.Sprintf("code %d", r.Code)
	}
}

// Process is a running job. Output must be drained before Wait is called.
type Process interface {
	Output() io.Reader
	Wait() ExitResult
	// Terminate asks the job to stop and kills it after the grace period. It
	// does not block.
	Terminate(grace time.Duration)
}

// Launcher starts job processes.
type Launcher interface {
	Launch(ctx context.Context, spec JobSpec) (Process, error)
}

// ExecLauncher runs jobs as `<Binary> job <device> <args…>` in their own
// process group. The job binary is normally the running executable.
type ExecLauncher struct {
	Binary string
	Env    []string
}

// NewExecLauncher returns a launcher for binary, defaulting to os.Executable.
func NewExecLauncher(binary string) (*ExecLauncher, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "resolve job binary")
		}
		binary = self
	}
	return &ExecLauncher{Binary: binary}, nil
}

func (l *ExecLauncher) Launch(ctx context.Context, spec JobSpec) (Process, error) {
	args := append([]string{"job", string(spec.Device)}, spec.Args...)
	// The job outlives the request that started it; only Terminate stops it.
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "PROVISIONER_JOB_ID="+spec.JobID)
	configureJobProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "job stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "job stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", l.Binary)
	}
	p := &execProcess{cmd: cmd, stdout: stdout, exited: make(chan struct{})}
	p.stderrDone.Add(1)
	go p.forwardStderr(stderr, spec)
	log.Info().Str("device", string(spec.Device)).Str("job_id", spec.JobID).
		Int("pid", cmd.Process.Pid).Msg("job process started")
	return p, nil
}

type execProcess struct {
	cmd        *exec.Cmd
	stdout     io.Reader
	stderrDone sync.WaitGroup
	exited     chan struct{}
	once       sync.Once
}

func (p *execProcess) Output() io.Reader { return p.stdout }

func (p *execProcess) forwardStderr(r io.Reader, spec JobSpec) {
	defer p.stderrDone.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Debug().Str("device", string(spec.Device)).Str("job_id", spec.JobID).Msg(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("job_id", spec.JobID).Msg("job stderr closed")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *execProcess) Wait() ExitResult {
	p.stderrDone.Wait()
	err := p.cmd.Wait()
	p.once.Do(func() { close(p.exited) })
	return describeExit(err)
}

func (p *execProcess) Terminate(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	terminateJobProcess(p.cmd, grace, p.exited)
}
