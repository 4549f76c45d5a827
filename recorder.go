package provisioner

import (
	"context"
	"time"
)

// JobRecord describes one launched job.
type JobRecord struct {
	JobID    string
	Device   Device
	Name     string
	Args     []string
	StartAt  time.Time
	Hostname string
}

// JobUpdate describes how a job ended.
type JobUpdate struct {
	State          Phase
	Kind           string
	ErrorMessage   string
	EndAt          time.Time
	ElapsedSeconds int64
	Cancelled      bool
}

// JobRecorder receives callbacks from the supervisor to persist job history.
// Recording is best effort; errors are logged by the caller and never affect
// the provisioning state.
type JobRecorder interface {
	CreateJob(ctx context.Context, rec *JobRecord) error
	UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error
}

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) CreateJob(ctx context.Context, rec *JobRecord) error { return nil }
func (NoopRecorder) UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error {
	return nil
}
