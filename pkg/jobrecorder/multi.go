package jobrecorder

import (
	"context"

	"github.com/rs/zerolog/log"

	provisioner "github.com/freerangeinternet/fri-provisioning"
)

// Multi fans every callback out to all recorders. A failing recorder does
// not stop the others; the first error is returned.
type Multi []provisioner.JobRecorder

func (m Multi) CreateJob(ctx context.Context, rec *provisioner.JobRecord) error {
	var first error
	for _, r := range m {
		if err := r.CreateJob(ctx, rec); err != nil {
			log.Warn().Err(err).Str("job_id", rec.JobID).Msg("job recorder create failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m Multi) UpdateJob(ctx context.Context, jobID string, upd *provisioner.JobUpdate) error {
	var first error
	for _, r := range m {
		if err := r.UpdateJob(ctx, jobID, upd); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("job recorder update failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
