package provisioner

import (
	"github.com/pkg/errors"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotIdle           = errors.New("device is not idle")
	ErrNotProvisioning   = errors.New("device is not provisioning")
	ErrInvalidDevice     = errors.New("invalid device")
	ErrInvalidData       = errors.New("invalid provisioning data")
)

// JobError is the failure attached to an Error status.
type JobError struct {
	Kind       statusproto.Kind
	Message    string
	Screenshot []byte
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}
