package sequencer

import (
	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

// Failure is the classified error Run returns.
type Failure = statusproto.Failure

var (
	ErrDeviceUnreachable  = statusproto.ErrDeviceUnreachable
	ErrInvalidCredentials = statusproto.ErrInvalidCredentials
	ErrUnknownUIState     = statusproto.ErrUnknownUIState
	ErrUISyncTimeout      = statusproto.ErrUISyncTimeout
	ErrMissingFirmware    = statusproto.ErrMissingFirmware
	ErrAmbiguousFirmware  = statusproto.ErrAmbiguousFirmware
	ErrCancelled          = statusproto.ErrCancelled
)

// Classify turns any job error into a Failure.
func Classify(err error) *Failure { return statusproto.Classify(err) }

func fail(kind statusproto.Kind, format string, args ...any) error {
	return statusproto.Failf(kind, format, args...)
}
