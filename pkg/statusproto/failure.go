package statusproto

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Failure is a classified job error; a job reports it as its terminal record.
// Failures match each other under errors.Is when their kinds are equal, so
// the sentinels below work as kind checks.
type Failure struct {
	Kind       Kind
	Message    string
	Screenshot []byte
	Cause      error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Cause }

func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

var (
	ErrDeviceUnreachable  = &Failure{Kind: KindDeviceUnreachable, Message: "device unreachable"}
	ErrInvalidCredentials = &Failure{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrUnknownUIState     = &Failure{Kind: KindUnknownUIState, Message: "unknown UI state"}
	ErrUISyncTimeout      = &Failure{Kind: KindUISyncTimeout, Message: "UI did not settle"}
	ErrMissingFirmware    = &Failure{Kind: KindMissingFirmware, Message: "missing firmware"}
	ErrAmbiguousFirmware  = &Failure{Kind: KindAmbiguousFirmware, Message: "ambiguous firmware"}
	ErrCancelled          = &Failure{Kind: KindCancelled, Message: "cancelled by user"}
)

// Failf builds a Failure with a formatted message.
func Failf(kind Kind, format string, args ...any) error {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify turns any job error into a Failure. Context cancellation maps to
// Cancelled; errors without a kind become JobFailed.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		out := *f
		return &out
	}
	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: KindCancelled, Message: ErrCancelled.Message, Cause: err}
	}
	return &Failure{Kind: KindJobFailed, Message: err.Error(), Cause: err}
}

// Report writes f as the terminal record.
func (w *Writer) Report(f *Failure) error {
	return w.Fail(f.Kind, f.Message, f.Screenshot)
}
