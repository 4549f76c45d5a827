// Package statusproto implements the line protocol spoken between a
// provisioning job process and the supervisor: one JSON object per line on the
// job's stdout.
//
//	{"progress": 35, "status": "Uploading firmware"}
//	{"error": "Cannot connect to router", "kind": "DeviceUnreachable", "screenshot": "iVBORw0..."}
//
// Every field is optional. An "error" field is terminal and wins over any other
// field of the same record.
package statusproto

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind names a member of the provisioning error taxonomy on the wire.
type Kind string

const (
	KindDeviceUnreachable  Kind = "DeviceUnreachable"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindUnknownUIState     Kind = "UnknownUIState"
	KindUISyncTimeout      Kind = "UISyncTimeout"
	KindMissingFirmware    Kind = "MissingFirmware"
	KindAmbiguousFirmware  Kind = "AmbiguousFirmware"
	KindCancelled          Kind = "Cancelled"
	KindProcessExit        Kind = "ProcessExit"
	KindJobFailed          Kind = "JobFailed"
)

// ErrMalformedLine is returned for lines that are not a single JSON object.
var ErrMalformedLine = errors.New("malformed status line")

// Record is one decoded line of the protocol.
type Record struct {
	Progress   *float64 `json:"progress,omitempty"`
	Status     *string  `json:"status,omitempty"`
	Message    *string  `json:"message,omitempty"`
	Error      *string  `json:"error,omitempty"`
	Kind       Kind     `json:"kind,omitempty"`
	Screenshot []byte   `json:"screenshot,omitempty"`
}

// Text returns the human readable message, preferring "status" over its
// "message" alias.
func (r Record) Text() (string, bool) {
	if r.Status != nil {
		return *r.Status, true
	}
	if r.Message != nil {
		return *r.Message, true
	}
	return "", false
}

// Decode parses a single line. Blank lines, invalid JSON and JSON values that
// are not objects all yield ErrMalformedLine.
func Decode(line []byte) (Record, error) {
	var rec Record
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return rec, ErrMalformedLine
	}
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return Record{}, errors.Wrap(ErrMalformedLine, err.Error())
	}
	return rec, nil
}
