package provisioner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

// Phase is the tag of a DeviceStatus.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseProvisioning Phase = "provisioning"
	PhaseSuccess      Phase = "success"
	PhaseError        Phase = "error"
)

// ProgressCeiling is the highest progress a running job can report. Only a
// terminal status completes a device.
const ProgressCeiling = 0.99

// DeviceStatus is the provisioning status of one device. Name, Progress,
// Message and Err are only meaningful for the phases that carry them.
type DeviceStatus struct {
	Phase    Phase
	Name     string
	Progress float64
	Message  string
	Err      *JobError
	JobID    string
}

func Idle() DeviceStatus { return DeviceStatus{Phase: PhaseIdle} }

func Succeeded(name string) DeviceStatus {
	return DeviceStatus{Phase: PhaseSuccess, Name: name}
}

func Failed(name string, err *JobError) DeviceStatus {
	return DeviceStatus{Phase: PhaseError, Name: name, Err: err}
}

func (s DeviceStatus) clone() DeviceStatus {
	if s.Err != nil {
		e := *s.Err
		e.Screenshot = append([]byte(nil), s.Err.Screenshot...)
		s.Err = &e
	}
	return s
}

type statusJSON struct {
	Status     Phase            `json:"status"`
	Name       string           `json:"name,omitempty"`
	Progress   *float64         `json:"progress,omitempty"`
	Message    *string          `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  statusproto.Kind `json:"error_kind,omitempty"`
	Screenshot *bool            `json:"screenshot,omitempty"`
	JobID      string           `json:"job_id,omitempty"`
}

// MarshalJSON renders the tagged shape the status page polls for.
func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	out := statusJSON{Status: s.Phase}
	switch s.Phase {
	case PhaseProvisioning:
		p, m := s.Progress, s.Message
		out.Name, out.Progress, out.Message, out.JobID = s.Name, &p, &m, s.JobID
	case PhaseSuccess:
		out.Name, out.JobID = s.Name, s.JobID
	case PhaseError:
		out.Name, out.JobID = s.Name, s.JobID
		has := false
		if s.Err != nil {
			out.Error, out.ErrorKind = s.Err.Message, s.Err.Kind
			has = len(s.Err.Screenshot) > 0
		}
		out.Screenshot = &has
	}
	return json.Marshal(out)
}

// State is a snapshot of every device.
type State struct {
	Router DeviceStatus `json:"router"`
	CPE    DeviceStatus `json:"cpe"`
}

// Of returns the status of a concrete device.
func (s State) Of(d Device) DeviceStatus {
	if d == DeviceCPE {
		return s.CPE
	}
	return s.Router
}

// StoreObserver is told about every status change, after the store lock is released.
type StoreObserver func(device Device, status DeviceStatus)

// Store holds the provisioning state. All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	devices  map[Device]*DeviceStatus
	observer StoreObserver
}

// NewStore returns a store with every device idle.
func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// SetObserver registers fn for state change notifications. Not safe to call
// concurrently with writers; wire it before serving.
func (s *Store) SetObserver(fn StoreObserver) {
	s.observer = fn
}

// Reset puts every device back to Idle.
func (s *Store) Reset() {
	s.mu.Lock()
	s.devices = make(map[Device]*DeviceStatus, len(Devices))
	for _, d := range Devices {
		st := Idle()
		s.devices[d] = &st
	}
	s.mu.Unlock()
	for _, d := range Devices {
		s.notify(d, Idle())
	}
}

// Get returns a deep copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Router: s.devices[DeviceRouter].clone(),
		CPE:    s.devices[DeviceCPE].clone(),
	}
}

// Status returns a copy of one device's status.
func (s *Store) Status(d Device) DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.devices[d]; ok {
		return st.clone()
	}
	return Idle()
}

func legal(from, to Phase) bool {
	switch from {
	case PhaseIdle:
		return to == PhaseProvisioning
	case PhaseProvisioning:
		return to == PhaseSuccess || to == PhaseError
	case PhaseSuccess, PhaseError:
		return to == PhaseIdle
	}
	return false
}

// Transition moves a device along a legal edge.
func (s *Store) Transition(d Device, next DeviceStatus) error {
	if !d.concrete() {
		return errors.Wrapf(ErrInvalidDevice, "%q", d)
	}
	s.mu.Lock()
	cur := s.devices[d]
	if !legal(cur.Phase, next.Phase) {
		from := cur.Phase
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", d, from, next.Phase)
	}
	if next.Phase == PhaseProvisioning {
		next.Progress = clampProgress(next.Progress)
	}
	*cur = next.clone()
	snapshot := cur.clone()
	s.mu.Unlock()
	s.notify(d, snapshot)
	return nil
}

// Begin marks an idle device as provisioning for jobID.
func (s *Store) Begin(d Device, name, jobID string) error {
	err := s.Transition(d, DeviceStatus{Phase: PhaseProvisioning, Name: name, Message: "starting", JobID: jobID})
	if errors.Is(err, ErrInvalidTransition) {
		return errors.Wrapf(ErrNotIdle, "%s is %s", d, s.Status(d).Phase)
	}
	return err
}

// guarded runs fn under the write lock when d is provisioning for jobID.
func (s *Store) guarded(d Device, jobID string, fn func(st *DeviceStatus)) bool {
	s.mu.Lock()
	st, ok := s.devices[d]
	if !ok || st.Phase != PhaseProvisioning || st.JobID != jobID {
		s.mu.Unlock()
		return false
	}
	fn(st)
	snapshot := st.clone()
	s.mu.Unlock()
	s.notify(d, snapshot)
	return true
}

// SetProgress raises the progress of jobID's device. Progress never moves
// backwards and stays below the ceiling.
func (s *Store) SetProgress(d Device, jobID string, p float64) bool {
	return s.guarded(d, jobID, func(st *DeviceStatus) {
		if p = clampProgress(p); p > st.Progress {
			st.Progress = p
		}
	})
}

// SetMessage replaces the status text of jobID's device.
func (s *Store) SetMessage(d Device, jobID, msg string) bool {
	return s.guarded(d, jobID, func(st *DeviceStatus) {
		st.Message = msg
	})
}

// Finish applies a terminal status for jobID. It reports false when the job
// no longer owns the device (cancelled, cleared or superseded).
func (s *Store) Finish(d Device, jobID string, next DeviceStatus) bool {
	if next.Phase != PhaseSuccess && next.Phase != PhaseError {
		return false
	}
	return s.guarded(d, jobID, func(st *DeviceStatus) {
		if next.Name == "" {
			next.Name = st.Name
		}
		next.JobID = jobID
		*st = next.clone()
	})
}

// Cancel forces provisioning devices back to Idle. Either all devices are
// provisioning and all are reset, or nothing changes and the first device
// that is not provisioning is named in the error.
func (s *Store) Cancel(devices ...Device) (map[Device]string, error) {
	s.mu.Lock()
	for _, d := range devices {
		st, ok := s.devices[d]
		if !ok {
			s.mu.Unlock()
			return nil, errors.Wrapf(ErrInvalidDevice, "%q", d)
		}
		if st.Phase != PhaseProvisioning {
			s.mu.Unlock()
			return nil, errors.Wrapf(ErrNotProvisioning, "%s", d)
		}
	}
	jobs := make(map[Device]string, len(devices))
	for _, d := range devices {
		jobs[d] = s.devices[d].JobID
		*s.devices[d] = Idle()
	}
	s.mu.Unlock()
	for _, d := range devices {
		s.notify(d, Idle())
	}
	return jobs, nil
}

// Clear returns terminal devices to Idle. Like Cancel it is all-or-nothing.
func (s *Store) Clear(devices ...Device) error {
	s.mu.Lock()
	for _, d := range devices {
		st, ok := s.devices[d]
		if !ok {
			s.mu.Unlock()
			return errors.Wrapf(ErrInvalidDevice, "%q", d)
		}
		if st.Phase != PhaseSuccess && st.Phase != PhaseError {
			s.mu.Unlock()
			return errors.Wrapf(ErrInvalidTransition, "%s is %s", d, st.Phase)
		}
	}
	for _, d := range devices {
		*s.devices[d] = Idle()
	}
	s.mu.Unlock()
	for _, d := range devices {
		s.notify(d, Idle())
	}
	return nil
}

// TickProgress nudges a provisioning device forward so the status page keeps
// moving while a job is silent.
func (s *Store) TickProgress(d Device, delta float64) {
	s.mu.Lock()
	st, ok := s.devices[d]
	if !ok || st.Phase != PhaseProvisioning || st.Progress >= ProgressCeiling {
		s.mu.Unlock()
		return
	}
	st.Progress = clampProgress(st.Progress + delta)
	snapshot := st.clone()
	s.mu.Unlock()
	s.notify(d, snapshot)
}

// RunTicker calls TickProgress for every device each interval until ctx is done.
func (s *Store) RunTicker(ctx context.Context, interval time.Duration, delta float64) error {
	if interval <= 0 {
		return errors.Errorf("progress ticker: interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, d := range Devices {
				s.TickProgress(d, delta)
			}
		}
	}
}

func (s *Store) notify(d Device, st DeviceStatus) {
	if s.observer != nil {
		s.observer(d, st)
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > ProgressCeiling {
		return ProgressCeiling
	}
	return p
}
