package provisioner

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

const (
	defaultKillGrace    = 10 * time.Second
	defaultLabelTimeout = time.Minute
	recorderTimeout     = 15 * time.Second
)

// JobProfile describes how a device's job talks the status protocol.
type JobProfile struct {
	// SkipLines leading lines are discarded before parsing starts.
	SkipLines int
	// ProgressScale is the value the job reports for 100%.
	ProgressScale float64
}

// Config controls Supervisor behavior.
type Config struct {
	Store     *Store
	Launcher  Launcher
	Recorder  JobRecorder
	Labels    LabelPrinter
	Metrics   *Metrics
	KillGrace time.Duration
	Profiles  map[Device]JobProfile
	// NewJobID defaults to random UUIDs.
	NewJobID func() string
}

// Supervisor launches one job process per device and folds its status
// stream into the Store.
type Supervisor struct {
	cfg      Config
	store    *Store
	recorder JobRecorder

	// starting serializes Start so the leftover-job check and Begin agree.
	starting sync.Mutex

	mu      sync.Mutex
	handles map[Device]*jobHandle

	background sync.WaitGroup
}

type jobHandle struct {
	id      string
	device  Device
	data    ProvisioningData
	proc    Process
	startAt time.Time

	mu        sync.Mutex
	cancelled bool
	stopOnce  sync.Once
}

// stop asks the process to exit once; repeated calls are no-ops.
func (h *jobHandle) stop(grace time.Duration) {
	h.stopOnce.Do(func() { h.proc.Terminate(grace) })
}

func (h *jobHandle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *jobHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// NewSupervisor validates cfg and fills in defaults.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("supervisor: launcher cannot be nil")
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.NewJobID == nil {
		cfg.NewJobID = uuid.NewString
	}
	return &Supervisor{
		cfg:      cfg,
		store:    cfg.Store,
		recorder: cfg.Recorder,
		handles:  make(map[Device]*jobHandle),
	}, nil
}

// Store returns the state store the supervisor writes to.
func (s *Supervisor) Store() *Store { return s.store }

func (s *Supervisor) profile(d Device) JobProfile {
	p := s.cfg.Profiles[d]
	if p.ProgressScale <= 0 {
		p.ProgressScale = 100
	}
	if p.SkipLines < 0 {
		p.SkipLines = 0
	}
	return p
}

// Start launches the job for an idle concrete device.
func (s *Supervisor) Start(ctx context.Context, device Device, data ProvisioningData) error {
	if !device.concrete() {
		return errors.Wrapf(ErrInvalidDevice, "cannot start %q", device)
	}
	s.starting.Lock()
	defer s.starting.Unlock()

	// A job that reported an error record keeps its process until it exits.
	// Clearing the device does not release it; a cancelled job is released.
	if s.store.Status(device).Phase == PhaseIdle {
		if h := s.leftover(device); h != nil {
			h.stop(s.cfg.KillGrace)
			return errors.Wrapf(ErrNotIdle, "%s job %s is still exiting", device, h.id)
		}
	}
	jobID := s.cfg.NewJobID()
	if err := s.store.Begin(device, data.Hostname, jobID); err != nil {
		return err
	}
	startAt := time.Now()
	args := data.JobArgs(device)
	s.recordCreate(&JobRecord{
		JobID:    jobID,
		Device:   device,
		Name:     data.Hostname,
		Args:     redactArgs(args),
		StartAt:  startAt,
		Hostname: data.Hostname,
	})

	proc, err := s.cfg.Launcher.Launch(ctx, JobSpec{JobID: jobID, Device: device, Args: args})
	if err != nil {
		jobErr := &JobError{Kind: statusproto.KindJobFailed, Message: "launch failed: " + err.Error()}
		s.store.Finish(device, jobID, Failed(data.Hostname, jobErr))
		s.recordEnd(device, jobID, startAt, PhaseError, jobErr, false)
		log.Error().Err(err).Str("device", string(device)).Str("job_id", jobID).Msg("launch job failed")
		return errors.Wrapf(err, "launch %s job", device)
	}

	h := &jobHandle{id: jobID, device: device, data: data, proc: proc, startAt: startAt}
	s.mu.Lock()
	s.handles[device] = h
	s.mu.Unlock()

	// A cancel that landed between Begin and registration found no handle.
	if st := s.store.Status(device); st.Phase != PhaseProvisioning || st.JobID != jobID {
		h.markCancelled()
		h.stop(s.cfg.KillGrace)
	}

	log.Info().Str("device", string(device)).Str("job_id", jobID).Str("name", data.Hostname).Msg("provisioning started")
	s.background.Add(1)
	go s.watch(h)
	return nil
}

// leftover returns the live, uncancelled handle still registered for d.
func (s *Supervisor) leftover(d Device) *jobHandle {
	s.mu.Lock()
	h := s.handles[d]
	s.mu.Unlock()
	if h == nil || h.wasCancelled() {
		return nil
	}
	return h
}

// StartMany starts every idle device of the set. It fails with ErrNotIdle only
// when none of them could be started for that reason; launch errors are
// returned after the remaining devices have been tried.
func (s *Supervisor) StartMany(ctx context.Context, devices []Device, data ProvisioningData) ([]Device, error) {
	var (
		started  []Device
		notIdle  error
		firstErr error
	)
	for _, d := range devices {
		err := s.Start(ctx, d, data)
		switch {
		case err == nil:
			started = append(started, d)
		case errors.Is(err, ErrNotIdle):
			if notIdle == nil {
				notIdle = err
			}
		case firstErr == nil:
			firstErr = err
		}
	}
	if firstErr != nil {
		return started, firstErr
	}
	if len(started) == 0 && notIdle != nil {
		return nil, notIdle
	}
	return started, nil
}

// Cancel stops the jobs of the given devices. Every device must be
// provisioning or nothing happens. The store is reset to Idle immediately;
// the processes are terminated in the background.
func (s *Supervisor) Cancel(devices ...Device) error {
	jobs, err := s.store.Cancel(devices...)
	if err != nil {
		return err
	}
	for _, d := range devices {
		jobID := jobs[d]
		s.mu.Lock()
		h := s.handles[d]
		s.mu.Unlock()
		if h == nil || h.id != jobID {
			continue
		}
		h.markCancelled()
		h.stop(s.cfg.KillGrace)
		log.Info().Str("device", string(d)).Str("job_id", jobID).Msg("provisioning cancelled")
	}
	return nil
}

// Wait blocks until every watched job and pending label print has finished.
func (s *Supervisor) Wait() {
	s.background.Wait()
}

// Shutdown terminates all running jobs and waits for them until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.handles {
		h.markCancelled()
		h.stop(s.cfg.KillGrace)
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "supervisor shutdown")
	}
}

func (s *Supervisor) watch(h *jobHandle) {
	defer s.background.Done()
	logger := log.With().Str("device", string(h.device)).Str("job_id", h.id).Logger()
	profile := s.profile(h.device)

	reader := statusproto.NewReader(h.proc.Output(), profile.SkipLines, profile.ProgressScale)
	var terminal *statusproto.Terminal
	for {
		events, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, statusproto.ErrMalformedLine) {
			s.cfg.Metrics.recordLine(h.device, "malformed")
			logger.Warn().Err(err).Msg("skip malformed status line")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("job output failed")
			_, _ = io.Copy(io.Discard, h.proc.Output())
			break
		}
		s.cfg.Metrics.recordLine(h.device, "ok")
		for _, ev := range events {
			switch ev := ev.(type) {
			case statusproto.Progress:
				s.store.SetProgress(h.device, h.id, ev.Value)
			case statusproto.Message:
				s.store.SetMessage(h.device, h.id, ev.Text)
			case statusproto.Terminal:
				if terminal != nil {
					continue
				}
				t := ev
				terminal = &t
				jobErr := &JobError{Kind: ev.Kind, Message: ev.Message, Screenshot: ev.Screenshot}
				if s.store.Finish(h.device, h.id, Failed(h.data.Hostname, jobErr)) {
					logger.Warn().Str("kind", string(ev.Kind)).Str("error", ev.Message).Msg("job reported error")
				}
			}
		}
	}

	result := h.proc.Wait()
	s.mu.Lock()
	if s.handles[h.device] == h {
		delete(s.handles, h.device)
	}
	s.mu.Unlock()
	s.terminated(h, result, terminal, logger)
}

func (s *Supervisor) terminated(h *jobHandle, result ExitResult, terminal *statusproto.Terminal, logger zerolog.Logger) {
	var (
		phase  Phase
		jobErr *JobError
	)
	switch {
	case terminal != nil:
		phase = PhaseError
		jobErr = &JobError{Kind: terminal.Kind, Message: terminal.Message}
	case result.OK():
		if s.store.Finish(h.device, h.id, Succeeded(h.data.Hostname)) {
			phase = PhaseSuccess
			s.printLabels(h)
		}
	default:
		jobErr = &JobError{Kind: statusproto.KindProcessExit, Message: "process exited: " + result.String()}
		if s.store.Finish(h.device, h.id, Failed(h.data.Hostname, jobErr)) {
			phase = PhaseError
		}
	}

	cancelled := h.wasCancelled()
	if phase == "" || cancelled {
		phase = PhaseIdle
		jobErr = nil
	}
	logger.Info().Str("exit", result.String()).Str("result", string(phase)).Bool("cancelled", cancelled).Msg("job process exited")
	s.recordEnd(h.device, h.id, h.startAt, phase, jobErr, cancelled)
}

func (s *Supervisor) printLabels(h *jobHandle) {
	if s.cfg.Labels == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultLabelTimeout)
		defer cancel()
		if err := s.cfg.Labels.Print(ctx, h.device, h.data); err != nil {
			log.Error().Err(err).Str("device", string(h.device)).Str("job_id", h.id).Msg("print label failed")
			return
		}
		log.Info().Str("device", string(h.device)).Str("job_id", h.id).Msg("label printed")
	}()
}

func (s *Supervisor) recordCreate(rec *JobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := s.recorder.CreateJob(ctx, rec); err != nil {
		log.Warn().Err(err).Str("job_id", rec.JobID).Msg("record job start failed")
	}
}

func (s *Supervisor) recordEnd(d Device, jobID string, startAt time.Time, phase Phase, jobErr *JobError, cancelled bool) {
	endAt := time.Now()
	elapsed := endAt.Sub(startAt)
	upd := &JobUpdate{
		State:          phase,
		EndAt:          endAt,
		ElapsedSeconds: int64(elapsed.Seconds()),
		Cancelled:      cancelled,
	}
	if jobErr != nil {
		upd.Kind = string(jobErr.Kind)
		upd.ErrorMessage = jobErr.Message
	}
	result := string(phase)
	if cancelled {
		result = "cancelled"
	}
	s.cfg.Metrics.recordJob(d, result, elapsed.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	if err := s.recorder.UpdateJob(ctx, jobID, upd); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("record job end failed")
	}
}

// redactArgs hides the WiFi passphrase from job history.
func redactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if strings.EqualFold(out[i], "--psk") {
			out[i+1] = "********"
		}
	}
	return out
}
