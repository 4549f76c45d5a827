// Package sequencer drives the router's web UI through the provisioning
// workflow: log in, bring the firmware up to date, then set hostname, WiFi
// and remote administration.
package sequencer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/internal/retry"
	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

// Config holds the router credentials, target settings and timing knobs.
type Config struct {
	RouterURL            string
	Password             string
	AlternativePasswords []string
	Hostname             string
	SSID                 string
	PSK                  string
	Region               string
	Timezone             string
	Firmware             Repository

	ConnectAttempts int
	ConnectTimeout  time.Duration
	ConnectInterval time.Duration

	MaskPoll        time.Duration
	MaskSettlePolls int
	MaskTimeout     time.Duration

	RebootTimeout time.Duration
	// MaxPasses bounds how often one task may run without completing.
	MaxPasses      int
	MaxWizardSteps int
	MaxUpgrades    int

	// Sleep replaces time-based pauses in tests. It must honour ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) setDefaults() {
	if c.RouterURL == "" {
		c.RouterURL = "http://192.168.88.1"
	}
	if c.Region == "" {
		c.Region = "United States"
	}
	if c.Timezone == "" {
		c.Timezone = "-07:00"
	}
	if c.Firmware.Dir == "" {
		c.Firmware.Dir = "firmware"
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 75
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = 500 * time.Millisecond
	}
	if c.MaskPoll <= 0 {
		c.MaskPoll = 50 * time.Millisecond
	}
	if c.MaskSettlePolls <= 0 {
		c.MaskSettlePolls = 10
	}
	if c.MaskTimeout <= 0 {
		c.MaskTimeout = time.Minute
	}
	if c.RebootTimeout <= 0 {
		c.RebootTimeout = 180 * time.Second
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = 12
	}
	if c.MaxWizardSteps <= 0 {
		c.MaxWizardSteps = 20
	}
	if c.MaxUpgrades <= 0 {
		c.MaxUpgrades = 2
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sequencer runs a task queue against one router.
type Sequencer struct {
	ui       UI
	cfg      Config
	report   Reporter
	upgrades int
}

func New(ui UI, cfg Config, report Reporter) *Sequencer {
	cfg.setDefaults()
	if report == nil {
		report = discardReporter{}
	}
	return &Sequencer{ui: ui, cfg: cfg, report: report}
}

// Run connects to the router and works through tasks. Any error is returned
// as a *Failure carrying a screenshot of the page when one could be taken.
func (s *Sequencer) Run(ctx context.Context, tasks ...Task) error {
	err := s.run(ctx, NewQueue(tasks...))
	if err == nil {
		return nil
	}
	f := Classify(err)
	// The job context may already be cancelled; the screenshot is still wanted.
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if shot, shotErr := s.ui.Screenshot(shotCtx); shotErr == nil {
		f.Screenshot = shot
	} else {
		log.Warn().Err(shotErr).Msg("capture failure screenshot")
	}
	return f
}

func (s *Sequencer) run(ctx context.Context, queue *Queue) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	var (
		last   Task
		passes int
	)
	for {
		task, ok := queue.Front()
		if !ok {
			return nil
		}
		if task != last {
			last, passes = task, 0
		}
		if passes++; passes > s.cfg.MaxPasses {
			return fail(statusproto.KindUISyncTimeout, "%s did not complete after %d attempts", task, s.cfg.MaxPasses)
		}
		if err := s.ui.WaitLoaded(ctx); err != nil {
			return err
		}
		log.Debug().Str("task", string(task)).Int("pass", passes).Msg("run task")
		done, err := s.step(ctx, queue, task)
		if err != nil {
			return err
		}
		if done {
			queue.Pop()
			last = ""
		}
	}
}

func (s *Sequencer) step(ctx context.Context, queue *Queue, task Task) (bool, error) {
	switch task {
	case TaskLogin:
		return s.login(ctx)
	case TaskUpgrade:
		upgraded, err := s.upgrade(ctx)
		if err != nil {
			return false, err
		}
		if upgraded {
			// The router rebooted into the new image; log in again and
			// confirm the version on the next Upgrade pass.
			queue.PushFront(TaskLogin)
			return false, nil
		}
		return true, nil
	case TaskHostname:
		return s.setHostname(ctx)
	case TaskWiFi:
		return s.setWiFi(ctx)
	case TaskAdmin:
		return s.setAdmin(ctx)
	case TaskReset:
		return s.reset(ctx)
	}
	return false, errors.Errorf("unknown task %q", task)
}

// unreachableSignatures are the navigation errors that mean the router is
// still booting or not plugged in yet.
var unreachableSignatures = []string{
	"ERR_ADDRESS_UNREACHABLE",
	"ERR_CONNECTION_REFUSED",
}

func isUnreachable(err error) bool {
	if errors.Is(err, ErrNavigationTimeout) {
		return true
	}
	msg := err.Error()
	for _, sig := range unreachableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (s *Sequencer) connect(ctx context.Context) error {
	s.progress("Connecting to router", 1)
	err := retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			if err := s.sleep(ctx, s.cfg.ConnectInterval); err != nil {
				return retry.Fatal(err)
			}
		}
		err := s.ui.Goto(ctx, s.cfg.RouterURL, s.cfg.ConnectTimeout)
		if err == nil || isUnreachable(err) {
			return err
		}
		if ctx.Err() != nil {
			return retry.Fatal(ctx.Err())
		}
		return retry.Fatal(err)
	},
		retry.WithMaxAttempts(s.cfg.ConnectAttempts),
		retry.WithDelay(0),
		retry.WithOnRetry(func(attempt int, err error) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("router not reachable yet")
			s.progress("Cannot connect to router... retrying", 1)
		}),
	)
	if errors.Is(err, retry.ErrExhausted) {
		return &Failure{Kind: statusproto.KindDeviceUnreachable, Message: "Cannot connect to router", Cause: err}
	}
	return err
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) error {
	return s.cfg.Sleep(ctx, d)
}

func (s *Sequencer) status(msg string) {
	if err := s.report.Status(msg); err != nil {
		log.Warn().Err(err).Msg("report status")
	}
}

func (s *Sequencer) progress(msg string, percent float64) {
	if err := s.report.Progress(msg, percent); err != nil {
		log.Warn().Err(err).Msg("report progress")
	}
}
