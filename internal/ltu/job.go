// Package ltu provisions the customer's LTU radio over SSH: baseline config,
// site identity and sector, admin password and firmware.
package ltu

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/freerangeinternet/fri-provisioning/internal/retry"
	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

const (
	configPath   = "/tmp/system.cfg"
	firmwarePath = "/tmp/fwupdate.bin"
)

// FactoryCredential is the login of a radio that was never set up.
var FactoryCredential = Credential{User: "ubnt", Password: "ubnt"}

// Reporter receives progress in percent. statusproto.Writer implements it.
type Reporter interface {
	Status(message string) error
	Progress(message string, percent float64) error
}

// Config describes the target radio and what to write to it.
type Config struct {
	Address string
	// Credential is tried first; FactoryCredential is the fallback.
	Credential  Credential
	WirelessPSK string
	UNMSURI     string
	Plan        *SectorPlan
	// TargetVersions maps a platform ("afltu") to its firmware version.
	TargetVersions map[string]string
	FirmwareDir    string

	ConnectAttempts int
	ConnectInterval time.Duration
	RebootWait      time.Duration
	RebootAttempts  int

	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
}

func (c *Config) setDefaults() {
	if c.Address == "" {
		c.Address = "192.168.1.20:22"
	}
	if c.WirelessPSK == "" {
		c.WirelessPSK = "free range javelinas"
	}
	if c.TargetVersions == nil {
		c.TargetVersions = map[string]string{"afltu": "v2.3.4"}
	}
	if c.FirmwareDir == "" {
		c.FirmwareDir = "firmware"
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 75
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = time.Second
	}
	if c.RebootWait <= 0 {
		c.RebootWait = 30 * time.Second
	}
	if c.RebootAttempts <= 0 {
		c.RebootAttempts = 60
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
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

// Job provisions one radio.
type Job struct {
	dialer Dialer
	cfg    Config
	report Reporter
	// lastCred is the credential of the last successful dial.
	lastCred Credential
	// readFile loads firmware images.
	readFile func(string) ([]byte, error)
}

func NewJob(dialer Dialer, cfg Config, report Reporter) (*Job, error) {
	cfg.setDefaults()
	if cfg.Plan == nil {
		plan, err := LoadSectorPlan("")
		if err != nil {
			return nil, err
		}
		cfg.Plan = plan
	}
	if report == nil {
		report = nopReporter{}
	}
	return &Job{dialer: dialer, cfg: cfg, report: report, readFile: os.ReadFile}, nil
}

type nopReporter struct{}

func (nopReporter) Status(string) error            { return nil }
func (nopReporter) Progress(string, float64) error { return nil }

// Run provisions the radio for c. Errors are classified *statusproto.Failure
// values or context errors.
func (j *Job) Run(ctx context.Context, c Customer) error {
	j.progress("Provisioning started, connecting to device...", 1)
	remote, cred, err := j.connect(ctx)
	if err != nil {
		return err
	}
	if err := j.configure(ctx, remote, c); err != nil {
		_ = remote.Close()
		return err
	}

	// ensureFirmware closes remote itself when it reboots the radio.
	upgraded, err := j.ensureFirmware(ctx, remote, cred)
	if upgraded != nil {
		_ = upgraded.Close()
	} else {
		_ = remote.Close()
	}
	if err != nil {
		return err
	}
	j.progress("Success", 100)
	return nil
}

func (j *Job) configure(ctx context.Context, remote Remote, c Customer) error {
	j.progress("Reading configuration", 10)
	raw, err := remote.Download(ctx, configPath)
	if err != nil {
		return err
	}
	sysCfg, err := ParseSystemConfig(raw)
	if err != nil {
		return err
	}

	bearing := j.cfg.Plan.DefaultBearing
	if c.Location != nil {
		bearing = j.cfg.Plan.Bearing(*c.Location)
	}
	sector, ok := j.cfg.Plan.Choose(bearing, j.cfg.Rand)
	if !ok {
		return statusproto.Failf(statusproto.KindJobFailed, "No sector covers bearing %.1f", bearing)
	}
	log.Info().Float64("bearing", bearing).Str("sector", sector.Name).
		Int("freq", sector.Freq).Int("bandwidth", sector.Bandwidth).Msg("sector chosen")

	settings := Settings{WirelessPSK: j.cfg.WirelessPSK, UNMSURI: j.cfg.UNMSURI}
	if NeedsPassword(sysCfg) && j.cfg.Credential.Password != "" {
		if settings.PasswordHash, err = HashPassword(j.cfg.Credential.Password); err != nil {
			return err
		}
	}
	Apply(sysCfg, c, sector, settings)

	j.progress("Uploading configuration for FRI-"+sector.Name, 30)
	if err := remote.Upload(ctx, configPath, sysCfg.Bytes()); err != nil {
		return err
	}
	if err := remote.Save(ctx); err != nil {
		return err
	}
	j.progress("Save succeeded", 50)
	return nil
}

// ensureFirmware upgrades the radio when it runs something other than the
// target version. It returns the Remote to close, which is a new session
// after an upgrade.
func (j *Job) ensureFirmware(ctx context.Context, remote Remote, cred Credential) (Remote, error) {
	platform, version, err := j.version(ctx, remote)
	if err != nil {
		return nil, err
	}
	target, ok := j.cfg.TargetVersions[platform]
	if !ok {
		return nil, statusproto.Failf(statusproto.KindMissingFirmware, "No firmware found for %s", platform)
	}
	log.Info().Str("platform", platform).Str("version", version).Str("target", target).Msg("radio firmware")
	if version == target {
		return nil, nil
	}

	image := platform + "." + target
	j.progress("Upgrade to "+image, 55)
	data, err := j.readFile(filepath.Join(j.cfg.FirmwareDir, image+".bin"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, statusproto.Failf(statusproto.KindMissingFirmware, "No firmware found for %s", image)
		}
		return nil, errors.Wrap(err, "read firmware")
	}
	if err := remote.Upload(ctx, firmwarePath, data); err != nil {
		return nil, err
	}
	j.progress("Upload complete, upgrading...", 65)
	// The radio reboots while the command runs, so the session usually dies.
	if _, err := remote.Run(ctx, "/sbin/fwupdate -m"); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("fwupdate session ended")
	}
	_ = remote.Close()

	j.progress("Rebooting", 70)
	if err := j.cfg.Sleep(ctx, j.cfg.RebootWait); err != nil {
		return nil, err
	}
	next, err := j.dialRetry(ctx, []Credential{cred}, j.cfg.RebootAttempts)
	if err != nil {
		return nil, err
	}
	_, version, err = j.version(ctx, next)
	if err != nil {
		return next, err
	}
	if version != target {
		return next, statusproto.Failf(statusproto.KindJobFailed, "Firmware still %s after upgrade to %s", version, target)
	}
	j.progress("Upgrade complete", 90)
	return next, nil
}

// version parses `af get version`, e.g. "afltu.v2.3.4".
func (j *Job) version(ctx context.Context, remote Remote) (string, string, error) {
	out, err := remote.Run(ctx, "af get version")
	if err != nil {
		return "", "", err
	}
	platform, version, ok := strings.Cut(out, ".")
	if !ok {
		return "", "", statusproto.Failf(statusproto.KindJobFailed, "Unexpected firmware version %q", out)
	}
	return platform, version, nil
}

func (j *Job) connect(ctx context.Context) (Remote, Credential, error) {
	creds := []Credential{FactoryCredential}
	if j.cfg.Credential.User != "" && j.cfg.Credential != FactoryCredential {
		creds = []Credential{j.cfg.Credential, FactoryCredential}
	}
	remote, err := j.dialRetry(ctx, creds, j.cfg.ConnectAttempts)
	if err != nil {
		return nil, Credential{}, err
	}
	return remote, j.lastCred, nil
}

// dialRetry tries every credential per attempt. Only unreachable radios are
// retried; rejected credentials and protocol failures end the job.
func (j *Job) dialRetry(ctx context.Context, creds []Credential, attempts int) (Remote, error) {
	var remote Remote
	err := retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			if err := j.cfg.Sleep(ctx, j.cfg.ConnectInterval); err != nil {
				return retry.Fatal(err)
			}
		}
		var lastErr error
		for i, cred := range creds {
			r, err := j.dialer.Dial(ctx, j.cfg.Address, cred)
			if err == nil {
				remote, j.lastCred = r, cred
				return nil
			}
			if ctx.Err() != nil {
				return retry.Fatal(ctx.Err())
			}
			if isUnreachable(err) {
				return err
			}
			if !errors.Is(err, ErrAuth) {
				return retry.Fatal(errors.Wrap(err, "connect to radio"))
			}
			if i == 0 && len(creds) > 1 {
				j.progress("Couldn't connect using device password, try with default instead", 5)
			}
			lastErr = err
		}
		return retry.Fatal(&statusproto.Failure{
			Kind:    statusproto.KindInvalidCredentials,
			Message: "Invalid password",
			Cause:   lastErr,
		})
	},
		retry.WithMaxAttempts(attempts),
		retry.WithDelay(0),
		retry.WithOnRetry(func(attempt int, err error) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("radio not reachable yet")
			j.progress("Unreachable", 1)
		}),
	)
	if errors.Is(err, retry.ErrExhausted) {
		return nil, &statusproto.Failure{Kind: statusproto.KindDeviceUnreachable, Message: "Cannot connect to radio", Cause: err}
	}
	return remote, err
}

func isUnreachable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// sshd drops the handshake while the radio is still booting.
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (j *Job) progress(msg string, percent float64) {
	if err := j.report.Progress(msg, percent); err != nil {
		log.Warn().Err(err).Msg("report progress")
	}
}
