package ltu

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

const factoryConfig = `aaa.status=disabled
netconf.2.up=enabled
users.1.name=ubnt
users.1.password=$1$tL963iDU$SXu0h02ZZYfnoZcPkIlK21
radio.1.freq=5180
`

type fakeRemote struct {
	mu       sync.Mutex
	files    map[string][]byte
	outputs  map[string]string
	commands []string
	saved    int
	closed   bool
}

func newFakeRemote(version string) *fakeRemote {
	return &fakeRemote{
		files:   map[string][]byte{configPath: []byte(factoryConfig)},
		outputs: map[string]string{"af get version": version},
	}
}

func (r *fakeRemote) Run(ctx context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return r.outputs[command], nil
}

func (r *fakeRemote) Download(ctx context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	if !ok {
		return nil, errors.Errorf("no such file %s", path)
	}
	return data, nil
}

func (r *fakeRemote) Upload(ctx context.Context, path string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = data
	return nil
}

func (r *fakeRemote) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
	return nil
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// fakeDialer fails with errs first, then hands out remotes in order.
// Credentials not in accept are rejected.
type fakeDialer struct {
	errs    []error
	accept  map[Credential]bool
	remotes []*fakeRemote
	calls   []Credential
}

func (d *fakeDialer) Dial(ctx context.Context, addr string, cred Credential) (Remote, error) {
	d.calls = append(d.calls, cred)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if !d.accept[cred] {
		return nil, errors.Wrap(ErrAuth, "rejected")
	}
	r := d.remotes[0]
	if len(d.remotes) > 1 {
		d.remotes = d.remotes[1:]
	}
	return r, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var configured = Credential{User: "ubnt", Password: "s3cret"}

func testJob(t *testing.T, d *fakeDialer) *Job {
	t.Helper()
	job, err := NewJob(d, Config{
		Credential: configured,
		UNMSURI:    "wss://uisp.example.net:443+key",
		Sleep:      noSleep,
		Rand:       rand.New(rand.NewPCG(1, 2)),
	}, nil)
	require.NoError(t, err)
	return job
}

func TestSystemConfigRoundTrip(t *testing.T) {
	cfg, err := ParseSystemConfig([]byte("b=2\na=1\n\nc=x=y\n"))
	require.NoError(t, err)
	v, ok := cfg.Get("c")
	assert.True(t, ok)
	assert.Equal(t, "x=y", v)

	cfg.Set("a", "3")
	cfg.Set("d", "4")
	cfg.Delete("b")
	cfg.Delete("missing")
	assert.Equal(t, "a=3\nc=x=y\nd=4\n", string(cfg.Bytes()))

	_, err = ParseSystemConfig([]byte("ok=1\nbroken\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestApply(t *testing.T) {
	cfg, err := ParseSystemConfig([]byte(factoryConfig))
	require.NoError(t, err)
	sector := Sector{Name: "041", From: 30, To: 50, Freq: 5555, Bandwidth: 30}
	Apply(cfg, Customer{Hostname: "Ana_Maria", Location: &Point{Lat: 32.4, Lon: -112.8}}, sector,
		Settings{WirelessPSK: "psk", PasswordHash: "$1$abc$def", UNMSURI: "wss://x"})

	get := func(k string) string { v, _ := cfg.Get(k); return v }
	assert.Equal(t, "LTU-Ana_Maria", get("resolv.host.1.name"))
	assert.Equal(t, "FRI-041", get("wireless.1.ssid"))
	assert.Equal(t, "5555", get("radio.1.txfreq"))
	assert.Equal(t, "30", get("radio.1.chanbw"))
	assert.Equal(t, "32.4", get("system.latitude"))
	assert.Equal(t, "-112.8", get("system.longitude"))
	assert.Equal(t, "$1$abc$def", get("users.1.password"))
	assert.Equal(t, "enabled", get("unms.status"))
	assert.Equal(t, "MST7MDT,M3.2.0,M11.1.0", get("system.timezone"))
	_, ok := cfg.Get("netconf.2.up")
	assert.False(t, ok)

	// A radio that already has its own password keeps it.
	cfg.Set("users.1.password", "$1$own$hash")
	Apply(cfg, Customer{}, sector, Settings{PasswordHash: "$1$new$hash"})
	assert.Equal(t, "$1$own$hash", get("users.1.password"))
	assert.Equal(t, "LTU-missing", get("resolv.host.1.name"))
	assert.Equal(t, "", get("system.latitude"))
	assert.Equal(t, "disabled", get("unms.status"))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$1$"))
	assert.True(t, CheckPassword(hash, "s3cret"))
	assert.False(t, CheckPassword(hash, "ubnt"))

	other, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestChooseSector(t *testing.T) {
	plan, err := LoadSectorPlan("")
	require.NoError(t, err)
	rnd := rand.New(rand.NewPCG(1, 2))

	for bearing, want := range map[float64]string{
		5:   "005-LR",
		-10: "360",
		15:  "015-LR",
		20:  "020-LR",
		44:  "045-LR",
		80:  "080",
		130: "130",
	} {
		got, ok := plan.Choose(bearing, rnd)
		require.True(t, ok, "bearing %v", bearing)
		assert.Equal(t, want, got.Name, "bearing %v", bearing)
	}

	_, ok := plan.Choose(95, rnd)
	assert.False(t, ok)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, _ := plan.Choose(12.5, rnd)
		seen[got.Name] = true
	}
	assert.Equal(t, map[string]bool{"010-LR": true, "015-LR": true}, seen)
}

func TestBearing(t *testing.T) {
	plan, err := LoadSectorPlan("")
	require.NoError(t, err)
	base := plan.BaseStation
	assert.InDelta(t, 0, plan.Bearing(Point{Lat: base.Lat + 0.1, Lon: base.Lon}), 0.01)
	assert.InDelta(t, 90, plan.Bearing(Point{Lat: base.Lat, Lon: base.Lon + 0.1}), 0.1)
	assert.InDelta(t, 180, math.Abs(plan.Bearing(Point{Lat: base.Lat - 0.1, Lon: base.Lon})), 0.01)
}

func TestParseSectorPlanRejectsBadInput(t *testing.T) {
	_, err := ParseSectorPlan([]byte("sectors: []"))
	assert.Error(t, err)
	_, err = ParseSectorPlan([]byte("sectors:\n  - {name: x, from: 10, to: 5}"))
	assert.Error(t, err)

	path := t.TempDir() + "/sectors.yaml"
	require.NoError(t, os.WriteFile(path, []byte("default_bearing: 12\nsectors:\n  - {name: only, from: 0, to: 360, freq: 5300, bandwidth: 20}\n"), 0o600))
	plan, err := LoadSectorPlan(path)
	require.NoError(t, err)
	assert.Equal(t, 12.0, plan.DefaultBearing)
}

func TestJobFallsBackToFactoryCredential(t *testing.T) {
	remote := newFakeRemote("afltu.v2.3.4")
	d := &fakeDialer{accept: map[Credential]bool{FactoryCredential: true}, remotes: []*fakeRemote{remote}}

	err := testJob(t, d).Run(context.Background(), Customer{Hostname: "Ana_Maria", Location: &Point{Lat: 32.5, Lon: -112.7}})
	require.NoError(t, err)
	assert.Equal(t, []Credential{configured, FactoryCredential}, d.calls)
	assert.Equal(t, 1, remote.saved)
	assert.True(t, remote.closed)

	written, err := ParseSystemConfig(remote.files[configPath])
	require.NoError(t, err)
	host, _ := written.Get("resolv.host.1.name")
	assert.Equal(t, "LTU-Ana_Maria", host)
	hash, _ := written.Get("users.1.password")
	assert.True(t, CheckPassword(hash, "s3cret"))
	assert.NotContains(t, remote.commands, "/sbin/fwupdate -m")
}

func TestJobRetriesUnreachableRadio(t *testing.T) {
	refused := errors.Wrap(syscall.ECONNREFUSED, "dial 192.168.1.20:22")
	d := &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{newFakeRemote("afltu.v2.3.4")}}
	for i := 0; i < 74; i++ {
		d.errs = append(d.errs, refused)
	}
	require.NoError(t, testJob(t, d).Run(context.Background(), Customer{Hostname: "a"}))
	assert.Len(t, d.calls, 75)

	d = &fakeDialer{accept: map[Credential]bool{configured: true}}
	for i := 0; i < 75; i++ {
		d.errs = append(d.errs, refused)
	}
	err := testJob(t, d).Run(context.Background(), Customer{Hostname: "a"})
	require.ErrorIs(t, err, statusproto.ErrDeviceUnreachable)
	assert.Len(t, d.calls, 75)
}

func TestJobDialFailurePolicy(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
		kind  statusproto.Kind
	}{
		{"refused", errors.Wrap(syscall.ECONNREFUSED, "dial"), 75, statusproto.KindDeviceUnreachable},
		{"host unreachable", errors.Wrap(syscall.EHOSTUNREACH, "dial"), 75, statusproto.KindDeviceUnreachable},
		{"handshake dropped while booting", errors.Wrap(io.EOF, "ssh: handshake failed"), 75, statusproto.KindDeviceUnreachable},
		{"protocol failure", errors.New("ssh: handshake failed: no common algorithm for key exchange"), 1, statusproto.KindJobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{accept: map[Credential]bool{configured: true}}
			for i := 0; i < 75; i++ {
				d.errs = append(d.errs, tt.err)
			}
			err := testJob(t, d).Run(context.Background(), Customer{Hostname: "a"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, statusproto.Classify(err).Kind, "got %v", err)
			assert.Len(t, d.calls, tt.calls)
		})
	}
}

func TestJobRejectedCredentials(t *testing.T) {
	d := &fakeDialer{}
	err := testJob(t, d).Run(context.Background(), Customer{Hostname: "a"})
	require.ErrorIs(t, err, statusproto.ErrInvalidCredentials)
	assert.Len(t, d.calls, 2)
}

func TestJobUpgradesFirmware(t *testing.T) {
	before := newFakeRemote("afltu.v2.2.0")
	after := newFakeRemote("afltu.v2.3.4")
	d := &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{before, after}}
	job := testJob(t, d)
	var read string
	job.readFile = func(path string) ([]byte, error) {
		read = path
		return []byte("fw"), nil
	}

	require.NoError(t, job.Run(context.Background(), Customer{Hostname: "a"}))
	assert.Equal(t, "firmware/afltu.v2.3.4.bin", read)
	assert.Equal(t, []byte("fw"), before.files[firmwarePath])
	assert.Contains(t, before.commands, "/sbin/fwupdate -m")
	assert.True(t, before.closed)
	assert.True(t, after.closed)
	assert.Equal(t, []string{"af get version"}, after.commands)
}

func TestJobUpgradeDidNotTake(t *testing.T) {
	d := &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{newFakeRemote("afltu.v2.2.0")}}
	job := testJob(t, d)
	job.readFile = func(string) ([]byte, error) { return []byte("fw"), nil }
	err := job.Run(context.Background(), Customer{Hostname: "a"})
	f := statusproto.Classify(err)
	assert.Equal(t, statusproto.KindJobFailed, f.Kind)
	assert.Contains(t, f.Message, "v2.2.0")
}

func TestJobMissingFirmware(t *testing.T) {
	d := &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{newFakeRemote("afltu.v2.2.0")}}
	job := testJob(t, d)
	job.readFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	err := job.Run(context.Background(), Customer{Hostname: "a"})
	require.ErrorIs(t, err, statusproto.ErrMissingFirmware)

	d = &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{newFakeRemote("af5xhd.v1.0")}}
	err = testJob(t, d).Run(context.Background(), Customer{Hostname: "a"})
	require.ErrorIs(t, err, statusproto.ErrMissingFirmware)
	assert.Equal(t, "No firmware found for af5xhd", err.Error())
}

func TestJobCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &fakeDialer{accept: map[Credential]bool{configured: true}, remotes: []*fakeRemote{newFakeRemote("afltu.v2.3.4")}}
	err := testJob(t, d).Run(ctx, Customer{Hostname: "a"})
	assert.Equal(t, statusproto.KindCancelled, statusproto.Classify(err).Kind)
}

func TestWaitForPrompts(t *testing.T) {
	r := strings.NewReader("afltu.v2.3.4# save\r\nsaving...\r\nafltu.v2.3.4# ")
	assert.NoError(t, waitForPrompts(r, savePrompt, 2))
	r = strings.NewReader("afltu.v2.3.4# save\r\n")
	assert.Error(t, waitForPrompts(r, savePrompt, 2))
}
