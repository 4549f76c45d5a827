package provisioner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

func TestStoreTransitions(t *testing.T) {
	s := NewStore()
	prov := DeviceStatus{Phase: PhaseProvisioning, Name: "a"}

	assert.ErrorIs(t, s.Transition(DeviceRouter, Succeeded("a")), ErrInvalidTransition)
	assert.Equal(t, PhaseIdle, s.Status(DeviceRouter).Phase)

	require.NoError(t, s.Transition(DeviceRouter, prov))
	assert.ErrorIs(t, s.Transition(DeviceRouter, prov), ErrInvalidTransition)
	assert.ErrorIs(t, s.Transition(DeviceRouter, Idle()), ErrInvalidTransition)
	require.NoError(t, s.Transition(DeviceRouter, Failed("a", &JobError{Kind: statusproto.KindJobFailed, Message: "x"})))
	assert.ErrorIs(t, s.Transition(DeviceRouter, prov), ErrInvalidTransition)
	require.NoError(t, s.Transition(DeviceRouter, Idle()))

	assert.ErrorIs(t, s.Transition(DeviceEverything, prov), ErrInvalidDevice)
}

func TestStoreGetIsDeepCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceCPE, "c", "job-1"))
	require.True(t, s.Finish(DeviceCPE, "job-1", Failed("", &JobError{Kind: statusproto.KindUISyncTimeout, Screenshot: []byte{1, 2}})))

	snap := s.Get()
	snap.CPE.Err.Screenshot[0] = 9
	snap.CPE.Name = "changed"
	again := s.Get()
	assert.Equal(t, []byte{1, 2}, again.CPE.Err.Screenshot)
	assert.Equal(t, "c", again.CPE.Name)
}

func TestStoreProgressMonotonicAndCapped(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "job-1"))

	assert.True(t, s.SetProgress(DeviceRouter, "job-1", 0.5))
	s.SetProgress(DeviceRouter, "job-1", 0.2)
	assert.Equal(t, 0.5, s.Status(DeviceRouter).Progress)

	s.SetProgress(DeviceRouter, "job-1", 1)
	assert.Equal(t, ProgressCeiling, s.Status(DeviceRouter).Progress)

	for i := 0; i < 10; i++ {
		s.TickProgress(DeviceRouter, 0.01)
	}
	assert.Less(t, s.Status(DeviceRouter).Progress, 1.0)
}

func TestStoreGuardedWritesIgnoreOtherJobs(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "job-1"))

	assert.False(t, s.SetMessage(DeviceRouter, "job-0", "late"))
	assert.False(t, s.Finish(DeviceRouter, "job-0", Succeeded("r")))
	assert.Equal(t, "starting", s.Status(DeviceRouter).Message)

	_, err := s.Cancel(DeviceRouter)
	require.NoError(t, err)
	assert.False(t, s.SetProgress(DeviceRouter, "job-1", 0.7))
	assert.False(t, s.Finish(DeviceRouter, "job-1", Succeeded("r")))
	assert.Equal(t, Idle(), s.Status(DeviceRouter))
}

func TestStoreBeginNotIdle(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "job-1"))
	err := s.Begin(DeviceRouter, "r2", "job-2")
	assert.ErrorIs(t, err, ErrNotIdle)
	st := s.Status(DeviceRouter)
	assert.Equal(t, "r", st.Name)
	assert.Equal(t, "job-1", st.JobID)
}

func TestStoreCancelAllOrNothing(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "job-1"))

	_, err := s.Cancel(DeviceEverything.Expand()...)
	require.ErrorIs(t, err, ErrNotProvisioning)
	assert.Contains(t, err.Error(), "cpe")
	assert.Equal(t, PhaseProvisioning, s.Status(DeviceRouter).Phase)

	jobs, err := s.Cancel(DeviceRouter)
	require.NoError(t, err)
	assert.Equal(t, map[Device]string{DeviceRouter: "job-1"}, jobs)
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.Clear(DeviceRouter), ErrInvalidTransition)
	require.NoError(t, s.Begin(DeviceRouter, "r", "j"))
	assert.ErrorIs(t, s.Clear(DeviceRouter), ErrInvalidTransition)
	require.True(t, s.Finish(DeviceRouter, "j", Succeeded("")))
	require.NoError(t, s.Clear(DeviceRouter))
	assert.Equal(t, PhaseIdle, s.Status(DeviceRouter).Phase)
}

func TestDeviceStatusJSON(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "j"))
	s.SetProgress(DeviceRouter, "j", 0.25)
	require.NoError(t, s.Begin(DeviceCPE, "c", "k"))
	s.Finish(DeviceCPE, "k", Failed("", &JobError{Kind: statusproto.KindDeviceUnreachable, Message: "Cannot connect"}))

	raw, err := json.Marshal(s.Get())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"router":{"status":"provisioning","name":"r","progress":0.25,"message":"starting","job_id":"j"},
		"cpe":{"status":"error","name":"c","error":"Cannot connect","error_kind":"DeviceUnreachable","screenshot":false,"job_id":"k"}
	}`, string(raw))

	s.Reset()
	raw, err = json.Marshal(s.Get())
	require.NoError(t, err)
	assert.JSONEq(t, `{"router":{"status":"idle"},"cpe":{"status":"idle"}}`, string(raw))
}

func TestStoreRunTicker(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceCPE, "c", "j"))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunTicker(ctx, time.Millisecond, 0.01)
	}()
	require.Eventually(t, func() bool { return s.Status(DeviceCPE).Progress > 0.05 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, PhaseIdle, s.Status(DeviceRouter).Phase)
}

func TestStoreRunTickerRejectsNonPositiveInterval(t *testing.T) {
	s := NewStore()
	for _, interval := range []time.Duration{0, -time.Second} {
		err := s.RunTicker(context.Background(), interval, 0.01)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interval must be positive")
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Begin(DeviceRouter, "r", "j"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				s.SetProgress(DeviceRouter, "j", float64(n)/100)
			}
		}()
		go func() {
			defer wg.Done()
			last := 0.0
			for n := 0; n < 100; n++ {
				p := s.Get().Router.Progress
				assert.GreaterOrEqual(t, p, last)
				last = p
			}
		}()
	}
	wg.Wait()
}
