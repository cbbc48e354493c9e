package supervise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

func sleeperSpec(name string) manifest.ServiceSpec {
	return manifest.ServiceSpec{
		Name:    name,
		Command: "sleep",
		Args:    []string{"60"},
	}
}

func eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Register(sleeperSpec("sleeper"), nil)
	assert.Equal(t, StatePending, s.State("sleeper"))

	require.NoError(t, s.Start(context.Background(), "sleeper"))
	assert.Equal(t, StateAwaitingHealth, s.State("sleeper"))

	st, ok := s.Status("sleeper")
	require.True(t, ok)
	assert.Greater(t, st.PID, 0)

	s.MarkHealthy("sleeper")
	assert.Equal(t, StateHealthy, s.State("sleeper"))
	s.MarkDegraded("sleeper")
	assert.Equal(t, StateDegraded, s.State("sleeper"))
	s.MarkHealthy("sleeper")
	assert.Equal(t, StateHealthy, s.State("sleeper"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, "sleeper"))
	assert.Equal(t, StateStopped, s.State("sleeper"))

	st, _ = s.Status("sleeper")
	assert.True(t, st.StoppedByUser)
	assert.Zero(t, st.PID)
}

func TestUserStopSuppressesRestart(t *testing.T) {
	s := New(t.TempDir(), nil)
	spec := sleeperSpec("calm")
	spec.Restart.Policy = string(RestartUnlessStopped)
	s.Register(spec, nil)

	require.NoError(t, s.Start(context.Background(), "calm"))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, "calm"))

	// Give a would-be restart time to happen, then confirm it did not.
	time.Sleep(300 * time.Millisecond)
	st, _ := s.Status("calm")
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.Restarts)
}

func TestUnexpectedExitRestarts(t *testing.T) {
	s := New(t.TempDir(), nil)
	spec := manifest.ServiceSpec{
		Name:    "flappy",
		Command: "sleep",
		Args:    []string{"0.1"},
		Restart: manifest.Restart{
			Policy:         string(RestartUnlessStopped),
			BackoffFloor:   "10ms",
			CrashThreshold: 100,
		},
	}
	s.Register(spec, nil)
	require.NoError(t, s.Start(context.Background(), "flappy"))

	eventually(t, func() bool {
		st, _ := s.Status("flappy")
		return st.Restarts >= 1
	}, 5*time.Second, "service was not restarted after unexpected exit")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, "flappy"))
}

func TestCrashRateEscalatesToFailed(t *testing.T) {
	s := New(t.TempDir(), nil)
	spec := manifest.ServiceSpec{
		Name:    "crasher",
		Command: "false",
		Restart: manifest.Restart{
			Policy:         string(RestartUnlessStopped),
			BackoffFloor:   "1ms",
			CrashThreshold: 3,
			CrashWindow:    "1m",
		},
	}
	s.Register(spec, nil)
	require.NoError(t, s.Start(context.Background(), "crasher"))

	eventually(t, func() bool {
		return s.State("crasher") == StateFailed
	}, 10*time.Second, "crash rate did not escalate to failed")

	// Failed is terminal until an explicit reset.
	err := s.Start(context.Background(), "crasher")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset it before starting")

	require.NoError(t, s.Reset("crasher"))
	assert.Equal(t, StatePending, s.State("crasher"))
	st, _ := s.Status("crasher")
	assert.Zero(t, st.Restarts)
}

func TestRestartNever(t *testing.T) {
	s := New(t.TempDir(), nil)
	spec := manifest.ServiceSpec{
		Name:    "oneshot",
		Command: "false",
		Restart: manifest.Restart{Policy: string(RestartNever)},
	}
	s.Register(spec, nil)
	assert.Equal(t, RestartNever, s.Policy("oneshot"))

	require.NoError(t, s.Start(context.Background(), "oneshot"))
	eventually(t, func() bool {
		return s.State("oneshot") == StateFailed
	}, 5*time.Second, "never-restart crash should land in failed")

	st, _ := s.Status("oneshot")
	assert.Zero(t, st.Restarts)
}

func TestResetOnlyFromFailed(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Register(sleeperSpec("steady"), nil)
	err := s.Reset("steady")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed services can be reset")
}

func TestStopWithoutStart(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Register(sleeperSpec("idle"), nil)
	require.NoError(t, s.Stop(context.Background(), "idle"))
	assert.Equal(t, StateStopped, s.State("idle"))
}

func TestUnknownService(t *testing.T) {
	s := New(t.TempDir(), nil)
	assert.Error(t, s.Start(context.Background(), "ghost"))
	assert.Error(t, s.Stop(context.Background(), "ghost"))
	assert.Equal(t, RestartNever, s.Policy("ghost"))
	_, ok := s.Status("ghost")
	assert.False(t, ok)
}
