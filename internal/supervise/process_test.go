package supervise

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// A chatty service must keep running after the start context is gone: log
// capture lives for the life of the process, not the caller. Otherwise the
// child wedges writing to a full pipe once nobody drains it.
func TestLogCaptureOutlivesStartContext(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	marker := filepath.Join(dir, "finished")
	spec := manifest.ServiceSpec{
		Name:    "chatty",
		Command: "/bin/sh",
		Args: []string{"-c",
			"i=0; while [ $i -lt 20000 ]; do echo line $i; i=$((i+1)); done; : > " + marker},
		Restart: manifest.Restart{Policy: string(RestartNever)},
	}
	s.Register(spec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "chatty"))
	cancel()

	eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 15*time.Second, "process never finished: stdout pipe not drained after start context cancel")

	// The full output, well past one pipe buffer, landed in the log file.
	eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "chatty.log"))
		return err == nil && strings.Contains(string(b), "line 19999")
	}, 5*time.Second, "captured log is missing the tail of the output")
}

func TestStartRefusesCancelledContext(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.Register(sleeperSpec("late"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Start(ctx, "late"))
	assert.Equal(t, StatePending, s.State("late"))
}

// Lines longer than the default bufio.Scanner buffer must not end capture for
// the stream; the log file backs the logs command.
func TestCaptureSurvivesLongLines(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)
	h, err := r.Start(StartOptions{
		Name:    "longline",
		Command: "/bin/sh",
		Args:    []string{"-c", `head -c 100000 /dev/zero | tr '\0' a; echo; echo end-marker`},
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "longline.log"))
		return err == nil && strings.Contains(string(b), "end-marker")
	}, 10*time.Second, "line after the oversized one was not captured")

	b, err := os.ReadFile(filepath.Join(dir, "longline.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), strings.Repeat("a", 100000))
	_ = h.Cmd.Wait()
}

// Services get a scrubbed environment: PATH plus the rendered env, never the
// supervisor's own variables.
func TestStartScrubsEnvironment(t *testing.T) {
	t.Setenv("SUPERVISOR_CANARY", "leaky")
	dir := t.TempDir()
	r := NewRunner(dir)
	dump := filepath.Join(dir, "env.dump")
	h, err := r.Start(StartOptions{
		Name:    "envcheck",
		Command: "/bin/sh",
		Args:    []string{"-c", "env > " + dump},
		Env:     []string{"DECLARED_KEY=value"},
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		b, err := os.ReadFile(dump)
		return err == nil && len(b) > 0
	}, 10*time.Second, "env dump never appeared")

	b, err := os.ReadFile(dump)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "SUPERVISOR_CANARY")
	assert.Contains(t, out, "DECLARED_KEY=value")
	assert.Contains(t, out, "PATH=")
	_ = h.Cmd.Wait()
}
