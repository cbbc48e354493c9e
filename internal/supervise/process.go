package supervise

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	sysrt "github.com/ooeygg/bitcoin-docker/internal/runtime"
)

// Handle holds the running process information for one service.
type Handle struct {
	PID       int
	Cmd       *exec.Cmd
	Name      string
	StartedAt time.Time
}

// StartOptions specifies how to launch a service process.
type StartOptions struct {
	Name       string
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	NoFile     uint64 // RLIMIT_NOFILE
}

// Runner starts and stops native service processes. Stdout/stderr are
// captured line by line into the structured log and appended to
// <logDir>/<name>.log for the logs command.
type Runner struct {
	logDir string
}

func NewRunner(logDir string) *Runner { return &Runner{logDir: logDir} }

// Start launches the process in its own process group and returns a handle.
func (r *Runner) Start(opts StartOptions) (*Handle, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := sysrt.ApplyRlimits(opts.NoFile); err != nil {
		return nil, err
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	// Always a scrubbed environment. A nil Env would make the child inherit
	// the supervisor's full environment, credentials included.
	cmd.Env = append(baselineEnv(), opts.Env...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	// Own process group so stop signals reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	logFile := r.openLogFile(opts.Name)
	var wg sync.WaitGroup
	for stream, src := range map[string]io.Reader{"stdout": stdout, "stderr": stderr} {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(stream string, src io.Reader) {
			defer wg.Done()
			streamLogs(opts.Name, stream, src, logFile)
		}(stream, src)
	}
	if logFile != nil {
		go func() {
			wg.Wait()
			_ = logFile.Close()
		}()
	}
	return &Handle{PID: cmd.Process.Pid, Cmd: cmd, Name: opts.Name, StartedAt: time.Now()}, nil
}

// Signal sends SIGTERM to the handle's process group.
func (r *Runner) Signal(h *Handle) {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-h.Cmd.Process.Pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the handle's process group.
func (r *Runner) Kill(h *Handle) {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-h.Cmd.Process.Pid, syscall.SIGKILL)
}

// StopPID terminates an orphaned process by PID: SIGTERM to its group, then
// SIGKILL after the grace period if it is still alive.
func StopPID(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// IsRunning reports whether a PID refers to a live process.
func IsRunning(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (r *Runner) openLogFile(name string) *os.File {
	if r.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("create log dir")
		return nil
	}
	f, err := os.OpenFile(filepath.Join(r.logDir, name+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Str("service", name).Err(err).Msg("open service log file")
		return nil
	}
	return f
}

// maxLogLine bounds a single captured line. bufio.Scanner gives up past its
// buffer size, so the default 64KB would silently end capture for the stream.
const maxLogLine = 1 << 20

// baselineEnv is the environment every service starts from; declared env and
// credentials are layered on top.
func baselineEnv() []string {
	return []string{"PATH=" + os.Getenv("PATH")}
}

// streamLogs drains one pipe until EOF. It is deliberately not tied to any
// caller context: the process outlives the start call, and an undrained pipe
// wedges the child as soon as the kernel buffer fills.
func streamLogs(name, stream string, src io.Reader, file *os.File) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		line := scanner.Text()
		log.Info().Str("service", name).Str("stream", stream).Msg(line)
		if file != nil {
			_, _ = fmt.Fprintln(file, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Str("service", name).Str("stream", stream).Err(err).Msg("log capture ended")
	}
}
