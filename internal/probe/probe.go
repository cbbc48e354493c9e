package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// ErrTimedOut is returned by AwaitHealthy when the retry budget or the
// wall-clock deadline is exhausted before the required success streak.
var ErrTimedOut = errors.New("health probe timed out")

// Spec is the resolved probe descriptor with defaults applied.
type Spec struct {
	Name          string // service name, for diagnostics
	Kind          string
	Target        string
	ExpectStatus  int
	Interval      time.Duration
	Timeout       time.Duration
	Retries       int
	SuccessStreak int
}

// FromManifest resolves a manifest probe block into a Spec with defaults.
func FromManifest(name string, p manifest.Probe) Spec {
	s := Spec{
		Name:          name,
		Kind:          p.Kind,
		Target:        p.Target,
		ExpectStatus:  p.ExpectStatus,
		Interval:      manifest.Duration(p.Interval, 2*time.Second),
		Timeout:       manifest.Duration(p.Timeout, 3*time.Second),
		Retries:       p.Retries,
		SuccessStreak: p.SuccessStreak,
	}
	if s.Retries <= 0 {
		s.Retries = 30
	}
	if s.SuccessStreak <= 0 {
		s.SuccessStreak = 1
	}
	return s
}

// Result is a single probe attempt outcome.
type Result struct {
	OK   bool
	Diag string
}

// Prober runs one readiness check. Implementations only need to produce a
// boolean success signal plus an optional diagnostic string.
type Prober interface {
	Probe(ctx context.Context) Result
}

// New builds a Prober for the spec's kind.
func New(s Spec) (Prober, error) {
	switch s.Kind {
	case "exec":
		return execProbe{script: s.Target}, nil
	case "tcp":
		return tcpProbe{addr: s.Target}, nil
	case "http":
		return httpProbe{url: s.Target, expect: s.ExpectStatus}, nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", s.Kind)
	}
}

// Check runs a single attempt with the spec's per-attempt timeout.
func Check(ctx context.Context, s Spec) Result {
	p, err := New(s)
	if err != nil {
		return Result{OK: false, Diag: err.Error()}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return p.Probe(attemptCtx)
}

// AwaitHealthy polls the probe until SuccessStreak consecutive passes are
// observed. A single failure resets the streak, so a service that reports
// ready prematurely and then flaps does not count as healthy. Exhausting the
// retry budget, the per-call deadline, or a context cancellation ends the
// wait; budget and deadline map to ErrTimedOut.
func AwaitHealthy(ctx context.Context, s Spec, onAttempt func(Result)) error {
	p, err := New(s)
	if err != nil {
		return err
	}
	return await(ctx, p, s, onAttempt)
}

func await(ctx context.Context, p Prober, s Spec, onAttempt func(Result)) error {
	var (
		streak   int
		attempts int
		lastDiag string
	)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, s.Timeout)
		res := p.Probe(attemptCtx)
		cancel()
		attempts++
		if onAttempt != nil {
			onAttempt(res)
		}
		if res.OK {
			streak++
			if streak >= s.SuccessStreak {
				return nil
			}
		} else {
			streak = 0
			lastDiag = res.Diag
		}
		if attempts >= s.Retries {
			return timeoutErr(s, attempts, lastDiag)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timeoutErr(s, attempts, lastDiag)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func timeoutErr(s Spec, attempts int, diag string) error {
	if diag == "" {
		return fmt.Errorf("%s: %w after %d attempts", s.Name, ErrTimedOut, attempts)
	}
	return fmt.Errorf("%s: %w after %d attempts: %s", s.Name, ErrTimedOut, attempts, diag)
}

type execProbe struct {
	script string
}

func (p execProbe) Probe(ctx context.Context) Result {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", p.script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Result{OK: false, Diag: trimOutput(out, err)}
	}
	return Result{OK: true}
}

func trimOutput(out []byte, err error) string {
	s := strings.TrimSpace(string(out))
	const limit = 512
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	if s == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v: %s", err, s)
}

type tcpProbe struct {
	addr string
}

func (p tcpProbe) Probe(ctx context.Context) Result {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return Result{OK: false, Diag: err.Error()}
	}
	_ = conn.Close()
	return Result{OK: true}
}

type httpProbe struct {
	url    string
	expect int
}

func (p httpProbe) Probe(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{OK: false, Diag: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{OK: false, Diag: err.Error()}
	}
	defer resp.Body.Close()
	if p.expect > 0 {
		if resp.StatusCode != p.expect {
			return Result{OK: false, Diag: fmt.Sprintf("status %d, want %d", resp.StatusCode, p.expect)}
		}
		return Result{OK: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{OK: false, Diag: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Result{OK: true}
}
