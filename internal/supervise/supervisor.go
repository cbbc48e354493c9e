package supervise

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// State is the runtime state of a managed service. It is owned exclusively by
// the Supervisor; everything else reads it through Status.
type State string

const (
	StatePending        State = "pending"
	StateStarting       State = "starting"
	StateAwaitingHealth State = "awaiting-health"
	StateHealthy        State = "healthy"
	StateDegraded       State = "degraded"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// RestartPolicy controls what happens on an unexpected process exit.
type RestartPolicy string

const (
	// RestartUnlessStopped restarts on any exit except an explicit operator
	// stop, with a backoff floor to avoid restart storms.
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartNever         RestartPolicy = "never"
)

const (
	defaultBackoffFloor   = time.Second
	maxBackoff            = 30 * time.Second
	defaultCrashThreshold = 5
	defaultCrashWindow    = 10 * time.Minute
	stopGrace             = 10 * time.Second
)

// Status is the read model exposed to the sequencer, probe engine and API.
type Status struct {
	Name          string `json:"name"`
	State         State  `json:"state"`
	PID           int    `json:"pid"`
	Restarts      int    `json:"restarts"`
	StoppedByUser bool   `json:"stopped_by_user"`
}

// Supervisor starts, stops and restarts service processes and owns their
// runtime state.
type Supervisor struct {
	mu       sync.RWMutex
	runner   *Runner
	services map[string]*managed
	onState  func(name string, from, to State)
}

type managed struct {
	spec        manifest.ServiceSpec
	env         []string
	state       State
	handle      *Handle
	cancel      context.CancelFunc
	done        chan struct{}
	restarts    int
	crashes     []time.Time
	userStopped bool
}

// New creates a Supervisor. onState, if non-nil, is invoked after every state
// transition (outside the supervisor lock).
func New(logDir string, onState func(name string, from, to State)) *Supervisor {
	return &Supervisor{
		runner:   NewRunner(logDir),
		services: make(map[string]*managed),
		onState:  onState,
	}
}

// Register declares a service with its fully rendered environment. State
// starts at pending.
func (s *Supervisor) Register(spec manifest.ServiceSpec, env []string) {
	s.mu.Lock()
	s.services[spec.Name] = &managed{spec: spec, env: env, state: StatePending}
	s.mu.Unlock()
}

// Policy returns the effective restart policy for a service.
func (s *Supervisor) Policy(name string) RestartPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.services[name]
	if !ok {
		return RestartNever
	}
	if m.spec.Restart.Policy == string(RestartNever) {
		return RestartNever
	}
	return RestartUnlessStopped
}

// Start launches a registered service and begins supervising it. The caller
// is expected to gate dependents on health separately; Start only guarantees
// the process is running.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	m, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	switch m.state {
	case StatePending, StateStopped:
	case StateFailed:
		s.mu.Unlock()
		return fmt.Errorf("service %q is failed; reset it before starting", name)
	default:
		s.mu.Unlock()
		return nil
	}
	m.userStopped = false
	m.crashes = nil
	opts := startOptions(m)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.setState(name, StateStarting)
	h, err := s.runner.Start(opts)
	if err != nil {
		s.setState(name, StateFailed)
		return fmt.Errorf("start %s: %w", name, err)
	}

	// The watch loop lives beyond the caller's (stage) context: a stage
	// timeout must not kill services that already came up healthy.
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	m.handle = h
	m.cancel = cancel
	m.done = done
	s.mu.Unlock()

	log.Info().Str("service", name).Int("pid", h.PID).Msg("process started")
	s.setState(name, StateAwaitingHealth)
	go s.watch(loopCtx, name, h, done)
	return nil
}

// watch waits for process exit and applies the restart policy.
func (s *Supervisor) watch(ctx context.Context, name string, h *Handle, done chan struct{}) {
	defer close(done)

	spec := s.spec(name)
	backoffFloor := manifest.Duration(spec.Restart.BackoffFloor, defaultBackoffFloor)
	crashWindow := manifest.Duration(spec.Restart.CrashWindow, defaultCrashWindow)
	crashThreshold := spec.Restart.CrashThreshold
	if crashThreshold <= 0 {
		crashThreshold = defaultCrashThreshold
	}
	backoff := backoffFloor

	for {
		waitCh := make(chan error, 1)
		go func(h *Handle) { waitCh <- h.Cmd.Wait() }(h)

		select {
		case <-ctx.Done():
			// Operator stop: SIGTERM the group, escalate after grace.
			s.runner.Signal(h)
			select {
			case <-waitCh:
			case <-time.After(stopGrace):
				s.runner.Kill(h)
				<-waitCh
			}
			s.setState(name, StateStopped)
			return

		case err := <-waitCh:
			if s.stoppedByUser(name) {
				s.setState(name, StateStopped)
				return
			}
			log.Warn().Str("service", name).Err(err).Msg("process exited unexpectedly")

			if s.Policy(name) == RestartNever {
				if err != nil {
					s.setState(name, StateFailed)
				} else {
					s.setState(name, StateStopped)
				}
				return
			}

			if s.recordCrash(name, crashWindow) >= crashThreshold {
				log.Error().Str("service", name).
					Int("crashes", crashThreshold).Dur("window", crashWindow).
					Msg("crash rate exceeded, escalating to failed")
				s.setState(name, StateFailed)
				return
			}

			s.setState(name, StateStarting)
			select {
			case <-ctx.Done():
				s.setState(name, StateStopped)
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}

			nh, startErr := s.runner.Start(startOptions(s.managedRef(name)))
			if startErr != nil {
				log.Error().Str("service", name).Err(startErr).Msg("restart failed")
				if s.recordCrash(name, crashWindow) >= crashThreshold {
					s.setState(name, StateFailed)
					return
				}
				continue
			}
			h = nh
			s.mu.Lock()
			m := s.services[name]
			m.handle = nh
			m.restarts++
			s.mu.Unlock()
			log.Info().Str("service", name).Int("pid", nh.PID).Msg("process restarted")
			s.setState(name, StateAwaitingHealth)
		}
	}
}

// Stop performs an explicit operator stop: the restart policy does not apply
// and the service will not be relaunched until Start is called again.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	m, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	m.userStopped = true
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		s.setState(name, StateStopped)
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", name, ctx.Err())
	}
}

// MarkHealthy records a passing health gate. Only meaningful transitions are
// applied; a failed or stopped service stays where it is.
func (s *Supervisor) MarkHealthy(name string) {
	s.transition(name, StateHealthy, StateAwaitingHealth, StateDegraded)
}

// MarkDegraded records a health regression on a running service.
func (s *Supervisor) MarkDegraded(name string) {
	s.transition(name, StateDegraded, StateHealthy)
}

// Reset clears a failed service back to pending so it may be started again.
func (s *Supervisor) Reset(name string) error {
	s.mu.Lock()
	m, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	if m.state != StateFailed {
		st := m.state
		s.mu.Unlock()
		return fmt.Errorf("service %q is %s, only failed services can be reset", name, st)
	}
	m.crashes = nil
	m.restarts = 0
	s.mu.Unlock()
	s.setState(name, StatePending)
	return nil
}

// State returns the current runtime state of a service.
func (s *Supervisor) State(name string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.services[name]; ok {
		return m.state
	}
	return ""
}

// Status returns the read model for one service.
func (s *Supervisor) Status(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.services[name]
	if !ok {
		return Status{}, false
	}
	return statusOf(name, m), true
}

// Statuses returns the read model for every registered service, sorted by
// name.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.services))
	for name, m := range s.services {
		out = append(out, statusOf(name, m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(name string, m *managed) Status {
	st := Status{Name: name, State: m.state, Restarts: m.restarts, StoppedByUser: m.userStopped}
	if m.handle != nil && m.state != StateStopped && m.state != StateFailed {
		st.PID = m.handle.PID
	}
	return st
}

func (s *Supervisor) setState(name string, to State) {
	s.mu.Lock()
	m, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	from := m.state
	m.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	log.Info().Str("service", name).Str("from", string(from)).Str("to", string(to)).Msg("state change")
	if s.onState != nil {
		s.onState(name, from, to)
	}
}

// transition applies to only when the current state is one of from.
func (s *Supervisor) transition(name string, to State, from ...State) {
	s.mu.Lock()
	m, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	allowed := false
	for _, f := range from {
		if m.state == f {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(name, to)
}

func (s *Supervisor) stoppedByUser(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.services[name]
	return ok && m.userStopped
}

func (s *Supervisor) recordCrash(name string, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.services[name]
	if !ok {
		return 0
	}
	now := time.Now()
	m.crashes = append(m.crashes, now)
	kept := m.crashes[:0]
	for _, t := range m.crashes {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	m.crashes = kept
	return len(m.crashes)
}

func (s *Supervisor) spec(name string) manifest.ServiceSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.services[name]; ok {
		return m.spec
	}
	return manifest.ServiceSpec{}
}

func (s *Supervisor) managedRef(name string) *managed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services[name]
}

func startOptions(m *managed) StartOptions {
	return StartOptions{
		Name:       m.spec.Name,
		Command:    m.spec.Command,
		Args:       m.spec.Args,
		Env:        m.env,
		WorkingDir: m.spec.WorkingDir,
		NoFile:     m.spec.Resources.OpenFiles,
	}
}
