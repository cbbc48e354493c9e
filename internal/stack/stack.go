// Package stack is the orchestrator: it wires the credential store, the
// sequencer, the probe engine, the network policy and the supervisor into the
// operator-facing lifecycle (init, up, down, status).
package stack

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/certs"
	"github.com/ooeygg/bitcoin-docker/internal/creds"
	"github.com/ooeygg/bitcoin-docker/internal/events"
	"github.com/ooeygg/bitcoin-docker/internal/manifest"
	"github.com/ooeygg/bitcoin-docker/internal/metrics"
	"github.com/ooeygg/bitcoin-docker/internal/netpolicy"
	"github.com/ooeygg/bitcoin-docker/internal/probe"
	"github.com/ooeygg/bitcoin-docker/internal/sequence"
	"github.com/ooeygg/bitcoin-docker/internal/state"
	"github.com/ooeygg/bitcoin-docker/internal/store"
	"github.com/ooeygg/bitcoin-docker/internal/supervise"
)

// Options configures a Stack.
type Options struct {
	ManifestPath string
	CredsPath    string
	DataDir      string // root for state, logs and certificate storage
	HTTPAddr     string
	StageTimeout time.Duration
	StrictCreds  bool
}

// StageError reports a startup stage that failed to reach healthy inside its
// collective budget. Everything started so far has been torn down by the time
// it is returned.
type StageError struct {
	Stage  int
	Causes []string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d failed to become healthy: %s", e.Stage, strings.Join(e.Causes, "; "))
}

// TeardownError reports services that could not be stopped cleanly.
type TeardownError struct {
	Errs map[string]string
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for name, msg := range e.Errs {
		parts = append(parts, fmt.Sprintf("%s: %s", name, msg))
	}
	return fmt.Sprintf("teardown incomplete: %s", strings.Join(parts, "; "))
}

// Stack is the top-level runtime handle.
type Stack struct {
	opts   Options
	man    *manifest.StackManifest
	creds  *creds.Store
	policy *netpolicy.Policy
	sup    *supervise.Supervisor
	cert   *certs.Manager
	pub    *events.Publisher
	infos  *store.MemoryStore
	start  time.Time
	closed atomic.Bool

	mu       sync.Mutex
	stages   [][]string
	status   string
	statErr  string
	started  []string // successful starts in order; teardown walks it backwards
	monitors map[string]context.CancelFunc
}

// New loads and validates all configuration. Every ConfigError-class problem
// (manifest, zone policy, credential file) surfaces here, before any process
// is touched.
func New(opts Options) (*Stack, error) {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	man, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	policy, err := netpolicy.New(man)
	if err != nil {
		return nil, err
	}
	credStore, err := creds.Load(opts.CredsPath, opts.StrictCreds)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	s := &Stack{
		opts:     opts,
		man:      man,
		creds:    credStore,
		policy:   policy,
		infos:    store.NewMemoryStore(),
		start:    time.Now(),
		status:   "idle",
		monitors: make(map[string]context.CancelFunc),
	}
	s.sup = supervise.New(s.logDir(), s.onStateChange)

	if len(man.TLS.Domains) > 0 {
		mgr, err := certs.NewManager(certs.FromManifest(man.TLS, filepath.Join(opts.DataDir, "certs")))
		if err != nil {
			return nil, err
		}
		s.cert = mgr
	}
	return s, nil
}

// Manifest exposes the loaded manifest (immutable).
func (s *Stack) Manifest() *manifest.StackManifest { return s.man }

// Policy exposes the derived network policy.
func (s *Stack) Policy() *netpolicy.Policy { return s.policy }

// CertManager returns the certificate manager, nil when TLS is not
// configured.
func (s *Stack) CertManager() *certs.Manager { return s.cert }

func (s *Stack) stateDir() string { return filepath.Join(s.opts.DataDir, "state") }
func (s *Stack) logDir() string   { return filepath.Join(s.opts.DataDir, "logs") }

// LogPath returns the per-service log file consumed by the logs command.
func (s *Stack) LogPath(name string) string {
	return filepath.Join(s.logDir(), name+".log")
}

// Init validates credentials against every service's declared keys and checks
// binary version constraints. It is the operation behind the init command and
// the first step of Up.
func (s *Stack) Init(ctx context.Context) error {
	required := map[string]bool{}
	for _, svc := range s.man.Services {
		for _, k := range svc.Credentials {
			required[k] = true
		}
	}
	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	if err := s.creds.Validate(keys); err != nil {
		return err
	}
	if err := s.checkVersions(ctx); err != nil {
		return err
	}
	return state.Save(s.stateDir(), s.snapshot())
}

// Plan computes the staged startup order. Pure: no process is touched.
func (s *Stack) Plan() ([][]string, error) {
	return sequence.Plan(s.man.DepsByName())
}

// Up validates, plans and executes the staged startup. On a stage failure
// every already-started service is stopped in reverse start order.
func (s *Stack) Up(ctx context.Context) error {
	s.setStatus("starting", "")
	if err := s.Init(ctx); err != nil {
		s.setStatus("failed", err.Error())
		return err
	}

	stages, err := sequence.Plan(s.man.DepsByName())
	if err != nil {
		s.setStatus("failed", err.Error())
		return err
	}
	s.mu.Lock()
	s.stages = stages
	s.mu.Unlock()
	log.Info().Int("stages", len(stages)).Msg("startup plan computed")

	s.cleanOrphans()
	s.registerServices()

	if s.man.Events.NATSURL != "" && s.pub == nil {
		pub, err := events.Connect(s.man.Events.NATSURL, s.man.Events.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("event publishing disabled")
		} else {
			s.pub = pub
		}
	}
	if s.cert != nil {
		go s.cert.Run(ctx)
	}

	for i, stage := range stages {
		if err := s.runStage(ctx, i, stage); err != nil {
			s.setStatus("failed", err.Error())
			s.persist()
			return err
		}
		s.persist()
	}

	s.setStatus("running", "")
	s.persist()
	log.Info().Msg("all services healthy")
	return nil
}

// runStage starts every service in the stage concurrently and blocks until
// all of them are healthy or the stage's collective timeout elapses.
func (s *Stack) runStage(ctx context.Context, idx int, stage []string) error {
	log.Info().Int("stage", idx).Strs("services", stage).Msg("starting stage")
	began := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, s.opts.StageTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(stage))
	for _, name := range stage {
		svc, _ := s.man.Service(name)
		wg.Add(1)
		go func(svc manifest.ServiceSpec) {
			defer wg.Done()
			errCh <- s.bringUp(stageCtx, svc)
		}(svc)
	}
	wg.Wait()
	close(errCh)

	var causes []string
	for err := range errCh {
		if err != nil {
			causes = append(causes, err.Error())
		}
	}
	if len(causes) > 0 {
		cancel() // stop in-flight probes before unwinding
		log.Error().Int("stage", idx).Strs("causes", causes).Msg("stage failed, tearing down")
		s.teardown(context.Background())
		return &StageError{Stage: idx, Causes: causes}
	}
	metrics.ObserveStageDuration(fmt.Sprintf("%d", idx), time.Since(began))
	return nil
}

// bringUp starts one service and gates on its health probe.
func (s *Stack) bringUp(ctx context.Context, svc manifest.ServiceSpec) error {
	if blocked := s.failedDependency(svc.Name); blocked != "" {
		return fmt.Errorf("%s: dependency %s is failed, reset it first", svc.Name, blocked)
	}
	if err := s.sup.Start(ctx, svc.Name); err != nil {
		return err
	}
	s.mu.Lock()
	if !slices.Contains(s.started, svc.Name) {
		s.started = append(s.started, svc.Name)
	}
	s.mu.Unlock()

	spec := probe.FromManifest(svc.Name, svc.Probe)
	err := probe.AwaitHealthy(ctx, spec, func(res probe.Result) {
		if !res.OK {
			log.Debug().Str("service", svc.Name).Str("diag", res.Diag).Msg("probe attempt failed")
		}
	})
	if err != nil {
		return err
	}
	s.sup.MarkHealthy(svc.Name)
	s.startMonitor(svc)
	return nil
}

// failedDependency returns the first transitive dependency in failed state.
func (s *Stack) failedDependency(name string) string {
	deps := s.man.DepsByName()
	seen := map[string]bool{}
	queue := append([]string(nil), deps[name]...)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if seen[d] {
			continue
		}
		seen[d] = true
		if s.sup.State(d) == supervise.StateFailed {
			return d
		}
		queue = append(queue, deps[d]...)
	}
	return ""
}

// startMonitor keeps probing a healthy service at its declared interval,
// flipping it between healthy and degraded. One monitor per service; probes
// for different services never block each other.
func (s *Stack) startMonitor(svc manifest.ServiceSpec) {
	s.mu.Lock()
	if cancel, ok := s.monitors[svc.Name]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.monitors[svc.Name] = cancel
	s.mu.Unlock()

	spec := probe.FromManifest(svc.Name, svc.Probe)
	go func() {
		ticker := time.NewTicker(spec.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			res := probe.Check(ctx, spec)
			ok := res.OK
			if ok {
				if st, found := s.sup.Status(svc.Name); found && st.PID > 0 {
					if drift := s.checkBindingDrift(ctx, svc, st.PID); len(drift) > 0 {
						log.Warn().Str("service", svc.Name).Strs("drift", drift).Msg("port binding drift")
						ok = false
					}
				}
			}
			health := "unhealthy"
			if ok {
				health = "healthy"
				s.sup.MarkHealthy(svc.Name)
			} else {
				s.sup.MarkDegraded(svc.Name)
			}
			metrics.SetHealthy(svc.Name, ok)
			s.infos.Upsert(store.ServiceInfo{Name: svc.Name, LastHealth: health})
		}
	}()

	if st, ok := s.sup.Status(svc.Name); ok && st.PID > 0 {
		go metrics.SampleProcess(ctx, svc.Name, st.PID, resourceLimits(svc))
	}
}

// resourceLimits maps the declared resource ceilings onto the sampler.
func resourceLimits(svc manifest.ServiceSpec) metrics.Limits {
	return metrics.Limits{
		MemoryBytes: svc.Resources.MemoryLimitBytes(),
		CPUPercent:  float64(svc.Resources.CPUPercent),
	}
}

func (s *Stack) stopMonitor(name string) {
	s.mu.Lock()
	if cancel, ok := s.monitors[name]; ok {
		cancel()
		delete(s.monitors, name)
	}
	s.mu.Unlock()
}

// registerServices renders each service's environment (credentials plus
// dependency addresses from the overlay) and registers it with the
// supervisor.
func (s *Stack) registerServices() {
	for _, svc := range s.man.Services {
		depAddrs := make(map[string]string, len(svc.Deps))
		for _, dep := range svc.Deps {
			if addr, ok := s.policy.OverlayAddr(dep); ok {
				depAddrs[dep] = s.depEndpoint(dep, addr)
			}
		}
		s.sup.Register(svc, s.creds.Env(svc, depAddrs))
		s.infos.Upsert(store.ServiceInfo{Name: svc.Name, State: string(supervise.StatePending)})
	}
}

// depEndpoint renders "addr:port" using the dependency's first declared
// internal port, or the bare address when it declares none.
func (s *Stack) depEndpoint(dep string, addr netip.Addr) string {
	svc, ok := s.man.Service(dep)
	if !ok {
		return addr.String()
	}
	for _, p := range svc.Ports {
		if p.Zone == manifest.ZoneInternal {
			return netip.AddrPortFrom(addr, uint16(p.Port)).String()
		}
	}
	return addr.String()
}

// cleanOrphans stops PIDs recorded in the last snapshot that survived a
// supervisor crash.
func (s *Stack) cleanOrphans() {
	snap, err := state.Load(s.stateDir())
	if err != nil {
		return
	}
	for _, svc := range snap.Services {
		if svc.PID > 0 && supervise.IsRunning(svc.PID) {
			log.Warn().Str("service", svc.Name).Int("pid", svc.PID).Msg("stopping orphaned process")
			supervise.StopPID(svc.PID, 5*time.Second)
		}
	}
}

// teardown stops every started service in reverse start order (LIFO), so a
// service is never left running without its dependency.
func (s *Stack) teardown(ctx context.Context) *TeardownError {
	s.mu.Lock()
	order := append([]string(nil), s.started...)
	s.started = nil
	s.mu.Unlock()

	errs := map[string]string{}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		s.stopMonitor(name)
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := s.sup.Stop(stopCtx, name); err != nil {
			errs[name] = err.Error()
			log.Error().Str("service", name).Err(err).Msg("stop failed during teardown")
		} else {
			log.Info().Str("service", name).Msg("stopped")
		}
		cancel()
	}
	if len(errs) > 0 {
		return &TeardownError{Errs: errs}
	}
	return nil
}

// Down stops the whole stack in reverse start order.
func (s *Stack) Down(ctx context.Context) error {
	defer s.persist()
	if err := s.teardown(ctx); err != nil {
		s.setStatus("failed", err.Error())
		return err
	}
	s.setStatus("stopped", "")
	return nil
}

// HealthCheck forces an immediate probe of every service, bypassing the
// monitors' cadence.
func (s *Stack) HealthCheck(ctx context.Context) map[string]probe.Result {
	out := make(map[string]probe.Result, len(s.man.Services))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, svc := range s.man.Services {
		wg.Add(1)
		go func(svc manifest.ServiceSpec) {
			defer wg.Done()
			res := probe.Check(ctx, probe.FromManifest(svc.Name, svc.Probe))
			mu.Lock()
			out[svc.Name] = res
			mu.Unlock()
		}(svc)
	}
	wg.Wait()
	return out
}

// Reset clears a failed service so it becomes eligible to start again.
func (s *Stack) Reset(name string) error {
	return s.sup.Reset(name)
}

// Statuses returns the supervisor's read model.
func (s *Stack) Statuses() []supervise.Status { return s.sup.Statuses() }

// Close flushes state and releases resources.
func (s *Stack) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.persist()
	s.pub.Close()
	return nil
}

// onStateChange is the supervisor hook: read model, metrics, events and the
// durable snapshot all update here.
func (s *Stack) onStateChange(name string, from, to supervise.State) {
	restarts := 0
	if st, ok := s.sup.Status(name); ok {
		restarts = st.Restarts
	}
	s.infos.Upsert(store.ServiceInfo{Name: name, State: string(to), Restarts: restarts})
	metrics.ObserveServiceState(name, string(to))
	if from == supervise.StateStarting && to == supervise.StateAwaitingHealth && restarts > 0 {
		metrics.IncRestarts(name)
	}
	s.pub.ServiceState(name, string(from), string(to))
	s.persist()
}

func (s *Stack) setStatus(status, errMsg string) {
	s.mu.Lock()
	s.status = status
	s.statErr = errMsg
	s.mu.Unlock()
}

func (s *Stack) snapshot() state.Snapshot {
	s.mu.Lock()
	snap := state.Snapshot{
		Stack:  s.man.Stack.Name,
		Status: s.status,
		Error:  s.statErr,
		Stages: s.stages,
	}
	s.mu.Unlock()
	now := time.Now()
	for _, st := range s.sup.Statuses() {
		info, _ := s.infos.Get(st.Name)
		snap.Services = append(snap.Services, state.ServiceStatus{
			Name:          st.Name,
			State:         string(st.State),
			PID:           st.PID,
			Restarts:      st.Restarts,
			LastHealth:    info.LastHealth,
			StoppedByUser: st.StoppedByUser,
			Updated:       now,
		})
	}
	return snap
}

func (s *Stack) persist() {
	if err := state.Save(s.stateDir(), s.snapshot()); err != nil {
		log.Warn().Err(err).Msg("persist snapshot")
	}
}
