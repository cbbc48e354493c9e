package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/ooeygg/bitcoin-docker/internal/validate"
)

// ConfigError collects every validation problem found in a manifest so the
// operator sees the full list in one pass instead of fixing them one by one.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid stack manifest: %s", strings.Join(e.Problems, "; "))
}

var probeKinds = map[string]bool{"exec": true, "tcp": true, "http": true}

// Load reads a TOML stack manifest from disk and validates it exhaustively.
// Any violation is reported as a ConfigError before any service is touched.
func Load(path string) (*StackManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m StackManifest
	if err := toml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	// Generic structural check with JSON Schema first, then semantic checks.
	// The schema validator wants json.Unmarshal output, so round-trip the
	// decoded TOML through JSON to normalize number types.
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err == nil {
		if jb, err := json.Marshal(generic); err == nil {
			var norm map[string]any
			if err := json.Unmarshal(jb, &norm); err == nil {
				if err := validate.ValidateManifestMap(norm); err != nil {
					return nil, &ConfigError{Problems: []string{err.Error()}}
				}
			}
		}
	}
	if problems := m.check(); len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}
	return &m, nil
}

// check performs the semantic validation pass over the decoded manifest.
func (m *StackManifest) check() []string {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if m.Stack.Name == "" {
		bad("stack.name is required")
	}
	if len(m.Services) == 0 {
		bad("at least one service is required")
	}

	names := make(map[string]bool, len(m.Services))
	proxies := 0
	for _, s := range m.Services {
		if s.Name == "" {
			bad("service with empty name")
			continue
		}
		if names[s.Name] {
			bad("duplicate service name %q", s.Name)
		}
		names[s.Name] = true
		if s.Proxy {
			proxies++
		}
	}

	for _, s := range m.Services {
		if s.Command == "" {
			bad("service %q: command is required", s.Name)
		}
		for _, d := range s.Deps {
			if d == s.Name {
				bad("service %q depends on itself", s.Name)
			} else if !names[d] {
				bad("service %q depends on unknown service %q", s.Name, d)
			}
		}
		problems = append(problems, s.checkProbe()...)
		problems = append(problems, s.checkPorts()...)
		problems = append(problems, s.checkRestart()...)
		problems = append(problems, s.checkResources()...)
		if s.MinVersion != "" {
			if _, err := semver.NewConstraint(s.MinVersion); err != nil {
				bad("service %q: min_version %q is not a valid constraint: %v", s.Name, s.MinVersion, err)
			}
		}
	}

	if proxies > 1 {
		bad("only one service may be declared as proxy")
	}
	if m.Network.ProxyService != "" && !names[m.Network.ProxyService] {
		bad("network.proxy_service %q is not a declared service", m.Network.ProxyService)
	}
	problems = append(problems, m.checkTLS()...)
	return problems
}

func (s ServiceSpec) checkProbe() []string {
	var problems []string
	p := s.Probe
	if p.Kind == "" {
		return []string{fmt.Sprintf("service %q: probe.kind is required", s.Name)}
	}
	if !probeKinds[p.Kind] {
		problems = append(problems, fmt.Sprintf("service %q: unknown probe kind %q", s.Name, p.Kind))
	}
	if p.Target == "" {
		problems = append(problems, fmt.Sprintf("service %q: probe.target is required", s.Name))
	}
	for _, f := range []struct{ name, val string }{
		{"probe.interval", p.Interval},
		{"probe.timeout", p.Timeout},
	} {
		if f.val == "" {
			continue
		}
		if d, err := time.ParseDuration(f.val); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("service %q: %s %q is not a positive duration", s.Name, f.name, f.val))
		}
	}
	if p.Retries < 0 {
		problems = append(problems, fmt.Sprintf("service %q: probe.retries must not be negative", s.Name))
	}
	if p.SuccessStreak < 0 {
		problems = append(problems, fmt.Sprintf("service %q: probe.success_streak must not be negative", s.Name))
	}
	return problems
}

func (s ServiceSpec) checkPorts() []string {
	var problems []string
	for _, p := range s.Ports {
		if p.Port < 1 || p.Port > 65535 {
			problems = append(problems, fmt.Sprintf("service %q: port %d out of range", s.Name, p.Port))
		}
		switch p.Zone {
		case ZoneInternal, ZoneExposed:
		default:
			problems = append(problems, fmt.Sprintf("service %q: port %d has unknown zone %q", s.Name, p.Port, p.Zone))
		}
		if p.Proto != "" && p.Proto != "tcp" && p.Proto != "udp" {
			problems = append(problems, fmt.Sprintf("service %q: port %d has unknown proto %q", s.Name, p.Port, p.Proto))
		}
	}
	return problems
}

func (s ServiceSpec) checkRestart() []string {
	var problems []string
	switch s.Restart.Policy {
	case "", "unless-stopped", "never":
	default:
		problems = append(problems, fmt.Sprintf("service %q: unknown restart policy %q", s.Name, s.Restart.Policy))
	}
	for _, f := range []struct{ name, val string }{
		{"restart.backoff_floor", s.Restart.BackoffFloor},
		{"restart.crash_window", s.Restart.CrashWindow},
	} {
		if f.val == "" {
			continue
		}
		if d, err := time.ParseDuration(f.val); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("service %q: %s %q is not a positive duration", s.Name, f.name, f.val))
		}
	}
	return problems
}

func (s ServiceSpec) checkResources() []string {
	var problems []string
	if s.Resources.MemoryLimit != "" {
		if _, err := ParseBytes(s.Resources.MemoryLimit); err != nil {
			problems = append(problems, fmt.Sprintf("service %q: resources.memory_limit %v", s.Name, err))
		}
	}
	if s.Resources.CPUPercent < 0 {
		problems = append(problems, fmt.Sprintf("service %q: resources.cpu_percent must not be negative", s.Name))
	}
	return problems
}

func (m *StackManifest) checkTLS() []string {
	t := m.TLS
	if len(t.Domains) == 0 {
		return nil
	}
	var problems []string
	if t.Email == "" {
		problems = append(problems, "tls.email is required when domains are configured")
	}
	if t.DirectoryURL == "" {
		problems = append(problems, "tls.directory_url is required when domains are configured")
	}
	switch t.ChallengeType {
	case "", "http-01", "tls-alpn-01":
	default:
		problems = append(problems, fmt.Sprintf("tls.challenge_type %q is not supported", t.ChallengeType))
	}
	for _, f := range []struct{ name, val string }{
		{"tls.renew_before", t.RenewBefore},
		{"tls.max_pending", t.MaxPending},
	} {
		if f.val == "" {
			continue
		}
		if d, err := time.ParseDuration(f.val); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s %q is not a positive duration", f.name, f.val))
		}
	}
	return problems
}
