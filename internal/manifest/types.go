package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StackManifest is the single declarative description of the managed fleet.
// It is loaded once at startup and validated exhaustively before any side
// effect; after Load returns the manifest is treated as immutable.
type StackManifest struct {
	Stack    Meta          `toml:"stack"`
	Network  Network       `toml:"network"`
	TLS      TLS           `toml:"tls"`
	Events   Events        `toml:"events"`
	Services []ServiceSpec `toml:"services"`
}

type Meta struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Network describes the private overlay and the public side of the proxy.
type Network struct {
	OverlayCIDR  string `toml:"overlay_cidr"`  // default 172.28.0.0/16
	ProxyService string `toml:"proxy_service"` // the only service allowed to terminate TLS
	PublicAddr   string `toml:"public_addr"`   // host-routable address the proxy publishes on
}

// TLS configures automated certificate management for exposed domains.
// Durations are TOML strings ("72h") parsed during validation.
type TLS struct {
	DirectoryURL  string   `toml:"directory_url"`
	Email         string   `toml:"email"`
	Domains       []string `toml:"domains"`
	ChallengeType string   `toml:"challenge_type"` // http-01 | tls-alpn-01
	RenewBefore   string   `toml:"renew_before"`   // default 720h
	MaxPending    string   `toml:"max_pending"`    // empty: pending forever
	StorageDir    string   `toml:"storage_dir"`
}

// Events configures optional lifecycle event publishing.
type Events struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ServiceSpec describes one wrapped binary: how to start it, how to probe it,
// which ports it listens on and which credentials it needs.
type ServiceSpec struct {
	Name           string            `toml:"name"`
	Command        string            `toml:"command"`
	Args           []string          `toml:"args"`
	WorkingDir     string            `toml:"working_dir"`
	Env            map[string]string `toml:"env"`
	Deps           []string          `toml:"deps"`
	Credentials    []string          `toml:"credentials"` // required credential keys
	Probe          Probe             `toml:"probe"`
	Ports          []Port            `toml:"ports"`
	Resources      Resources         `toml:"resources"`
	Restart        Restart           `toml:"restart"`
	MinVersion     string            `toml:"min_version"`     // semver constraint, e.g. ">= 25.0.0"
	VersionCommand string            `toml:"version_command"` // defaults to "<command> --version"
	Proxy          bool              `toml:"proxy"`           // designated reverse proxy
}

// Probe declares the service health check.
type Probe struct {
	Kind          string `toml:"kind"` // exec | tcp | http
	Target        string `toml:"target"`
	ExpectStatus  int    `toml:"expect_status"` // http only, default 2xx
	Interval      string `toml:"interval"`      // default 2s
	Timeout       string `toml:"timeout"`       // default 3s
	Retries       int    `toml:"retries"`       // default 30
	SuccessStreak int    `toml:"success_streak"`
}

// Port declares a listening port with its network zone.
type Port struct {
	Port       int    `toml:"port"`
	Proto      string `toml:"proto"` // default tcp
	Zone       string `toml:"zone"`  // internal | exposed
	Privileged bool   `toml:"privileged"`
}

const (
	ZoneInternal = "internal"
	ZoneExposed  = "exposed"
)

// Resources declares per-service limits. OpenFiles is applied as
// RLIMIT_NOFILE before exec; MemoryLimit and CPUPercent are ceilings the
// sampler checks every tick, flagging the service when exceeded.
type Resources struct {
	OpenFiles   uint64 `toml:"open_files"`
	MemoryLimit string `toml:"memory_limit"` // e.g. "2GiB"
	CPUPercent  int    `toml:"cpu_percent"`  // may exceed 100 on multicore
}

// MemoryLimitBytes returns the parsed memory ceiling, 0 when none is
// declared. Validation guarantees parseability after Load.
func (r Resources) MemoryLimitBytes() uint64 {
	if r.MemoryLimit == "" {
		return 0
	}
	b, err := ParseBytes(r.MemoryLimit)
	if err != nil {
		return 0
	}
	return b
}

// Restart configures the supervisor policy for unexpected exits.
type Restart struct {
	Policy         string `toml:"policy"`        // unless-stopped | never
	BackoffFloor   string `toml:"backoff_floor"` // default 1s
	CrashThreshold int    `toml:"crash_threshold"`
	CrashWindow    string `toml:"crash_window"`
}

// Service returns the spec with the given name, if declared.
func (m *StackManifest) Service(name string) (ServiceSpec, bool) {
	for _, s := range m.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// DepsByName returns the dependency map used by the sequencer.
func (m *StackManifest) DepsByName() map[string][]string {
	out := make(map[string][]string, len(m.Services))
	for _, s := range m.Services {
		out[s.Name] = append([]string(nil), s.Deps...)
	}
	return out
}

var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30}, {"TiB", 1 << 40},
	{"KB", 1e3}, {"MB", 1e6}, {"GB", 1e9}, {"TB", 1e12},
	{"B", 1},
}

// ParseBytes parses a size string like "512MiB" or "2GB" into bytes. A bare
// number is bytes.
func ParseBytes(s string) (uint64, error) {
	v := strings.TrimSpace(s)
	factor := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			factor = u.factor
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a size", s)
	}
	return uint64(n * float64(factor)), nil
}

// Duration parses a TOML duration string, falling back to def when empty.
// Validation guarantees parseability, so callers may ignore errors after Load.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
