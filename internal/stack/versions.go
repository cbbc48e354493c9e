package stack

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

var versionRe = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

// checkVersions runs each service's version command and checks the reported
// version against its min_version constraint. A binary that does not report a
// parseable version only warns; a version below the constraint is a config
// error.
func (s *Stack) checkVersions(ctx context.Context) error {
	var problems []string
	for _, svc := range s.man.Services {
		if svc.MinVersion == "" {
			continue
		}
		constraint, err := semver.NewConstraint(svc.MinVersion)
		if err != nil {
			// Load already validated the constraint; keep the belt anyway.
			problems = append(problems, fmt.Sprintf("%s: bad min_version %q", svc.Name, svc.MinVersion))
			continue
		}
		got, err := binaryVersion(ctx, svc)
		if err != nil {
			log.Warn().Str("service", svc.Name).Err(err).Msg("version check skipped")
			continue
		}
		if !constraint.Check(got) {
			problems = append(problems, fmt.Sprintf("%s: version %s does not satisfy %s", svc.Name, got, svc.MinVersion))
		}
	}
	if len(problems) > 0 {
		return &manifest.ConfigError{Problems: problems}
	}
	return nil
}

// binaryVersion runs the service's version command (default "<command>
// --version") and parses the first semver-looking token from its output.
func binaryVersion(ctx context.Context, svc manifest.ServiceSpec) (*semver.Version, error) {
	cmdline := svc.VersionCommand
	if cmdline == "" {
		cmdline = svc.Command + " --version"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", cmdline, err)
	}
	m := versionRe.FindStringSubmatch(strings.TrimSpace(string(out)))
	if m == nil {
		return nil, fmt.Errorf("no version in output of %q", cmdline)
	}
	return semver.NewVersion(m[1])
}
