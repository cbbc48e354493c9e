//go:build linux

package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyRlimits raises the NOFILE soft limit before exec when the service
// declares one (>0). Chain daemons and indexers routinely exhaust the default.
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	lim := &unix.Rlimit{Cur: noFile, Max: noFile}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}
