package stack

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/state"
	"github.com/ooeygg/bitcoin-docker/internal/supervise"
)

// StopFromSnapshot stops the PIDs recorded in the durable snapshot, walking
// the stage plan in reverse. It is the down path when no supervisor daemon is
// reachable, after a crash or an unclean exit.
func StopFromSnapshot(dataDir string) error {
	stateDir := filepath.Join(dataDir, "state")
	snap, err := state.Load(stateDir)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	pids := make(map[string]int, len(snap.Services))
	for _, svc := range snap.Services {
		pids[svc.Name] = svc.PID
	}

	errs := map[string]string{}
	for i := len(snap.Stages) - 1; i >= 0; i-- {
		for _, name := range snap.Stages[i] {
			pid := pids[name]
			if pid <= 0 || !supervise.IsRunning(pid) {
				continue
			}
			log.Info().Str("service", name).Int("pid", pid).Msg("stopping")
			supervise.StopPID(pid, 10*time.Second)
			if supervise.IsRunning(pid) {
				errs[name] = fmt.Sprintf("pid %d still running after SIGKILL", pid)
			}
		}
	}

	snap.Status = "stopped"
	now := time.Now()
	for i := range snap.Services {
		if _, bad := errs[snap.Services[i].Name]; !bad {
			snap.Services[i].State = string(supervise.StateStopped)
			snap.Services[i].PID = 0
		}
		snap.Services[i].Updated = now
	}
	if len(errs) > 0 {
		snap.Status = "failed"
		if err := state.Save(stateDir, snap); err != nil {
			log.Warn().Err(err).Msg("persist snapshot")
		}
		return &TeardownError{Errs: errs}
	}
	return state.Save(stateDir, snap)
}

// LoadSnapshot reads the durable snapshot for the status command.
func LoadSnapshot(dataDir string) (state.Snapshot, error) {
	return state.Load(filepath.Join(dataDir, "state"))
}
