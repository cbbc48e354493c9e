// Package state persists the runtime snapshot so the stack survives a
// supervisor restart: last known states, PIDs for orphan cleanup, operator
// stop marks and the computed stage plan.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ServiceStatus is the persisted view of one service.
type ServiceStatus struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	PID           int       `json:"pid"`
	Restarts      int       `json:"restarts"`
	LastHealth    string    `json:"last_health"`
	StoppedByUser bool      `json:"stopped_by_user"`
	Updated       time.Time `json:"updated"`
}

// Snapshot is the durable record of a stack run.
type Snapshot struct {
	Stack    string          `json:"stack"`
	Status   string          `json:"status"` // idle | starting | running | degraded | stopped | failed
	Error    string          `json:"error,omitempty"`
	Stages   [][]string      `json:"stages,omitempty"`
	Services []ServiceStatus `json:"services"`
	Updated  time.Time       `json:"updated"`
}

const snapshotFile = "snapshot.json"

// Save writes the snapshot atomically (temp file + rename) so a crash never
// leaves a torn file behind.
func Save(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	snap.Updated = time.Now()
	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the last snapshot, if any.
func Load(dir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}
