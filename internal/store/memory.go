package store

import (
	"sort"
	"sync"
)

// ServiceInfo is the read model served by the status API.
type ServiceInfo struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Restarts   int    `json:"restarts"`
	LastHealth string `json:"last_health"` // healthy|unhealthy|unknown
	PID        int    `json:"pid"`
}

// MemoryStore is a tiny in-memory store of service info, updated by the
// orchestrator and read by the API and the snapshot writer.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]ServiceInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]ServiceInfo)}
}

// Upsert merges the given info over the stored one; zero-valued fields keep
// their previous value so partial updates are cheap.
func (s *MemoryStore) Upsert(si ServiceInfo) {
	s.mu.Lock()
	prev, ok := s.items[si.Name]
	if ok {
		if si.State == "" {
			si.State = prev.State
		}
		if si.Restarts == 0 {
			si.Restarts = prev.Restarts
		}
		if si.LastHealth == "" {
			si.LastHealth = prev.LastHealth
		}
		if si.PID == 0 {
			si.PID = prev.PID
		}
	}
	if si.LastHealth == "" {
		si.LastHealth = "unknown"
	}
	s.items[si.Name] = si
	s.mu.Unlock()
}

func (s *MemoryStore) List() []ServiceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) Get(name string) (ServiceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[name]
	return v, ok
}
