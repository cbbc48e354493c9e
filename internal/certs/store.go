package certs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status of a domain certificate.
type Status string

const (
	// StatusValid means a certificate is on disk and inside its validity
	// window.
	StatusValid Status = "valid"
	// StatusPending means no valid certificate yet; the domain keeps serving
	// (clients see a validation failure) while renewal is retried.
	StatusPending Status = "pending"
	// StatusFailed means renewal has been failing longer than the operator's
	// max_pending policy allows.
	StatusFailed Status = "failed"
)

// Record is the persisted state of one domain certificate. The proxy reads
// CertPath/KeyPath; paths are stable across renewals so no proxy restart is
// needed.
type Record struct {
	Domain       string    `json:"domain"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       Status    `json:"status"`
	CertPath     string    `json:"cert_path"`
	KeyPath      string    `json:"key_path"`
	LastError    string    `json:"last_error,omitempty"`
	FirstFailure time.Time `json:"first_failure,omitempty"`
}

// Store persists certificate records as JSON with atomic replace, so the
// renewal loop and the proxy read path never observe a half-written set. The
// old record stays valid until the new one is fully committed.
type Store struct {
	dir     string
	mu      sync.RWMutex
	records map[string]Record
}

const recordsFile = "records.json"

// OpenStore loads the record set from dir, creating it when absent.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, records: make(map[string]Record)}
	b, err := os.ReadFile(filepath.Join(dir, recordsFile))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, err
	}
	for _, r := range recs {
		s.records[r.Domain] = r
	}
	return s, nil
}

func (s *Store) Get(domain string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[domain]
	return r, ok
}

func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Put stores a record and persists the whole set atomically.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Domain] = rec
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Domain < recs[j].Domain })
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, recordsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
