// Package certs owns automated certificate issuance and renewal for exposed
// domains. It runs independently of service startup: a domain with no valid
// certificate stays pending and never blocks the rest of the stack.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
	"github.com/ooeygg/bitcoin-docker/internal/metrics"
)

// Config holds certificate manager configuration.
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string // http-01 | tls-alpn-01
	RenewBefore   time.Duration
	MaxPending    time.Duration // 0: a failing domain stays pending forever
	StorageDir    string
}

// FromManifest resolves the manifest TLS block into a Config with defaults.
func FromManifest(t manifest.TLS, defaultDir string) Config {
	dir := t.StorageDir
	if dir == "" {
		dir = defaultDir
	}
	return Config{
		DirectoryURL:  t.DirectoryURL,
		Email:         t.Email,
		Domains:       append([]string(nil), t.Domains...),
		ChallengeType: t.ChallengeType,
		RenewBefore:   manifest.Duration(t.RenewBefore, 30*24*time.Hour),
		MaxPending:    manifest.Duration(t.MaxPending, 0),
		StorageDir:    dir,
	}
}

const (
	backoffFloor = time.Minute
	backoffCap   = time.Hour
	checkEvery   = time.Minute
)

// account satisfies lego's registration.User.
type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *account) GetEmail() string                        { return a.Email }
func (a *account) GetRegistration() *registration.Resource { return a.Registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// Manager drives issuance and renewal for every configured domain.
type Manager struct {
	cfg   Config
	store *Store

	// obtain is swappable for tests; the default goes through lego.
	obtain func(ctx context.Context, domain string) (*certificate.Resource, error)

	client  *lego.Client
	acct    *account
	backoff map[string]time.Duration
	next    map[string]time.Time
}

// NewManager opens the record store. The ACME client itself is initialized
// lazily on the first issuance attempt, so a stack without reachable CA still
// starts.
func NewManager(cfg Config) (*Manager, error) {
	st, err := OpenStore(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("open certificate store: %w", err)
	}
	m := &Manager{
		cfg:     cfg,
		store:   st,
		backoff: make(map[string]time.Duration),
		next:    make(map[string]time.Time),
	}
	m.obtain = m.obtainACME
	return m, nil
}

// Records returns the persisted record set.
func (m *Manager) Records() []Record { return m.store.List() }

// Record returns one domain's record.
func (m *Manager) Record(domain string) (Record, bool) { return m.store.Get(domain) }

// EnsureCertificate checks the domain's validity window and issues or renews
// when absent or within the renewal threshold of expiry. Failures degrade the
// domain to pending (or failed past the max_pending policy) without blocking
// anything else.
func (m *Manager) EnsureCertificate(ctx context.Context, domain string) Status {
	rec, ok := m.store.Get(domain)
	if ok && rec.Status == StatusValid && !m.needsRenewal(rec, time.Now()) {
		metrics.SetCertExpiry(domain, rec.ExpiresAt)
		return StatusValid
	}

	res, err := m.obtain(ctx, domain)
	if err != nil {
		return m.recordFailure(domain, rec, ok, err)
	}

	certPath := filepath.Join(m.cfg.StorageDir, domain+".crt")
	keyPath := filepath.Join(m.cfg.StorageDir, domain+".key")
	if err := writeAtomic(certPath, res.Certificate, 0o644); err != nil {
		return m.recordFailure(domain, rec, ok, err)
	}
	if err := writeAtomic(keyPath, res.PrivateKey, 0o600); err != nil {
		return m.recordFailure(domain, rec, ok, err)
	}

	expires := certExpiry(res.Certificate)
	newRec := Record{
		Domain:    domain,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: expires,
		Status:    StatusValid,
		CertPath:  certPath,
		KeyPath:   keyPath,
	}
	if err := m.store.Put(newRec); err != nil {
		log.Error().Str("domain", domain).Err(err).Msg("persist certificate record")
	}
	m.backoff[domain] = 0
	metrics.SetCertExpiry(domain, expires)
	log.Info().Str("domain", domain).Time("expires", expires).Msg("certificate issued")
	return StatusValid
}

func (m *Manager) recordFailure(domain string, prev Record, hadPrev bool, err error) Status {
	log.Warn().Str("domain", domain).Err(err).Msg("certificate issuance failed")
	rec := Record{Domain: domain, Status: StatusPending, LastError: err.Error()}
	if hadPrev {
		rec = prev
		rec.LastError = err.Error()
		// A previously valid certificate keeps serving until it actually
		// expires.
		if rec.Status == StatusValid && time.Now().Before(rec.ExpiresAt) {
			_ = m.store.Put(rec)
			return StatusValid
		}
		rec.Status = StatusPending
	}
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = time.Now().UTC()
	}
	if m.cfg.MaxPending > 0 && time.Since(rec.FirstFailure) > m.cfg.MaxPending {
		rec.Status = StatusFailed
	}
	if err := m.store.Put(rec); err != nil {
		log.Error().Str("domain", domain).Err(err).Msg("persist certificate record")
	}
	return rec.Status
}

// needsRenewal reports whether the record is inside the renewal threshold.
func (m *Manager) needsRenewal(rec Record, now time.Time) bool {
	return now.After(rec.ExpiresAt.Add(-m.cfg.RenewBefore))
}

// Run is the background renewal loop. Failures back off exponentially with
// jitter per domain; successes reset the backoff.
func (m *Manager) Run(ctx context.Context) {
	if len(m.cfg.Domains) == 0 {
		return
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()
	for {
		for _, domain := range m.cfg.Domains {
			if time.Now().Before(m.next[domain]) {
				continue
			}
			st := m.EnsureCertificate(ctx, domain)
			if st == StatusValid {
				m.backoff[domain] = 0
				m.next[domain] = time.Time{}
				continue
			}
			b := m.backoff[domain]
			if b == 0 {
				b = backoffFloor
			} else if b *= 2; b > backoffCap {
				b = backoffCap
			}
			m.backoff[domain] = b
			jitter := time.Duration(mrand.Int63n(int64(b) / 4))
			m.next[domain] = time.Now().Add(b + jitter)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// obtainACME is the default issuance path through lego.
func (m *Manager) obtainACME(ctx context.Context, domain string) (*certificate.Resource, error) {
	if err := m.initClient(); err != nil {
		return nil, err
	}
	return m.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
}

// initClient sets up the lego client and account on first use.
func (m *Manager) initClient() error {
	if m.client != nil {
		return nil
	}
	if err := m.loadOrCreateAccount(); err != nil {
		return err
	}
	cfg := lego.NewConfig(m.acct)
	cfg.CADirURL = m.cfg.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create acme client: %w", err)
	}

	challenge := m.cfg.ChallengeType
	if challenge == "" {
		challenge = "http-01"
	}
	switch challenge {
	case "http-01":
		if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80")); err != nil {
			return fmt.Errorf("setup http-01 challenge: %w", err)
		}
	case "tls-alpn-01":
		if err := client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443")); err != nil {
			return fmt.Errorf("setup tls-alpn-01 challenge: %w", err)
		}
	default:
		return fmt.Errorf("unsupported challenge type %q", challenge)
	}

	if m.acct.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("register acme account: %w", err)
		}
		m.acct.Registration = reg
		if err := m.saveAccount(); err != nil {
			return err
		}
	}
	m.client = client
	return nil
}

func (m *Manager) loadOrCreateAccount() error {
	accountPath := filepath.Join(m.cfg.StorageDir, "account.json")
	keyPath := filepath.Join(m.cfg.StorageDir, "account.key")

	if b, err := os.ReadFile(accountPath); err == nil {
		var acct account
		if err := json.Unmarshal(b, &acct); err != nil {
			return fmt.Errorf("parse acme account: %w", err)
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read account key: %w", err)
		}
		key, err := certcrypto.ParsePEMPrivateKey(keyData)
		if err != nil {
			return fmt.Errorf("parse account key: %w", err)
		}
		acct.key = key
		m.acct = &acct
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate account key: %w", err)
	}
	m.acct = &account{Email: m.cfg.Email, key: key}
	return m.saveAccount()
}

func (m *Manager) saveAccount() error {
	b, err := json.MarshalIndent(m.acct, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(m.cfg.StorageDir, "account.json"), b, 0o600); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.cfg.StorageDir, "account.key"), certcrypto.PEMEncode(m.acct.key), 0o600)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// certExpiry parses the leaf certificate's NotAfter; zero time when the PEM
// cannot be parsed (the record then renews on the next pass).
func certExpiry(certPEM []byte) time.Time {
	certs, err := certcrypto.ParsePEMBundle(certPEM)
	if err != nil || len(certs) == 0 {
		return time.Time{}
	}
	return certs[0].NotAfter
}
