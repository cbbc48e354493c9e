package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned produces a PEM certificate expiring at notAfter.
func selfSigned(t *testing.T, domain string, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.StorageDir == "" {
		cfg.StorageDir = t.TempDir()
	}
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestEnsureCertificateIssues(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}})
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		return &certificate.Resource{
			Domain:      domain,
			Certificate: selfSigned(t, domain, notAfter),
			PrivateKey:  []byte("key material"),
		}, nil
	}

	st := m.EnsureCertificate(context.Background(), "pool.example.com")
	assert.Equal(t, StatusValid, st)

	rec, ok := m.Record("pool.example.com")
	require.True(t, ok)
	assert.Equal(t, StatusValid, rec.Status)
	assert.WithinDuration(t, notAfter, rec.ExpiresAt, 2*time.Second)

	// Cert and key land on stable paths the proxy can reference.
	b, err := os.ReadFile(rec.CertPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "BEGIN CERTIFICATE")
	info, err := os.Stat(rec.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureCertificateSkipsInsideValidityWindow(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}})
	calls := 0
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		calls++
		return &certificate.Resource{
			Domain:      domain,
			Certificate: selfSigned(t, domain, time.Now().Add(90*24*time.Hour)),
			PrivateKey:  []byte("k"),
		}, nil
	}

	assert.Equal(t, StatusValid, m.EnsureCertificate(context.Background(), "pool.example.com"))
	assert.Equal(t, StatusValid, m.EnsureCertificate(context.Background(), "pool.example.com"))
	assert.Equal(t, 1, calls, "a fresh certificate must not be reissued")
}

func TestEnsureCertificateRenewsNearExpiry(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}})
	notAfter := time.Now().Add(10 * 24 * time.Hour) // inside the 30d window
	calls := 0
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		calls++
		return &certificate.Resource{
			Domain:      domain,
			Certificate: selfSigned(t, domain, notAfter),
			PrivateKey:  []byte("k"),
		}, nil
	}

	m.EnsureCertificate(context.Background(), "pool.example.com")
	notAfter = time.Now().Add(90 * 24 * time.Hour)
	m.EnsureCertificate(context.Background(), "pool.example.com")
	assert.Equal(t, 2, calls, "near-expiry certificate must be renewed")
}

func TestEnsureCertificateFailureIsPending(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}})
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		return nil, errors.New("CA unreachable")
	}

	st := m.EnsureCertificate(context.Background(), "pool.example.com")
	assert.Equal(t, StatusPending, st)

	rec, ok := m.Record("pool.example.com")
	require.True(t, ok)
	assert.Equal(t, "CA unreachable", rec.LastError)
	assert.False(t, rec.FirstFailure.IsZero())
}

func TestEnsureCertificateKeepsServingValidCert(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}})
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		return &certificate.Resource{
			Domain: domain,
			// Expires inside the renewal window but well in the future.
			Certificate: selfSigned(t, domain, time.Now().Add(10*24*time.Hour)),
			PrivateKey:  []byte("k"),
		}, nil
	}
	require.Equal(t, StatusValid, m.EnsureCertificate(context.Background(), "pool.example.com"))

	// Renewal now fails, but the unexpired certificate keeps serving.
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		return nil, errors.New("CA unreachable")
	}
	assert.Equal(t, StatusValid, m.EnsureCertificate(context.Background(), "pool.example.com"))
}

func TestMaxPendingEscalatesToFailed(t *testing.T) {
	m := testManager(t, Config{Domains: []string{"pool.example.com"}, MaxPending: time.Hour})
	m.obtain = func(ctx context.Context, domain string) (*certificate.Resource, error) {
		return nil, errors.New("CA unreachable")
	}

	require.Equal(t, StatusPending, m.EnsureCertificate(context.Background(), "pool.example.com"))

	// Backdate the first failure past the policy window.
	rec, _ := m.store.Get("pool.example.com")
	rec.FirstFailure = time.Now().Add(-2 * time.Hour)
	require.NoError(t, m.store.Put(rec))

	assert.Equal(t, StatusFailed, m.EnsureCertificate(context.Background(), "pool.example.com"))
}

func TestNeedsRenewal(t *testing.T) {
	m := testManager(t, Config{RenewBefore: 30 * 24 * time.Hour})
	now := time.Now()

	assert.False(t, m.needsRenewal(Record{ExpiresAt: now.Add(60 * 24 * time.Hour)}, now))
	assert.True(t, m.needsRenewal(Record{ExpiresAt: now.Add(10 * 24 * time.Hour)}, now))
	assert.True(t, m.needsRenewal(Record{ExpiresAt: now.Add(-time.Hour)}, now), "expired is always due")
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)

	rec := Record{
		Domain:    "pool.example.com",
		Status:    StatusValid,
		IssuedAt:  time.Now().UTC().Truncate(time.Second),
		ExpiresAt: time.Now().UTC().Add(90 * 24 * time.Hour).Truncate(time.Second),
		CertPath:  filepath.Join(dir, "pool.example.com.crt"),
		KeyPath:   filepath.Join(dir, "pool.example.com.key"),
	}
	require.NoError(t, s.Put(rec))
	require.NoError(t, s.Put(Record{Domain: "api.example.com", Status: StatusPending}))

	// A fresh handle must see the same records.
	s2, err := OpenStore(dir)
	require.NoError(t, err)
	got, ok := s2.Get("pool.example.com")
	require.True(t, ok)
	assert.Equal(t, rec, got)

	list := s2.List()
	require.Len(t, list, 2)
	assert.Equal(t, "api.example.com", list[0].Domain, "listing is sorted by domain")
}
