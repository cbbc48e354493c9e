package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooeygg/bitcoin-docker/internal/manifest"
)

// scripted returns results from a fixed sequence, repeating the last one.
type scripted struct {
	results []bool
	i       int
}

func (s *scripted) Probe(ctx context.Context) Result {
	ok := s.results[len(s.results)-1]
	if s.i < len(s.results) {
		ok = s.results[s.i]
		s.i++
	}
	if ok {
		return Result{OK: true}
	}
	return Result{OK: false, Diag: "not ready"}
}

func fastSpec(retries, streak int) Spec {
	return Spec{
		Name:          "svc",
		Interval:      time.Millisecond,
		Timeout:       time.Second,
		Retries:       retries,
		SuccessStreak: streak,
	}
}

func TestAwaitHealthyStreak(t *testing.T) {
	// Two passes in a row required; the single early success is wiped by the
	// flap that follows it.
	p := &scripted{results: []bool{true, false, true, true}}
	err := await(context.Background(), p, fastSpec(10, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, p.i, "streak must reset after a failure")
}

func TestAwaitHealthyRetryBudget(t *testing.T) {
	p := &scripted{results: []bool{false}}
	err := await(context.Background(), p, fastSpec(3, 1), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Contains(t, err.Error(), "not ready")
}

func TestAwaitHealthyDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := &scripted{results: []bool{false}}
	s := fastSpec(1000, 1)
	s.Interval = 5 * time.Millisecond
	err := await(ctx, p, s, nil)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestAwaitHealthyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scripted{results: []bool{false}}
	err := await(ctx, p, fastSpec(1000, 1), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimedOut), "cancellation is not a timeout")
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := Check(context.Background(), Spec{Name: "tcp", Kind: "tcp", Target: ln.Addr().String(), Timeout: time.Second})
	assert.True(t, res.OK)

	res = Check(context.Background(), Spec{Name: "tcp", Kind: "tcp", Target: "127.0.0.1:1", Timeout: time.Second})
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Diag)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := Check(context.Background(), Spec{Name: "h", Kind: "http", Target: srv.URL, Timeout: time.Second})
	assert.True(t, res.OK)

	res = Check(context.Background(), Spec{Name: "h", Kind: "http", Target: srv.URL + "/teapot", Timeout: time.Second})
	assert.False(t, res.OK)
	assert.Contains(t, res.Diag, "status 418")

	res = Check(context.Background(), Spec{Name: "h", Kind: "http", Target: srv.URL + "/teapot", ExpectStatus: 418, Timeout: time.Second})
	assert.True(t, res.OK)
}

func TestExecProbe(t *testing.T) {
	res := Check(context.Background(), Spec{Name: "e", Kind: "exec", Target: "true", Timeout: time.Second})
	assert.True(t, res.OK)

	res = Check(context.Background(), Spec{Name: "e", Kind: "exec", Target: "echo nope; false", Timeout: time.Second})
	assert.False(t, res.OK)
	assert.Contains(t, res.Diag, "nope")
}

func TestUnknownKind(t *testing.T) {
	_, err := New(Spec{Kind: "udp"})
	assert.Error(t, err)
}

func TestFromManifestDefaults(t *testing.T) {
	s := FromManifest("svc", manifest.Probe{Kind: "tcp", Target: "127.0.0.1:1"})
	assert.Equal(t, 2*time.Second, s.Interval)
	assert.Equal(t, 3*time.Second, s.Timeout)
	assert.Equal(t, 30, s.Retries)
	assert.Equal(t, 1, s.SuccessStreak)
}
