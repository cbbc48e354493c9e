package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooeygg/bitcoin-docker/internal/creds"
	"github.com/ooeygg/bitcoin-docker/internal/manifest"
	"github.com/ooeygg/bitcoin-docker/internal/sequence"
	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"stage timeout", &stack.StageError{Stage: 1, Causes: []string{"pool: timed out"}}, exitStartup},
		{"partial teardown", &stack.TeardownError{Errs: map[string]string{"bitcoind": "still running"}}, exitTeardown},
		{"bad manifest", &manifest.ConfigError{Problems: []string{"stack.name is required"}}, exitConfig},
		{"missing credentials", &creds.MissingKeysError{Keys: []string{"BITCOIN_RPC_PASSWORD"}}, exitConfig},
		{"dependency cycle", &sequence.CycleError{Members: []string{"a", "b", "a"}}, exitConfig},
		{"anything else", errors.New("boom"), exitConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

// A teardown failure reported by the daemon must survive the HTTP round trip
// as a typed error, so down still exits 3 on the daemon path.
func TestPostDownKeepsTeardownError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"teardown incomplete","services":{"bitcoind":"pid 42 still running after SIGKILL"}}`))
	}))
	defer srv.Close()

	old := flagHTTPAddr
	flagHTTPAddr = srv.URL
	defer func() { flagHTTPAddr = old }()

	err := postDown()
	var tdErr *stack.TeardownError
	require.ErrorAs(t, err, &tdErr)
	assert.Equal(t, "pid 42 still running after SIGKILL", tdErr.Errs["bitcoind"])
	assert.Equal(t, exitTeardown, exitCode(err))
}

func TestPostDownPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("load credentials: no such file"))
	}))
	defer srv.Close()

	old := flagHTTPAddr
	flagHTTPAddr = srv.URL
	defer func() { flagHTTPAddr = old }()

	err := postDown()
	require.Error(t, err)
	var tdErr *stack.TeardownError
	assert.False(t, errors.As(err, &tdErr))
	assert.Equal(t, exitConfig, exitCode(err))
}
