package stack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ooeygg/bitcoin-docker/internal/store"
	"github.com/ooeygg/bitcoin-docker/internal/supervise"
)

func TestRouter(t *testing.T) {
	s := newTestStack(t, twoServiceManifest, "")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Up(ctx))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("services listing", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/services")
		require.NoError(t, err)
		defer resp.Body.Close()
		var infos []store.ServiceInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(t, infos, 2)
		assert.Equal(t, "alpha", infos[0].Name)
		assert.Equal(t, string(supervise.StateHealthy), infos[0].State)
	})

	t.Run("graph", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/stack/graph")
		require.NoError(t, err)
		defer resp.Body.Close()
		var body struct {
			Stages [][]string          `json:"stages"`
			Edges  map[string][]string `json:"edges"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, [][]string{{"alpha"}, {"beta"}}, body.Stages)
		assert.Equal(t, []string{"alpha"}, body.Edges["beta"])
	})

	t.Run("action on unknown service", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/services/ghost:stop", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("actions require POST", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/services/alpha:stop")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("stop service", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/services/beta:stop", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, supervise.StateStopped, s.sup.State("beta"))
	})

	t.Run("stack down", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/stack/down", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, supervise.StateStopped, s.sup.State("alpha"))
	})

	t.Run("certs empty without tls", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/certs")
		require.NoError(t, err)
		defer resp.Body.Close()
		var recs []any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
		assert.Empty(t, recs)
	})
}
