package stack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ooeygg/bitcoin-docker/internal/certs"
	"github.com/ooeygg/bitcoin-docker/internal/probe"
	"github.com/ooeygg/bitcoin-docker/internal/sequence"
)

// Router returns the HTTP handler for the local control API. The listener is
// bound to the loopback or overlay address by the caller; nothing here is
// meant to be reachable from the exposed zone.
func (s *Stack) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"uptime":   time.Since(s.start).String(),
			"closed":   s.closed.Load(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Service listing with runtime state
	mux.HandleFunc("/v1/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.infos.List())
	})

	// Per-service control:
	// - POST /v1/services/{name}:stop
	// - POST /v1/services/{name}:restart
	// - POST /v1/services/{name}:reset
	mux.HandleFunc("/v1/services/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/v1/services/")
		var action string
		switch {
		case strings.HasSuffix(path, ":stop"):
			action = "stop"
		case strings.HasSuffix(path, ":restart"):
			action = "restart"
		case strings.HasSuffix(path, ":reset"):
			action = "reset"
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		name := strings.Trim(strings.TrimSuffix(path, ":"+action), "/")
		if name == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, ok := s.man.Service(name); !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch action {
		case "stop":
			s.stopMonitor(name)
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			if err := s.sup.Stop(ctx, name); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "restart":
			if err := s.restartService(r.Context(), name); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
			st, _ := s.sup.Status(name)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(st)
		case "reset":
			if err := s.Reset(name); err != nil {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})

	// Stack status: the same shape as the durable snapshot.
	mux.HandleFunc("/v1/stack/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.snapshot())
	})

	// Dependency graph (nodes, edges, stages)
	mux.HandleFunc("/v1/stack/graph", func(w http.ResponseWriter, r *http.Request) {
		deps := s.man.DepsByName()
		nodes := make([]string, 0, len(deps))
		for name := range deps {
			nodes = append(nodes, name)
		}
		s.mu.Lock()
		stages := s.stages
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nodes":  nodes,
			"edges":  deps,
			"stages": stages,
		})
	})

	// Stack stop (POST)
	mux.HandleFunc("/v1/stack/down", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Down(r.Context()); err != nil {
			// A partial teardown keeps its shape across the wire so the
			// client can map it to the right exit code.
			var tdErr *TeardownError
			if errors.As(err, &tdErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":    "teardown incomplete",
					"services": tdErr.Errs,
				})
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Immediate probe sweep (POST), bypassing the monitor cadence.
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.HealthCheck(ctx))
	})

	// Certificate records
	mux.HandleFunc("/v1/certs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		recs := []certs.Record{}
		if s.cert != nil {
			recs = s.cert.Records()
		}
		_ = json.NewEncoder(w).Encode(recs)
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Root handler with tiny landing
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("bitcoin-stack is running. See /healthz, /metrics and /v1/services\n"))
	})

	return mux
}

// restartService bounces one service and its transitive dependents: stop
// dependents farthest-first, stop the target, then bring the target and the
// dependents back up through their health gates.
func (s *Stack) restartService(ctx context.Context, name string) error {
	dependents := sequence.Dependents(s.man.DepsByName(), name)
	log.Info().Str("service", name).Strs("dependents", dependents).Msg("restart requested")

	// Dependents stop farthest-first so no service outlives what it depends
	// on.
	for i := len(dependents) - 1; i >= 0; i-- {
		dn := dependents[i]
		s.stopMonitor(dn)
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := s.sup.Stop(stopCtx, dn)
		cancel()
		if err != nil {
			return err
		}
	}
	s.stopMonitor(name)
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := s.sup.Stop(stopCtx, name)
	cancel()
	if err != nil {
		return err
	}

	upCtx, cancel := context.WithTimeout(context.Background(), s.opts.StageTimeout)
	defer cancel()
	svc, _ := s.man.Service(name)
	if err := s.bringUp(upCtx, svc); err != nil {
		return err
	}
	// Dependents come back nearest-first so each one finds its own
	// dependencies healthy.
	for _, dn := range dependents {
		dsvc, _ := s.man.Service(dn)
		if err := s.bringUp(upCtx, dsvc); err != nil {
			log.Warn().Str("dependent", dn).Err(err).Msg("dependent did not come back healthy")
		}
	}
	return nil
}

// Probes returns the configured probe specs, used by the health command to
// report per-service targets alongside results.
func (s *Stack) Probes() []probe.Spec {
	out := make([]probe.Spec, 0, len(s.man.Services))
	for _, svc := range s.man.Services {
		out = append(out, probe.FromManifest(svc.Name, svc.Probe))
	}
	return out
}
