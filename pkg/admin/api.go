// Copyright 2024-2026 Aiku AI

// Package admin serves the bridge's operational HTTP API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/tdm-bridge/pkg/orchestrator"
)

// Runtime is what the API reports on and acts upon. *orchestrator.Orchestrator
// implements it.
type Runtime interface {
	Snapshot() orchestrator.Snapshot
	Sweep() int
}

var _ Runtime = (*orchestrator.Orchestrator)(nil)

// API exposes status and maintenance endpoints.
type API struct {
	rt  Runtime
	log zerolog.Logger
}

func New(rt Runtime, log zerolog.Logger) *API {
	return &API{rt: rt, log: log.With().Str("component", "admin").Logger()}
}

// Handler returns the routed endpoints.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", a.HandleStatus)
	mux.HandleFunc("/api/sweep", a.HandleSweep)
	return mux
}

// HandleStatus is an HTTP handler for GET /api/status. It answers 503 when
// any adapter is degraded so load balancers and probes can act on it.
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := a.rt.Snapshot()
	code := http.StatusOK
	if snap.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	a.writeJSON(w, code, snap)
}

// HandleSweep is an HTTP handler for POST /api/sweep. It evicts expired
// loop guard entries immediately instead of waiting for the next tick.
func (a *API) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	evicted := a.rt.Sweep()
	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("evicted", evicted).
		Msg("Loop guard sweep requested")
	a.writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write response")
	}
}

// Serve listens on addr until ctx is done, then shuts the server down.
func (a *API) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("Admin API shutdown")
		}
		return nil
	}
}
