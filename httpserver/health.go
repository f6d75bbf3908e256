package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"
)

// dependencyTimeout bounds each dependency check of /readyz.
const dependencyTimeout = 2 * time.Second

// DependencyCheck reports whether a backing service the API needs is reachable.
type DependencyCheck func(ctx context.Context) error

// health serves the checks load balancers and operators use. The server is
// ready while it is not draining and every dependency answers.
type health struct {
	draining     atomic.Bool
	dependencies map[string]DependencyCheck
	log          *slog.Logger
}

func newHealth(dependencies map[string]DependencyCheck, log *slog.Logger) *health {
	return &health{dependencies: dependencies, log: log}
}

func (h *health) routes(r chi.Router) {
	r.Get("/livez", h.handleLive)
	r.Get("/readyz", h.handleReady)
	r.Post("/drain", h.handleDrain)
	r.Post("/undrain", h.handleUndrain)
}

func (h *health) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *health) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}

	failing := h.failingDependencies(r.Context())
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *health) failingDependencies(ctx context.Context) []string {
	var failing []string
	for name, check := range h.dependencies {
		checkCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			h.log.Warn("Readiness dependency failed", slog.String("dependency", name), "err", err)
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

func (h *health) handleDrain(w http.ResponseWriter, r *http.Request) {
	if h.startDraining() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
}

func (h *health) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if h.draining.CompareAndSwap(true, false) {
		h.log.Info("Server accepting traffic again")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startDraining makes /readyz fail. Reports false if already draining.
func (h *health) startDraining() bool {
	if !h.draining.CompareAndSwap(false, true) {
		return false
	}
	h.log.Info("Server draining, readiness checks now fail")
	return true
}
