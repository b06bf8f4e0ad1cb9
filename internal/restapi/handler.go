// Package restapi serves the health, status and metrics endpoints of a
// running datashark process.
package restapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/koromodako/datashark/internal/datashark"
	"github.com/koromodako/datashark/internal/metrics"
	"github.com/koromodako/datashark/internal/plugin"
)

const healthTimeout = 2 * time.Second

// Backend exposes the processing state. *datashark.Datashark implements it.
type Backend interface {
	Status() datashark.Status
	Ping(ctx context.Context) map[string]error
}

// PluginLister lists registered plugins. *plugin.Registry implements it.
type PluginLister interface {
	Plugins() []plugin.Plugin
}

// Handler holds dependencies for the HTTP endpoints.
type Handler struct {
	backend      Backend
	plugins      PluginLister
	workspaceDir string
	started      time.Time
	logger       *slog.Logger
}

// NewHandler creates a handler. backend may be nil when no scan runs in
// this process, e.g. for a remote task server.
func NewHandler(backend Backend, plugins PluginLister, workspaceDir string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend:      backend,
		plugins:      plugins,
		workspaceDir: workspaceDir,
		started:      time.Now(),
		logger:       logger,
	}
}

// RegisterRoutes attaches all routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /plugins", h.listPlugins)
	mux.Handle("GET /metrics", metrics.Handler())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ---------- GET /healthz ----------

// healthz checks every open database and that the workspace is reachable.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	result := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.backend != nil {
		failures := h.backend.Ping(ctx)
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			result["database."+name] = "unreachable: " + failures[name].Error()
		}
		if len(failures) > 0 {
			result["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	if h.workspaceDir != "" {
		if _, err := os.Stat(h.workspaceDir); err != nil {
			result["status"] = "degraded"
			result["workspace"] = "inaccessible: " + err.Error()
			code = http.StatusServiceUnavailable
		} else {
			result["workspace"] = "ok"
		}
	}

	if code != http.StatusOK {
		h.logger.Warn("health check degraded", slog.Any("result", result))
	}
	writeJSON(w, code, result)
}

// ---------- GET /status ----------

type statusResponse struct {
	datashark.Status
	Uptime string `json:"uptime"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	var st datashark.Status
	if h.backend != nil {
		st = h.backend.Status()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status: st,
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// ---------- GET /plugins ----------

type pluginResponse struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Initialized bool   `json:"initialized"`
}

func (h *Handler) listPlugins(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("request_id", uuid.New().String()))
	logger.Debug("list plugins request")

	result := make([]pluginResponse, 0)
	if h.plugins != nil {
		for _, p := range h.plugins.Plugins() {
			result = append(result, pluginResponse{
				Name:        p.Name(),
				Kind:        p.Kind().String(),
				Description: p.Description(),
				Initialized: p.Initialized(),
			})
		}
	}
	writeJSON(w, http.StatusOK, result)
}
