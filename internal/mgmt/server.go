package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"localcloud/internal/graph"
	"localcloud/internal/intrinsics"
	"localcloud/internal/metrics"
	"localcloud/internal/orchestrator"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const subsystem = "Mgmt"

// resetTimeout bounds a full state reset across all providers.
const resetTimeout = 30 * time.Second

// Server is the management surface: health and status probes, the resource
// inventory, state reset, graceful shutdown and the metrics endpoint. It is
// read-mostly and safe to serve while providers start and stop.
type Server struct {
	registry *provider.Registry
	orch     *orchestrator.Orchestrator
	graph    *graph.Graph
	refs     *intrinsics.RefMap
	stats    *metrics.Collector
}

func NewServer(registry *provider.Registry, orch *orchestrator.Orchestrator, g *graph.Graph, refs *intrinsics.RefMap, stats *metrics.Collector) *Server {
	return &Server{registry: registry, orch: orch, graph: g, refs: refs, stats: stats}
}

// Handler returns the router for every management route under /_mgmt.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Route("/_mgmt", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/status", s.status)
		r.Get("/resources", s.resources)
		r.Post("/reset", s.reset)
		r.Post("/shutdown", s.shutdown)
		if s.stats != nil {
			r.Method(http.MethodGet, "/metrics", s.stats.Handler())
		}
	})
	return r
}

type providerStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
}

type statusResponse struct {
	Running   bool             `json:"running"`
	Providers []providerStatus `json:"providers"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := statusResponse{Running: s.orch.Running()}
	for _, p := range s.registry.All() {
		out.Providers = append(out.Providers, providerStatus{
			Name:    p.Name(),
			Status:  string(p.Status()),
			Healthy: p.Status() == provider.StatusRunning && p.HealthCheck(r.Context()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type resourceEntry struct {
	LogicalID string   `json:"logicalId"`
	Kind      string   `json:"kind"`
	Value     string   `json:"value,omitempty"`
	Arn       string   `json:"arn,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	entries := make([]resourceEntry, 0)
	for _, node := range s.graph.Nodes() {
		entry := resourceEntry{
			LogicalID: node.ID,
			Kind:      string(node.Kind),
			DependsOn: s.graph.DependenciesOf(node.ID),
		}
		if v, ok := s.refs.Get(node.ID); ok {
			entry.Value = v
		}
		if v, ok := s.refs.Get(node.ID + ".Arn"); ok {
			entry.Arn = v
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": entries})
}

// reset drops state on every provider that supports it. Declared resources
// survive; only their contents are discarded.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resetTimeout)
	defer cancel()

	var resetted, failed []string
	for _, p := range s.registry.All() {
		rs, ok := p.(provider.Resetter)
		if !ok {
			continue
		}
		if err := rs.Reset(ctx); err != nil {
			logging.Error(subsystem, err, "reset of provider %s failed", p.Name())
			failed = append(failed, p.Name())
			continue
		}
		resetted = append(resetted, p.Name())
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{"reset": resetted, "failed": failed})
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	logging.Info(subsystem, "shutdown requested over the management API")
	s.orch.RequestShutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error(subsystem, err, "failed to encode management response")
	}
}
