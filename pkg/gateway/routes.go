package gateway

import "net/http"

// registerRoutes wires the gateway's HTTP surface (spec.md §6), following
// nexus-cloud/pkg/apiserver/routes.go's registerRoutes shape (one mux, one
// line per route).
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /push", s.handlePush)
	s.mux.HandleFunc("POST /ingest", s.handleIngest)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /metrics", s.handleMetricsRead)
	s.mux.HandleFunc("GET /federation/status", s.handleFederationStatus)
	s.mux.HandleFunc("POST /nodes", s.handleRegisterNode)
	s.mux.HandleFunc("DELETE /nodes/{node_id}", s.handleDeleteNode)
}

// handleStatus reports liveness and dependency health (spec.md §6: "Liveness
// + dependency health").
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"api": "ok", "queue": "down"})
		return
	}
	_ = depth
	writeJSON(w, http.StatusOK, map[string]string{"api": "ok", "queue": "ok"})
}

// handleFederationStatus reports this instance's federation role. The
// central gateway is always the terminus of the forward path (spec.md
// §4.3), so it reports a fixed role by default; cmd/relay overrides this
// via Options.FederationStatus with a callback that reports its
// federation.Forwarder's live FORWARDING/BUFFERING/DEGRADED_FULL state.
func (s *Server) handleFederationStatus(w http.ResponseWriter, _ *http.Request) {
	if s.opts.FederationStatus != nil {
		writeJSON(w, http.StatusOK, s.opts.FederationStatus())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":       "central",
		"source":     "static",
		"started_at": s.startedAt,
	})
}
