package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// nodeRegisterRequest is the body of POST /nodes.
type nodeRegisterRequest struct {
	NodeID  string  `json:"node_id"`
	Country string  `json:"country"`
	Region  string  `json:"region"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

// handleRegisterNode implements POST /nodes: the privileged node-create
// action spec.md §3 requires an audit entry for ("node create/delete"),
// grounded on fiber-api/src/auth.py's ADMIN-only `write:node:create`
// permission. FiberMesh's trust model is a token graph rather than RBAC
// (spec.md §9), so any valid bearer may register a node; the audit trail
// records who did it.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	tok, apiErr := s.authenticate(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if s.store == nil {
		writeAPIError(w, ErrReadPathUnavailable)
		return
	}

	var req nodeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", "invalid JSON body"))
		return
	}
	if req.NodeID == "" || !countryPattern.MatchString(req.Country) {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", "node_id is required and country must be a two-letter uppercase code"))
		return
	}

	node := model.Node{
		NodeID:     req.NodeID,
		Country:    req.Country,
		Region:     req.Region,
		Lat:        req.Lat,
		Lng:        req.Lng,
		Status:     model.NodeRegistered,
		LastSeenAt: time.Now().UTC(),
	}
	if err := s.store.UpsertNode(r.Context(), node); err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}

	if _, err := s.auditLog.Append(r.Context(), model.AuditEntry{
		Action:    "REGISTER_NODE",
		Actor:     tok.Subject,
		Timestamp: time.Now().UTC(),
		Detail:    "node:" + node.NodeID,
	}); err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "node_id": node.NodeID})
}

// handleDeleteNode implements DELETE /nodes/{node_id}: the privileged
// node-delete action, mirroring fiber-api/src/audit.py's "DELETE_NODE"
// action name exactly. Deletion is soft (spec.md §3 "status = deleted;
// samples retained"), so history is never lost.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	tok, apiErr := s.authenticate(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if s.store == nil {
		writeAPIError(w, ErrReadPathUnavailable)
		return
	}

	nodeID := r.PathValue("node_id")
	if nodeID == "" {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", "node_id is required in the path"))
		return
	}

	if err := s.store.SoftDeleteNode(r.Context(), nodeID); err != nil {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "not_found", err.Error()))
		return
	}

	if _, err := s.auditLog.Append(r.Context(), model.AuditEntry{
		Action:    "DELETE_NODE",
		Actor:     tok.Subject,
		Timestamp: time.Now().UTC(),
		Detail:    "node:" + nodeID,
	}); err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "node_id": nodeID})
}
