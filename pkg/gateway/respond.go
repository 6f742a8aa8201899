package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
)

// writeJSON encodes v as JSON and writes it to w, following
// nexus-cloud/pkg/apiserver/routes.go's writeJSON helper.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError writes an *apierr.Error using its own status and the
// apierr.Envelope wire shape ({status:"error", code, message?}, with a
// lower snake_case code).
func writeAPIError(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.Status, err.ToEnvelope())
}
