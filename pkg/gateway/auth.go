package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/auth"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// authenticate implements spec.md §4.2 step 1: verify the bearer token
// against the authority's public key and return the caller's identity. The
// central gateway accepts both probe-signed and relay-signed tokens (spec.md
// §4.3: "auth accepts either").
func (s *Server) authenticate(r *http.Request) (*model.Token, *apierr.Error) {
	authHeader := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(authHeader, "Bearer ")
	if raw == authHeader || raw == "" {
		return nil, apierr.ErrInvalidToken
	}

	tok, err := auth.ParseBearer(raw)
	if err != nil {
		return nil, apierr.ErrInvalidToken
	}
	if err := auth.Verify(s.authPub, tok, time.Now()); err != nil {
		return nil, apierr.ErrInvalidToken
	}
	if s.opts.IsRevoked != nil && s.opts.IsRevoked(tok.Subject) {
		return nil, apierr.ErrInvalidToken
	}
	return tok, nil
}
