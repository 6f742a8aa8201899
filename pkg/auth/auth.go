// Package auth issues and verifies the Ed25519-signed bearer tokens used to
// authenticate probes and relays to the gateway (spec.md §3 "Token (probe
// auth)"). No JWT library appears anywhere in the retrieval pack (see
// DESIGN.md); this follows the pack's own precedent for signed identity
// credentials, the Ed25519 MIC issuance/verification in
// nexus-cloud/pkg/ca/ca.go, adapted from certificate issuance to bearer
// token issuance.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// Authority is the central issuer of probe/relay tokens. Regionals verify
// probe tokens using the same public key and either carry them forward or
// re-issue a scoped token for the central hop (spec.md §4.3 trust graph).
type Authority struct {
	mu      sync.RWMutex
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	revoked map[string]bool // subject -> revoked
}

// NewAuthority generates a fresh Ed25519 keypair for the authority.
func NewAuthority() (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate ed25519 key: %w", err)
	}
	return &Authority{pub: pub, priv: priv, revoked: make(map[string]bool)}, nil
}

// NewAuthorityFromSeed rebuilds an Authority deterministically from a
// 32-byte Ed25519 seed, so a restarted gateway process keeps signing (and
// verifying) with the same key instead of invalidating every outstanding
// token on restart.
func NewAuthorityFromSeed(seed []byte) (*Authority, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Authority{pub: priv.Public().(ed25519.PublicKey), priv: priv, revoked: make(map[string]bool)}, nil
}

// PublicKey returns the authority's public key, distributed to regionals so
// they can verify probe tokens locally (spec.md §9 "central issues scoped,
// revocable tokens to regionals").
func (a *Authority) PublicKey() ed25519.PublicKey {
	return a.pub
}

// Issue signs a new Token for subject (a probe or relay id) scoped to
// region, valid for ttl.
func (a *Authority) Issue(subject, region string, ttl time.Duration) *model.Token {
	tok := &model.Token{
		Subject:   subject,
		Region:    region,
		ExpiresAt: time.Now().Add(ttl),
	}
	tok.Signature = ed25519.Sign(a.priv, payload(tok))
	return tok
}

// Revoke marks subject's tokens as no longer valid, regardless of
// expiration (spec.md §3: "revocation via central authority").
func (a *Authority) Revoke(subject string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[subject] = true
}

// IsRevoked reports whether subject has been revoked. Exposed so a caller
// holding the Authority in-process (the central gateway) can wire it into
// its serving path as Options.IsRevoked; a relay, which only distributes
// the public key, has no equivalent.
func (a *Authority) IsRevoked(subject string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.revoked[subject]
}

// Verify checks a token's signature and expiry against pub (the authority's
// public key, as distributed to a relay or gateway). It does not check
// revocation, since a holder of only the public key has no access to the
// authority's revocation set; callers that hold the Authority itself should
// also consult IsRevoked (see VerifyLocal).
func Verify(pub ed25519.PublicKey, tok *model.Token, now time.Time) error {
	if tok == nil {
		return fmt.Errorf("auth: nil token")
	}
	if tok.Expired(now) {
		return fmt.Errorf("auth: token for %q expired at %s", tok.Subject, tok.ExpiresAt)
	}
	if !ed25519.Verify(pub, payload(tok), tok.Signature) {
		return fmt.Errorf("auth: token for %q has an invalid signature", tok.Subject)
	}
	return nil
}

// VerifyLocal is a convenience for an Authority verifying its own
// self-issued tokens (used by the gateway when it holds the authority
// in-process rather than only a distributed public key), additionally
// checking the in-memory revocation set.
func (a *Authority) VerifyLocal(tok *model.Token, now time.Time) error {
	if err := Verify(a.pub, tok, now); err != nil {
		return err
	}
	a.mu.RLock()
	revoked := a.revoked[tok.Subject]
	a.mu.RUnlock()
	if revoked {
		return fmt.Errorf("auth: token for %q has been revoked", tok.Subject)
	}
	return nil
}

// EncodeBearer renders a Token as the opaque string carried in an
// `Authorization: Bearer <...>` header.
func EncodeBearer(tok *model.Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("auth: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseBearer decodes a bearer string back into a Token without verifying
// it; callers must still call Verify or VerifyLocal.
func ParseBearer(s string) (*model.Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("auth: malformed bearer token")
	}
	var tok model.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("auth: malformed bearer token")
	}
	return &tok, nil
}

// payload builds the deterministic byte sequence that gets signed/verified,
// following the same fixed-field-order hashing approach as
// nexus-cloud/pkg/ca/ca.go's micPayload.
func payload(tok *model.Token) []byte {
	h := sha256.New()
	h.Write([]byte(tok.Subject))
	h.Write([]byte(tok.Region))
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(tok.ExpiresAt.Unix()))
	h.Write(exp[:])
	return h.Sum(nil)
}
