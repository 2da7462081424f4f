package httpx

import (
	"net/http"
	"strings"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

// SessionAuthScheme is the Authorization scheme carrying an opaque
// scan-session token.
const SessionAuthScheme = "Medvault-Session"

// credential extracts the request credential as a tagged union. A signed
// principal token takes precedence; otherwise an opaque session token from
// the query parameter or the dedicated auth scheme is used. An absent
// credential is not an error here (authorization denies it); an invalid
// bearer token is.
func (h *Handler) credential(r *http.Request) (registry.Credential, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, _ := strings.Cut(auth, " ")
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(scheme, "Bearer"):
			principal, err := h.Tokens.Verify(value)
			if err != nil {
				return registry.Credential{}, domain.ErrDenied
			}
			return registry.Credential{Principal: principal}, nil
		case strings.EqualFold(scheme, SessionAuthScheme):
			return registry.Credential{SessionToken: domain.SessionToken(value)}, nil
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return registry.Credential{SessionToken: domain.SessionToken(tok)}, nil
	}
	return registry.Credential{}, nil
}
