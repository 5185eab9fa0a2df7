package api

import (
	"net/http"

	"github.com/mattjoyce/agent-runner/internal/auth"
)

// principalNameKey carries a pointer the logging middleware reads back after
// the handler chain, so access logs name the caller.
type principalNameKey struct{}

// authMiddleware authenticates the bearer token and stores the principal in the context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := s.authn.Authenticate(token)
		if !ok {
			s.logger.Warn("rejected bearer token", "fingerprint", auth.Fingerprint(token), "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if name, ok := r.Context().Value(principalNameKey{}).(*string); ok {
			*name = principal.Name
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects principals holding none of the given scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.FromContext(r.Context())
			if !ok || !principal.Can(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalName(r *http.Request) string {
	p, _ := auth.FromContext(r.Context())
	return p.Name
}
