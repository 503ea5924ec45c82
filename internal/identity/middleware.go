package identity

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charachat/charachat/pkg/logger"
)

// Authenticator is HTTP middleware attaching the caller to the request
// context.
type Authenticator struct {
	verifier Verifier
	admins   map[string]struct{}
	log      *logger.Logger
}

// NewAuthenticator builds the middleware. admins is the allow-list of user
// ids granted admin rights.
func NewAuthenticator(v Verifier, admins map[string]struct{}, log *logger.Logger) *Authenticator {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Authenticator{verifier: v, admins: admins, log: log}
}

// Middleware lets anonymous requests through and rejects requests carrying
// a token that does not verify.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := TokenFromRequest(r)
		if errors.Is(err, ErrNoToken) {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			unauthorized(w, "invalid authorization header")
			return
		}

		user, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Debug("token rejected")
			unauthorized(w, "invalid token")
			return
		}
		if _, ok := a.admins[user.ID]; ok {
			user.Admin = true
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			unauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
