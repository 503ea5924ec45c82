package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/app/services/profiles"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/encryption"
	"github.com/charachat/charachat/internal/httputil"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/middleware"
	"github.com/charachat/charachat/pkg/logger"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app           *app.Application
	log           *logger.Logger
	cookie        encryption.CookieOptions
	audit         *auditLog
	limiter       *middleware.RateLimiter
	originAllowed func(origin string) bool
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, h.log, err)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSON(w, r, dst); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	httputil.WriteStatus(w, status, msg)
}

func currentUser(r *http.Request) *identity.User {
	return identity.FromContext(r.Context())
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// sessionKey returns the encryption key from the session cookie, or nil.
func (h *handler) sessionKey(r *http.Request) []byte {
	key, err := encryption.KeyFromRequest(r, h.cookie)
	if err != nil {
		if !errors.Is(err, encryption.ErrNoKey) {
			h.log.WithError(err).Debug("ignoring malformed key cookie")
		}
		return nil
	}
	return key
}

// session loads the caller's profile together with a verified session key.
func (h *handler) session(r *http.Request) (profiles.Session, error) {
	return h.app.Profiles.Session(r.Context(), currentUser(r), h.sessionKey(r))
}

// userKeys returns the caller's decrypted provider keys; anonymous callers
// and locked sessions get none.
func (h *handler) userKeys(r *http.Request) (map[string]string, []byte, error) {
	if currentUser(r) == nil {
		return nil, nil, nil
	}
	sess, err := h.session(r)
	if err != nil {
		return nil, nil, err
	}
	return h.app.Profiles.APIKeys(sess), sess.Key, nil
}

// listOptions reads the common list query parameters.
func listOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	limit, err := httputil.QueryInt(r, "limit", storage.DefaultLimit)
	if err != nil {
		return storage.ListOptions{}, err
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		return storage.ListOptions{}, err
	}
	nsfw, err := httputil.QueryBool(r, "nsfw")
	if err != nil {
		return storage.ListOptions{}, err
	}
	return storage.ListOptions{
		Owner:       q.Get("owner"),
		CharacterID: q.Get("character_id"),
		CategoryID:  q.Get("category_id"),
		Tag:         q.Get("tag"),
		Search:      q.Get("q"),
		Sort:        q.Get("sort"),
		IncludeNSFW: nsfw,
		Limit:       limit,
		Offset:      offset,
	}, nil
}
