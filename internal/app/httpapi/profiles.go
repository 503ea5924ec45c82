package httpapi

import (
	"net/http"

	"github.com/charachat/charachat/internal/app/services/profiles"
	"github.com/charachat/charachat/internal/encryption"
)

func (h *handler) getOwnProfile(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Profiles.Self(sess))
}

func (h *handler) updateOwnProfile(w http.ResponseWriter, r *http.Request) {
	var patch profiles.Patch
	if !h.decode(w, r, &patch) {
		return
	}
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.app.Profiles.Update(r.Context(), sess, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) setAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.app.Profiles.SetAPIKey(r.Context(), sess, pathVar(r, "provider"), body.Key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.app.Profiles.DeleteAPIKey(r.Context(), sess, pathVar(r, "provider"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// unlock derives the encryption key from the submitted password and stores
// it in the session cookie.
func (h *handler) unlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	user := currentUser(r)
	key, err := h.app.Profiles.Unlock(r.Context(), user, body.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.app.Profiles.Session(r.Context(), user, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	encryption.SetKeyCookie(w, key, h.cookie)
	writeJSON(w, http.StatusOK, h.app.Profiles.Self(sess))
}

func (h *handler) lock(w http.ResponseWriter, _ *http.Request) {
	encryption.ClearKeyCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	view, err := h.app.Profiles.ByUsername(r.Context(), pathVar(r, "username"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
