package httpapi

import (
	"net/http"

	"github.com/charachat/charachat/internal/app/services/pages"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/httputil"
)

func (h *handler) homePage(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", storage.DefaultLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.app.Pages.Home(r.Context(), currentUser(r), pages.HomeOptions{
		CategoryID: q.Get("category_id"),
		Tag:        q.Get("tag"),
		Search:     q.Get("q"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) characterPage(w http.ResponseWriter, r *http.Request) {
	page, err := h.app.Pages.Character(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) chatPage(w http.ResponseWriter, r *http.Request) {
	page, err := h.app.Pages.Chat(r.Context(), currentUser(r), pathVar(r, "id"), h.sessionKey(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) profilePage(w http.ResponseWriter, r *http.Request) {
	page, err := h.app.Pages.Profile(r.Context(), currentUser(r), pathVar(r, "username"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
