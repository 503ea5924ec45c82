package httpapi

import (
	"net/http"

	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/services/migration"
	"github.com/charachat/charachat/internal/httputil"
	"github.com/charachat/charachat/internal/providers"
)

func (h *handler) listCategories(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Taxonomy.Categories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createCategory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	c, err := h.app.Taxonomy.CreateCategory(r.Context(), currentUser(r), body.Title, body.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) listTags(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Taxonomy.Tags(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	t, err := h.app.Taxonomy.CreateTag(r.Context(), currentUser(r), body.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// listModels returns the configured model catalogue grouped by kind, or a
// single kind when ?kind= is given.
func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	out := map[string][]providers.Model{}
	for _, m := range h.app.Models.List(kind) {
		out[m.Kind] = append(out[m.Kind], m)
	}
	writeJSON(w, http.StatusOK, out)
}

type migrateResponse struct {
	Report migration.Report `json:"report"`
	Rows   int64            `json:"rows"`
	Error  string           `json:"error,omitempty"`
}

// migrate moves the caller's legacy account, named by a legacy session
// token, onto their current identity. A failed run that already moved rows
// reports them alongside the error.
func (h *handler) migrate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	report, err := h.app.Migration.MigrateWithToken(r.Context(), currentUser(r), body.Token)
	if err != nil {
		if len(report.Steps) == 0 {
			h.fail(w, r, err)
			return
		}
		h.log.FromContext(r.Context()).WithError(err).
			WithField("legacy_user_id", report.LegacyUserID).
			Error("legacy migration incomplete")
		writeJSON(w, httputil.StatusFor(err), migrateResponse{Report: report, Rows: report.Rows(), Error: "migration incomplete"})
		return
	}
	writeJSON(w, http.StatusOK, migrateResponse{Report: report, Rows: report.Rows()})
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := services.RequireUser(user); err != nil {
		h.fail(w, r, err)
		return
	}
	if !user.Admin {
		h.fail(w, r, services.ErrForbidden)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}
