package httpapi

import (
	"net/http"

	"github.com/charachat/charachat/internal/app/services/characters"
	"github.com/charachat/charachat/internal/app/services/personas"
	"github.com/charachat/charachat/internal/app/services/stories"
	"github.com/charachat/charachat/internal/app/storage"
)

// Characters ------------------------------------------------------------------

func (h *handler) listCharacters(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.app.Characters.List(r.Context(), currentUser(r), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createCharacter(w http.ResponseWriter, r *http.Request) {
	var in characters.Input
	if !h.decode(w, r, &in) {
		return
	}
	c, err := h.app.Characters.Create(r.Context(), currentUser(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) getCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Characters.Get(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) updateCharacter(w http.ResponseWriter, r *http.Request) {
	var in characters.Input
	if !h.decode(w, r, &in) {
		return
	}
	c, err := h.app.Characters.Update(r.Context(), currentUser(r), pathVar(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) deleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Characters.Delete(r.Context(), currentUser(r), pathVar(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) characterStories(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Characters.Get(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.app.Stories.List(r.Context(), currentUser(r), storage.ListOptions{CharacterID: c.ID, Limit: storage.MaxLimit})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Personas --------------------------------------------------------------------

func (h *handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.app.Personas.List(r.Context(), currentUser(r), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createPersona(w http.ResponseWriter, r *http.Request) {
	var in personas.Input
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.app.Personas.Create(r.Context(), currentUser(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) getPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Personas.Get(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) updatePersona(w http.ResponseWriter, r *http.Request) {
	var in personas.Input
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.app.Personas.Update(r.Context(), currentUser(r), pathVar(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) deletePersona(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Personas.Delete(r.Context(), currentUser(r), pathVar(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stories ---------------------------------------------------------------------

func (h *handler) listStories(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.app.Stories.List(r.Context(), currentUser(r), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createStory(w http.ResponseWriter, r *http.Request) {
	var in stories.Input
	if !h.decode(w, r, &in) {
		return
	}
	st, err := h.app.Stories.Create(r.Context(), currentUser(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handler) getStory(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Stories.Get(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) updateStory(w http.ResponseWriter, r *http.Request) {
	var in stories.Input
	if !h.decode(w, r, &in) {
		return
	}
	st, err := h.app.Stories.Update(r.Context(), currentUser(r), pathVar(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) deleteStory(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Stories.Delete(r.Context(), currentUser(r), pathVar(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
