package httpapi

import (
	"net/http"

	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/services/chats"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/httputil"
)

// chatView is a chat together with its history, legacy rows included.
type chatView struct {
	Chat    chat.Chat              `json:"chat"`
	History []chats.HistoryMessage `json:"history"`
}

func (h *handler) listChats(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", storage.DefaultLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.app.Chats.List(r.Context(), currentUser(r), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createChat(w http.ResponseWriter, r *http.Request) {
	var in chats.CreateInput
	if !h.decode(w, r, &in) {
		return
	}
	c, err := h.app.Chats.Create(r.Context(), currentUser(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) getChat(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	c, err := h.app.Chats.Get(r.Context(), user, pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	history, err := h.app.Chats.History(r.Context(), user, c.ID, h.sessionKey(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatView{Chat: c, History: history})
}

func (h *handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Chats.Delete(r.Context(), currentUser(r), pathVar(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in chats.SendInput
	if !h.decode(w, r, &in) {
		return
	}
	keys, _, err := h.userKeys(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reply, err := h.app.Chats.Send(r.Context(), currentUser(r), pathVar(r, "id"), in, keys)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Chats.DeleteMessage(r.Context(), currentUser(r), pathVar(r, "id"), pathVar(r, "mid")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Chats.Reset(r.Context(), currentUser(r), pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
