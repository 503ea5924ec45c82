package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/services/chats"
	"github.com/charachat/charachat/internal/httputil"
)

const (
	streamReadLimit    = 64 << 10
	streamWriteTimeout = 10 * time.Second
)

// Frame types sent on the chat stream.
const (
	frameDelta = "delta"
	frameDone  = "done"
	frameError = "error"
)

// streamFrame is one server message on the chat websocket.
type streamFrame struct {
	Type    string        `json:"type"`
	Content string        `json:"content,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Status  int           `json:"status,omitempty"`
}

// streamChat upgrades to a websocket. Each client message is a SendInput;
// the reply arrives as delta frames followed by a done frame carrying the
// stored assistant message.
func (h *handler) streamChat(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	c, err := h.app.Chats.Get(r.Context(), user, pathVar(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys, _, err := h.userKeys(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)

	log := h.log.FromContext(r.Context()).WithField("chat_id", c.ID)
	log.Debug("chat stream opened")

	for {
		var in chats.SendInput
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("chat stream closed")
			}
			return
		}

		reply, err := h.app.Chats.Stream(r.Context(), user, c.ID, in, keys, func(delta string) error {
			return writeFrame(conn, streamFrame{Type: frameDelta, Content: delta})
		})
		if err != nil {
			var closed *websocket.CloseError
			if errors.As(err, &closed) {
				return
			}
			status := httputil.StatusFor(err)
			msg := err.Error()
			switch status {
			case http.StatusNotFound:
				msg = "not found"
			case http.StatusInternalServerError:
				log.WithError(err).Error("chat stream turn failed")
				msg = "internal error"
			}
			if writeFrame(conn, streamFrame{Type: frameError, Error: msg, Status: status}) != nil {
				return
			}
			continue
		}
		if err := writeFrame(conn, streamFrame{Type: frameDone, Message: &reply.Message}); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f streamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// checkOrigin accepts same-host pages and the configured CORS origins.
func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host == r.Host {
		return true
	}
	return h.originAllowed != nil && h.originAllowed(origin)
}
