package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/services/generation"
	"github.com/charachat/charachat/internal/providers"
)

// uploadBodyLimit leaves room for base64 expansion and multipart framing.
const uploadBodyLimit = providers.MaxUploadBytes/3*4 + 64<<10

func (h *handler) generateImage(w http.ResponseWriter, r *http.Request) {
	var in generation.ImageInput
	if !h.decode(w, r, &in) {
		return
	}
	keys, _, err := h.userKeys(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	img, err := h.app.Generation.Image(r.Context(), currentUser(r), in, keys)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// generateSpeech returns raw audio when the provider produced bytes and a
// JSON link otherwise.
func (h *handler) generateSpeech(w http.ResponseWriter, r *http.Request) {
	var in generation.SpeechInput
	if !h.decode(w, r, &in) {
		return
	}
	keys, _, err := h.userKeys(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sp, err := h.app.Generation.Speech(r.Context(), currentUser(r), in, keys)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(sp.Data) == 0 {
		writeJSON(w, http.StatusOK, sp)
		return
	}
	ct := sp.ContentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(sp.Data)))
	w.Header().Set("X-Model", sp.Model)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sp.Data)
}

// upload accepts either {"image": "<base64 or data url>"} or a multipart
// form with a "file" part.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadBodyLimit)
	user := currentUser(r)

	var (
		link string
		err  error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var data []byte
		data, err = readUploadPart(r)
		if err == nil {
			link, err = h.app.Generation.UploadBytes(r.Context(), user, data)
		}
	} else {
		var body struct {
			Image string `json:"image"`
		}
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			err = uploadBodyError(err)
		} else {
			link, err = h.app.Generation.Upload(r.Context(), user, body.Image)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": link})
}

func readUploadPart(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(providers.MaxUploadBytes); err != nil {
		return nil, uploadBodyError(err)
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, services.Invalid("file", "is required")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, providers.MaxUploadBytes+1))
	if err != nil {
		return nil, uploadBodyError(err)
	}
	return data, nil
}

func uploadBodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return services.Invalid("image", "upload exceeds %d bytes", providers.MaxUploadBytes)
	}
	return services.Invalid("body", "invalid upload: %v", err)
}
