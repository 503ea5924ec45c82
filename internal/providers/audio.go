package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SpeechRequest asks a text-to-speech model to voice Text.
type SpeechRequest struct {
	Model string
	Text  string
	// Voice is a voice name for OpenAI or a reference clip URL for
	// Replicate speaker-cloning models.
	Voice    string
	Language string
	UserKeys map[string]string
}

// Speech is synthesised audio, either inline bytes or a remote URL.
type Speech struct {
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Model       string `json:"model"`
}

// Speak runs a speech model.
func (g *Gateway) Speak(ctx context.Context, req SpeechRequest) (sp *Speech, err error) {
	if req.Text == "" {
		return nil, NewFatalError(fmt.Errorf("text is required"))
	}
	m, err := g.registry.Resolve(KindAudio, req.Model)
	if err != nil {
		return nil, err
	}
	key, err := g.ResolveKey(m.Provider, req.UserKeys)
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { g.observe(ctx, KindAudio, m, start, err) }(time.Now())

	switch m.Provider {
	case OpenAI:
		base, err := g.baseURL(OpenAI)
		if err != nil {
			return nil, err
		}
		voice := req.Voice
		if voice == "" {
			voice = "alloy"
		}
		res, err := g.fetch(ctx, request{
			provider: OpenAI,
			method:   http.MethodPost,
			url:      base + "/audio/speech",
			headers:  map[string]string{"Authorization": "Bearer " + key},
			body:     map[string]any{"model": m.Upstream, "input": req.Text, "voice": voice},
		})
		if err != nil {
			return nil, err
		}
		ct := res.contentType
		if ct == "" {
			ct = "audio/mpeg"
		}
		return &Speech{Data: res.body, ContentType: ct, Model: m.Name}, nil

	case Replicate:
		input := map[string]any{"text": req.Text}
		if req.Voice != "" {
			input["speaker"] = req.Voice
		}
		lang := req.Language
		if lang == "" {
			lang = "en"
		}
		input["language"] = lang

		doc, err := g.predict(ctx, m, key, input)
		if err != nil {
			return nil, err
		}
		url, err := extractOutput(doc, outputPath(m, "$.output"))
		if err != nil {
			return nil, err
		}
		return &Speech{URL: url, Model: m.Name}, nil

	default:
		return nil, fmt.Errorf("%w: provider %s cannot serve audio", ErrUnknownModel, m.Provider)
	}
}
