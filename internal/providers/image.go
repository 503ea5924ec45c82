package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// ImageRequest asks an image model for one picture.
type ImageRequest struct {
	Model          string
	Prompt         string
	NegativePrompt string
	// Size is WIDTHxHEIGHT; providers that take aspect ratios ignore it.
	Size     string
	UserKeys map[string]string
}

// Image is a generated picture. URL is either remote or a data: URL.
type Image struct {
	URL   string `json:"url"`
	Model string `json:"model"`
}

// GenerateImage runs an image model and returns the picture location.
func (g *Gateway) GenerateImage(ctx context.Context, req ImageRequest) (img *Image, err error) {
	if req.Prompt == "" {
		return nil, NewFatalError(fmt.Errorf("prompt is required"))
	}
	m, err := g.registry.Resolve(KindImage, req.Model)
	if err != nil {
		return nil, err
	}
	key, err := g.ResolveKey(m.Provider, req.UserKeys)
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { g.observe(ctx, KindImage, m, start, err) }(time.Now())

	var url string
	switch m.Provider {
	case OpenAI:
		url, err = g.openAIImage(ctx, m, key, req)
	case Replicate:
		input := map[string]any{"prompt": req.Prompt}
		if req.NegativePrompt != "" {
			input["negative_prompt"] = req.NegativePrompt
		}
		var doc []byte
		if doc, err = g.predict(ctx, m, key, input); err == nil {
			url, err = extractOutput(doc, outputPath(m, "$.output"))
		}
	case Fal:
		url, err = g.falImage(ctx, m, key, req)
	default:
		return nil, fmt.Errorf("%w: provider %s cannot serve images", ErrUnknownModel, m.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &Image{URL: url, Model: m.Name}, nil
}

func (g *Gateway) openAIImage(ctx context.Context, m Model, key string, req ImageRequest) (string, error) {
	base, err := g.baseURL(OpenAI)
	if err != nil {
		return "", err
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}
	res, err := g.fetch(ctx, request{
		provider: OpenAI,
		method:   http.MethodPost,
		url:      base + "/images/generations",
		headers:  map[string]string{"Authorization": "Bearer " + key},
		body:     map[string]any{"model": m.Upstream, "prompt": req.Prompt, "n": 1, "size": size},
	})
	if err != nil {
		return "", err
	}
	if b64 := gjson.GetBytes(res.body, "data.0.b64_json").String(); b64 != "" {
		return "data:image/png;base64," + b64, nil
	}
	return extractOutput(res.body, outputPath(m, "$.data[0].url"))
}

func (g *Gateway) falImage(ctx context.Context, m Model, key string, req ImageRequest) (string, error) {
	base, err := g.baseURL(Fal)
	if err != nil {
		return "", err
	}
	body := map[string]any{"prompt": req.Prompt}
	if req.NegativePrompt != "" {
		body["negative_prompt"] = req.NegativePrompt
	}
	res, err := g.fetch(ctx, request{
		provider: Fal,
		method:   http.MethodPost,
		url:      base + "/" + m.Upstream,
		headers:  map[string]string{"Authorization": "Key " + key},
		body:     body,
	})
	if err != nil {
		return "", err
	}
	return extractOutput(res.body, outputPath(m, "$.images[0].url"))
}

func outputPath(m Model, fallback string) string {
	if m.OutputPath != "" {
		return m.OutputPath
	}
	return fallback
}
