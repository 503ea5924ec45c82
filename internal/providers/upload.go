package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// MaxUploadBytes is the largest image accepted for upload.
const MaxUploadBytes = 10 << 20

// Upload stores an image with Imgur and returns its public link.
func (g *Gateway) Upload(ctx context.Context, image []byte) (link string, err error) {
	if len(image) == 0 {
		return "", NewFatalError(fmt.Errorf("image is empty"))
	}
	if len(image) > MaxUploadBytes {
		return "", NewFatalError(fmt.Errorf("image exceeds %d bytes", MaxUploadBytes))
	}
	if g.imgurID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAPIKey, Imgur)
	}
	base, err := g.baseURL(Imgur)
	if err != nil {
		return "", err
	}
	m := Model{Name: Imgur, Provider: Imgur}
	defer func(start time.Time) { g.observe(ctx, "upload", m, start, err) }(time.Now())

	form := url.Values{}
	form.Set("image", base64.StdEncoding.EncodeToString(image))
	form.Set("type", "base64")

	res, err := g.fetch(ctx, request{
		provider: Imgur,
		method:   http.MethodPost,
		url:      base + "/image",
		body:     []byte(form.Encode()),
		headers: map[string]string{
			"Authorization": "Client-ID " + g.imgurID,
			"Content-Type":  "application/x-www-form-urlencoded",
		},
	})
	if err != nil {
		return "", err
	}
	if !gjson.GetBytes(res.body, "success").Bool() {
		return "", NewFatalError(fmt.Errorf("imgur upload rejected: %s", gjson.GetBytes(res.body, "data.error").String()))
	}
	link = gjson.GetBytes(res.body, "data.link").String()
	if link == "" {
		return "", NewFatalError(fmt.Errorf("imgur response has no link"))
	}
	return link, nil
}
