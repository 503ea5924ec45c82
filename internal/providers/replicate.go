package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// predict runs a Replicate prediction, waiting synchronously when the API
// allows and polling the prediction URL otherwise. It returns the terminal
// prediction document, or a transient error once pollTimeout has passed.
func (g *Gateway) predict(ctx context.Context, m Model, key string, input map[string]any) ([]byte, error) {
	base, err := g.baseURL(Replicate)
	if err != nil {
		return nil, err
	}

	r := request{
		provider: Replicate,
		method:   http.MethodPost,
		headers: map[string]string{
			"Authorization": "Bearer " + key,
			"Prefer":        "wait",
		},
	}
	// owner/name:version pins a version; owner/name runs the latest.
	if _, version, pinned := strings.Cut(m.Upstream, ":"); pinned {
		r.url = base + "/predictions"
		r.body = map[string]any{"version": version, "input": input}
	} else {
		r.url = base + "/models/" + m.Upstream + "/predictions"
		r.body = map[string]any{"input": input}
	}

	res, err := g.fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	doc := res.body
	deadline := time.Now().Add(g.pollTimeout)

	for {
		status := gjson.GetBytes(doc, "status").String()
		switch status {
		case "succeeded":
			return doc, nil
		case "failed", "canceled":
			msg := gjson.GetBytes(doc, "error").String()
			if msg == "" {
				msg = status
			}
			return nil, NewFatalError(fmt.Errorf("replicate prediction %s: %s", status, msg))
		}

		poll := gjson.GetBytes(doc, "urls.get").String()
		if poll == "" {
			return nil, NewFatalError(fmt.Errorf("replicate prediction has no poll url"))
		}
		if !time.Now().Before(deadline) {
			return nil, NewTransientError(fmt.Errorf("replicate prediction still %s after %s", status, g.pollTimeout))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.pollInterval):
		}

		res, err := g.fetch(ctx, request{
			provider: Replicate,
			method:   http.MethodGet,
			url:      poll,
			headers:  map[string]string{"Authorization": "Bearer " + key},
		})
		if err != nil {
			return nil, err
		}
		doc = res.body
	}
}
