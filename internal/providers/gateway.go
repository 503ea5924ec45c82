// Package providers proxies chat, image, speech and upload requests to the
// third-party generation APIs.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charachat/charachat/internal/app/metrics"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/pkg/logger"
)

// maxResponseSize limits upstream bodies. Speech responses are audio bytes.
const maxResponseSize = 25 * 1024 * 1024

// Config holds provider endpoints and server-side credentials.
type Config struct {
	BaseURLs map[string]string
	// ServerKeys are used when the caller has not stored their own key.
	ServerKeys    map[string]string
	ImgurClientID string
	Models        []config.ModelConfig
	Retry         RetryConfig
	PollInterval  time.Duration
	// PollTimeout bounds how long an asynchronous prediction is polled.
	PollTimeout time.Duration
}

// ConfigFromSettings maps the providers section of the application config.
func ConfigFromSettings(p config.ProvidersConfig) Config {
	retry := DefaultRetryConfig()
	if p.MaxAttempts > 0 {
		retry.MaxAttempts = p.MaxAttempts
	}
	return Config{
		BaseURLs: map[string]string{
			OpenAI:    p.OpenAIBaseURL,
			Mistral:   p.MistralBaseURL,
			Replicate: p.ReplicateURL,
			Fal:       p.FalURL,
			Imgur:     p.ImgurURL,
		},
		ServerKeys: map[string]string{
			OpenAI:    p.OpenAIKey,
			Mistral:   p.MistralKey,
			Replicate: p.ReplicateKey,
			Fal:       p.FalKey,
		},
		ImgurClientID: p.ImgurClientID,
		Models:        p.Models,
		Retry:         retry,
		PollTimeout:   p.PollTimeout,
	}
}

// Gateway is the single entry point services use for generation.
type Gateway struct {
	registry     *Registry
	baseURLs     map[string]string
	serverKeys   map[string]string
	imgurID      string
	client       *http.Client
	retry        RetryConfig
	pollInterval time.Duration
	pollTimeout  time.Duration
	log          *logger.Logger
}

// NewGateway builds a gateway. A nil client gets a 90s timeout.
func NewGateway(cfg Config, client *http.Client, log *logger.Logger) (*Gateway, error) {
	registry, err := NewRegistry(cfg.Models)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("providers")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	base := make(map[string]string, len(cfg.BaseURLs))
	for k, v := range cfg.BaseURLs {
		base[k] = strings.TrimSuffix(v, "/")
	}
	return &Gateway{
		registry:     registry,
		baseURLs:     base,
		serverKeys:   cfg.ServerKeys,
		imgurID:      cfg.ImgurClientID,
		client:       client,
		retry:        cfg.Retry,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		log:          log,
	}, nil
}

// Models exposes the registry.
func (g *Gateway) Models() *Registry {
	return g.registry
}

// ResolveKey picks the caller's key for provider, falling back to the
// server key.
func (g *Gateway) ResolveKey(provider string, userKeys map[string]string) (string, error) {
	if k := strings.TrimSpace(userKeys[provider]); k != "" {
		return k, nil
	}
	if k := strings.TrimSpace(g.serverKeys[provider]); k != "" {
		return k, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoAPIKey, provider)
}

func (g *Gateway) baseURL(provider string) (string, error) {
	u := g.baseURLs[provider]
	if u == "" {
		return "", NewFatalError(fmt.Errorf("no base URL configured for %s", provider))
	}
	return u, nil
}

// observe records metrics and logs the outcome of one provider call.
func (g *Gateway) observe(ctx context.Context, kind string, m Model, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RecordProviderCall(kind, m.Provider, elapsed, err)
	entry := g.log.FromContext(ctx).WithFields(map[string]any{
		"kind":        kind,
		"provider":    m.Provider,
		"model":       m.Name,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("provider call failed")
		return
	}
	entry.Debug("provider call completed")
}

// request describes one upstream HTTP call.
type request struct {
	provider string
	method   string
	url      string
	body     any
	headers  map[string]string
}

func (r request) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		switch b := r.body.(type) {
		case []byte:
			body = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, NewFatalError(fmt.Errorf("encode %s request: %w", r.provider, err))
			}
			body = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create %s request: %w", r.provider, err))
	}
	if r.body != nil {
		if _, raw := r.body.([]byte); !raw {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// open performs r and returns the response when it is 2xx. The caller owns
// the body.
func (g *Gateway) open(ctx context.Context, r request) (*http.Response, error) {
	req, err := r.build(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("%s request failed: %w", r.provider, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPError(r.provider, resp.StatusCode, body)
	}
	return resp, nil
}

// result is a fully read upstream response.
type result struct {
	body        []byte
	contentType string
}

// fetch performs r with retries and reads the whole body.
func (g *Gateway) fetch(ctx context.Context, r request) (result, error) {
	var out result
	err := g.retry.do(ctx, func() error {
		resp, err := g.open(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return NewTransientError(fmt.Errorf("read %s response: %w", r.provider, err))
		}
		out = result{body: body, contentType: resp.Header.Get("Content-Type")}
		return nil
	})
	return out, err
}
