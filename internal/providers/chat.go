package providers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Message is one turn of an OpenAI-style conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks a chat model for the next assistant message.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	// UserKeys are the caller's decrypted provider keys.
	UserKeys map[string]string
}

// Completion is the result of a chat call.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type chatBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// chatRequest builds the OpenAI-compatible request both chat providers
// accept.
func (g *Gateway) chatRequest(req ChatRequest, stream bool) (Model, request, error) {
	if len(req.Messages) == 0 {
		return Model{}, request{}, NewFatalError(fmt.Errorf("at least one message is required"))
	}
	m, err := g.registry.Resolve(KindChat, req.Model)
	if err != nil {
		return Model{}, request{}, err
	}
	if m.Provider != OpenAI && m.Provider != Mistral {
		return Model{}, request{}, fmt.Errorf("%w: provider %s cannot serve chat", ErrUnknownModel, m.Provider)
	}
	key, err := g.ResolveKey(m.Provider, req.UserKeys)
	if err != nil {
		return Model{}, request{}, err
	}
	base, err := g.baseURL(m.Provider)
	if err != nil {
		return Model{}, request{}, err
	}
	headers := map[string]string{"Authorization": "Bearer " + key}
	if stream {
		headers["Accept"] = "text/event-stream"
	}
	return m, request{
		provider: m.Provider,
		method:   "POST",
		url:      base + "/chat/completions",
		headers:  headers,
		body: chatBody{
			Model:       m.Upstream,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      stream,
		},
	}, nil
}

// Complete returns the full assistant reply.
func (g *Gateway) Complete(ctx context.Context, req ChatRequest) (c *Completion, err error) {
	m, r, err := g.chatRequest(req, false)
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { g.observe(ctx, KindChat, m, start, err) }(time.Now())

	res, err := g.fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	choice := gjson.GetBytes(res.body, "choices.0")
	if !choice.Exists() {
		return nil, NewFatalError(fmt.Errorf("%s response has no choices", m.Provider))
	}
	return &Completion{
		Content:      choice.Get("message.content").String(),
		Model:        m.Name,
		FinishReason: choice.Get("finish_reason").String(),
	}, nil
}

// Stream calls onDelta for every content fragment and returns the assembled
// reply. Connection failures are retried; once deltas flow, errors are
// returned as is.
func (g *Gateway) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (c *Completion, err error) {
	m, r, err := g.chatRequest(req, true)
	if err != nil {
		return nil, err
	}
	defer func(start time.Time) { g.observe(ctx, KindChat, m, start, err) }(time.Now())

	var out *Completion
	err = g.retry.do(ctx, func() error {
		resp, err := g.open(ctx, r)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out, err = readStream(resp.Body, m, onDelta)
		return err
	})
	return out, err
}

// readStream consumes an SSE body. Its errors are never transient so a
// half-delivered reply is not replayed.
func readStream(body io.Reader, m Model, onDelta func(string) error) (*Completion, error) {
	out := &Completion{Model: m.Name}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		if msg := gjson.Get(data, "error.message"); msg.Exists() {
			return nil, NewFatalError(fmt.Errorf("%s stream error: %s", m.Provider, msg.String()))
		}
		choice := gjson.Get(data, "choices.0")
		if reason := choice.Get("finish_reason").String(); reason != "" {
			out.FinishReason = reason
		}
		delta := choice.Get("delta.content").String()
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewFatalError(fmt.Errorf("read %s stream: %w", m.Provider, err))
	}
	out.Content = content.String()
	return out, nil
}
