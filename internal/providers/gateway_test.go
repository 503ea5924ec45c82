package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/pkg/logger"
)

func newTestGateway(t *testing.T, server *httptest.Server, models ...config.ModelConfig) *Gateway {
	t.Helper()
	if len(models) == 0 {
		models = config.DefaultModels()
	}
	g, err := NewGateway(Config{
		BaseURLs: map[string]string{
			OpenAI:    server.URL + "/openai/v1",
			Mistral:   server.URL + "/mistral/v1",
			Replicate: server.URL + "/replicate/v1",
			Fal:       server.URL + "/fal",
			Imgur:     server.URL + "/imgur/3",
		},
		ServerKeys:    map[string]string{OpenAI: "server-openai", Replicate: "server-replicate", Fal: "server-fal"},
		ImgurClientID: "imgur-id",
		Models:        models,
		Retry:         RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond},
		PollInterval:  time.Millisecond,
	}, server.Client(), logger.Discard())
	require.NoError(t, err)
	return g
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(config.DefaultModels())
	require.NoError(t, err)

	m, err := r.Resolve(KindChat, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", m.Name)

	m, err = r.Resolve(KindImage, "fal-flux")
	require.NoError(t, err)
	assert.Equal(t, Fal, m.Provider)

	_, err = r.Resolve(KindChat, "fal-flux")
	assert.ErrorIs(t, err, ErrUnknownModel, "kind mismatch")
	_, err = r.Resolve(KindChat, "nope")
	assert.ErrorIs(t, err, ErrUnknownModel)

	assert.Len(t, r.List(KindAudio), 2)

	_, err = NewRegistry([]config.ModelConfig{{Name: "a", Kind: KindChat}, {Name: "a", Kind: KindChat}})
	assert.Error(t, err)
}

func TestResolveKeyPrefersUserKey(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	g := newTestGateway(t, server)

	k, err := g.ResolveKey(OpenAI, map[string]string{OpenAI: "sk-user"})
	require.NoError(t, err)
	assert.Equal(t, "sk-user", k)

	k, err = g.ResolveKey(OpenAI, nil)
	require.NoError(t, err)
	assert.Equal(t, "server-openai", k)

	_, err = g.ResolveKey(Mistral, map[string]string{OpenAI: "sk-user"})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mistral/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-mistral", r.Header.Get("Authorization"))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body chatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mistral-large-latest", body.Model)
		assert.Len(t, body.Messages, 2)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello, traveller."},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	out, err := g.Complete(context.Background(), ChatRequest{
		Model:    "mistral-large",
		Messages: []Message{{Role: "system", Content: "You are Aria."}, {Role: "user", Content: "hi"}},
		UserKeys: map[string]string{Mistral: "sk-mistral"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, traveller.", out.Content)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteDoesNotRetryFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	_, err := g.Complete(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamDeliversDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Once "}}]}`,
			`{"choices":[{"delta":{"content":"upon a time"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	var deltas []string
	out, err := g.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "tell me"}}}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Once ", "upon a time"}, deltas)
	assert.Equal(t, "Once upon a time", out.Content)
	assert.Equal(t, "stop", out.FinishReason)
}

func TestStreamStopsWhenConsumerFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	gone := errors.New("client went away")
	_, err := g.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}, func(string) error {
		return gone
	})
	assert.ErrorIs(t, err, gone)
}

func TestReplicateImagePolls(t *testing.T) {
	var polls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/replicate/v1/models/black-forest-labs/flux-schnell/predictions":
			assert.Equal(t, "wait", r.Header.Get("Prefer"))
			assert.Equal(t, "Bearer server-replicate", r.Header.Get("Authorization"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"input":{"prompt":"a lighthouse"}}`, string(body))
			fmt.Fprintf(w, `{"status":"processing","urls":{"get":"%s/replicate/v1/predictions/p1"}}`, server.URL)
		case r.Method == http.MethodGet && r.URL.Path == "/replicate/v1/predictions/p1":
			if polls.Add(1) < 2 {
				fmt.Fprintf(w, `{"status":"processing","urls":{"get":"%s/replicate/v1/predictions/p1"}}`, server.URL)
				return
			}
			fmt.Fprint(w, `{"status":"succeeded","output":["https://cdn.example/img.webp"]}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	img, err := g.GenerateImage(context.Background(), ImageRequest{Prompt: "a lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/img.webp", img.URL)
	assert.Equal(t, "flux-schnell", img.Model)
	assert.Equal(t, int32(2), polls.Load())
}

func TestReplicatePollingGivesUp(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"processing","urls":{"get":"%s/replicate/v1/predictions/stuck"}}`, server.URL)
	}))
	defer server.Close()
	g := newTestGateway(t, server)
	g.pollTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := g.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "still processing")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReplicateFailedPrediction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","error":"NSFW content detected"}`)
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	_, err := g.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "NSFW content detected")
}

func TestOpenAIAndFalImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openai/v1/images/generations":
			fmt.Fprint(w, `{"data":[{"url":"https://openai.example/1.png"}]}`)
		case "/fal/fal-ai/flux/schnell":
			assert.Equal(t, "Key server-fal", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"images":[{"url":"https://fal.example/1.jpg"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	img, err := g.GenerateImage(context.Background(), ImageRequest{Model: "dall-e-3", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://openai.example/1.png", img.URL)

	img, err = g.GenerateImage(context.Background(), ImageRequest{Model: "fal-flux", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://fal.example/1.jpg", img.URL)
}

func TestSpeak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openai/v1/audio/speech":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "nova", body["voice"])
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte("ID3fake"))
		case "/replicate/v1/models/lucataco/xtts-v2/predictions":
			fmt.Fprint(w, `{"status":"succeeded","output":"https://replicate.example/out.wav"}`)
		}
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	sp, err := g.Speak(context.Background(), SpeechRequest{Text: "hello", Voice: "nova"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3fake"), sp.Data)
	assert.Equal(t, "audio/mpeg", sp.ContentType)

	sp, err = g.Speak(context.Background(), SpeechRequest{Model: "xtts-v2", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "https://replicate.example/out.wav", sp.URL)
}

func TestUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/imgur/3/image", r.URL.Path)
		assert.Equal(t, "Client-ID imgur-id", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "base64", r.PostForm.Get("type"))
		assert.Equal(t, "cG5n", r.PostForm.Get("image"))
		fmt.Fprint(w, `{"success":true,"data":{"link":"https://i.imgur.com/abc.png"}}`)
	}))
	defer server.Close()
	g := newTestGateway(t, server)

	link, err := g.Upload(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "https://i.imgur.com/abc.png", link)

	_, err = g.Upload(context.Background(), nil)
	assert.Error(t, err)
}

func TestExtractOutput(t *testing.T) {
	got, err := extractOutput([]byte(`{"output":[null,"https://x/1.png"]}`), "$.output")
	require.NoError(t, err)
	assert.Equal(t, "https://x/1.png", got)

	_, err = extractOutput([]byte(`{"output":[]}`), "$.output")
	assert.True(t, IsFatal(err))

	_, err = extractOutput([]byte(`not json`), "$.output")
	assert.True(t, IsFatal(err))
}

func TestClassifyHTTPError(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError("openai", 429, nil)))
	assert.True(t, IsTransient(classifyHTTPError("openai", 500, nil)))
	assert.True(t, IsFatal(classifyHTTPError("openai", 400, []byte(strings.Repeat("x", 500)))))
	assert.True(t, IsFatal(classifyHTTPError("openai", 403, nil)))
}

func TestConfigFromSettings(t *testing.T) {
	settings := config.Default().Providers
	settings.PollTimeout = 45 * time.Second
	settings.MaxAttempts = 5

	cfg := ConfigFromSettings(settings)
	assert.Equal(t, 45*time.Second, cfg.PollTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)

	g, err := NewGateway(Config{Models: config.DefaultModels()}, nil, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, g.pollTimeout)
}
