package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

const testSecret = "test-jwt-secret"

type fakeProvider struct {
	mu       sync.Mutex
	registry *providers.Registry
	reply    string
	requests []providers.ChatRequest
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	reg, err := providers.NewRegistry(config.DefaultModels())
	require.NoError(t, err)
	return &fakeProvider{registry: reg, reply: "hello there"}
}

func (f *fakeProvider) Models() *providers.Registry { return f.registry }

func (f *fakeProvider) Complete(_ context.Context, req providers.ChatRequest) (*providers.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &providers.Completion{Content: f.reply, Model: "fake"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req providers.ChatRequest, onDelta func(string) error) (*providers.Completion, error) {
	for _, part := range strings.SplitAfter(f.reply, " ") {
		if err := onDelta(part); err != nil {
			return nil, err
		}
	}
	return f.Complete(ctx, req)
}

func (f *fakeProvider) GenerateImage(_ context.Context, req providers.ImageRequest) (*providers.Image, error) {
	return &providers.Image{URL: "https://img.example/" + req.Model, Model: req.Model}, nil
}

func (f *fakeProvider) Speak(_ context.Context, req providers.SpeechRequest) (*providers.Speech, error) {
	return &providers.Speech{Data: []byte("RIFFdata"), ContentType: "audio/wav", Model: req.Model}, nil
}

func (f *fakeProvider) Upload(_ context.Context, _ []byte) (string, error) {
	return "https://i.example/upload.png", nil
}

type testServer struct {
	handler  http.Handler
	provider *fakeProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AdminUserIDs = "admin"
	cfg.Encryption.Salt = "test-salt"
	cfg.Encryption.Iterations = 1000

	provider := newFakeProvider(t)
	application, err := app.New(cfg, app.Options{Provider: provider}, logger.Discard())
	require.NoError(t, err)
	return &testServer{handler: NewHandler(application, logger.Discard()), provider: provider}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, user string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createCharacter(t *testing.T, owner string, body map[string]any) character.Character {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/characters", owner, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[character.Character](t, rec)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, config.DriverMemory, body.Storage)
	assert.Contains(t, body.Services, "scheduler")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/characters", "", map[string]any{"name": "Ada"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/characters", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	rec = s.do(t, http.MethodGet, "/api/characters", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignedInRoutesRejectAnonymous(t *testing.T) {
	s := newTestServer(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/chats"},
		{http.MethodGet, "/api/chats/c1/stream"},
		{http.MethodGet, "/api/profile"},
		{http.MethodPost, "/api/profile/unlock"},
		{http.MethodPost, "/api/migrate"},
		{http.MethodGet, "/api/admin/audit"},
		{http.MethodGet, "/api/pages/chats/c1"},
	} {
		rec := s.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
		assert.Equal(t, "authentication required", decodeBody[map[string]string](t, rec)["error"], route.path)
	}

	rec := s.do(t, http.MethodGet, "/api/chats", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestCharacterVisibility(t *testing.T) {
	s := newTestServer(t)
	public := s.createCharacter(t, "alice", map[string]any{"name": "Ada", "intro_message": "Hi {{user}}"})
	private := s.createCharacter(t, "alice", map[string]any{"name": "Secret", "is_private": true})

	rec := s.do(t, http.MethodGet, "/api/characters/"+public.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/characters/"+private.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/characters/"+private.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/characters/"+public.ID, "bob", map[string]any{"name": "Mine"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/characters/"+public.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChatFlow(t *testing.T) {
	s := newTestServer(t)
	c := s.createCharacter(t, "alice", map[string]any{"name": "Ada", "intro_message": "Welcome, {{user}}."})

	rec := s.do(t, http.MethodPost, "/api/chats", "bob", map[string]any{"character_id": c.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[map[string]any](t, rec)
	chatID := created["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "bob", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decodeBody[struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}](t, rec)
	assert.Equal(t, "assistant", reply.Message.Role)
	assert.Equal(t, "hello there", reply.Message.Content)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chatID, "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[struct {
		History []struct {
			Content string `json:"content"`
		} `json:"history"`
	}](t, rec)
	require.Len(t, view.History, 3)
	assert.Equal(t, "Welcome, User.", view.History[0].Content)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chatID, "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "bob", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chats/"+chatID+"/reset", "bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/characters", "alice", map[string]any{"name": "Ada", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnlockAndAPIKeys(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/profile/keys/openai", "alice", map[string]any{"key": "sk-test"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "locked session cannot store keys")

	rec = s.do(t, http.MethodPost, "/api/profile/unlock", "alice", map[string]any{"password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/profile/unlock", "alice", map[string]any{"password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	rec = s.do(t, http.MethodPut, "/api/profile/keys/openai", "alice", map[string]any{"key": "sk-test"}, cookies...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[map[string]any](t, rec)
	assert.Equal(t, []any{"openai"}, view["key_providers"])
	assert.NotContains(t, rec.Body.String(), "sk-test")

	rec = s.do(t, http.MethodPut, "/api/profile/keys/anthropic", "alice", map[string]any{"key": "x"}, cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/profile/unlock", "alice", map[string]any{"password": "wrong horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/profile/lock", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChatUsesStoredKey(t *testing.T) {
	s := newTestServer(t)
	c := s.createCharacter(t, "alice", map[string]any{"name": "Ada"})

	rec := s.do(t, http.MethodPost, "/api/profile/unlock", "bob", map[string]any{"password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	rec = s.do(t, http.MethodPut, "/api/profile/keys/mistral", "bob", map[string]any{"key": "mk-1"}, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chats", "bob", map[string]any{"character_id": c.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	chatID := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", "bob", map[string]any{"content": "hi"}, cookies...)
	require.Equal(t, http.StatusOK, rec.Code)

	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	require.Len(t, s.provider.requests, 1)
	assert.Equal(t, "mk-1", s.provider.requests[0].UserKeys["mistral"])
}

func TestGeneration(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/generate/image", "alice", map[string]any{"mode": "prompt", "prompt": "a red fox"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://img.example/")

	rec = s.do(t, http.MethodPost, "/api/generate/speech", "alice", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "RIFFdata", rec.Body.String())

	png := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="
	rec = s.do(t, http.MethodPost, "/api/upload", "alice", map[string]any{"image": "data:image/png;base64," + png})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://i.example/upload.png")

	rec = s.do(t, http.MethodPost, "/api/upload", "alice", map[string]any{"image": "aGVsbG8="})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "plain text is not an image")
}

func TestModelsAndTaxonomy(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decodeBody[map[string][]providers.Model](t, rec)
	assert.NotEmpty(t, models[providers.KindChat])

	rec = s.do(t, http.MethodPost, "/api/categories", "alice", map[string]any{"title": "Fantasy"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/categories", "admin", map[string]any{"title": "Fantasy"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/categories", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Fantasy")
}

func TestMigrateWithoutLegacySecret(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/migrate", "alice", map[string]any{"token": "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditLog(t *testing.T) {
	s := newTestServer(t)
	s.createCharacter(t, "alice", map[string]any{"name": "Ada"})
	s.do(t, http.MethodGet, "/api/characters", "", nil)

	rec := s.do(t, http.MethodGet, "/api/admin/audit", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/audit", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]auditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].User)
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
}

func TestPages(t *testing.T) {
	s := newTestServer(t)
	c := s.createCharacter(t, "alice", map[string]any{"name": "Ada"})

	rec := s.do(t, http.MethodGet, "/api/pages/home", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), c.ID)

	rec = s.do(t, http.MethodGet, "/api/pages/characters/"+c.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"stories"`)
}

func TestStreamChat(t *testing.T) {
	s := newTestServer(t)
	c := s.createCharacter(t, "alice", map[string]any{"name": "Ada"})
	rec := s.do(t, http.MethodPost, "/api/chats", "bob", map[string]any{"character_id": c.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	chatID := decodeBody[map[string]any](t, rec)["id"].(string)

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "bob"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chats/" + chatID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"content": "hi"}))

	var deltas []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f streamFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == frameDelta {
			deltas = append(deltas, f.Content)
			continue
		}
		require.Equal(t, frameDone, f.Type, f.Error)
		require.NotNil(t, f.Message)
		assert.Equal(t, "hello there", f.Message.Content)
		break
	}
	assert.Equal(t, "hello there", strings.Join(deltas, ""))

	require.NoError(t, conn.WriteJSON(map[string]any{"content": ""}))
	var f streamFrame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, frameError, f.Type)
	assert.Equal(t, http.StatusBadRequest, f.Status)
}

func TestStreamRejectsForeignChat(t *testing.T) {
	s := newTestServer(t)
	c := s.createCharacter(t, "alice", map[string]any{"name": "Ada"})
	rec := s.do(t, http.MethodPost, "/api/chats", "bob", map[string]any{"character_id": c.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	chatID := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chatID+"/stream", "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
