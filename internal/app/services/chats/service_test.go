package chats

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/encryption"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

var (
	alice = &identity.User{ID: "alice"}
	bob   = &identity.User{ID: "bob"}
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []providers.ChatRequest
	reply    string
	err      error
}

func (f *fakeGenerator) Complete(_ context.Context, req providers.ChatRequest) (*providers.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Completion{Content: f.reply, Model: "test-model"}, nil
}

func (f *fakeGenerator) Stream(ctx context.Context, req providers.ChatRequest, onDelta func(string) error) (*providers.Completion, error) {
	if f.err == nil {
		for _, part := range strings.SplitAfter(f.reply, " ") {
			if err := onDelta(part); err != nil {
				return nil, err
			}
		}
	}
	return f.Complete(ctx, req)
}

func (f *fakeGenerator) last() providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fixture struct {
	store *memory.Store
	gen   *fakeGenerator
	svc   *Service
	char  character.Character
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	gen := &fakeGenerator{reply: "Well met, traveller."}
	char, err := store.CreateCharacter(context.Background(), character.Character{
		Owner:        "carol",
		Name:         "Aria",
		Personality:  "curious",
		IntroMessage: "Hello {{user}}, I am {{char}}.",
	})
	require.NoError(t, err)

	svc := New(Stores{
		Chats:      store,
		Legacy:     store,
		Characters: store,
		Personas:   store,
		Stories:    store,
	}, gen, logger.Discard())
	return &fixture{store: store, gen: gen, svc: svc, char: char}
}

func TestCreateSeedsGreeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, nil, CreateInput{CharacterID: f.char.ID})
	assert.ErrorIs(t, err, services.ErrUnauthorized)
	_, err = f.svc.Create(ctx, alice, CreateInput{})
	assert.True(t, services.IsValidation(err))

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)
	assert.Equal(t, "Aria", c.Title)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, chat.RoleAssistant, c.Messages[0].Role)
	assert.Equal(t, "Hello User, I am Aria.", c.Messages[0].Content)
	assert.NotNil(t, c.LastMessageAt)

	got, err := f.store.GetCharacter(ctx, f.char.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Interactions)
}

func TestCreateWithPersonaAndStory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePersona(ctx, persona.Persona{Creator: "alice", FullName: "Sir Robin", IsPrivate: true})
	require.NoError(t, err)
	st, err := f.store.CreateStory(ctx, story.Story{
		CharacterID:  f.char.ID,
		Creator:      "carol",
		Title:        "The Bridge",
		FirstMessage: "{{char}} blocks the way of {{user}}.",
	})
	require.NoError(t, err)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID, PersonaID: p.ID, StoryID: st.ID})
	require.NoError(t, err)
	assert.Equal(t, "The Bridge", c.Title)
	assert.Equal(t, "Aria blocks the way of Sir Robin.", c.Messages[0].Content)

	_, err = f.svc.Create(ctx, bob, CreateInput{CharacterID: f.char.ID, PersonaID: p.ID})
	assert.ErrorIs(t, err, storage.ErrNotFound, "private persona of another user")

	other, err := f.store.CreateCharacter(ctx, character.Character{Owner: "carol", Name: "Other"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, alice, CreateInput{CharacterID: other.ID, StoryID: st.ID})
	assert.True(t, services.IsValidation(err))
}

func TestPrivateCharacterNotChattable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	secret, err := f.store.CreateCharacter(ctx, character.Character{Owner: "carol", Name: "Secret", IsPrivate: true})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, alice, CreateInput{CharacterID: secret.ID})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOwnershipIsEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, bob, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.Send(ctx, bob, c.ID, SendInput{Content: "hi"}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, bob, c.ID), storage.ErrNotFound)

	list, err := f.svc.List(ctx, bob, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = f.svc.List(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSendAppendsTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID, Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, alice, c.ID, SendInput{Content: "   "}, nil)
	assert.True(t, services.IsValidation(err))

	keys := map[string]string{"openai": "sk-user"}
	reply, err := f.svc.Send(ctx, alice, c.ID, SendInput{Content: "Who are you?"}, keys)
	require.NoError(t, err)
	assert.Equal(t, "Well met, traveller.", reply.Message.Content)
	require.Len(t, reply.Chat.Messages, 3)
	assert.Equal(t, chat.RoleUser, reply.Chat.Messages[1].Role)
	assert.True(t, reply.Chat.Messages[2].CreatedAt.After(reply.Chat.Messages[1].CreatedAt))

	req := f.gen.last()
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, keys, req.UserKeys)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, chat.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "You are Aria.")
	assert.Contains(t, req.Messages[0].Content, "Personality: curious")
	assert.Equal(t, providers.Message{Role: chat.RoleUser, Content: "Who are you?"}, req.Messages[2])
}

func TestSendFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)

	f.gen.err = providers.NewTransientError(errors.New("upstream 503"))
	_, err = f.svc.Send(ctx, alice, c.ID, SendInput{Content: "hello"}, nil)
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)
}

func TestStreamDeliversDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)

	var parts []string
	reply, err := f.svc.Stream(ctx, alice, c.ID, SendInput{Content: "hi"}, nil, func(d string) error {
		parts = append(parts, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, reply.Message.Content, strings.Join(parts, ""))
	assert.Len(t, reply.Chat.Messages, 3)
}

func TestHistoryMergesLegacyMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)

	key, err := encryption.DeriveKey("pw", encryption.UserSalt("s", "alice"), 1000)
	require.NoError(t, err)
	enc, err := encryption.Encrypt(key, "a secret from before")
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour).UTC()
	f.store.AddLegacyMessage(chat.LegacyMessage{ChatID: c.ID, UserID: "alice", Role: chat.RoleUser, Content: "plain old", CreatedAt: old})
	f.store.AddLegacyMessage(chat.LegacyMessage{ChatID: c.ID, UserID: "alice", Role: chat.RoleAssistant, Content: enc, IsEncrypted: true, CreatedAt: old.Add(time.Minute)})

	locked, err := f.svc.History(ctx, alice, c.ID, nil)
	require.NoError(t, err)
	require.Len(t, locked, 3)
	assert.Equal(t, "plain old", locked[0].Content)
	assert.True(t, locked[0].Legacy)
	assert.True(t, locked[1].Locked)
	assert.Empty(t, locked[1].Content)
	assert.False(t, locked[2].Legacy)

	unlocked, err := f.svc.History(ctx, alice, c.ID, key)
	require.NoError(t, err)
	assert.Equal(t, "a secret from before", unlocked[1].Content)
	assert.False(t, unlocked[1].Locked)
}

func TestResetAndDeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)
	reply, err := f.svc.Send(ctx, alice, c.ID, SendInput{Content: "hi"}, nil)
	require.NoError(t, err)
	legacy := f.store.AddLegacyMessage(chat.LegacyMessage{ChatID: c.ID, UserID: "alice", Role: chat.RoleUser, Content: "old"})

	require.NoError(t, f.svc.DeleteMessage(ctx, alice, c.ID, reply.Message.ID))
	require.NoError(t, f.svc.DeleteMessage(ctx, alice, c.ID, legacy.ID))
	assert.ErrorIs(t, f.svc.DeleteMessage(ctx, alice, c.ID, "missing"), storage.ErrNotFound)

	got, err := f.svc.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)

	_, err = f.svc.Send(ctx, alice, c.ID, SendInput{Content: "again"}, nil)
	require.NoError(t, err)
	f.store.AddLegacyMessage(chat.LegacyMessage{ChatID: c.ID, UserID: "alice", Role: chat.RoleUser, Content: "old"})

	reset, err := f.svc.Reset(ctx, alice, c.ID)
	require.NoError(t, err)
	require.Len(t, reset.Messages, 1)
	assert.Equal(t, "Hello User, I am Aria.", reset.Messages[0].Content)

	history, err := f.svc.History(ctx, alice, c.ID, nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, f.svc.Delete(ctx, alice, c.ID))
	_, err = f.svc.Get(ctx, alice, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentSendsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, alice, CreateInput{CharacterID: f.char.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(ctx, alice, c.ID, SendInput{Content: "ping"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.svc.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1+8*2)
	assert.Empty(t, f.svc.locks)
}

func TestPromptWindow(t *testing.T) {
	scene := Scene{Character: character.Character{Name: "Aria", SystemPrompt: "Be {{char}}."}}
	var history []chat.Message
	for i := 0; i < 10; i++ {
		history = append(history, chat.Message{Role: chat.RoleUser, Content: "m"})
	}

	msgs := scene.Prompt(history, 4, "next")
	require.Len(t, msgs, 6)
	assert.Equal(t, "Be Aria.", msgs[0].Content)
	assert.Equal(t, "next", msgs[5].Content)
}
