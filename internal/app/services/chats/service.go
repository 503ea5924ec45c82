// Package chats runs conversations between users and characters.
package chats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/encryption"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

const (
	// DefaultHistoryWindow is how many prior messages are sent to the model.
	DefaultHistoryWindow = 40
	maxMessageRunes      = 4000
	maxTitleRunes        = 120
)

// Generator produces assistant replies.
type Generator interface {
	Complete(ctx context.Context, req providers.ChatRequest) (*providers.Completion, error)
	Stream(ctx context.Context, req providers.ChatRequest, onDelta func(string) error) (*providers.Completion, error)
}

// Stores groups the persistence a chat touches.
type Stores struct {
	Chats      storage.ChatStore
	Legacy     storage.MessageStore
	Characters storage.CharacterStore
	Personas   storage.PersonaStore
	Stories    storage.StoryStore
}

// CreateInput opens a chat.
type CreateInput struct {
	CharacterID string `json:"character_id"`
	PersonaID   string `json:"persona_id"`
	StoryID     string `json:"story_id"`
	Title       string `json:"title"`
	Model       string `json:"model"`
}

// SendInput is one user turn.
type SendInput struct {
	Content     string   `json:"content"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// Reply is the outcome of a turn: the stored chat plus the new assistant
// message.
type Reply struct {
	Chat    chat.Chat    `json:"chat"`
	Message chat.Message `json:"message"`
}

// HistoryMessage is a message as shown to its owner. Legacy rows that could
// not be decrypted are marked Locked and carry no content.
type HistoryMessage struct {
	chat.Message
	Legacy bool `json:"legacy,omitempty"`
	Locked bool `json:"locked,omitempty"`
}

// Service implements chat operations.
type Service struct {
	stores Stores
	gen    Generator
	log    *logger.Logger
	window int
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

// New constructs a chat service.
func New(stores Stores, gen Generator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("chats")
	}
	return &Service{
		stores: stores,
		gen:    gen,
		log:    log,
		window: DefaultHistoryWindow,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*chatLock),
	}
}

// WithHistoryWindow overrides how much history reaches the model.
func (s *Service) WithHistoryWindow(n int) *Service {
	if n > 0 {
		s.window = n
	}
	return s
}

// Create opens a chat with a visible character, optionally framed by a
// persona and a story of that character.
func (s *Service) Create(ctx context.Context, user *identity.User, in CreateInput) (chat.Chat, error) {
	if err := services.RequireUser(user); err != nil {
		return chat.Chat{}, err
	}
	title, err := services.CheckText("title", in.Title, maxTitleRunes, false)
	if err != nil {
		return chat.Chat{}, err
	}
	if strings.TrimSpace(in.CharacterID) == "" {
		return chat.Chat{}, services.Invalid("character_id", "is required")
	}

	scene, err := s.resolveScene(ctx, user, in.CharacterID, in.PersonaID, in.StoryID)
	if err != nil {
		return chat.Chat{}, err
	}
	if title == "" {
		title = scene.Character.Name
		if scene.Story != nil {
			title = scene.Story.Title
		}
	}

	c := chat.Chat{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		CharacterID: scene.Character.ID,
		PersonaID:   strings.TrimSpace(in.PersonaID),
		StoryID:     strings.TrimSpace(in.StoryID),
		Title:       title,
		Model:       strings.TrimSpace(in.Model),
		Messages:    s.seed(scene),
	}
	if len(c.Messages) > 0 {
		at := c.Messages[0].CreatedAt
		c.LastMessageAt = &at
	}

	created, err := s.stores.Chats.CreateChat(ctx, c)
	if err != nil {
		return chat.Chat{}, err
	}
	if err := s.stores.Characters.IncrementInteractions(ctx, scene.Character.ID); err != nil {
		s.log.WithError(err).WithField("character_id", scene.Character.ID).Warn("increment interactions failed")
	}

	s.log.WithField("chat_id", created.ID).
		WithField("character_id", created.CharacterID).
		WithField("user_id", user.ID).
		Info("chat created")
	return created, nil
}

// Get returns a chat owned by the caller.
func (s *Service) Get(ctx context.Context, user *identity.User, id string) (chat.Chat, error) {
	if err := services.RequireUser(user); err != nil {
		return chat.Chat{}, err
	}
	c, err := s.stores.Chats.GetChat(ctx, id)
	if err != nil {
		return chat.Chat{}, err
	}
	if c.UserID != user.ID {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

// List returns the caller's chats, most recently active first.
func (s *Service) List(ctx context.Context, user *identity.User, limit int) ([]chat.Chat, error) {
	if err := services.RequireUser(user); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	if limit > storage.MaxLimit {
		limit = storage.MaxLimit
	}
	return s.stores.Chats.ListChats(ctx, user.ID, limit)
}

// Delete removes a chat together with its legacy message rows.
func (s *Service) Delete(ctx context.Context, user *identity.User, id string) error {
	c, err := s.Get(ctx, user, id)
	if err != nil {
		return err
	}
	if err := s.stores.Legacy.DeleteLegacyMessages(ctx, c.ID); err != nil {
		return fmt.Errorf("delete legacy messages: %w", err)
	}
	if err := s.stores.Chats.DeleteChat(ctx, c.ID); err != nil {
		return err
	}
	s.log.WithField("chat_id", id).Info("chat deleted")
	return nil
}

// History merges the chat's messages with its legacy rows in time order.
// Encrypted legacy rows are decrypted with key when it is set.
func (s *Service) History(ctx context.Context, user *identity.User, id string, key []byte) ([]HistoryMessage, error) {
	c, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	return s.history(ctx, c, key)
}

func (s *Service) history(ctx context.Context, c chat.Chat, key []byte) ([]HistoryMessage, error) {
	legacy, err := s.stores.Legacy.ListLegacyMessages(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list legacy messages: %w", err)
	}

	out := make([]HistoryMessage, 0, len(legacy)+len(c.Messages))
	for _, m := range legacy {
		out = append(out, s.legacyMessage(m, key))
	}
	for _, m := range c.Messages {
		out = append(out, HistoryMessage{Message: m})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Service) legacyMessage(m chat.LegacyMessage, key []byte) HistoryMessage {
	h := HistoryMessage{
		Message: chat.Message{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt},
		Legacy:  true,
	}
	if !m.IsEncrypted {
		return h
	}
	h.Content = ""
	if len(key) == 0 {
		h.Locked = true
		return h
	}
	plain, err := encryption.Decrypt(key, m.Content)
	if err != nil {
		s.log.WithError(err).WithField("message_id", m.ID).Debug("legacy message did not decrypt")
		h.Locked = true
		return h
	}
	h.Content = plain
	return h
}

// Send appends a user turn and the model's reply. Nothing is stored when
// the provider call fails.
func (s *Service) Send(ctx context.Context, user *identity.User, id string, in SendInput, keys map[string]string) (*Reply, error) {
	return s.turn(ctx, user, id, in, keys, func(req providers.ChatRequest) (*providers.Completion, error) {
		return s.gen.Complete(ctx, req)
	})
}

// Stream is Send with the reply delivered incrementally to onDelta.
func (s *Service) Stream(ctx context.Context, user *identity.User, id string, in SendInput, keys map[string]string, onDelta func(string) error) (*Reply, error) {
	return s.turn(ctx, user, id, in, keys, func(req providers.ChatRequest) (*providers.Completion, error) {
		return s.gen.Stream(ctx, req, onDelta)
	})
}

func (s *Service) turn(
	ctx context.Context,
	user *identity.User,
	id string,
	in SendInput,
	keys map[string]string,
	call func(providers.ChatRequest) (*providers.Completion, error),
) (*Reply, error) {
	content, err := services.CheckText("content", in.Content, maxMessageRunes, true)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()

	c, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	scene, err := s.loadScene(ctx, user, c)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = c.Model
	}
	started := s.now()
	completion, err := call(providers.ChatRequest{
		Model:       model,
		Messages:    scene.Prompt(c.Messages, s.window, content),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		UserKeys:    keys,
	})
	if err != nil {
		return nil, err
	}

	replied := s.now()
	userMsg := chat.Message{ID: uuid.NewString(), Role: chat.RoleUser, Content: content, CreatedAt: started}
	reply := chat.Message{ID: uuid.NewString(), Role: chat.RoleAssistant, Content: completion.Content, CreatedAt: replied}
	if !reply.CreatedAt.After(userMsg.CreatedAt) {
		reply.CreatedAt = userMsg.CreatedAt.Add(time.Microsecond)
	}
	c.Messages = append(c.Messages, userMsg, reply)
	c.LastMessageAt = &reply.CreatedAt

	updated, err := s.stores.Chats.UpdateChat(ctx, c)
	if err != nil {
		return nil, err
	}
	s.log.WithField("chat_id", c.ID).WithField("model", completion.Model).Debug("chat turn stored")
	return &Reply{Chat: updated, Message: reply}, nil
}

// Reset clears a chat back to its greeting and drops its legacy rows.
func (s *Service) Reset(ctx context.Context, user *identity.User, id string) (chat.Chat, error) {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.Get(ctx, user, id)
	if err != nil {
		return chat.Chat{}, err
	}
	scene, err := s.loadScene(ctx, user, c)
	if err != nil {
		return chat.Chat{}, err
	}
	if err := s.stores.Legacy.DeleteLegacyMessages(ctx, c.ID); err != nil {
		return chat.Chat{}, fmt.Errorf("delete legacy messages: %w", err)
	}

	c.Messages = s.seed(scene)
	c.LastMessageAt = nil
	if len(c.Messages) > 0 {
		at := c.Messages[0].CreatedAt
		c.LastMessageAt = &at
	}
	updated, err := s.stores.Chats.UpdateChat(ctx, c)
	if err != nil {
		return chat.Chat{}, err
	}
	s.log.WithField("chat_id", c.ID).Info("chat reset")
	return updated, nil
}

// DeleteMessage removes one message, current or legacy, from a chat.
func (s *Service) DeleteMessage(ctx context.Context, user *identity.User, id, messageID string) error {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.Get(ctx, user, id)
	if err != nil {
		return err
	}

	for i, m := range c.Messages {
		if m.ID != messageID {
			continue
		}
		c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
		_, err := s.stores.Chats.UpdateChat(ctx, c)
		return err
	}

	legacy, err := s.stores.Legacy.ListLegacyMessages(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list legacy messages: %w", err)
	}
	for _, m := range legacy {
		if m.ID == messageID {
			return s.stores.Legacy.DeleteLegacyMessage(ctx, m.ID)
		}
	}
	return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
}

// Scene loads what conditions an existing chat.
func (s *Service) Scene(ctx context.Context, user *identity.User, c chat.Chat) (Scene, error) {
	return s.loadScene(ctx, user, c)
}

func (s *Service) loadScene(ctx context.Context, user *identity.User, c chat.Chat) (Scene, error) {
	return s.resolveScene(ctx, user, c.CharacterID, c.PersonaID, c.StoryID)
}

func (s *Service) resolveScene(ctx context.Context, user *identity.User, characterID, personaID, storyID string) (Scene, error) {
	var scene Scene

	ch, err := s.stores.Characters.GetCharacter(ctx, strings.TrimSpace(characterID))
	if err != nil {
		return Scene{}, err
	}
	if !ch.VisibleTo(user.ID) && !user.Admin {
		return Scene{}, fmt.Errorf("character %s: %w", characterID, storage.ErrNotFound)
	}
	scene.Character = ch

	if personaID = strings.TrimSpace(personaID); personaID != "" {
		p, err := s.stores.Personas.GetPersona(ctx, personaID)
		if err != nil {
			return Scene{}, err
		}
		if !visible(user, p.Creator, p.IsPrivate) {
			return Scene{}, fmt.Errorf("persona %s: %w", personaID, storage.ErrNotFound)
		}
		scene.Persona = &p
	}

	if storyID = strings.TrimSpace(storyID); storyID != "" {
		st, err := s.stores.Stories.GetStory(ctx, storyID)
		if err != nil {
			return Scene{}, err
		}
		if !visible(user, st.Creator, st.IsPrivate) {
			return Scene{}, fmt.Errorf("story %s: %w", storyID, storage.ErrNotFound)
		}
		if st.CharacterID != ch.ID {
			return Scene{}, services.Invalid("story_id", "story belongs to a different character")
		}
		scene.Story = &st
	}
	return scene, nil
}

func (s *Service) seed(scene Scene) []chat.Message {
	greeting := strings.TrimSpace(scene.Greeting())
	if greeting == "" {
		return nil
	}
	return []chat.Message{{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Content:   greeting,
		CreatedAt: s.now(),
	}}
}

// lock serialises turns on one chat so concurrent sends do not drop
// messages.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &chatLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func visible(user *identity.User, owner string, private bool) bool {
	return !private || user.Admin || owner == user.ID
}
