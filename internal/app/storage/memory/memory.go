package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/domain/taxonomy"
	"github.com/charachat/charachat/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	characters     map[string]character.Character
	chats          map[string]chat.Chat
	legacyMessages map[string]chat.LegacyMessage
	profiles       map[string]profile.Profile
	personas       map[string]persona.Persona
	stories        map[string]story.Story
	categories     map[string]taxonomy.Category
	tags           map[string]taxonomy.Tag
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		characters:     make(map[string]character.Character),
		chats:          make(map[string]chat.Chat),
		legacyMessages: make(map[string]chat.LegacyMessage),
		profiles:       make(map[string]profile.Profile),
		personas:       make(map[string]persona.Persona),
		stories:        make(map[string]story.Story),
		categories:     make(map[string]taxonomy.Category),
		tags:           make(map[string]taxonomy.Tag),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// CharacterStore implementation -----------------------------------------------

func (s *Store) CreateCharacter(_ context.Context, c character.Character) (character.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.nextIDLocked()
	} else if _, exists := s.characters[c.ID]; exists {
		return character.Character{}, fmt.Errorf("character %s: %w", c.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Tags = cloneStrings(c.Tags)

	s.characters[c.ID] = c
	return cloneCharacter(c), nil
}

func (s *Store) UpdateCharacter(_ context.Context, c character.Character) (character.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.characters[c.ID]
	if !ok {
		return character.Character{}, fmt.Errorf("character %s: %w", c.ID, storage.ErrNotFound)
	}

	c.CreatedAt = original.CreatedAt
	c.Interactions = original.Interactions
	c.UpdatedAt = time.Now().UTC()
	c.Tags = cloneStrings(c.Tags)

	s.characters[c.ID] = c
	return cloneCharacter(c), nil
}

func (s *Store) GetCharacter(_ context.Context, id string) (character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[id]
	if !ok {
		return character.Character{}, fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	return cloneCharacter(c), nil
}

func (s *Store) ListCharacters(_ context.Context, opts storage.ListOptions) ([]character.Character, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []character.Character
	for _, c := range s.characters {
		if opts.Owner != "" && c.Owner != opts.Owner {
			continue
		}
		if !opts.Visible(c.Owner, c.IsPrivate) {
			continue
		}
		if c.IsNSFW && !opts.IncludeNSFW {
			continue
		}
		if opts.CategoryID != "" && c.CategoryID != opts.CategoryID {
			continue
		}
		if opts.Tag != "" && !slices.Contains(c.Tags, opts.Tag) {
			continue
		}
		if opts.Search != "" && !matches(opts.Search, c.Name, c.Description) {
			continue
		}
		out = append(out, cloneCharacter(c))
	}

	sort.Slice(out, func(i, j int) bool {
		if opts.Sort == storage.SortPopular && out[i].Interactions != out[j].Interactions {
			return out[i].Interactions > out[j].Interactions
		}
		return newer(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return page(out, opts), nil
}

func (s *Store) DeleteCharacter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[id]; !ok {
		return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	delete(s.characters, id)
	return nil
}

func (s *Store) IncrementInteractions(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.characters[id]
	if !ok {
		return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	c.Interactions++
	s.characters[id] = c
	return nil
}

// ChatStore implementation ----------------------------------------------------

func (s *Store) CreateChat(_ context.Context, c chat.Chat) (chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.nextIDLocked()
	} else if _, exists := s.chats[c.ID]; exists {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", c.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Messages = cloneMessages(c.Messages)

	s.chats[c.ID] = c
	return cloneChat(c), nil
}

func (s *Store) UpdateChat(_ context.Context, c chat.Chat) (chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.chats[c.ID]
	if !ok {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", c.ID, storage.ErrNotFound)
	}

	c.CreatedAt = original.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	c.Messages = cloneMessages(c.Messages)

	s.chats[c.ID] = c
	return cloneChat(c), nil
}

func (s *Store) GetChat(_ context.Context, id string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	return cloneChat(c), nil
}

func (s *Store) ListChats(_ context.Context, userID string, limit int) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Chat
	for _, c := range s.chats {
		if c.UserID == userID {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].UpdatedAt, out[j].UpdatedAt, out[i].ID, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return fmt.Errorf("chat %s: %w", id, storage.ErrNotFound)
	}
	delete(s.chats, id)
	return nil
}

// MessageStore implementation -------------------------------------------------

// AddLegacyMessage seeds a row of the legacy messages table.
func (s *Store) AddLegacyMessage(m chat.LegacyMessage) chat.LegacyMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = s.nextIDLocked()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.legacyMessages[m.ID] = m
	return m
}

func (s *Store) ListLegacyMessages(_ context.Context, chatID string) ([]chat.LegacyMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.LegacyMessage
	for _, m := range s.legacyMessages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteLegacyMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.legacyMessages[id]; !ok {
		return fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	delete(s.legacyMessages, id)
	return nil
}

func (s *Store) DeleteLegacyMessages(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.legacyMessages {
		if m.ChatID == chatID {
			delete(s.legacyMessages, id)
		}
	}
	return nil
}

// ProfileStore implementation -------------------------------------------------

func (s *Store) CreateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[p.UserID]; exists {
		return profile.Profile{}, fmt.Errorf("profile %s: %w", p.UserID, storage.ErrConflict)
	}
	if s.usernameTakenLocked(p.Username, p.UserID) {
		return profile.Profile{}, fmt.Errorf("username %s: %w", p.Username, storage.ErrConflict)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.APIKeys = cloneMap(p.APIKeys)

	s.profiles[p.UserID] = p
	return cloneProfile(p), nil
}

func (s *Store) UpdateProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.profiles[p.UserID]
	if !ok {
		return profile.Profile{}, fmt.Errorf("profile %s: %w", p.UserID, storage.ErrNotFound)
	}
	if s.usernameTakenLocked(p.Username, p.UserID) {
		return profile.Profile{}, fmt.Errorf("username %s: %w", p.Username, storage.ErrConflict)
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.APIKeys = cloneMap(p.APIKeys)

	s.profiles[p.UserID] = p
	return cloneProfile(p), nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return profile.Profile{}, fmt.Errorf("profile %s: %w", userID, storage.ErrNotFound)
	}
	return cloneProfile(p), nil
}

func (s *Store) GetProfileByUsername(_ context.Context, username string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if p.Username != "" && strings.EqualFold(p.Username, username) {
			return cloneProfile(p), nil
		}
	}
	return profile.Profile{}, fmt.Errorf("username %s: %w", username, storage.ErrNotFound)
}

func (s *Store) DeleteProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[userID]; !ok {
		return fmt.Errorf("profile %s: %w", userID, storage.ErrNotFound)
	}
	delete(s.profiles, userID)
	return nil
}

func (s *Store) usernameTakenLocked(username, userID string) bool {
	if username == "" {
		return false
	}
	for id, p := range s.profiles {
		if id != userID && strings.EqualFold(p.Username, username) {
			return true
		}
	}
	return false
}

// PersonaStore implementation -------------------------------------------------

func (s *Store) CreatePersona(_ context.Context, p persona.Persona) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.personas[p.ID]; exists {
		return persona.Persona{}, fmt.Errorf("persona %s: %w", p.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.personas[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePersona(_ context.Context, p persona.Persona) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.personas[p.ID]
	if !ok {
		return persona.Persona{}, fmt.Errorf("persona %s: %w", p.ID, storage.ErrNotFound)
	}
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.personas[p.ID] = p
	return p, nil
}

func (s *Store) GetPersona(_ context.Context, id string) (persona.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.personas[id]
	if !ok {
		return persona.Persona{}, fmt.Errorf("persona %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPersonas(_ context.Context, opts storage.ListOptions) ([]persona.Persona, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []persona.Persona
	for _, p := range s.personas {
		if opts.Owner != "" && p.Creator != opts.Owner {
			continue
		}
		if !opts.Visible(p.Creator, p.IsPrivate) {
			continue
		}
		if opts.Search != "" && !matches(opts.Search, p.FullName, p.Bio) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return page(out, opts), nil
}

func (s *Store) DeletePersona(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.personas[id]; !ok {
		return fmt.Errorf("persona %s: %w", id, storage.ErrNotFound)
	}
	delete(s.personas, id)
	return nil
}

// StoryStore implementation ---------------------------------------------------

func (s *Store) CreateStory(_ context.Context, st story.Story) (story.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.ID == "" {
		st.ID = s.nextIDLocked()
	} else if _, exists := s.stories[st.ID]; exists {
		return story.Story{}, fmt.Errorf("story %s: %w", st.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	s.stories[st.ID] = st
	return st, nil
}

func (s *Store) UpdateStory(_ context.Context, st story.Story) (story.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.stories[st.ID]
	if !ok {
		return story.Story{}, fmt.Errorf("story %s: %w", st.ID, storage.ErrNotFound)
	}
	st.CreatedAt = original.CreatedAt
	st.UpdatedAt = time.Now().UTC()
	s.stories[st.ID] = st
	return st, nil
}

func (s *Store) GetStory(_ context.Context, id string) (story.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stories[id]
	if !ok {
		return story.Story{}, fmt.Errorf("story %s: %w", id, storage.ErrNotFound)
	}
	return st, nil
}

func (s *Store) ListStories(_ context.Context, opts storage.ListOptions) ([]story.Story, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []story.Story
	for _, st := range s.stories {
		if opts.Owner != "" && st.Creator != opts.Owner {
			continue
		}
		if opts.CharacterID != "" && st.CharacterID != opts.CharacterID {
			continue
		}
		if !opts.Visible(st.Creator, st.IsPrivate) {
			continue
		}
		if opts.Search != "" && !matches(opts.Search, st.Title, st.Description) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return page(out, opts), nil
}

func (s *Store) DeleteStory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[id]; !ok {
		return fmt.Errorf("story %s: %w", id, storage.ErrNotFound)
	}
	delete(s.stories, id)
	return nil
}

// TaxonomyStore implementation ------------------------------------------------

func (s *Store) CreateCategory(_ context.Context, c taxonomy.Category) (taxonomy.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.categories {
		if strings.EqualFold(existing.Title, c.Title) {
			return taxonomy.Category{}, fmt.Errorf("category %s: %w", c.Title, storage.ErrConflict)
		}
	}
	if c.ID == "" {
		c.ID = s.nextIDLocked()
	}
	c.CreatedAt = time.Now().UTC()
	s.categories[c.ID] = c
	return c, nil
}

func (s *Store) ListCategories(_ context.Context) ([]taxonomy.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]taxonomy.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *Store) CreateTag(_ context.Context, t taxonomy.Tag) (taxonomy.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tags {
		if strings.EqualFold(existing.Name, t.Name) {
			return taxonomy.Tag{}, fmt.Errorf("tag %s: %w", t.Name, storage.ErrConflict)
		}
	}
	if t.ID == "" {
		t.ID = s.nextIDLocked()
	}
	t.CreatedAt = time.Now().UTC()
	s.tags[t.ID] = t
	return t, nil
}

func (s *Store) ListTags(_ context.Context) ([]taxonomy.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]taxonomy.Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// OwnershipStore implementation -----------------------------------------------

func (s *Store) Reassign(_ context.Context, table, column, from, to string) (int64, error) {
	if !storage.ValidOwnership(table, column) {
		return 0, fmt.Errorf("unknown ownership column %s.%s", table, column)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	switch table {
	case "profiles":
		p, ok := s.profiles[from]
		if !ok {
			return 0, nil
		}
		if _, taken := s.profiles[to]; taken {
			return 0, fmt.Errorf("profile %s: %w", to, storage.ErrConflict)
		}
		delete(s.profiles, from)
		p.LegacyUserID = from
		p.UserID = to
		p.UpdatedAt = time.Now().UTC()
		s.profiles[to] = p
		n = 1
	case "characters":
		for id, c := range s.characters {
			if c.Owner == from {
				c.Owner = to
				s.characters[id] = c
				n++
			}
		}
	case "personas":
		for id, p := range s.personas {
			if p.Creator == from {
				p.Creator = to
				s.personas[id] = p
				n++
			}
		}
	case "stories":
		for id, st := range s.stories {
			if st.Creator == from {
				st.Creator = to
				s.stories[id] = st
				n++
			}
		}
	case "chats":
		for id, c := range s.chats {
			if c.UserID == from {
				c.UserID = to
				s.chats[id] = c
				n++
			}
		}
	case "messages":
		for id, m := range s.legacyMessages {
			if m.UserID == from {
				m.UserID = to
				s.legacyMessages[id] = m
				n++
			}
		}
	}
	return n, nil
}

// helpers ---------------------------------------------------------------------

func page[T any](items []T, opts storage.ListOptions) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func newer(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return idA > idB
}

func matches(query string, fields ...string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

func cloneCharacter(c character.Character) character.Character {
	c.Tags = cloneStrings(c.Tags)
	return c
}

func cloneChat(c chat.Chat) chat.Chat {
	c.Messages = cloneMessages(c.Messages)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		c.LastMessageAt = &t
	}
	return c
}

func cloneProfile(p profile.Profile) profile.Profile {
	p.APIKeys = cloneMap(p.APIKeys)
	if p.MigratedAt != nil {
		t := *p.MigratedAt
		p.MigratedAt = &t
	}
	return p
}

func cloneMessages(in []chat.Message) []chat.Message {
	if in == nil {
		return nil
	}
	out := make([]chat.Message, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
