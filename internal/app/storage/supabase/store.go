// Package supabase implements the storage interfaces on top of a hosted
// Supabase project through its PostgREST API.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/domain/taxonomy"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/supabase/client"
)

// Store implements storage.Store against PostgREST using the service role key.
type Store struct {
	db *client.Client
}

var _ storage.Store = (*Store)(nil)

// New wraps an initialised Supabase client.
func New(db *client.Client) *Store {
	return &Store{db: db}
}

// --- CharacterStore ---------------------------------------------------------

type characterRecord struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Bio            string    `json:"bio"`
	IntroMessage   string    `json:"intro_message"`
	Personality    string    `json:"personality"`
	SystemPrompt   string    `json:"system_prompt"`
	ImagePrompt    string    `json:"image_prompt"`
	AvatarURL      string    `json:"avatar_url"`
	SpeakerLink    string    `json:"speaker_link"`
	CategoryID     *string   `json:"category_id"`
	Tags           []string  `json:"tags"`
	IsPrivate      bool      `json:"is_private"`
	IsNSFW         bool      `json:"is_nsfw"`
	HideDefinition bool      `json:"hide_definition"`
	Interactions   int64     `json:"interactions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toCharacterRecord(c character.Character) characterRecord {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return characterRecord{
		ID: c.ID, Owner: c.Owner, Name: c.Name, Description: c.Description, Bio: c.Bio,
		IntroMessage: c.IntroMessage, Personality: c.Personality, SystemPrompt: c.SystemPrompt,
		ImagePrompt: c.ImagePrompt, AvatarURL: c.AvatarURL, SpeakerLink: c.SpeakerLink,
		CategoryID: optional(c.CategoryID), Tags: tags, IsPrivate: c.IsPrivate, IsNSFW: c.IsNSFW,
		HideDefinition: c.HideDefinition, Interactions: c.Interactions, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (s *Store) CreateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	var out []character.Character
	if err := s.insert(ctx, "characters", toCharacterRecord(c), &out); err != nil {
		return character.Character{}, err
	}
	return first(out, c)
}

func (s *Store) UpdateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	c.UpdatedAt = time.Now().UTC()
	rec := toCharacterRecord(c)

	patch := map[string]any{
		"owner": rec.Owner, "name": rec.Name, "description": rec.Description, "bio": rec.Bio,
		"intro_message": rec.IntroMessage, "personality": rec.Personality, "system_prompt": rec.SystemPrompt,
		"image_prompt": rec.ImagePrompt, "avatar_url": rec.AvatarURL, "speaker_link": rec.SpeakerLink,
		"category_id": rec.CategoryID, "tags": rec.Tags, "is_private": rec.IsPrivate, "is_nsfw": rec.IsNSFW,
		"hide_definition": rec.HideDefinition, "updated_at": rec.UpdatedAt,
	}
	var out []character.Character
	if err := s.update(ctx, s.db.From("characters").Eq("id", c.ID), patch, &out); err != nil {
		return character.Character{}, err
	}
	return only(out, "character", c.ID)
}

func (s *Store) GetCharacter(ctx context.Context, id string) (character.Character, error) {
	var out character.Character
	err := s.get(ctx, s.db.From("characters").Select("*").Eq("id", id), &out)
	return out, err
}

func (s *Store) ListCharacters(ctx context.Context, opts storage.ListOptions) ([]character.Character, error) {
	opts = opts.Normalize()

	q := s.db.From("characters").Select("*")
	var groups []string
	if g := visibility("owner", opts); g != "" {
		groups = append(groups, g)
	} else if !opts.IncludePrivate {
		q.Eq("is_private", false)
	}
	if opts.Owner != "" {
		q.Eq("owner", opts.Owner)
	}
	if !opts.IncludeNSFW {
		q.Eq("is_nsfw", false)
	}
	if opts.CategoryID != "" {
		q.Eq("category_id", opts.CategoryID)
	}
	if opts.Tag != "" {
		q.Contains("tags", []string{opts.Tag})
	}
	if g := search(opts.Search, "name", "description"); g != "" {
		groups = append(groups, g)
	}
	applyGroups(q, groups)

	if opts.Sort == storage.SortPopular {
		q.Order("interactions", false)
	}
	q.Order("created_at", false).Order("id", false).Limit(opts.Limit).Offset(opts.Offset)

	var out []character.Character
	err := s.list(ctx, q, &out)
	return out, err
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	return s.delete(ctx, "characters", "id", id)
}

func (s *Store) IncrementInteractions(ctx context.Context, id string) error {
	resp, err := s.db.RPC(ctx, "increment_character_interactions", map[string]string{"character_id": id})
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	// The function returns the new counter, or null when no row matched.
	switch count := gjson.ParseBytes(resp.Body); count.Type {
	case gjson.Number:
		return nil
	case gjson.Null:
		return fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	default:
		return fmt.Errorf("increment_character_interactions: unexpected result %q", count.Raw)
	}
}

// --- ChatStore --------------------------------------------------------------

type chatRecord struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	CharacterID   string         `json:"character_id"`
	PersonaID     *string        `json:"persona_id"`
	StoryID       *string        `json:"story_id"`
	Title         string         `json:"title"`
	Model         string         `json:"model"`
	Messages      []chat.Message `json:"messages"`
	LastMessageAt *time.Time     `json:"last_message_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func toChatRecord(c chat.Chat) chatRecord {
	msgs := c.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return chatRecord{
		ID: c.ID, UserID: c.UserID, CharacterID: c.CharacterID, PersonaID: optional(c.PersonaID),
		StoryID: optional(c.StoryID), Title: c.Title, Model: c.Model, Messages: msgs,
		LastMessageAt: c.LastMessageAt, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	var out []chat.Chat
	if err := s.insert(ctx, "chats", toChatRecord(c), &out); err != nil {
		return chat.Chat{}, err
	}
	return first(out, c)
}

func (s *Store) UpdateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	c.UpdatedAt = time.Now().UTC()
	rec := toChatRecord(c)

	patch := map[string]any{
		"user_id": rec.UserID, "character_id": rec.CharacterID, "persona_id": rec.PersonaID,
		"story_id": rec.StoryID, "title": rec.Title, "model": rec.Model, "messages": rec.Messages,
		"last_message_at": rec.LastMessageAt, "updated_at": rec.UpdatedAt,
	}
	var out []chat.Chat
	if err := s.update(ctx, s.db.From("chats").Eq("id", c.ID), patch, &out); err != nil {
		return chat.Chat{}, err
	}
	return only(out, "chat", c.ID)
}

func (s *Store) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	var out chat.Chat
	err := s.get(ctx, s.db.From("chats").Select("*").Eq("id", id), &out)
	return out, err
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]chat.Chat, error) {
	if limit <= 0 {
		limit = storage.MaxLimit
	}
	q := s.db.From("chats").Select("*").Eq("user_id", userID).
		Order("updated_at", false).Order("id", false).Limit(limit)
	var out []chat.Chat
	err := s.list(ctx, q, &out)
	return out, err
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.delete(ctx, "chats", "id", id)
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) ListLegacyMessages(ctx context.Context, chatID string) ([]chat.LegacyMessage, error) {
	q := s.db.From("messages").Select("*").Eq("chat_id", chatID).Order("created_at", true).Order("id", true)
	var out []chat.LegacyMessage
	err := s.list(ctx, q, &out)
	return out, err
}

func (s *Store) DeleteLegacyMessage(ctx context.Context, id string) error {
	return s.delete(ctx, "messages", "id", id)
}

func (s *Store) DeleteLegacyMessages(ctx context.Context, chatID string) error {
	resp, err := s.db.From("messages").Select("id").Eq("chat_id", chatID).ExecuteDelete(ctx)
	if err != nil {
		return err
	}
	return mapError(resp)
}

// --- ProfileStore -----------------------------------------------------------

type profileRecord struct {
	UserID       string            `json:"user_id"`
	Username     *string           `json:"username"`
	AvatarURL    string            `json:"avatar_url"`
	Bio          string            `json:"bio"`
	FullName     string            `json:"full_name"`
	Location     string            `json:"location"`
	APIKeys      map[string]string `json:"api_keys"`
	KeyCheck     string            `json:"key_check"`
	LegacyUserID *string           `json:"legacy_user_id"`
	MigratedAt   *time.Time        `json:"migrated_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toProfileRecord(p profile.Profile) profileRecord {
	keys := p.APIKeys
	if keys == nil {
		keys = map[string]string{}
	}
	return profileRecord{
		UserID: p.UserID, Username: optional(p.Username), AvatarURL: p.AvatarURL, Bio: p.Bio,
		FullName: p.FullName, Location: p.Location, APIKeys: keys, KeyCheck: p.KeyCheck,
		LegacyUserID: optional(p.LegacyUserID), MigratedAt: p.MigratedAt, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	var out []profile.Profile
	if err := s.insert(ctx, "profiles", toProfileRecord(p), &out); err != nil {
		return profile.Profile{}, err
	}
	return first(out, p)
}

func (s *Store) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p.UpdatedAt = time.Now().UTC()
	rec := toProfileRecord(p)

	patch := map[string]any{
		"username": rec.Username, "avatar_url": rec.AvatarURL, "bio": rec.Bio, "full_name": rec.FullName,
		"location": rec.Location, "api_keys": rec.APIKeys, "key_check": rec.KeyCheck,
		"legacy_user_id": rec.LegacyUserID, "migrated_at": rec.MigratedAt, "updated_at": rec.UpdatedAt,
	}
	var out []profile.Profile
	if err := s.update(ctx, s.db.From("profiles").Eq("user_id", p.UserID), patch, &out); err != nil {
		return profile.Profile{}, err
	}
	return only(out, "profile", p.UserID)
}

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	var out profile.Profile
	err := s.get(ctx, s.db.From("profiles").Select("*").Eq("user_id", userID), &out)
	return out, err
}

func (s *Store) GetProfileByUsername(ctx context.Context, username string) (profile.Profile, error) {
	var out profile.Profile
	err := s.get(ctx, s.db.From("profiles").Select("*").ILike("username", escapeLike(username)), &out)
	return out, err
}

func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	return s.delete(ctx, "profiles", "user_id", userID)
}

// --- PersonaStore -----------------------------------------------------------

func (s *Store) CreatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	var out []persona.Persona
	if err := s.insert(ctx, "personas", p, &out); err != nil {
		return persona.Persona{}, err
	}
	return first(out, p)
}

func (s *Store) UpdatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	patch := map[string]any{
		"creator": p.Creator, "full_name": p.FullName, "bio": p.Bio, "avatar_url": p.AvatarURL,
		"is_private": p.IsPrivate, "updated_at": time.Now().UTC(),
	}
	var out []persona.Persona
	if err := s.update(ctx, s.db.From("personas").Eq("id", p.ID), patch, &out); err != nil {
		return persona.Persona{}, err
	}
	return only(out, "persona", p.ID)
}

func (s *Store) GetPersona(ctx context.Context, id string) (persona.Persona, error) {
	var out persona.Persona
	err := s.get(ctx, s.db.From("personas").Select("*").Eq("id", id), &out)
	return out, err
}

func (s *Store) ListPersonas(ctx context.Context, opts storage.ListOptions) ([]persona.Persona, error) {
	opts = opts.Normalize()

	q := s.db.From("personas").Select("*")
	var groups []string
	if g := visibility("creator", opts); g != "" {
		groups = append(groups, g)
	} else if !opts.IncludePrivate {
		q.Eq("is_private", false)
	}
	if opts.Owner != "" {
		q.Eq("creator", opts.Owner)
	}
	if g := search(opts.Search, "full_name", "bio"); g != "" {
		groups = append(groups, g)
	}
	applyGroups(q, groups)
	q.Order("created_at", false).Order("id", false).Limit(opts.Limit).Offset(opts.Offset)

	var out []persona.Persona
	err := s.list(ctx, q, &out)
	return out, err
}

func (s *Store) DeletePersona(ctx context.Context, id string) error {
	return s.delete(ctx, "personas", "id", id)
}

// --- StoryStore -------------------------------------------------------------

func (s *Store) CreateStory(ctx context.Context, st story.Story) (story.Story, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	var out []story.Story
	if err := s.insert(ctx, "stories", st, &out); err != nil {
		return story.Story{}, err
	}
	return first(out, st)
}

func (s *Store) UpdateStory(ctx context.Context, st story.Story) (story.Story, error) {
	patch := map[string]any{
		"character_id": st.CharacterID, "creator": st.Creator, "title": st.Title, "description": st.Description,
		"story_intro": st.StoryIntro, "first_message": st.FirstMessage, "image_url": st.ImageURL,
		"is_private": st.IsPrivate, "updated_at": time.Now().UTC(),
	}
	var out []story.Story
	if err := s.update(ctx, s.db.From("stories").Eq("id", st.ID), patch, &out); err != nil {
		return story.Story{}, err
	}
	return only(out, "story", st.ID)
}

func (s *Store) GetStory(ctx context.Context, id string) (story.Story, error) {
	var out story.Story
	err := s.get(ctx, s.db.From("stories").Select("*").Eq("id", id), &out)
	return out, err
}

func (s *Store) ListStories(ctx context.Context, opts storage.ListOptions) ([]story.Story, error) {
	opts = opts.Normalize()

	q := s.db.From("stories").Select("*")
	var groups []string
	if g := visibility("creator", opts); g != "" {
		groups = append(groups, g)
	} else if !opts.IncludePrivate {
		q.Eq("is_private", false)
	}
	if opts.Owner != "" {
		q.Eq("creator", opts.Owner)
	}
	if opts.CharacterID != "" {
		q.Eq("character_id", opts.CharacterID)
	}
	if g := search(opts.Search, "title", "description"); g != "" {
		groups = append(groups, g)
	}
	applyGroups(q, groups)
	q.Order("created_at", false).Order("id", false).Limit(opts.Limit).Offset(opts.Offset)

	var out []story.Story
	err := s.list(ctx, q, &out)
	return out, err
}

func (s *Store) DeleteStory(ctx context.Context, id string) error {
	return s.delete(ctx, "stories", "id", id)
}

// --- TaxonomyStore ----------------------------------------------------------

func (s *Store) CreateCategory(ctx context.Context, c taxonomy.Category) (taxonomy.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	var out []taxonomy.Category
	if err := s.insert(ctx, "categories", c, &out); err != nil {
		return taxonomy.Category{}, err
	}
	return first(out, c)
}

func (s *Store) ListCategories(ctx context.Context) ([]taxonomy.Category, error) {
	var out []taxonomy.Category
	err := s.list(ctx, s.db.From("categories").Select("*").Order("title", true), &out)
	return out, err
}

func (s *Store) CreateTag(ctx context.Context, t taxonomy.Tag) (taxonomy.Tag, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	var out []taxonomy.Tag
	if err := s.insert(ctx, "tags", t, &out); err != nil {
		return taxonomy.Tag{}, err
	}
	return first(out, t)
}

func (s *Store) ListTags(ctx context.Context) ([]taxonomy.Tag, error) {
	var out []taxonomy.Tag
	err := s.list(ctx, s.db.From("tags").Select("*").Order("name", true), &out)
	return out, err
}

// --- OwnershipStore ---------------------------------------------------------

func (s *Store) Reassign(ctx context.Context, table, column, from, to string) (int64, error) {
	if !storage.ValidOwnership(table, column) {
		return 0, fmt.Errorf("unknown ownership column %s.%s", table, column)
	}

	patch := map[string]any{column: to}
	if table == "profiles" {
		patch["legacy_user_id"] = from
	}

	var out []json.RawMessage
	if err := s.update(ctx, s.db.From(table).Select(column).Eq(column, from), patch, &out); err != nil {
		return 0, err
	}
	return int64(len(out)), nil
}

// --- helpers ----------------------------------------------------------------

func (s *Store) get(ctx context.Context, q *client.QueryBuilder, dst any) error {
	resp, err := q.Single().Execute(ctx)
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	return resp.JSON(dst)
}

func (s *Store) list(ctx context.Context, q *client.QueryBuilder, dst any) error {
	resp, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	return resp.JSON(dst)
}

func (s *Store) insert(ctx context.Context, table string, row, dst any) error {
	resp, err := s.db.From(table).ExecuteInsert(ctx, row)
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	return resp.JSON(dst)
}

func (s *Store) update(ctx context.Context, q *client.QueryBuilder, patch, dst any) error {
	resp, err := q.ExecuteUpdate(ctx, patch)
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	return resp.JSON(dst)
}

func (s *Store) delete(ctx context.Context, table, column, value string) error {
	resp, err := s.db.From(table).Select(column).Eq(column, value).ExecuteDelete(ctx)
	if err != nil {
		return err
	}
	if err := mapError(resp); err != nil {
		return err
	}
	var out []json.RawMessage
	if err := resp.JSON(&out); err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("%s %s: %w", table, value, storage.ErrNotFound)
	}
	return nil
}

func mapError(resp *client.Response) error {
	err := resp.Error()
	if err == nil {
		return nil
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == "PGRST116", apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", apiErr.Message, storage.ErrNotFound)
		case apiErr.Code == "23505", apiErr.StatusCode == http.StatusConflict:
			return fmt.Errorf("%s: %w", apiErr.Message, storage.ErrConflict)
		}
	}
	return err
}

func first[T any](rows []T, fallback T) (T, error) {
	if len(rows) == 0 {
		return fallback, nil
	}
	return rows[0], nil
}

func only[T any](rows []T, kind, id string) (T, error) {
	if len(rows) == 0 {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return rows[0], nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// visibility returns an or(...) group letting the viewer see their own
// private rows, or "" when a plain filter suffices.
func visibility(ownerColumn string, opts storage.ListOptions) string {
	if opts.IncludePrivate || opts.Viewer == "" {
		return ""
	}
	return "or(is_private.eq.false," + ownerColumn + ".eq." + sanitize(opts.Viewer) + ")"
}

func search(term string, columns ...string) string {
	term = sanitize(strings.TrimSpace(term))
	if term == "" {
		return ""
	}
	conds := make([]string, len(columns))
	for i, c := range columns {
		conds[i] = c + ".ilike.*" + term + "*"
	}
	return "or(" + strings.Join(conds, ",") + ")"
}

func applyGroups(q *client.QueryBuilder, groups []string) {
	if len(groups) > 0 {
		q.And(groups...)
	}
}

// sanitize strips characters with meaning in PostgREST logic trees.
func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')', '*', '"', '\\':
			return -1
		}
		return r
	}, v)
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, "").Replace(v)
}
