package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/domain/taxonomy"
	"github.com/charachat/charachat/internal/app/storage"
)

const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// --- CharacterStore ---------------------------------------------------------

const characterColumns = `id, owner, name, description, bio, intro_message, personality,
	system_prompt, image_prompt, avatar_url, speaker_link, category_id, tags,
	is_private, is_nsfw, hide_definition, interactions, created_at, updated_at`

type characterRow struct {
	ID             string         `db:"id"`
	Owner          string         `db:"owner"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	Bio            string         `db:"bio"`
	IntroMessage   string         `db:"intro_message"`
	Personality    string         `db:"personality"`
	SystemPrompt   string         `db:"system_prompt"`
	ImagePrompt    string         `db:"image_prompt"`
	AvatarURL      string         `db:"avatar_url"`
	SpeakerLink    string         `db:"speaker_link"`
	CategoryID     sql.NullString `db:"category_id"`
	Tags           pq.StringArray `db:"tags"`
	IsPrivate      bool           `db:"is_private"`
	IsNSFW         bool           `db:"is_nsfw"`
	HideDefinition bool           `db:"hide_definition"`
	Interactions   int64          `db:"interactions"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r characterRow) domain() character.Character {
	return character.Character{
		ID:             r.ID,
		Owner:          r.Owner,
		Name:           r.Name,
		Description:    r.Description,
		Bio:            r.Bio,
		IntroMessage:   r.IntroMessage,
		Personality:    r.Personality,
		SystemPrompt:   r.SystemPrompt,
		ImagePrompt:    r.ImagePrompt,
		AvatarURL:      r.AvatarURL,
		SpeakerLink:    r.SpeakerLink,
		CategoryID:     r.CategoryID.String,
		Tags:           []string(r.Tags),
		IsPrivate:      r.IsPrivate,
		IsNSFW:         r.IsNSFW,
		HideDefinition: r.HideDefinition,
		Interactions:   r.Interactions,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *Store) CreateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO characters (`+characterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, c.ID, c.Owner, c.Name, c.Description, c.Bio, c.IntroMessage, c.Personality,
		c.SystemPrompt, c.ImagePrompt, c.AvatarURL, c.SpeakerLink, nullString(c.CategoryID), pq.StringArray(c.Tags),
		c.IsPrivate, c.IsNSFW, c.HideDefinition, c.Interactions, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return character.Character{}, mapError(err)
	}
	return c, nil
}

func (s *Store) UpdateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	existing, err := s.GetCharacter(ctx, c.ID)
	if err != nil {
		return character.Character{}, err
	}
	c.CreatedAt = existing.CreatedAt
	c.Interactions = existing.Interactions
	c.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE characters
		SET owner = $2, name = $3, description = $4, bio = $5, intro_message = $6, personality = $7,
			system_prompt = $8, image_prompt = $9, avatar_url = $10, speaker_link = $11, category_id = $12,
			tags = $13, is_private = $14, is_nsfw = $15, hide_definition = $16, updated_at = $17
		WHERE id = $1
	`, c.ID, c.Owner, c.Name, c.Description, c.Bio, c.IntroMessage, c.Personality,
		c.SystemPrompt, c.ImagePrompt, c.AvatarURL, c.SpeakerLink, nullString(c.CategoryID), pq.StringArray(c.Tags),
		c.IsPrivate, c.IsNSFW, c.HideDefinition, c.UpdatedAt)
	if err != nil {
		return character.Character{}, mapError(err)
	}
	if err := expectRows(result); err != nil {
		return character.Character{}, err
	}
	return c, nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (character.Character, error) {
	var row characterRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+characterColumns+` FROM characters WHERE id = $1`, id); err != nil {
		return character.Character{}, mapError(err)
	}
	return row.domain(), nil
}

func (s *Store) ListCharacters(ctx context.Context, opts storage.ListOptions) ([]character.Character, error) {
	opts = opts.Normalize()

	var q filter
	q.visible("owner", opts)
	if opts.Owner != "" {
		q.where("owner = ?", opts.Owner)
	}
	if !opts.IncludeNSFW {
		q.where("NOT is_nsfw")
	}
	if opts.CategoryID != "" {
		q.where("category_id = ?", opts.CategoryID)
	}
	if opts.Tag != "" {
		q.where("? = ANY(tags)", opts.Tag)
	}
	if opts.Search != "" {
		q.where("(name ILIKE ? OR description ILIKE ?)", like(opts.Search), like(opts.Search))
	}

	order := "created_at DESC, id DESC"
	if opts.Sort == storage.SortPopular {
		order = "interactions DESC, " + order
	}

	var rows []characterRow
	query := s.db.Rebind(`SELECT ` + characterColumns + ` FROM characters` + q.clause() + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, append(q.args, opts.Limit, opts.Offset)...); err != nil {
		return nil, err
	}
	out := make([]character.Character, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

func (s *Store) IncrementInteractions(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE characters SET interactions = interactions + 1 WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// --- ChatStore --------------------------------------------------------------

const chatColumns = `id, user_id, character_id, persona_id, story_id, title, model, messages,
	last_message_at, created_at, updated_at`

type chatRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	CharacterID   string         `db:"character_id"`
	PersonaID     sql.NullString `db:"persona_id"`
	StoryID       sql.NullString `db:"story_id"`
	Title         string         `db:"title"`
	Model         string         `db:"model"`
	Messages      []byte         `db:"messages"`
	LastMessageAt sql.NullTime   `db:"last_message_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r chatRow) domain() (chat.Chat, error) {
	c := chat.Chat{
		ID:          r.ID,
		UserID:      r.UserID,
		CharacterID: r.CharacterID,
		PersonaID:   r.PersonaID.String,
		StoryID:     r.StoryID.String,
		Title:       r.Title,
		Model:       r.Model,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastMessageAt.Valid {
		t := r.LastMessageAt.Time
		c.LastMessageAt = &t
	}
	if len(r.Messages) > 0 {
		if err := json.Unmarshal(r.Messages, &c.Messages); err != nil {
			return chat.Chat{}, fmt.Errorf("decode messages for chat %s: %w", r.ID, err)
		}
	}
	return c, nil
}

func (s *Store) CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	messagesJSON, err := marshalMessages(c.Messages)
	if err != nil {
		return chat.Chat{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.UserID, c.CharacterID, nullString(c.PersonaID), nullString(c.StoryID), c.Title, c.Model,
		messagesJSON, c.LastMessageAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return chat.Chat{}, mapError(err)
	}
	return c, nil
}

func (s *Store) UpdateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	c.UpdatedAt = time.Now().UTC()

	messagesJSON, err := marshalMessages(c.Messages)
	if err != nil {
		return chat.Chat{}, err
	}

	var createdAt time.Time
	err = s.db.QueryRowxContext(ctx, `
		UPDATE chats
		SET user_id = $2, character_id = $3, persona_id = $4, story_id = $5, title = $6, model = $7,
			messages = $8, last_message_at = $9, updated_at = $10
		WHERE id = $1
		RETURNING created_at
	`, c.ID, c.UserID, c.CharacterID, nullString(c.PersonaID), nullString(c.StoryID), c.Title, c.Model,
		messagesJSON, c.LastMessageAt, c.UpdatedAt).Scan(&createdAt)
	if err != nil {
		return chat.Chat{}, mapError(err)
	}
	c.CreatedAt = createdAt
	return c, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	var row chatRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id); err != nil {
		return chat.Chat{}, mapError(err)
	}
	return row.domain()
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]chat.Chat, error) {
	if limit <= 0 {
		limit = storage.MaxLimit
	}
	var rows []chatRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+chatColumns+` FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2
	`, userID, limit); err != nil {
		return nil, err
	}
	out := make([]chat.Chat, 0, len(rows))
	for _, r := range rows {
		c, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) ListLegacyMessages(ctx context.Context, chatID string) ([]chat.LegacyMessage, error) {
	var rows []struct {
		ID          string    `db:"id"`
		ChatID      string    `db:"chat_id"`
		UserID      string    `db:"user_id"`
		Role        string    `db:"role"`
		Content     string    `db:"content"`
		IsEncrypted bool      `db:"is_encrypted"`
		CreatedAt   time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, chat_id, user_id, role, content, is_encrypted, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at, id
	`, chatID); err != nil {
		return nil, err
	}
	out := make([]chat.LegacyMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.LegacyMessage(r))
	}
	return out, nil
}

func (s *Store) DeleteLegacyMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

func (s *Store) DeleteLegacyMessages(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID)
	return err
}

// --- ProfileStore -----------------------------------------------------------

const profileColumns = `user_id, username, avatar_url, bio, full_name, location, api_keys,
	key_check, legacy_user_id, migrated_at, created_at, updated_at`

type profileRow struct {
	UserID       string         `db:"user_id"`
	Username     sql.NullString `db:"username"`
	AvatarURL    string         `db:"avatar_url"`
	Bio          string         `db:"bio"`
	FullName     string         `db:"full_name"`
	Location     string         `db:"location"`
	APIKeys      []byte         `db:"api_keys"`
	KeyCheck     string         `db:"key_check"`
	LegacyUserID sql.NullString `db:"legacy_user_id"`
	MigratedAt   sql.NullTime   `db:"migrated_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r profileRow) domain() profile.Profile {
	p := profile.Profile{
		UserID:       r.UserID,
		Username:     r.Username.String,
		AvatarURL:    r.AvatarURL,
		Bio:          r.Bio,
		FullName:     r.FullName,
		Location:     r.Location,
		KeyCheck:     r.KeyCheck,
		LegacyUserID: r.LegacyUserID.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.MigratedAt.Valid {
		t := r.MigratedAt.Time
		p.MigratedAt = &t
	}
	if len(r.APIKeys) > 0 {
		_ = json.Unmarshal(r.APIKeys, &p.APIKeys)
	}
	return p
}

func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	keysJSON, err := json.Marshal(p.APIKeys)
	if err != nil {
		return profile.Profile{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.UserID, nullString(p.Username), p.AvatarURL, p.Bio, p.FullName, p.Location, keysJSON,
		p.KeyCheck, nullString(p.LegacyUserID), p.MigratedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return profile.Profile{}, mapError(err)
	}
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p.UpdatedAt = time.Now().UTC()

	keysJSON, err := json.Marshal(p.APIKeys)
	if err != nil {
		return profile.Profile{}, err
	}

	var createdAt time.Time
	err = s.db.QueryRowxContext(ctx, `
		UPDATE profiles
		SET username = $2, avatar_url = $3, bio = $4, full_name = $5, location = $6, api_keys = $7,
			key_check = $8, legacy_user_id = $9, migrated_at = $10, updated_at = $11
		WHERE user_id = $1
		RETURNING created_at
	`, p.UserID, nullString(p.Username), p.AvatarURL, p.Bio, p.FullName, p.Location, keysJSON,
		p.KeyCheck, nullString(p.LegacyUserID), p.MigratedAt, p.UpdatedAt).Scan(&createdAt)
	if err != nil {
		return profile.Profile{}, mapError(err)
	}
	p.CreatedAt = createdAt
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	var row profileRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID); err != nil {
		return profile.Profile{}, mapError(err)
	}
	return row.domain(), nil
}

func (s *Store) GetProfileByUsername(ctx context.Context, username string) (profile.Profile, error) {
	var row profileRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+profileColumns+` FROM profiles WHERE lower(username) = lower($1)`, username); err != nil {
		return profile.Profile{}, mapError(err)
	}
	return row.domain(), nil
}

func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// --- PersonaStore -----------------------------------------------------------

const personaColumns = `id, creator, full_name, bio, avatar_url, is_private, created_at, updated_at`

type personaRow struct {
	ID        string    `db:"id"`
	Creator   string    `db:"creator"`
	FullName  string    `db:"full_name"`
	Bio       string    `db:"bio"`
	AvatarURL string    `db:"avatar_url"`
	IsPrivate bool      `db:"is_private"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) CreatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO personas (`+personaColumns+`)
		VALUES (:id, :creator, :full_name, :bio, :avatar_url, :is_private, :created_at, :updated_at)
	`, personaRow(p))
	if err != nil {
		return persona.Persona{}, mapError(err)
	}
	return p, nil
}

func (s *Store) UpdatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	existing, err := s.GetPersona(ctx, p.ID)
	if err != nil {
		return persona.Persona{}, err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE personas
		SET creator = :creator, full_name = :full_name, bio = :bio, avatar_url = :avatar_url,
			is_private = :is_private, updated_at = :updated_at
		WHERE id = :id
	`, personaRow(p))
	if err != nil {
		return persona.Persona{}, mapError(err)
	}
	if err := expectRows(result); err != nil {
		return persona.Persona{}, err
	}
	return p, nil
}

func (s *Store) GetPersona(ctx context.Context, id string) (persona.Persona, error) {
	var row personaRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+personaColumns+` FROM personas WHERE id = $1`, id); err != nil {
		return persona.Persona{}, mapError(err)
	}
	return persona.Persona(row), nil
}

func (s *Store) ListPersonas(ctx context.Context, opts storage.ListOptions) ([]persona.Persona, error) {
	opts = opts.Normalize()

	var q filter
	q.visible("creator", opts)
	if opts.Owner != "" {
		q.where("creator = ?", opts.Owner)
	}
	if opts.Search != "" {
		q.where("(full_name ILIKE ? OR bio ILIKE ?)", like(opts.Search), like(opts.Search))
	}

	var rows []personaRow
	query := s.db.Rebind(`SELECT ` + personaColumns + ` FROM personas` + q.clause() + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, append(q.args, opts.Limit, opts.Offset)...); err != nil {
		return nil, err
	}
	out := make([]persona.Persona, 0, len(rows))
	for _, r := range rows {
		out = append(out, persona.Persona(r))
	}
	return out, nil
}

func (s *Store) DeletePersona(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// --- StoryStore -------------------------------------------------------------

const storyColumns = `id, character_id, creator, title, description, story_intro, first_message,
	image_url, is_private, created_at, updated_at`

type storyRow struct {
	ID           string    `db:"id"`
	CharacterID  string    `db:"character_id"`
	Creator      string    `db:"creator"`
	Title        string    `db:"title"`
	Description  string    `db:"description"`
	StoryIntro   string    `db:"story_intro"`
	FirstMessage string    `db:"first_message"`
	ImageURL     string    `db:"image_url"`
	IsPrivate    bool      `db:"is_private"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (s *Store) CreateStory(ctx context.Context, st story.Story) (story.Story, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES (:id, :character_id, :creator, :title, :description, :story_intro, :first_message,
			:image_url, :is_private, :created_at, :updated_at)
	`, storyRow(st))
	if err != nil {
		return story.Story{}, mapError(err)
	}
	return st, nil
}

func (s *Store) UpdateStory(ctx context.Context, st story.Story) (story.Story, error) {
	existing, err := s.GetStory(ctx, st.ID)
	if err != nil {
		return story.Story{}, err
	}
	st.CreatedAt = existing.CreatedAt
	st.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE stories
		SET character_id = :character_id, creator = :creator, title = :title, description = :description,
			story_intro = :story_intro, first_message = :first_message, image_url = :image_url,
			is_private = :is_private, updated_at = :updated_at
		WHERE id = :id
	`, storyRow(st))
	if err != nil {
		return story.Story{}, mapError(err)
	}
	if err := expectRows(result); err != nil {
		return story.Story{}, err
	}
	return st, nil
}

func (s *Store) GetStory(ctx context.Context, id string) (story.Story, error) {
	var row storyRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id); err != nil {
		return story.Story{}, mapError(err)
	}
	return story.Story(row), nil
}

func (s *Store) ListStories(ctx context.Context, opts storage.ListOptions) ([]story.Story, error) {
	opts = opts.Normalize()

	var q filter
	q.visible("creator", opts)
	if opts.Owner != "" {
		q.where("creator = ?", opts.Owner)
	}
	if opts.CharacterID != "" {
		q.where("character_id = ?", opts.CharacterID)
	}
	if opts.Search != "" {
		q.where("(title ILIKE ? OR description ILIKE ?)", like(opts.Search), like(opts.Search))
	}

	var rows []storyRow
	query := s.db.Rebind(`SELECT ` + storyColumns + ` FROM stories` + q.clause() + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, append(q.args, opts.Limit, opts.Offset)...); err != nil {
		return nil, err
	}
	out := make([]story.Story, 0, len(rows))
	for _, r := range rows {
		out = append(out, story.Story(r))
	}
	return out, nil
}

func (s *Store) DeleteStory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// --- TaxonomyStore ----------------------------------------------------------

func (s *Store) CreateCategory(ctx context.Context, c taxonomy.Category) (taxonomy.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, title, description, created_at) VALUES ($1, $2, $3, $4)
	`, c.ID, c.Title, c.Description, c.CreatedAt)
	if err != nil {
		return taxonomy.Category{}, mapError(err)
	}
	return c, nil
}

type categoryRow struct {
	ID          string    `db:"id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *Store) ListCategories(ctx context.Context) ([]taxonomy.Category, error) {
	var rows []categoryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, title, description, created_at FROM categories ORDER BY title
	`); err != nil {
		return nil, err
	}
	out := make([]taxonomy.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, taxonomy.Category(r))
	}
	return out, nil
}

func (s *Store) CreateTag(ctx context.Context, t taxonomy.Tag) (taxonomy.Tag, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name, created_at) VALUES ($1, $2, $3)
	`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return taxonomy.Tag{}, mapError(err)
	}
	return t, nil
}

type tagRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListTags(ctx context.Context) ([]taxonomy.Tag, error) {
	var rows []tagRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, created_at FROM tags ORDER BY name
	`); err != nil {
		return nil, err
	}
	out := make([]taxonomy.Tag, 0, len(rows))
	for _, r := range rows {
		out = append(out, taxonomy.Tag(r))
	}
	return out, nil
}

// --- OwnershipStore ---------------------------------------------------------

func (s *Store) Reassign(ctx context.Context, table, column, from, to string) (int64, error) {
	if !storage.ValidOwnership(table, column) {
		return 0, fmt.Errorf("unknown ownership column %s.%s", table, column)
	}

	// Identifiers come from the fixed allow-list above.
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, table, column, column)
	if table == "profiles" {
		query = `UPDATE profiles SET user_id = $1, legacy_user_id = $2 WHERE user_id = $2`
	}

	result, err := s.db.ExecContext(ctx, query, to, from)
	if err != nil {
		return 0, mapError(err)
	}
	return result.RowsAffected()
}

// --- helpers ----------------------------------------------------------------

// filter accumulates WHERE conditions using ? placeholders; queries are
// rebound for postgres before execution.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) where(cond string, args ...any) {
	f.conds = append(f.conds, cond)
	f.args = append(f.args, args...)
}

func (f *filter) visible(ownerColumn string, opts storage.ListOptions) {
	if opts.IncludePrivate {
		return
	}
	if opts.Viewer == "" {
		f.where("NOT is_private")
		return
	}
	f.where("(NOT is_private OR "+ownerColumn+" = ?)", opts.Viewer)
}

func (f *filter) clause() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func like(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(term)) + "%"
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func marshalMessages(msgs []chat.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return json.Marshal(msgs)
}

func expectRows(result sql.Result) error {
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, storage.ErrConflict)
	}
	return err
}
