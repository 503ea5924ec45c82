package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/domain/taxonomy"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("storage: conflict")
)

// Sort orders accepted by ListOptions.
const (
	SortNew     = "new"
	SortPopular = "popular"
)

const (
	DefaultLimit = 24
	MaxLimit     = 100
)

// ListOptions filters list queries. Zero values mean "no filter".
type ListOptions struct {
	// Owner restricts results to rows owned or created by this user.
	Owner string
	// Viewer sees their own private rows in addition to public ones.
	Viewer      string
	CharacterID string
	CategoryID  string
	Tag         string
	Search      string
	// IncludePrivate disables the visibility filter entirely (admin views).
	IncludePrivate bool
	IncludeNSFW    bool
	Sort           string
	Limit          int
	Offset         int
}

// Normalize applies default and maximum limits and the default sort. Tags
// are stored lower-cased, so the tag filter is lower-cased to match.
func (o ListOptions) Normalize() ListOptions {
	o.Tag = strings.ToLower(strings.TrimSpace(o.Tag))
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		o.Limit = MaxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Sort != SortPopular {
		o.Sort = SortNew
	}
	return o
}

// Visible reports whether a row with the given owner and privacy flag passes
// the visibility filter.
func (o ListOptions) Visible(owner string, private bool) bool {
	return !private || o.IncludePrivate || (o.Viewer != "" && o.Viewer == owner)
}

// CharacterStore persists characters.
type CharacterStore interface {
	CreateCharacter(ctx context.Context, c character.Character) (character.Character, error)
	UpdateCharacter(ctx context.Context, c character.Character) (character.Character, error)
	GetCharacter(ctx context.Context, id string) (character.Character, error)
	ListCharacters(ctx context.Context, opts ListOptions) ([]character.Character, error)
	DeleteCharacter(ctx context.Context, id string) error
	IncrementInteractions(ctx context.Context, id string) error
}

// ChatStore persists chats with their embedded message lists.
type ChatStore interface {
	CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error)
	UpdateChat(ctx context.Context, c chat.Chat) (chat.Chat, error)
	GetChat(ctx context.Context, id string) (chat.Chat, error)
	ListChats(ctx context.Context, userID string, limit int) ([]chat.Chat, error)
	DeleteChat(ctx context.Context, id string) error
}

// MessageStore reads the legacy per-row messages table.
type MessageStore interface {
	ListLegacyMessages(ctx context.Context, chatID string) ([]chat.LegacyMessage, error)
	DeleteLegacyMessage(ctx context.Context, id string) error
	DeleteLegacyMessages(ctx context.Context, chatID string) error
}

// ProfileStore persists user profiles keyed by user id.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	UpdateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (profile.Profile, error)
	DeleteProfile(ctx context.Context, userID string) error
}

// PersonaStore persists personas.
type PersonaStore interface {
	CreatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error)
	UpdatePersona(ctx context.Context, p persona.Persona) (persona.Persona, error)
	GetPersona(ctx context.Context, id string) (persona.Persona, error)
	ListPersonas(ctx context.Context, opts ListOptions) ([]persona.Persona, error)
	DeletePersona(ctx context.Context, id string) error
}

// StoryStore persists stories.
type StoryStore interface {
	CreateStory(ctx context.Context, s story.Story) (story.Story, error)
	UpdateStory(ctx context.Context, s story.Story) (story.Story, error)
	GetStory(ctx context.Context, id string) (story.Story, error)
	ListStories(ctx context.Context, opts ListOptions) ([]story.Story, error)
	DeleteStory(ctx context.Context, id string) error
}

// TaxonomyStore persists categories and tags.
type TaxonomyStore interface {
	CreateCategory(ctx context.Context, c taxonomy.Category) (taxonomy.Category, error)
	ListCategories(ctx context.Context) ([]taxonomy.Category, error)
	CreateTag(ctx context.Context, t taxonomy.Tag) (taxonomy.Tag, error)
	ListTags(ctx context.Context) ([]taxonomy.Tag, error)
}

// OwnershipStore rewrites ownership columns during legacy account migration.
type OwnershipStore interface {
	// Reassign sets column=to on every row of table where column=from and
	// returns the number of rows changed.
	Reassign(ctx context.Context, table, column, from, to string) (int64, error)
}

// Store is the union every backend implements.
type Store interface {
	CharacterStore
	ChatStore
	MessageStore
	ProfileStore
	PersonaStore
	StoryStore
	TaxonomyStore
	OwnershipStore
}

// Ownership is a table/column pair holding a user id.
type Ownership struct {
	Table  string
	Column string
}

// OwnershipColumns lists, in migration order, every column that references a
// user id.
var OwnershipColumns = []Ownership{
	{Table: "profiles", Column: "user_id"},
	{Table: "characters", Column: "owner"},
	{Table: "personas", Column: "creator"},
	{Table: "stories", Column: "creator"},
	{Table: "chats", Column: "user_id"},
	{Table: "messages", Column: "user_id"},
}

// ValidOwnership reports whether table.column is a known ownership column.
// Backends refuse anything else since the names end up in queries.
func ValidOwnership(table, column string) bool {
	for _, o := range OwnershipColumns {
		if o.Table == table && o.Column == column {
			return true
		}
	}
	return false
}
