package characters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/cache"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

// TrendingKey is the cache key of the trending list.
const TrendingKey = "characters:trending"

const maxTags = 10

// Input carries the writable fields of a character. Nil pointers are left
// untouched on update.
type Input struct {
	Name           *string   `json:"name"`
	Description    *string   `json:"description"`
	Bio            *string   `json:"bio"`
	IntroMessage   *string   `json:"intro_message"`
	Personality    *string   `json:"personality"`
	SystemPrompt   *string   `json:"system_prompt"`
	ImagePrompt    *string   `json:"image_prompt"`
	AvatarURL      *string   `json:"avatar_url"`
	SpeakerLink    *string   `json:"speaker_link"`
	CategoryID     *string   `json:"category_id"`
	Tags           *[]string `json:"tags"`
	IsPrivate      *bool     `json:"is_private"`
	IsNSFW         *bool     `json:"is_nsfw"`
	HideDefinition *bool     `json:"hide_definition"`
}

// Service manages characters.
type Service struct {
	store        storage.CharacterStore
	cache        cache.Cache
	trendingSize int
	trendingTTL  time.Duration
	log          *logger.Logger
}

// New constructs a character service. A nil cache disables trending caching.
func New(store storage.CharacterStore, c cache.Cache, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("characters")
	}
	return &Service{
		store:        store,
		cache:        c,
		trendingSize: storage.DefaultLimit,
		trendingTTL:  30 * time.Minute,
		log:          log,
	}
}

// WithTrending sets the trending list size and cache lifetime.
func (s *Service) WithTrending(size int, ttl time.Duration) *Service {
	if size > 0 {
		s.trendingSize = size
	}
	if ttl > 0 {
		s.trendingTTL = ttl
	}
	return s
}

// Create stores a new character owned by the caller.
func (s *Service) Create(ctx context.Context, user *identity.User, in Input) (character.Character, error) {
	if err := services.RequireUser(user); err != nil {
		return character.Character{}, err
	}
	c := character.Character{Owner: user.ID}
	if err := apply(&c, in); err != nil {
		return character.Character{}, err
	}
	if c.Name == "" {
		return character.Character{}, services.Invalid("name", "is required")
	}

	created, err := s.store.CreateCharacter(ctx, c)
	if err != nil {
		return character.Character{}, err
	}
	s.log.WithField("character_id", created.ID).
		WithField("owner", created.Owner).
		Info("character created")
	return created, nil
}

// Get returns a character the caller may see. Private characters of other
// users are reported as not found.
func (s *Service) Get(ctx context.Context, viewer *identity.User, id string) (character.Character, error) {
	c, err := s.visible(ctx, viewer, id)
	if err != nil {
		return character.Character{}, err
	}
	return c.Public(services.ViewerID(viewer)), nil
}

// Lookup is Get without hiding the definition, for building prompts.
func (s *Service) Lookup(ctx context.Context, viewer *identity.User, id string) (character.Character, error) {
	return s.visible(ctx, viewer, id)
}

func (s *Service) visible(ctx context.Context, viewer *identity.User, id string) (character.Character, error) {
	c, err := s.store.GetCharacter(ctx, id)
	if err != nil {
		return character.Character{}, err
	}
	if !c.VisibleTo(services.ViewerID(viewer)) && (viewer == nil || !viewer.Admin) {
		return character.Character{}, fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

// Update changes the fields set in in. Only the owner or an admin may edit.
func (s *Service) Update(ctx context.Context, user *identity.User, id string, in Input) (character.Character, error) {
	if err := services.RequireUser(user); err != nil {
		return character.Character{}, err
	}
	c, err := s.visible(ctx, user, id)
	if err != nil {
		return character.Character{}, err
	}
	if !services.CanModify(user, c.Owner) {
		return character.Character{}, services.ErrForbidden
	}
	if err := apply(&c, in); err != nil {
		return character.Character{}, err
	}
	if c.Name == "" {
		return character.Character{}, services.Invalid("name", "is required")
	}
	return s.store.UpdateCharacter(ctx, c)
}

// Delete removes a character. Only the owner or an admin may delete.
func (s *Service) Delete(ctx context.Context, user *identity.User, id string) error {
	if err := services.RequireUser(user); err != nil {
		return err
	}
	c, err := s.visible(ctx, user, id)
	if err != nil {
		return err
	}
	if !services.CanModify(user, c.Owner) {
		return services.ErrForbidden
	}
	if err := s.store.DeleteCharacter(ctx, id); err != nil {
		return err
	}
	s.log.WithField("character_id", id).Info("character deleted")
	return nil
}

// List returns public characters plus the viewer's own private ones.
func (s *Service) List(ctx context.Context, viewer *identity.User, opts storage.ListOptions) ([]character.Character, error) {
	opts.Viewer = services.ViewerID(viewer)
	opts.IncludePrivate = false
	items, err := s.store.ListCharacters(ctx, opts.Normalize())
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i] = items[i].Public(opts.Viewer)
	}
	return items, nil
}

// IncrementInteractions bumps the popularity counter.
func (s *Service) IncrementInteractions(ctx context.Context, id string) error {
	return s.store.IncrementInteractions(ctx, id)
}

// Trending returns the most popular public characters, from cache when
// possible.
func (s *Service) Trending(ctx context.Context) ([]character.Character, error) {
	if s.cache != nil {
		var cached []character.Character
		ok, err := s.cache.Get(ctx, TrendingKey, &cached)
		if err != nil {
			s.log.WithError(err).Warn("trending cache read failed")
		} else if ok {
			return cached, nil
		}
	}
	return s.RefreshTrending(ctx)
}

// RefreshTrending recomputes the trending list and stores it in the cache.
func (s *Service) RefreshTrending(ctx context.Context) ([]character.Character, error) {
	items, err := s.store.ListCharacters(ctx, storage.ListOptions{
		Sort:  storage.SortPopular,
		Limit: s.trendingSize,
	}.Normalize())
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i] = items[i].Public("")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, TrendingKey, items, s.trendingTTL); err != nil {
			s.log.WithError(err).Warn("trending cache write failed")
		}
	}
	return items, nil
}

func apply(c *character.Character, in Input) error {
	text := []struct {
		field    string
		src      *string
		dst      *string
		max      int
		required bool
	}{
		{"name", in.Name, &c.Name, 100, true},
		{"description", in.Description, &c.Description, 500, false},
		{"bio", in.Bio, &c.Bio, 4000, false},
		{"intro_message", in.IntroMessage, &c.IntroMessage, 4000, false},
		{"personality", in.Personality, &c.Personality, 4000, false},
		{"system_prompt", in.SystemPrompt, &c.SystemPrompt, 8000, false},
		{"image_prompt", in.ImagePrompt, &c.ImagePrompt, 1000, false},
		{"avatar_url", in.AvatarURL, &c.AvatarURL, 2048, false},
		{"speaker_link", in.SpeakerLink, &c.SpeakerLink, 2048, false},
		{"category_id", in.CategoryID, &c.CategoryID, 64, false},
	}
	for _, f := range text {
		if f.src == nil {
			continue
		}
		v, err := services.CheckText(f.field, *f.src, f.max, f.required)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	if in.Tags != nil {
		tags, err := normalizeTags(*in.Tags)
		if err != nil {
			return err
		}
		c.Tags = tags
	}
	if in.IsPrivate != nil {
		c.IsPrivate = *in.IsPrivate
	}
	if in.IsNSFW != nil {
		c.IsNSFW = *in.IsNSFW
	}
	if in.HideDefinition != nil {
		c.HideDefinition = *in.HideDefinition
	}
	return nil
}

// normalizeTags lowercases, trims and de-duplicates tags.
func normalizeTags(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if len(t) > 32 {
			return nil, services.Invalid("tags", "tag %q is longer than 32 characters", t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, services.Invalid("tags", "at most %d tags allowed", maxTags)
	}
	return out, nil
}
