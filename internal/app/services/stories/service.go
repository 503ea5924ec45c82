package stories

import (
	"context"
	"fmt"

	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

// Input carries writable story fields; nil pointers are left untouched.
// CharacterID is only honoured on create.
type Input struct {
	CharacterID  *string `json:"character_id"`
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	StoryIntro   *string `json:"story_intro"`
	FirstMessage *string `json:"first_message"`
	ImageURL     *string `json:"image_url"`
	IsPrivate    *bool   `json:"is_private"`
}

// Service manages stories.
type Service struct {
	store      storage.StoryStore
	characters storage.CharacterStore
	log        *logger.Logger
}

// New constructs a story service.
func New(store storage.StoryStore, characters storage.CharacterStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("stories")
	}
	return &Service{store: store, characters: characters, log: log}
}

// Create stores a story for a character the caller can see.
func (s *Service) Create(ctx context.Context, user *identity.User, in Input) (story.Story, error) {
	if err := services.RequireUser(user); err != nil {
		return story.Story{}, err
	}
	if in.CharacterID == nil || *in.CharacterID == "" {
		return story.Story{}, services.Invalid("character_id", "is required")
	}
	c, err := s.characters.GetCharacter(ctx, *in.CharacterID)
	if err != nil {
		return story.Story{}, err
	}
	if !c.VisibleTo(user.ID) && !user.Admin {
		return story.Story{}, fmt.Errorf("character %s: %w", c.ID, storage.ErrNotFound)
	}

	st := story.Story{CharacterID: c.ID, Creator: user.ID}
	if err := apply(&st, in); err != nil {
		return story.Story{}, err
	}
	if st.Title == "" {
		return story.Story{}, services.Invalid("title", "is required")
	}
	created, err := s.store.CreateStory(ctx, st)
	if err != nil {
		return story.Story{}, err
	}
	s.log.WithField("story_id", created.ID).
		WithField("character_id", c.ID).
		Info("story created")
	return created, nil
}

// Get returns a story visible to viewer.
func (s *Service) Get(ctx context.Context, viewer *identity.User, id string) (story.Story, error) {
	st, err := s.store.GetStory(ctx, id)
	if err != nil {
		return story.Story{}, err
	}
	if st.IsPrivate && !services.CanModify(viewer, st.Creator) {
		return story.Story{}, fmt.Errorf("story %s: %w", id, storage.ErrNotFound)
	}
	return st, nil
}

// Update edits a story owned by the caller.
func (s *Service) Update(ctx context.Context, user *identity.User, id string, in Input) (story.Story, error) {
	if err := services.RequireUser(user); err != nil {
		return story.Story{}, err
	}
	st, err := s.Get(ctx, user, id)
	if err != nil {
		return story.Story{}, err
	}
	if !services.CanModify(user, st.Creator) {
		return story.Story{}, services.ErrForbidden
	}
	if in.CharacterID != nil && *in.CharacterID != st.CharacterID {
		return story.Story{}, services.Invalid("character_id", "cannot be changed")
	}
	if err := apply(&st, in); err != nil {
		return story.Story{}, err
	}
	return s.store.UpdateStory(ctx, st)
}

// Delete removes a story owned by the caller.
func (s *Service) Delete(ctx context.Context, user *identity.User, id string) error {
	if err := services.RequireUser(user); err != nil {
		return err
	}
	st, err := s.Get(ctx, user, id)
	if err != nil {
		return err
	}
	if !services.CanModify(user, st.Creator) {
		return services.ErrForbidden
	}
	return s.store.DeleteStory(ctx, id)
}

// List returns visible stories, optionally for one character.
func (s *Service) List(ctx context.Context, viewer *identity.User, opts storage.ListOptions) ([]story.Story, error) {
	opts.Viewer = services.ViewerID(viewer)
	opts.IncludePrivate = false
	return s.store.ListStories(ctx, opts.Normalize())
}

func apply(st *story.Story, in Input) error {
	text := []struct {
		field    string
		src      *string
		dst      *string
		max      int
		required bool
	}{
		{"title", in.Title, &st.Title, 150, true},
		{"description", in.Description, &st.Description, 1000, false},
		{"story_intro", in.StoryIntro, &st.StoryIntro, 8000, false},
		{"first_message", in.FirstMessage, &st.FirstMessage, 4000, false},
		{"image_url", in.ImageURL, &st.ImageURL, 2048, false},
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
	if in.IsPrivate != nil {
		st.IsPrivate = *in.IsPrivate
	}
	return nil
}
