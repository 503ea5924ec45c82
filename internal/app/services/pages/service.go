// Package pages aggregates the data each client page needs in one call.
package pages

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/app/domain/taxonomy"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/services/characters"
	"github.com/charachat/charachat/internal/app/services/chats"
	"github.com/charachat/charachat/internal/app/services/personas"
	"github.com/charachat/charachat/internal/app/services/profiles"
	"github.com/charachat/charachat/internal/app/services/stories"
	taxsvc "github.com/charachat/charachat/internal/app/services/taxonomy"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

const recentChats = 6

// Home is the explore page.
type Home struct {
	Categories  []taxonomy.Category   `json:"categories"`
	Trending    []character.Character `json:"trending"`
	Newest      []character.Character `json:"newest"`
	RecentChats []chat.Chat           `json:"recent_chats,omitempty"`
}

// HomeOptions narrow the newest list.
type HomeOptions struct {
	CategoryID string
	Tag        string
	Search     string
	Limit      int
	Offset     int
}

// CharacterPage shows one character with its stories and creator.
type CharacterPage struct {
	Character character.Character `json:"character"`
	Stories   []story.Story       `json:"stories"`
	Owner     *profiles.View      `json:"owner,omitempty"`
}

// ChatPage is everything the chat screen renders.
type ChatPage struct {
	Chat      chat.Chat              `json:"chat"`
	History   []chats.HistoryMessage `json:"history"`
	Character character.Character    `json:"character"`
	Persona   *persona.Persona       `json:"persona,omitempty"`
	Story     *story.Story           `json:"story,omitempty"`
}

// ProfilePage is a user's public page.
type ProfilePage struct {
	Profile    profiles.View         `json:"profile"`
	Characters []character.Character `json:"characters"`
	Personas   []persona.Persona     `json:"personas"`
}

// Services are the services pages read from.
type Services struct {
	Characters *characters.Service
	Stories    *stories.Service
	Personas   *personas.Service
	Profiles   *profiles.Service
	Chats      *chats.Service
	Taxonomy   *taxsvc.Service
}

// Service builds page data.
type Service struct {
	svc Services
	log *logger.Logger
}

// New constructs a page service.
func New(svc Services, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pages")
	}
	return &Service{svc: svc, log: log}
}

// Home loads the explore page. The lists are fetched concurrently; recent
// chats are only included for signed-in viewers.
func (s *Service) Home(ctx context.Context, viewer *identity.User, opts HomeOptions) (*Home, error) {
	page := &Home{}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var err error
		page.Categories, err = s.svc.Taxonomy.Categories(egCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		page.Trending, err = s.svc.Characters.Trending(egCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		page.Newest, err = s.svc.Characters.List(egCtx, viewer, storage.ListOptions{
			CategoryID: opts.CategoryID,
			Tag:        opts.Tag,
			Search:     opts.Search,
			Sort:       storage.SortNew,
			Limit:      opts.Limit,
			Offset:     opts.Offset,
		})
		return err
	})
	if viewer != nil {
		eg.Go(func() error {
			var err error
			page.RecentChats, err = s.svc.Chats.List(egCtx, viewer, recentChats)
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// Character loads a character page.
func (s *Service) Character(ctx context.Context, viewer *identity.User, id string) (*CharacterPage, error) {
	c, err := s.svc.Characters.Get(ctx, viewer, id)
	if err != nil {
		return nil, err
	}

	page := &CharacterPage{Character: c}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		page.Stories, err = s.svc.Stories.List(egCtx, viewer, storage.ListOptions{CharacterID: c.ID, Limit: storage.MaxLimit})
		return err
	})
	eg.Go(func() error {
		owner, err := s.svc.Profiles.Public(egCtx, c.Owner)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		page.Owner = &owner
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// Chat loads the chat screen. key decrypts legacy messages when set.
func (s *Service) Chat(ctx context.Context, user *identity.User, id string, key []byte) (*ChatPage, error) {
	if err := services.RequireUser(user); err != nil {
		return nil, err
	}
	c, err := s.svc.Chats.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	page := &ChatPage{Chat: c}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		page.History, err = s.svc.Chats.History(egCtx, user, id, key)
		return err
	})
	eg.Go(func() error {
		scene, err := s.svc.Chats.Scene(egCtx, user, c)
		if err != nil {
			return err
		}
		page.Character = scene.Character.Public(user.ID)
		page.Persona = scene.Persona
		page.Story = scene.Story
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// Profile loads a user's public page. The viewer's own private characters
// and personas are included when they view themselves.
func (s *Service) Profile(ctx context.Context, viewer *identity.User, username string) (*ProfilePage, error) {
	p, err := s.svc.Profiles.ByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	page := &ProfilePage{Profile: p}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		page.Characters, err = s.svc.Characters.List(egCtx, viewer, storage.ListOptions{Owner: p.UserID, Limit: storage.MaxLimit})
		return err
	})
	eg.Go(func() error {
		var err error
		page.Personas, err = s.svc.Personas.List(egCtx, viewer, storage.ListOptions{Owner: p.UserID, Limit: storage.MaxLimit})
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}
