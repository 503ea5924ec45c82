package taxonomy

import (
	"context"
	"strings"

	"github.com/charachat/charachat/internal/app/domain/taxonomy"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

// Service exposes categories and tags. Writes are admin-only.
type Service struct {
	store storage.TaxonomyStore
	log   *logger.Logger
}

// New constructs a taxonomy service.
func New(store storage.TaxonomyStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("taxonomy")
	}
	return &Service{store: store, log: log}
}

func (s *Service) Categories(ctx context.Context) ([]taxonomy.Category, error) {
	return s.store.ListCategories(ctx)
}

func (s *Service) Tags(ctx context.Context) ([]taxonomy.Tag, error) {
	return s.store.ListTags(ctx)
}

// CreateCategory adds a category.
func (s *Service) CreateCategory(ctx context.Context, user *identity.User, title, description string) (taxonomy.Category, error) {
	if err := requireAdmin(user); err != nil {
		return taxonomy.Category{}, err
	}
	title, err := services.CheckText("title", title, 60, true)
	if err != nil {
		return taxonomy.Category{}, err
	}
	description, err = services.CheckText("description", description, 300, false)
	if err != nil {
		return taxonomy.Category{}, err
	}
	c, err := s.store.CreateCategory(ctx, taxonomy.Category{Title: title, Description: description})
	if err != nil {
		return taxonomy.Category{}, err
	}
	s.log.WithField("category_id", c.ID).WithField("title", title).Info("category created")
	return c, nil
}

// CreateTag adds a lowercase tag.
func (s *Service) CreateTag(ctx context.Context, user *identity.User, name string) (taxonomy.Tag, error) {
	if err := requireAdmin(user); err != nil {
		return taxonomy.Tag{}, err
	}
	name, err := services.CheckText("name", strings.ToLower(name), 32, true)
	if err != nil {
		return taxonomy.Tag{}, err
	}
	return s.store.CreateTag(ctx, taxonomy.Tag{Name: name})
}

func requireAdmin(user *identity.User) error {
	if err := services.RequireUser(user); err != nil {
		return err
	}
	if !user.Admin {
		return services.ErrForbidden
	}
	return nil
}
