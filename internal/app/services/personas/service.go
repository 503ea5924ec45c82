package personas

import (
	"context"
	"fmt"

	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

// Input carries writable persona fields; nil pointers are left untouched.
type Input struct {
	FullName  *string `json:"full_name"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatar_url"`
	IsPrivate *bool   `json:"is_private"`
}

// Service manages personas.
type Service struct {
	store storage.PersonaStore
	log   *logger.Logger
}

// New constructs a persona service.
func New(store storage.PersonaStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("personas")
	}
	return &Service{store: store, log: log}
}

// Create stores a persona for the caller.
func (s *Service) Create(ctx context.Context, user *identity.User, in Input) (persona.Persona, error) {
	if err := services.RequireUser(user); err != nil {
		return persona.Persona{}, err
	}
	p := persona.Persona{Creator: user.ID}
	if err := apply(&p, in); err != nil {
		return persona.Persona{}, err
	}
	if p.FullName == "" {
		return persona.Persona{}, services.Invalid("full_name", "is required")
	}
	created, err := s.store.CreatePersona(ctx, p)
	if err != nil {
		return persona.Persona{}, err
	}
	s.log.WithField("persona_id", created.ID).Info("persona created")
	return created, nil
}

// Get returns a persona visible to viewer.
func (s *Service) Get(ctx context.Context, viewer *identity.User, id string) (persona.Persona, error) {
	p, err := s.store.GetPersona(ctx, id)
	if err != nil {
		return persona.Persona{}, err
	}
	if p.IsPrivate && !services.CanModify(viewer, p.Creator) {
		return persona.Persona{}, fmt.Errorf("persona %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

// Update edits a persona owned by the caller.
func (s *Service) Update(ctx context.Context, user *identity.User, id string, in Input) (persona.Persona, error) {
	if err := services.RequireUser(user); err != nil {
		return persona.Persona{}, err
	}
	p, err := s.Get(ctx, user, id)
	if err != nil {
		return persona.Persona{}, err
	}
	if !services.CanModify(user, p.Creator) {
		return persona.Persona{}, services.ErrForbidden
	}
	if err := apply(&p, in); err != nil {
		return persona.Persona{}, err
	}
	if p.FullName == "" {
		return persona.Persona{}, services.Invalid("full_name", "is required")
	}
	return s.store.UpdatePersona(ctx, p)
}

// Delete removes a persona owned by the caller.
func (s *Service) Delete(ctx context.Context, user *identity.User, id string) error {
	if err := services.RequireUser(user); err != nil {
		return err
	}
	p, err := s.Get(ctx, user, id)
	if err != nil {
		return err
	}
	if !services.CanModify(user, p.Creator) {
		return services.ErrForbidden
	}
	return s.store.DeletePersona(ctx, id)
}

// List returns public personas plus the viewer's private ones.
func (s *Service) List(ctx context.Context, viewer *identity.User, opts storage.ListOptions) ([]persona.Persona, error) {
	opts.Viewer = services.ViewerID(viewer)
	opts.IncludePrivate = false
	return s.store.ListPersonas(ctx, opts.Normalize())
}

func apply(p *persona.Persona, in Input) error {
	var err error
	if in.FullName != nil {
		if p.FullName, err = services.CheckText("full_name", *in.FullName, 100, true); err != nil {
			return err
		}
	}
	if in.Bio != nil {
		if p.Bio, err = services.CheckText("bio", *in.Bio, 2000, false); err != nil {
			return err
		}
	}
	if in.AvatarURL != nil {
		if p.AvatarURL, err = services.CheckText("avatar_url", *in.AvatarURL, 2048, false); err != nil {
			return err
		}
	}
	if in.IsPrivate != nil {
		p.IsPrivate = *in.IsPrivate
	}
	return nil
}
