package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charachat/charachat/internal/app/services/characters"
	"github.com/charachat/charachat/internal/app/services/chats"
	"github.com/charachat/charachat/internal/app/services/generation"
	"github.com/charachat/charachat/internal/app/services/migration"
	"github.com/charachat/charachat/internal/app/services/pages"
	"github.com/charachat/charachat/internal/app/services/personas"
	"github.com/charachat/charachat/internal/app/services/profiles"
	"github.com/charachat/charachat/internal/app/services/stories"
	"github.com/charachat/charachat/internal/app/services/taxonomy"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/app/system"
	"github.com/charachat/charachat/internal/cache"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/jobs"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

// Provider is the generative backend: chat, image, speech and upload.
type Provider interface {
	chats.Generator
	generation.Generator
	Models() *providers.Registry
}

// Stores encapsulates persistence dependencies. A nil Data store defaults
// to the in-memory implementation and a nil Cache to the in-memory cache.
type Stores struct {
	Data  storage.Store
	Cache cache.Cache
}

// Options override the collaborators New would otherwise build from
// configuration.
type Options struct {
	Stores   Stores
	Provider Provider
	Verifier identity.Verifier
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	closers []func() error

	Config   *config.Config
	Store    storage.Store
	Models   *providers.Registry
	Verifier identity.Verifier

	Characters *characters.Service
	Personas   *personas.Service
	Stories    *stories.Service
	Profiles   *profiles.Service
	Chats      *chats.Service
	Generation *generation.Service
	Taxonomy   *taxonomy.Service
	Migration  *migration.Service
	Pages      *pages.Service
	Scheduler  *jobs.Scheduler
}

// New builds a fully initialised application.
func New(cfg *config.Config, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	store := opts.Stores.Data
	if store == nil {
		store = memory.New()
	}
	c := opts.Stores.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	provider := opts.Provider
	if provider == nil {
		gw, err := providers.NewGateway(
			providers.ConfigFromSettings(cfg.Providers),
			&http.Client{Timeout: cfg.Providers.Timeout},
			log.Named("providers"),
		)
		if err != nil {
			return nil, fmt.Errorf("build provider gateway: %w", err)
		}
		provider = gw
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = identity.NewJWTVerifier(cfg.Auth.JWTSecret, "")
	}

	charSvc := characters.New(store, c, log.Named("characters")).
		WithTrending(cfg.Jobs.TrendingSize, cfg.Cache.TTL)
	profileSvc := profiles.New(store, cfg.Encryption.Salt, cfg.Encryption.Iterations, log.Named("profiles"))
	personaSvc := personas.New(store, log.Named("personas"))
	storySvc := stories.New(store, store, log.Named("stories"))
	taxonomySvc := taxonomy.New(store, log.Named("taxonomy"))
	chatSvc := chats.New(chats.Stores{
		Chats:      store,
		Legacy:     store,
		Characters: store,
		Personas:   store,
		Stories:    store,
	}, provider, log.Named("chats"))
	genSvc := generation.New(provider, store, log.Named("generation"))
	legacy := identity.NewLegacyVerifier(cfg.Auth.LegacyJWTSecret, cfg.Auth.LegacyIssuer)
	migrationSvc := migration.New(store, store, legacy, log.Named("migration"))
	pageSvc := pages.New(pages.Services{
		Characters: charSvc,
		Stories:    storySvc,
		Personas:   personaSvc,
		Profiles:   profileSvc,
		Chats:      chatSvc,
		Taxonomy:   taxonomySvc,
	}, log.Named("pages"))

	manager := system.NewManager()
	scheduler := jobs.NewScheduler(0, log.Named("jobs"))
	if spec := cfg.Jobs.TrendingSchedule; spec != "" {
		if err := scheduler.Add(spec, jobs.NewTrendingRefresher(charSvc)); err != nil {
			return nil, err
		}
	} else {
		log.Warn("trending schedule not set; trending list refreshes on cache expiry only")
	}
	if err := manager.Register(scheduler); err != nil {
		return nil, fmt.Errorf("register %s: %w", scheduler.Name(), err)
	}

	return &Application{
		manager:    manager,
		log:        log,
		Config:     cfg,
		Store:      store,
		Models:     provider.Models(),
		Verifier:   verifier,
		Characters: charSvc,
		Personas:   personaSvc,
		Stories:    storySvc,
		Profiles:   profileSvc,
		Chats:      chatSvc,
		Generation: genSvc,
		Taxonomy:   taxonomySvc,
		Migration:  migrationSvc,
		Pages:      pageSvc,
		Scheduler:  scheduler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the names of registered lifecycle services.
func (a *Application) Services() []string {
	return a.manager.Names()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// OnClose registers fn to run during Close, in reverse registration order.
func (a *Application) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases connections opened by Open.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
