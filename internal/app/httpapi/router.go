package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/charachat/charachat/internal/app"
	"github.com/charachat/charachat/internal/app/metrics"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/internal/encryption"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/jobs"
	"github.com/charachat/charachat/internal/middleware"
	"github.com/charachat/charachat/pkg/logger"
)

const limiterIdle = 10 * time.Minute

// NewHandler returns the full HTTP surface: the JSON API, health and
// metrics, wrapped in tracing, CORS and authentication.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	cfg := application.Config
	cors := middleware.NewCORSMiddleware(config.ParseCSV(cfg.CORS.AllowedOrigins))

	h := &handler{
		app: application,
		log: log,
		cookie: encryption.CookieOptions{
			Name:   cfg.Encryption.CookieName,
			MaxAge: cfg.Encryption.CookieMaxAge,
			Secure: cfg.Encryption.CookieSecure,
		},
		originAllowed: cors.Allowed,
	}
	var sink auditSink
	if path := cfg.Server.AuditLogPath; path != "" {
		fs, err := newFileAuditSink(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("audit file disabled")
		} else {
			application.OnClose(fs.Close)
			sink = fs
		}
	}
	h.audit = newAuditLog(500, sink, log.Named("audit"))
	limiter := middleware.NewRateLimiter(float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, log.Named("ratelimit"))
	h.limiter = limiter
	cleanup := jobs.JobFunc{JobName: "ratelimit-cleanup", Fn: func(context.Context) error {
		limiter.Cleanup(limiterIdle)
		return nil
	}}
	if err := application.Scheduler.Add("@every 5m", cleanup); err != nil {
		log.WithError(err).Warn("rate limiter cleanup not scheduled")
	}

	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.audit.middleware)
	signedIn := func(fn http.HandlerFunc) http.Handler { return identity.RequireUser(fn) }

	api.HandleFunc("/characters", h.listCharacters).Methods(http.MethodGet)
	api.HandleFunc("/characters", h.createCharacter).Methods(http.MethodPost)
	api.HandleFunc("/characters/{id}", h.getCharacter).Methods(http.MethodGet)
	api.HandleFunc("/characters/{id}", h.updateCharacter).Methods(http.MethodPatch)
	api.HandleFunc("/characters/{id}", h.deleteCharacter).Methods(http.MethodDelete)
	api.HandleFunc("/characters/{id}/stories", h.characterStories).Methods(http.MethodGet)

	api.HandleFunc("/personas", h.listPersonas).Methods(http.MethodGet)
	api.HandleFunc("/personas", h.createPersona).Methods(http.MethodPost)
	api.HandleFunc("/personas/{id}", h.getPersona).Methods(http.MethodGet)
	api.HandleFunc("/personas/{id}", h.updatePersona).Methods(http.MethodPatch)
	api.HandleFunc("/personas/{id}", h.deletePersona).Methods(http.MethodDelete)

	api.HandleFunc("/stories", h.listStories).Methods(http.MethodGet)
	api.HandleFunc("/stories", h.createStory).Methods(http.MethodPost)
	api.HandleFunc("/stories/{id}", h.getStory).Methods(http.MethodGet)
	api.HandleFunc("/stories/{id}", h.updateStory).Methods(http.MethodPatch)
	api.HandleFunc("/stories/{id}", h.deleteStory).Methods(http.MethodDelete)

	api.Handle("/chats", signedIn(h.listChats)).Methods(http.MethodGet)
	api.Handle("/chats", signedIn(h.createChat)).Methods(http.MethodPost)
	api.Handle("/chats/{id}", signedIn(h.getChat)).Methods(http.MethodGet)
	api.Handle("/chats/{id}", signedIn(h.deleteChat)).Methods(http.MethodDelete)
	api.Handle("/chats/{id}/messages", signedIn(h.sendMessage)).Methods(http.MethodPost)
	api.Handle("/chats/{id}/messages/{mid}", signedIn(h.deleteMessage)).Methods(http.MethodDelete)
	api.Handle("/chats/{id}/reset", signedIn(h.resetChat)).Methods(http.MethodPost)
	api.Handle("/chats/{id}/stream", signedIn(h.streamChat)).Methods(http.MethodGet)

	api.Handle("/profile", signedIn(h.getOwnProfile)).Methods(http.MethodGet)
	api.Handle("/profile", signedIn(h.updateOwnProfile)).Methods(http.MethodPatch)
	api.Handle("/profile/keys/{provider}", signedIn(h.setAPIKey)).Methods(http.MethodPut)
	api.Handle("/profile/keys/{provider}", signedIn(h.deleteAPIKey)).Methods(http.MethodDelete)
	api.Handle("/profile/unlock", signedIn(h.unlock)).Methods(http.MethodPost)
	api.Handle("/profile/lock", signedIn(h.lock)).Methods(http.MethodPost)
	api.HandleFunc("/profiles/{username}", h.getProfile).Methods(http.MethodGet)

	api.HandleFunc("/categories", h.listCategories).Methods(http.MethodGet)
	api.HandleFunc("/categories", h.createCategory).Methods(http.MethodPost)
	api.HandleFunc("/tags", h.listTags).Methods(http.MethodGet)
	api.HandleFunc("/tags", h.createTag).Methods(http.MethodPost)
	api.HandleFunc("/models", h.listModels).Methods(http.MethodGet)

	api.Handle("/generate/image", limiter.Handler(http.HandlerFunc(h.generateImage))).Methods(http.MethodPost)
	api.Handle("/generate/speech", limiter.Handler(http.HandlerFunc(h.generateSpeech))).Methods(http.MethodPost)
	api.Handle("/upload", limiter.Handler(http.HandlerFunc(h.upload))).Methods(http.MethodPost)

	api.Handle("/migrate", signedIn(h.migrate)).Methods(http.MethodPost)
	api.Handle("/admin/audit", signedIn(h.listAudit)).Methods(http.MethodGet)

	api.HandleFunc("/pages/home", h.homePage).Methods(http.MethodGet)
	api.HandleFunc("/pages/characters/{id}", h.characterPage).Methods(http.MethodGet)
	api.Handle("/pages/chats/{id}", signedIn(h.chatPage)).Methods(http.MethodGet)
	api.HandleFunc("/pages/profiles/{username}", h.profilePage).Methods(http.MethodGet)

	auth := identity.NewAuthenticator(application.Verifier, cfg.Auth.Admins(), log.Named("identity"))
	tracing := middleware.NewTracingMiddleware(log.Named("http"))
	return tracing.Handler(cors.Handler(auth.Middleware(r)))
}
