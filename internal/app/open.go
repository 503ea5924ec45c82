package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/app/storage/postgres"
	"github.com/charachat/charachat/internal/app/storage/supabase"
	"github.com/charachat/charachat/internal/cache"
	"github.com/charachat/charachat/internal/config"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
	"github.com/charachat/charachat/supabase/client"
)

// Open connects the storage backend and cache named in cfg and builds the
// application on top of them.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	var closers []func() error
	fail := func(err error) (*Application, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	var opts Options
	// sb talks to PostgREST with the service key; auth verifies user tokens
	// with the anon key when one is configured.
	var sb, auth *client.Client
	if cfg.Supabase.URL != "" {
		key := cfg.Supabase.ServiceKey
		if key == "" {
			key = cfg.Supabase.AnonKey
		}
		c, err := SupabaseClient(cfg.Supabase, key, log.Named("supabase"))
		if err != nil {
			return fail(fmt.Errorf("supabase client: %w", err))
		}
		sb, auth = c, c
		if cfg.Supabase.AnonKey != "" && cfg.Supabase.AnonKey != key {
			if auth, err = SupabaseClient(cfg.Supabase, cfg.Supabase.AnonKey, log.Named("supabase-auth")); err != nil {
				return fail(fmt.Errorf("supabase auth client: %w", err))
			}
		}
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		opts.Stores.Data = postgres.New(db)
	case config.DriverSupabase:
		if sb == nil {
			return fail(fmt.Errorf("supabase driver requires supabase.url"))
		}
		opts.Stores.Data = supabase.New(sb)
	default:
		log.Warn("using in-memory storage; data is lost on restart")
		opts.Stores.Data = memory.New()
	}

	if cfg.Cache.Driver == "redis" {
		r, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, r.Close)
		opts.Stores.Cache = r
	}

	opts.Verifier = Verifier(cfg.Auth, auth)

	application, err := New(cfg, opts, log)
	if err != nil {
		return fail(err)
	}
	application.closers = closers
	return application, nil
}

// SupabaseClient builds a client whose transport retries transient upstream
// failures and trips a circuit breaker after repeated ones.
func SupabaseClient(cfg config.SupabaseConfig, key string, log *logger.Logger) (*client.Client, error) {
	res := client.DefaultResilienceConfig()
	res.Retry.MaxRetries = cfg.Retries
	if cfg.BreakerThreshold > 0 {
		res.Breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerTimeout > 0 {
		res.Breaker.Timeout = cfg.BreakerTimeout
	}
	res.Breaker.OnStateChange = func(from, to client.CircuitState) {
		entry := log.WithField("from", from.String()).WithField("to", to.String())
		if to == client.CircuitOpen {
			entry.Warn("supabase circuit opened")
			return
		}
		entry.Info("supabase circuit state changed")
	}
	return client.New(client.Config{URL: cfg.URL, APIKey: key, Resilience: &res})
}

// OpenDB opens and pings the postgres pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Verifier builds the token verifier chain: the local JWT check first, then
// the identity provider when remote verification is on.
func Verifier(cfg config.AuthConfig, sb *client.Client) identity.Verifier {
	var chain identity.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, identity.NewJWTVerifier(cfg.JWTSecret, ""))
	}
	if cfg.RemoteVerify && sb != nil {
		chain = append(chain, identity.NewRemoteVerifier(sb))
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}
