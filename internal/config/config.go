// Package config loads Charachat configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when no explicit config file is given.
const DefaultPath = "config/charachat.yaml"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Auth       AuthConfig       `yaml:"auth"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Jobs       JobsConfig       `yaml:"jobs"`
	CORS       CORSConfig       `yaml:"cors"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"CHARACHAT_HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CHARACHAT_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CHARACHAT_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CHARACHAT_SHUTDOWN_TIMEOUT"`
	PublicURL       string        `yaml:"public_url" env:"CHARACHAT_PUBLIC_URL"`
	// AuditLogPath appends audit entries as JSON lines when set.
	AuditLogPath string `yaml:"audit_log_path" env:"CHARACHAT_AUDIT_LOG"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url" env:"SUPABASE_URL"`
	AnonKey    string `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	ServiceKey string `yaml:"service_key" env:"SUPABASE_SERVICE_KEY"`
	// Retries is how often a request failing with 429/502/503/504 or a
	// network timeout is retried.
	Retries          int           `yaml:"retries" env:"SUPABASE_RETRIES"`
	BreakerThreshold int           `yaml:"breaker_threshold" env:"SUPABASE_BREAKER_THRESHOLD"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" env:"SUPABASE_BREAKER_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret" env:"SUPABASE_JWT_SECRET"`
	LegacyJWTSecret string `yaml:"legacy_jwt_secret" env:"LEGACY_JWT_SECRET"`
	LegacyIssuer    string `yaml:"legacy_issuer" env:"LEGACY_JWT_ISSUER"`
	AdminUserIDs    string `yaml:"admin_user_ids" env:"ADMIN_USER_IDS"`
	// RemoteVerify falls back to the identity provider's user endpoint when
	// local verification fails.
	RemoteVerify bool `yaml:"remote_verify" env:"AUTH_REMOTE_VERIFY"`
}

// Admins returns the admin allow-list as a set.
func (a AuthConfig) Admins() map[string]struct{} {
	return ParseCSVSet(a.AdminUserIDs)
}

type EncryptionConfig struct {
	Salt         string        `yaml:"salt" env:"ENCRYPTION_SALT"`
	Iterations   int           `yaml:"iterations" env:"ENCRYPTION_ITERATIONS"`
	CookieName   string        `yaml:"cookie_name" env:"ENCRYPTION_COOKIE_NAME"`
	CookieMaxAge time.Duration `yaml:"cookie_max_age" env:"ENCRYPTION_COOKIE_MAX_AGE"`
	CookieSecure bool          `yaml:"cookie_secure" env:"ENCRYPTION_COOKIE_SECURE"`
}

// ModelConfig maps a public model name to a provider and upstream model id.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // chat, image, audio
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// OutputPath is a JSONPath applied to the provider response to locate
	// the generated asset.
	OutputPath string `yaml:"output_path"`
	Default    bool   `yaml:"default"`
}

type ProvidersConfig struct {
	OpenAIKey      string        `yaml:"openai_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	MistralKey     string        `yaml:"mistral_key" env:"MISTRAL_API_KEY"`
	MistralBaseURL string        `yaml:"mistral_base_url" env:"MISTRAL_BASE_URL"`
	ReplicateKey   string        `yaml:"replicate_key" env:"REPLICATE_API_TOKEN"`
	ReplicateURL   string        `yaml:"replicate_base_url" env:"REPLICATE_BASE_URL"`
	FalKey         string        `yaml:"fal_key" env:"FAL_KEY"`
	FalURL         string        `yaml:"fal_base_url" env:"FAL_BASE_URL"`
	ImgurClientID  string        `yaml:"imgur_client_id" env:"IMGUR_CLIENT_ID"`
	ImgurURL       string        `yaml:"imgur_base_url" env:"IMGUR_BASE_URL"`
	Timeout        time.Duration `yaml:"timeout" env:"PROVIDER_TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"PROVIDER_MAX_ATTEMPTS"`
	PollTimeout    time.Duration `yaml:"poll_timeout" env:"PROVIDER_POLL_TIMEOUT"`
	Models         []ModelConfig `yaml:"models"`
}

type CacheConfig struct {
	Driver    string        `yaml:"driver" env:"CACHE_DRIVER"`
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db" env:"REDIS_DB"`
	Password  string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	TTL       time.Duration `yaml:"ttl" env:"CACHE_TTL"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

type JobsConfig struct {
	TrendingSchedule string `yaml:"trending_schedule" env:"TRENDING_SCHEDULE"`
	TrendingSize     int    `yaml:"trending_size" env:"TRENDING_SIZE"`
}

type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: DriverMemory, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute},
		Supabase: SupabaseConfig{Retries: 3, BreakerThreshold: 5, BreakerTimeout: 30 * time.Second},
		Encryption: EncryptionConfig{
			Iterations:   100000,
			CookieName:   "charachat_key",
			CookieMaxAge: 7 * 24 * time.Hour,
			CookieSecure: true,
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:  "https://api.openai.com/v1",
			MistralBaseURL: "https://api.mistral.ai/v1",
			ReplicateURL:   "https://api.replicate.com/v1",
			FalURL:         "https://fal.run",
			ImgurURL:       "https://api.imgur.com/3",
			Timeout:        90 * time.Second,
			MaxAttempts:    3,
			PollTimeout:    2 * time.Minute,
			Models:         DefaultModels(),
		},
		Cache:     CacheConfig{Driver: "memory", TTL: 15 * time.Minute},
		RateLimit: RateLimitConfig{RequestsPerSecond: 2, Burst: 5},
		Jobs:      JobsConfig{TrendingSchedule: "@every 15m", TrendingSize: 24},
		CORS:      CORSConfig{AllowedOrigins: "http://localhost:3000"},
	}
}

// DefaultModels is the model catalogue used when the config file has none.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Name: "gpt-4o-mini", Kind: "chat", Provider: "openai", Model: "gpt-4o-mini", Default: true},
		{Name: "gpt-4o", Kind: "chat", Provider: "openai", Model: "gpt-4o"},
		{Name: "mistral-large", Kind: "chat", Provider: "mistral", Model: "mistral-large-latest"},
		{Name: "open-mixtral-8x22b", Kind: "chat", Provider: "mistral", Model: "open-mixtral-8x22b"},
		{Name: "flux-schnell", Kind: "image", Provider: "replicate", Model: "black-forest-labs/flux-schnell", OutputPath: "$.output[0]", Default: true},
		{Name: "fal-flux", Kind: "image", Provider: "fal", Model: "fal-ai/flux/schnell", OutputPath: "$.images[0].url"},
		{Name: "dall-e-3", Kind: "image", Provider: "openai", Model: "dall-e-3", OutputPath: "$.data[0].url"},
		{Name: "tts-1", Kind: "audio", Provider: "openai", Model: "tts-1", Default: true},
		{Name: "xtts-v2", Kind: "audio", Provider: "replicate", Model: "lucataco/xtts-v2", OutputPath: "$.output"},
	}
}

// Load builds configuration from the optional file at path, the optional
// .env file and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Providers.Models) == 0 {
		cfg.Providers.Models = DefaultModels()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase.url and supabase.service_key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Supabase.Retries < 0 {
		return fmt.Errorf("supabase.retries must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Encryption.Iterations < 10000 {
		return fmt.Errorf("encryption.iterations must be at least 10000")
	}
	if c.Cache.Driver == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis cache")
	}

	seen := make(map[string]struct{}, len(c.Providers.Models))
	for _, m := range c.Providers.Models {
		if m.Name == "" || m.Provider == "" || m.Model == "" {
			return fmt.Errorf("model entries need name, provider and model")
		}
		switch m.Kind {
		case "chat", "image", "audio":
		default:
			return fmt.Errorf("model %s: unknown kind %q", m.Name, m.Kind)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("model %s declared twice", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseCSVSet splits a comma-separated list into a set, dropping blanks.
func ParseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	return out
}

// ParseCSV splits a comma-separated list preserving order.
func ParseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
