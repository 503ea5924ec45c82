package profiles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/encryption"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

// KeyProviders are the providers a user may store an API key for.
var KeyProviders = []string{providers.OpenAI, providers.Mistral, providers.Replicate, providers.Fal}

// View is the outward shape of a profile. Encrypted values never appear in
// it; they are either decrypted or omitted.
type View struct {
	UserID       string     `json:"user_id"`
	Username     string     `json:"username"`
	AvatarURL    string     `json:"avatar_url"`
	Bio          string     `json:"bio"`
	FullName     string     `json:"full_name,omitempty"`
	Location     string     `json:"location,omitempty"`
	KeyProviders []string   `json:"key_providers,omitempty"`
	Encrypted    bool       `json:"encrypted"`
	Unlocked     bool       `json:"unlocked,omitempty"`
	MigratedAt   *time.Time `json:"migrated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Patch carries editable profile fields; nil pointers are left untouched.
type Patch struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio"`
	FullName  *string `json:"full_name"`
	Location  *string `json:"location"`
}

// Session is the caller's profile plus the session key, when that key
// unlocks the profile.
type Session struct {
	Profile profile.Profile
	Key     []byte
}

// Unlocked reports whether encrypted values can be read.
func (s Session) Unlocked() bool {
	return len(s.Key) > 0
}

// Service manages profiles and their encrypted fields.
type Service struct {
	store      storage.ProfileStore
	salt       string
	iterations int
	log        *logger.Logger
}

// New constructs a profile service. salt is the deployment-wide PBKDF2 salt
// prefix.
func New(store storage.ProfileStore, salt string, iterations int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("profiles")
	}
	if iterations <= 0 {
		iterations = encryption.DefaultIterations
	}
	return &Service{store: store, salt: salt, iterations: iterations, log: log}
}

// EnsureProfile returns the caller's profile, creating an empty one on first
// login.
func (s *Service) EnsureProfile(ctx context.Context, user *identity.User) (profile.Profile, error) {
	if err := services.RequireUser(user); err != nil {
		return profile.Profile{}, err
	}
	p, err := s.store.GetProfile(ctx, user.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return profile.Profile{}, err
	}

	p, err = s.store.CreateProfile(ctx, profile.Profile{UserID: user.ID})
	if errors.Is(err, storage.ErrConflict) {
		return s.store.GetProfile(ctx, user.ID)
	}
	if err != nil {
		return profile.Profile{}, err
	}
	s.log.WithField("user_id", user.ID).Info("profile created")
	return p, nil
}

// Public returns the public view of a user's profile.
func (s *Service) Public(ctx context.Context, userID string) (View, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return View{}, err
	}
	return publicView(p), nil
}

// ByUsername returns the public view of the profile with username.
func (s *Service) ByUsername(ctx context.Context, username string) (View, error) {
	p, err := s.store.GetProfileByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return View{}, err
	}
	return publicView(p), nil
}

// Session loads the caller's profile and keeps key only if it passes the
// profile's key check.
func (s *Service) Session(ctx context.Context, user *identity.User, key []byte) (Session, error) {
	p, err := s.EnsureProfile(ctx, user)
	if err != nil {
		return Session{}, err
	}
	sess := Session{Profile: p}
	if len(key) > 0 && p.HasEncryption() && encryption.VerifyKeyCheck(key, p.KeyCheck) {
		sess.Key = key
	}
	return sess, nil
}

// Self returns the caller's own view, decrypting what the session allows.
func (s *Service) Self(sess Session) View {
	v := publicView(sess.Profile)
	v.FullName = s.reveal(sess, sess.Profile.FullName)
	v.Location = s.reveal(sess, sess.Profile.Location)
	v.KeyProviders = providerNames(sess.Profile.APIKeys)
	v.Unlocked = sess.Unlocked()
	return v
}

// Update edits the caller's profile. Private fields of an encrypted profile
// need an unlocked session.
func (s *Service) Update(ctx context.Context, sess Session, patch Patch) (View, error) {
	p := sess.Profile
	var err error

	if patch.Username != nil {
		name := strings.TrimSpace(*patch.Username)
		if !usernamePattern.MatchString(name) {
			return View{}, services.Invalid("username", "must be 3-30 letters, digits or underscores")
		}
		p.Username = name
	}
	if patch.AvatarURL != nil {
		if p.AvatarURL, err = services.CheckText("avatar_url", *patch.AvatarURL, 2048, false); err != nil {
			return View{}, err
		}
	}
	if patch.Bio != nil {
		if p.Bio, err = services.CheckText("bio", *patch.Bio, 1000, false); err != nil {
			return View{}, err
		}
	}
	if patch.FullName != nil {
		if p.FullName, err = s.private(sess, "full_name", *patch.FullName, 100); err != nil {
			return View{}, err
		}
	}
	if patch.Location != nil {
		if p.Location, err = s.private(sess, "location", *patch.Location, 100); err != nil {
			return View{}, err
		}
	}

	updated, err := s.store.UpdateProfile(ctx, p)
	if err != nil {
		return View{}, err
	}
	return s.Self(Session{Profile: updated, Key: sess.Key}), nil
}

// Unlock derives the session key from password. The first unlock sets the
// password and encrypts existing private fields; later ones must match.
func (s *Service) Unlock(ctx context.Context, user *identity.User, password string) ([]byte, error) {
	if len(password) < 8 {
		return nil, services.Invalid("password", "must be at least 8 characters")
	}
	p, err := s.EnsureProfile(ctx, user)
	if err != nil {
		return nil, err
	}
	key, err := encryption.DeriveKey(password, encryption.UserSalt(s.salt, p.SaltSubject()), s.iterations)
	if err != nil {
		return nil, err
	}

	if p.HasEncryption() {
		if !encryption.VerifyKeyCheck(key, p.KeyCheck) {
			return nil, services.Invalid("password", "incorrect encryption password")
		}
		return key, nil
	}

	if p.KeyCheck, err = encryption.NewKeyCheck(key); err != nil {
		return nil, err
	}
	for _, field := range []*string{&p.FullName, &p.Location} {
		if *field == "" || encryption.IsEncrypted(*field) {
			continue
		}
		if *field, err = encryption.Encrypt(key, *field); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.UpdateProfile(ctx, p); err != nil {
		return nil, err
	}
	s.log.WithField("user_id", user.ID).Info("profile encryption enabled")
	return key, nil
}

// SetAPIKey encrypts and stores an API key for provider.
func (s *Service) SetAPIKey(ctx context.Context, sess Session, provider, value string) (View, error) {
	if err := checkProvider(provider); err != nil {
		return View{}, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return View{}, services.Invalid("key", "is required")
	}
	if !sess.Unlocked() {
		return View{}, services.ErrLocked
	}
	enc, err := encryption.Encrypt(sess.Key, value)
	if err != nil {
		return View{}, err
	}

	p := sess.Profile
	keys := make(map[string]string, len(p.APIKeys)+1)
	for k, v := range p.APIKeys {
		keys[k] = v
	}
	keys[provider] = enc
	p.APIKeys = keys

	updated, err := s.store.UpdateProfile(ctx, p)
	if err != nil {
		return View{}, err
	}
	s.log.WithField("user_id", p.UserID).WithField("provider", provider).Info("api key stored")
	return s.Self(Session{Profile: updated, Key: sess.Key}), nil
}

// DeleteAPIKey removes the stored key for provider. No session key is
// needed.
func (s *Service) DeleteAPIKey(ctx context.Context, sess Session, provider string) (View, error) {
	if err := checkProvider(provider); err != nil {
		return View{}, err
	}
	p := sess.Profile
	if _, ok := p.APIKeys[provider]; !ok {
		return View{}, fmt.Errorf("api key %s: %w", provider, storage.ErrNotFound)
	}
	keys := make(map[string]string, len(p.APIKeys))
	for k, v := range p.APIKeys {
		if k != provider {
			keys[k] = v
		}
	}
	p.APIKeys = keys

	updated, err := s.store.UpdateProfile(ctx, p)
	if err != nil {
		return View{}, err
	}
	return s.Self(Session{Profile: updated, Key: sess.Key}), nil
}

// APIKeys returns the caller's decrypted provider keys. Locked sessions get
// none, so generation falls back to server keys.
func (s *Service) APIKeys(sess Session) map[string]string {
	out := make(map[string]string, len(sess.Profile.APIKeys))
	if !sess.Unlocked() {
		return out
	}
	for provider, enc := range sess.Profile.APIKeys {
		plain, err := encryption.Decrypt(sess.Key, enc)
		if err != nil {
			s.log.WithError(err).
				WithField("user_id", sess.Profile.UserID).
				WithField("provider", provider).
				Warn("stored api key did not decrypt")
			continue
		}
		out[provider] = plain
	}
	return out
}

// private prepares a private field value for storage, encrypting it when
// the profile has encryption enabled.
func (s *Service) private(sess Session, field, value string, max int) (string, error) {
	value, err := services.CheckText(field, value, max, false)
	if err != nil || value == "" || !sess.Profile.HasEncryption() {
		return value, err
	}
	if !sess.Unlocked() {
		return "", services.ErrLocked
	}
	return encryption.Encrypt(sess.Key, value)
}

// reveal decrypts value when possible and hides it when it stays encrypted.
func (s *Service) reveal(sess Session, value string) string {
	if !encryption.IsEncrypted(value) {
		return value
	}
	if !sess.Unlocked() {
		return ""
	}
	plain, err := encryption.Decrypt(sess.Key, value)
	if err != nil {
		return ""
	}
	return plain
}

func publicView(p profile.Profile) View {
	v := View{
		UserID:     p.UserID,
		Username:   p.Username,
		AvatarURL:  p.AvatarURL,
		Bio:        p.Bio,
		Encrypted:  p.HasEncryption(),
		MigratedAt: p.MigratedAt,
		CreatedAt:  p.CreatedAt,
	}
	if !encryption.IsEncrypted(p.FullName) {
		v.FullName = p.FullName
	}
	if !encryption.IsEncrypted(p.Location) {
		v.Location = p.Location
	}
	return v
}

func providerNames(keys map[string]string) []string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func checkProvider(provider string) error {
	for _, p := range KeyProviders {
		if p == provider {
			return nil
		}
	}
	return services.Invalid("provider", "unsupported provider %q", provider)
}
