package encryption

import (
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// ErrNoKey is returned when the request carries no usable session key.
var ErrNoKey = errors.New("encryption: no session key")

// CookieOptions controls how the session key cookie is written.
type CookieOptions struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// DefaultCookieOptions mirrors the shipped configuration.
func DefaultCookieOptions() CookieOptions {
	return CookieOptions{Name: "charachat_key", MaxAge: 7 * 24 * time.Hour, Secure: true}
}

// KeyFromRequest returns the session key held in the cookie.
func KeyFromRequest(r *http.Request, opts CookieOptions) ([]byte, error) {
	c, err := r.Cookie(opts.Name)
	if err != nil || c.Value == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(c.Value)
	if err != nil || len(key) != KeySize {
		return nil, ErrNoKey
	}
	return key, nil
}

// SetKeyCookie stores key on the response.
func SetKeyCookie(w http.ResponseWriter, key []byte, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.Name,
		Value:    hex.EncodeToString(key),
		Path:     "/",
		MaxAge:   int(opts.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearKeyCookie expires the key cookie.
func ClearKeyCookie(w http.ResponseWriter, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
