package services

import (
	"strings"
	"unicode/utf8"

	"github.com/charachat/charachat/internal/identity"
)

// ViewerID returns the caller's id, or "" for anonymous callers.
func ViewerID(u *identity.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// RequireUser returns ErrUnauthorized for anonymous callers.
func RequireUser(u *identity.User) error {
	if u == nil || u.ID == "" {
		return ErrUnauthorized
	}
	return nil
}

// CanModify reports whether u may change a record owned by owner.
func CanModify(u *identity.User, owner string) bool {
	return u != nil && (u.Admin || (u.ID != "" && u.ID == owner))
}

// CheckText trims value and rejects it when it is longer than max runes or
// empty while required.
func CheckText(field, value string, max int, required bool) (string, error) {
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", Invalid(field, "is required")
	}
	if max > 0 && utf8.RuneCountInString(value) > max {
		return "", Invalid(field, "must be at most %d characters", max)
	}
	return value, nil
}
