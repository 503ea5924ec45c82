package profile

import "time"

// Profile holds a user's public identity plus private, encrypted fields.
type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`

	// Private fields, stored encrypted when KeyCheck is set.
	FullName string `json:"full_name,omitempty"`
	Location string `json:"location,omitempty"`

	// APIKeys maps provider name to an encrypted API key.
	APIKeys map[string]string `json:"api_keys,omitempty"`

	// KeyCheck is an encrypted marker used to validate the encryption
	// password; empty until the user sets one.
	KeyCheck string `json:"key_check,omitempty"`

	LegacyUserID string     `json:"legacy_user_id,omitempty"`
	MigratedAt   *time.Time `json:"migrated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasEncryption reports whether the user configured an encryption password.
func (p Profile) HasEncryption() bool {
	return p.KeyCheck != ""
}

// SaltSubject is the id the encryption key is salted with. It is the
// original account id for migrated profiles so keys survive migration.
func (p Profile) SaltSubject() string {
	if p.LegacyUserID != "" {
		return p.LegacyUserID
	}
	return p.UserID
}
