package persona

import "time"

// Persona is an alternate identity a user presents to characters.
type Persona struct {
	ID        string    `json:"id"`
	Creator   string    `json:"creator"`
	FullName  string    `json:"full_name"`
	Bio       string    `json:"bio"`
	AvatarURL string    `json:"avatar_url"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
