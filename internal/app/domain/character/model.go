package character

import "time"

// Character is a persisted persona definition used to condition AI replies.
type Character struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Bio            string    `json:"bio"`
	IntroMessage   string    `json:"intro_message"`
	Personality    string    `json:"personality"`
	SystemPrompt   string    `json:"system_prompt"`
	ImagePrompt    string    `json:"image_prompt"`
	AvatarURL      string    `json:"avatar_url"`
	SpeakerLink    string    `json:"speaker_link"`
	CategoryID     string    `json:"category_id,omitempty"`
	Tags           []string  `json:"tags"`
	IsPrivate      bool      `json:"is_private"`
	IsNSFW         bool      `json:"is_nsfw"`
	HideDefinition bool      `json:"hide_definition"`
	Interactions   int64     `json:"interactions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VisibleTo reports whether userID may see the character.
func (c Character) VisibleTo(userID string) bool {
	return !c.IsPrivate || (userID != "" && c.Owner == userID)
}

// Public strips the prompt definition when the owner chose to hide it and
// the viewer is someone else.
func (c Character) Public(viewer string) Character {
	if c.HideDefinition && c.Owner != viewer {
		c.Personality = ""
		c.SystemPrompt = ""
		c.ImagePrompt = ""
	}
	return c
}
