package story

import "time"

// Story frames a chat with a title, premise and opening message.
type Story struct {
	ID           string    `json:"id"`
	CharacterID  string    `json:"character_id"`
	Creator      string    `json:"creator"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	StoryIntro   string    `json:"story_intro"`
	FirstMessage string    `json:"first_message"`
	ImageURL     string    `json:"image_url"`
	IsPrivate    bool      `json:"is_private"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
