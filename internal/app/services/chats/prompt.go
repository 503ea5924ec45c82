package chats

import (
	"strings"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/story"
	"github.com/charachat/charachat/internal/providers"
)

const (
	charPlaceholder = "{{char}}"
	userPlaceholder = "{{user}}"
	defaultUserName = "User"
)

// Scene is everything that conditions a chat: the character, and optionally
// the persona the user plays and the story framing the conversation.
type Scene struct {
	Character character.Character
	Persona   *persona.Persona
	Story     *story.Story
}

// UserName is the name the character addresses the user by.
func (s Scene) UserName() string {
	if s.Persona != nil && s.Persona.FullName != "" {
		return s.Persona.FullName
	}
	return defaultUserName
}

// Fill substitutes the {{char}} and {{user}} placeholders.
func (s Scene) Fill(text string) string {
	return strings.NewReplacer(
		charPlaceholder, s.Character.Name,
		userPlaceholder, s.UserName(),
	).Replace(text)
}

// SystemPrompt assembles the system message sent ahead of the history.
func (s Scene) SystemPrompt() string {
	c := s.Character
	var b strings.Builder

	if c.SystemPrompt != "" {
		b.WriteString(c.SystemPrompt)
	} else {
		b.WriteString("You are {{char}}. Stay in character and reply as {{char}} would.")
	}
	section(&b, "Description", c.Description)
	section(&b, "Personality", c.Personality)
	section(&b, "Background", c.Bio)

	if p := s.Persona; p != nil {
		section(&b, "You are talking to", "{{user}}")
		section(&b, "About {{user}}", p.Bio)
	}
	if st := s.Story; st != nil {
		section(&b, "Scenario", st.Title)
		section(&b, "Scenario details", st.Description)
		section(&b, "Opening", st.StoryIntro)
	}
	return s.Fill(b.String())
}

// Greeting is the first assistant message of a fresh chat, or "".
func (s Scene) Greeting() string {
	if s.Story != nil && s.Story.FirstMessage != "" {
		return s.Fill(s.Story.FirstMessage)
	}
	return s.Fill(s.Character.IntroMessage)
}

// Prompt builds the provider message list: the system prompt, the most
// recent window of history and the new user turn.
func (s Scene) Prompt(history []chat.Message, window int, next string) []providers.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]providers.Message, 0, len(history)+2)
	out = append(out, providers.Message{Role: chat.RoleSystem, Content: s.SystemPrompt()})
	for _, m := range history {
		if m.Role == chat.RoleSystem {
			continue
		}
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, providers.Message{Role: chat.RoleUser, Content: next})
}

func section(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
}
