// Package generation fronts the image, speech and upload providers.
package generation

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

// Image generation modes.
const (
	ModePrompt    = "prompt"
	ModeCharacter = "character"
)

const (
	maxPromptRunes = 2000
	maxSpeechRunes = 4000
)

// Generator is the provider surface this service needs.
type Generator interface {
	GenerateImage(ctx context.Context, req providers.ImageRequest) (*providers.Image, error)
	Speak(ctx context.Context, req providers.SpeechRequest) (*providers.Speech, error)
	Upload(ctx context.Context, image []byte) (string, error)
}

// ImageInput asks for one image.
type ImageInput struct {
	Mode           string `json:"mode"`
	CharacterID    string `json:"character_id"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Model          string `json:"model"`
	Size           string `json:"size"`
}

// SpeechInput asks for spoken text. With CharacterID set the character's
// speaker link is used as the voice.
type SpeechInput struct {
	Text        string `json:"text"`
	CharacterID string `json:"character_id"`
	Model       string `json:"model"`
	Voice       string `json:"voice"`
	Language    string `json:"language"`
}

// Service validates generation requests and forwards them to providers.
type Service struct {
	gen        Generator
	characters storage.CharacterStore
	log        *logger.Logger
}

// New constructs a generation service.
func New(gen Generator, characters storage.CharacterStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("generation")
	}
	return &Service{gen: gen, characters: characters, log: log}
}

// Image generates an image from a prompt, or from a character's image
// prompt in character mode.
func (s *Service) Image(ctx context.Context, user *identity.User, in ImageInput, keys map[string]string) (*providers.Image, error) {
	if err := services.RequireUser(user); err != nil {
		return nil, err
	}
	prompt, err := services.CheckText("prompt", in.Prompt, maxPromptRunes, false)
	if err != nil {
		return nil, err
	}

	switch in.Mode {
	case "", ModePrompt:
		if prompt == "" {
			return nil, services.Invalid("prompt", "is required")
		}
	case ModeCharacter:
		c, err := s.character(ctx, user, in.CharacterID)
		if err != nil {
			return nil, err
		}
		prompt = characterPrompt(c, prompt)
	default:
		return nil, services.Invalid("mode", "must be %q or %q", ModePrompt, ModeCharacter)
	}

	img, err := s.gen.GenerateImage(ctx, providers.ImageRequest{
		Model:          strings.TrimSpace(in.Model),
		Prompt:         prompt,
		NegativePrompt: strings.TrimSpace(in.NegativePrompt),
		Size:           strings.TrimSpace(in.Size),
		UserKeys:       keys,
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("user_id", user.ID).WithField("model", img.Model).Info("image generated")
	return img, nil
}

// Speech turns text into audio.
func (s *Service) Speech(ctx context.Context, user *identity.User, in SpeechInput, keys map[string]string) (*providers.Speech, error) {
	if err := services.RequireUser(user); err != nil {
		return nil, err
	}
	text, err := services.CheckText("text", in.Text, maxSpeechRunes, true)
	if err != nil {
		return nil, err
	}

	voice := strings.TrimSpace(in.Voice)
	if in.CharacterID != "" {
		c, err := s.character(ctx, user, in.CharacterID)
		if err != nil {
			return nil, err
		}
		if voice == "" {
			voice = c.SpeakerLink
		}
	}

	return s.gen.Speak(ctx, providers.SpeechRequest{
		Model:    strings.TrimSpace(in.Model),
		Text:     text,
		Voice:    voice,
		Language: strings.TrimSpace(in.Language),
		UserKeys: keys,
	})
}

// Upload accepts a base64 string or data URL and returns the hosted link.
func (s *Service) Upload(ctx context.Context, user *identity.User, encoded string) (string, error) {
	data, err := DecodeImage(encoded)
	if err != nil {
		return "", err
	}
	return s.UploadBytes(ctx, user, data)
}

// UploadBytes uploads raw image bytes.
func (s *Service) UploadBytes(ctx context.Context, user *identity.User, data []byte) (string, error) {
	if err := services.RequireUser(user); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", services.Invalid("image", "is required")
	}
	if len(data) > providers.MaxUploadBytes {
		return "", services.Invalid("image", "must be at most %d bytes", providers.MaxUploadBytes)
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return "", services.Invalid("image", "unsupported content type %s", ct)
	}

	link, err := s.gen.Upload(ctx, data)
	if err != nil {
		return "", err
	}
	s.log.WithField("user_id", user.ID).WithField("bytes", len(data)).Info("image uploaded")
	return link, nil
}

// DecodeImage strips an optional data URL prefix and decodes base64.
func DecodeImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		i := strings.Index(encoded, ",")
		if i < 0 || !strings.HasSuffix(encoded[:i], ";base64") {
			return nil, services.Invalid("image", "data url must be base64 encoded")
		}
		encoded = encoded[i+1:]
	}
	if encoded == "" {
		return nil, services.Invalid("image", "is required")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, services.Invalid("image", "is not valid base64")
		}
	}
	return data, nil
}

func (s *Service) character(ctx context.Context, user *identity.User, id string) (character.Character, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return character.Character{}, services.Invalid("character_id", "is required")
	}
	c, err := s.characters.GetCharacter(ctx, id)
	if err != nil {
		return character.Character{}, err
	}
	if !c.VisibleTo(user.ID) && !user.Admin {
		return character.Character{}, fmt.Errorf("character %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

func characterPrompt(c character.Character, extra string) string {
	base := strings.TrimSpace(c.ImagePrompt)
	if base == "" {
		base = "portrait of " + c.Name
		if c.Description != "" {
			base += ", " + c.Description
		}
	}
	if extra == "" {
		return base
	}
	return base + ", " + extra
}
