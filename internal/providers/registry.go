package providers

import (
	"fmt"
	"sort"

	"github.com/charachat/charachat/internal/config"
)

// Model kinds.
const (
	KindChat  = "chat"
	KindImage = "image"
	KindAudio = "audio"
)

// Provider names.
const (
	OpenAI    = "openai"
	Mistral   = "mistral"
	Replicate = "replicate"
	Fal       = "fal"
	Imgur     = "imgur"
)

// Model is a public model name bound to a provider and upstream model id.
type Model struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Provider string `json:"provider"`
	Upstream string `json:"-"`
	// OutputPath is a JSONPath locating the generated asset in the response.
	OutputPath string `json:"-"`
	Default    bool   `json:"default,omitempty"`
}

// Registry resolves model names to models.
type Registry struct {
	models   map[string]Model
	defaults map[string]string
}

// NewRegistry indexes the configured model catalogue.
func NewRegistry(models []config.ModelConfig) (*Registry, error) {
	r := &Registry{
		models:   make(map[string]Model, len(models)),
		defaults: make(map[string]string),
	}
	for _, m := range models {
		if _, dup := r.models[m.Name]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.Name)
		}
		r.models[m.Name] = Model{
			Name:       m.Name,
			Kind:       m.Kind,
			Provider:   m.Provider,
			Upstream:   m.Model,
			OutputPath: m.OutputPath,
			Default:    m.Default,
		}
		if _, ok := r.defaults[m.Kind]; !ok || m.Default {
			r.defaults[m.Kind] = m.Name
		}
	}
	return r, nil
}

// Resolve returns the named model of the given kind. An empty name selects
// the kind's default.
func (r *Registry) Resolve(kind, name string) (Model, error) {
	if name == "" {
		name = r.defaults[kind]
	}
	m, ok := r.models[name]
	if !ok || m.Kind != kind {
		return Model{}, fmt.Errorf("%w: %s model %q", ErrUnknownModel, kind, name)
	}
	return m, nil
}

// List returns the models of a kind sorted by name.
func (r *Registry) List(kind string) []Model {
	var out []Model
	for _, m := range r.models {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
