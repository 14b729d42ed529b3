package persona

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// DefaultID is the reserved identifier of the built-in persona.
const DefaultID = "__default"

const (
	// DefaultPrefix labels assistant turns when a persona leaves it empty.
	DefaultPrefix = "AI: "
	// DefaultSystem is the system prompt of the built-in persona.
	DefaultSystem = "You are a helpful assistant. Use provided images and text when answering."
	// DefaultSummaryPrompt is the one-shot summarization prompt of the built-in persona.
	DefaultSummaryPrompt = "Summarize the page in 3 concise bullet points, reference images where useful."
)

// Persona captures a named voice: prompt, chat label and optional icon.
// Image holds a blob store key, never the image bytes.
type Persona struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Prefix        string `json:"prefix"`
	System        string `json:"system"`
	SummaryPrompt string `json:"summary_prompt"`
	Image         string `json:"image"`
}

// MarshalJSON writes an absent image as null, matching exported documents.
func (p Persona) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID            string  `json:"id"`
		Name          string  `json:"name"`
		Prefix        string  `json:"prefix"`
		System        string  `json:"system"`
		SummaryPrompt string  `json:"summary_prompt"`
		Image         *string `json:"image"`
	}
	w := wire{
		ID:            p.ID,
		Name:          p.Name,
		Prefix:        p.Prefix,
		System:        p.System,
		SummaryPrompt: p.SummaryPrompt,
	}
	if p.Image != "" {
		image := p.Image
		w.Image = &image
	}
	return json.Marshal(w)
}

// HasImage reports whether the persona references an image blob.
func (p Persona) HasImage() bool {
	return p.Image != ""
}

// IsDefault reports whether p is the built-in persona.
func (p Persona) IsDefault() bool {
	return p.ID == DefaultID
}

// Label returns the chat label prefix, falling back to DefaultPrefix.
func (p Persona) Label() string {
	if strings.TrimSpace(p.Prefix) == "" {
		return DefaultPrefix
	}
	return p.Prefix
}

// Default returns the built-in persona.
func Default() Persona {
	return Persona{
		ID:            DefaultID,
		Name:          "Default",
		Prefix:        DefaultPrefix,
		System:        DefaultSystem,
		SummaryPrompt: DefaultSummaryPrompt,
	}
}

// Seed provides the initial persona list of an empty store.
func Seed() []Persona {
	return []Persona{Default()}
}

// NewID returns a fresh persona identifier.
func NewID() string {
	return uuid.NewString()
}

// EnsureDefault returns a copy of list with exactly one default persona,
// placed first. An existing default keeps its fields; duplicates are dropped.
func EnsureDefault(list []Persona) []Persona {
	out := make([]Persona, 0, len(list)+1)
	def, found := Persona{}, false
	for _, p := range list {
		if p.ID == DefaultID {
			if !found {
				def, found = p, true
			}
			continue
		}
		out = append(out, p)
	}
	if !found {
		def = Default()
	}
	return append([]Persona{def}, out...)
}

// Resolve returns the persona with the given id, or the first persona of the
// list (the default after EnsureDefault) when id does not resolve.
func Resolve(list []Persona, id string) (Persona, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	if len(list) > 0 {
		return list[0], false
	}
	return Default(), false
}
