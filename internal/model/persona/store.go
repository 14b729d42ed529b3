package persona

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no persona carries the requested id.
	ErrNotFound = errors.New("persona not found")
	// ErrProtected is returned when an operation would remove the default persona.
	ErrProtected = errors.New("default persona cannot be deleted")
)

// Store exposes persona retrieval for HTTP handlers and request builders.
type Store interface {
	List(ctx context.Context) ([]Persona, error)
	FindByID(ctx context.Context, id string) (Persona, bool)
}

// Fields carries the editable attributes of a persona.
type Fields struct {
	Name          string `json:"name"`
	Prefix        string `json:"prefix"`
	System        string `json:"system"`
	SummaryPrompt string `json:"summary_prompt"`
}

// Normalize applies the form defaults used when creating or saving a persona.
func (f Fields) Normalize() Fields {
	if f.Name == "" {
		f.Name = "Unnamed"
	}
	if f.Prefix == "" {
		f.Prefix = DefaultPrefix
	}
	return f
}

// ImageOp selects what an update does with the persona image.
type ImageOp int

const (
	ImageKeep ImageOp = iota
	ImageReplace
	ImageClear
)

// ImageAction is the image half of an update.
type ImageAction struct {
	Op   ImageOp
	Blob string
}

// KeepImage leaves the current image untouched.
func KeepImage() ImageAction { return ImageAction{Op: ImageKeep} }

// ReplaceImage stores blob as the persona image.
func ReplaceImage(blob string) ImageAction { return ImageAction{Op: ImageReplace, Blob: blob} }

// ClearImage removes the persona image.
func ClearImage() ImageAction { return ImageAction{Op: ImageClear} }
