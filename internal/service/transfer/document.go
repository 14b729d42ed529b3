// Package transfer exports the persona store to a portable document and
// reconciles imported documents into the live store.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
)

// Source tags documents written by this application. The value is kept for
// compatibility with documents produced by earlier releases.
const Source = "summarizer-extension"

var (
	// ErrMalformed is returned when a document or id map cannot be used.
	ErrMalformed = errors.New("malformed import document")
	// ErrCancelled is returned when the import confirmation is declined.
	ErrCancelled = errors.New("import cancelled")
)

// Meta describes where and when a document was produced.
type Meta struct {
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// Document is the portable export format. Personas carry metadata only;
// image payloads live in Images keyed by the blob key they reference.
type Document struct {
	Meta            Meta              `json:"meta"`
	APIURL          string            `json:"openai_api_url,omitempty"`
	ActivePersonaID string            `json:"activePersonaId,omitempty"`
	Personas        []persona.Persona `json:"personas"`
	Images          map[string]string `json:"images"`
}

// FileName returns the default export file name for a document written at t.
func FileName(t time.Time) string {
	return "personas_export_" + t.UTC().Format("2006-01-02_15_04_05") + ".json"
}

// WriteDocument encodes doc with two-space indentation.
func WriteDocument(w io.Writer, doc Document) error {
	if doc.Images == nil {
		doc.Images = map[string]string{}
	}
	if doc.Personas == nil {
		doc.Personas = []persona.Persona{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write export document: %w", err)
	}
	return nil
}

// ParseDocument decodes and validates an export document. Any failure wraps
// ErrMalformed.
func ParseDocument(r io.Reader) (Document, error) {
	var raw struct {
		Meta            Meta               `json:"meta"`
		APIURL          *string            `json:"openai_api_url"`
		ActivePersonaID *string            `json:"activePersonaId"`
		Personas        *[]persona.Persona `json:"personas"`
		Images          map[string]string  `json:"images"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Personas == nil {
		return Document{}, fmt.Errorf("%w: personas must be an array", ErrMalformed)
	}
	for i, p := range *raw.Personas {
		if p.ID == "" {
			return Document{}, fmt.Errorf("%w: persona %d has no id", ErrMalformed, i)
		}
	}

	doc := Document{
		Meta:     raw.Meta,
		Personas: *raw.Personas,
		Images:   raw.Images,
	}
	if raw.APIURL != nil {
		doc.APIURL = *raw.APIURL
	}
	if raw.ActivePersonaID != nil {
		doc.ActivePersonaID = *raw.ActivePersonaID
	}
	if doc.Images == nil {
		doc.Images = map[string]string{}
	}
	return doc, nil
}

// ParseIDMap decodes an external id mapping document: a JSON object from
// imported persona id to the id it should receive.
func ParseIDMap(r io.Reader) (map[string]string, error) {
	var mapping map[string]string
	if err := json.NewDecoder(r).Decode(&mapping); err != nil {
		return nil, fmt.Errorf("%w: id map: %v", ErrMalformed, err)
	}
	if mapping == nil {
		return nil, fmt.Errorf("%w: id map must be an object", ErrMalformed)
	}
	return mapping, nil
}
