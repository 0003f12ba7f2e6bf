// Package content models the editable body of a document and the pure
// functions computed over it: word counts, sanitizing and content hashes.
package content

import (
	"encoding/json"
	"slices"
)

// ScreenplayElement is one block of a screenplay (scene heading, action,
// dialogue...).
type ScreenplayElement struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Content is the logical content object stored on documents, branches and
// commits. A nil HTML and an empty Screenplay mean the field is absent.
type Content struct {
	HTML       *string             `json:"html,omitempty"`
	Screenplay []ScreenplayElement `json:"screenplay,omitempty"`
	Structure  json.RawMessage     `json:"structure,omitempty"`
	AnchorIDs  []string            `json:"anchorIds,omitempty"`
}

func Prose(html string) Content {
	return Content{HTML: &html}
}

func Screenplay(elements ...ScreenplayElement) Content {
	return Content{Screenplay: elements}
}

func (c Content) HasHTML() bool {
	return c.HTML != nil
}

func (c Content) HasScreenplay() bool {
	return len(c.Screenplay) > 0
}

func (c Content) HTMLValue() string {
	if c.HTML == nil {
		return ""
	}
	return *c.HTML
}

// Clone returns a deep copy so callers can mutate without aliasing stored rows.
func (c Content) Clone() Content {
	out := Content{
		Screenplay: slices.Clone(c.Screenplay),
		AnchorIDs:  slices.Clone(c.AnchorIDs),
	}
	if c.HTML != nil {
		html := *c.HTML
		out.HTML = &html
	}
	if len(c.Structure) > 0 {
		out.Structure = append(json.RawMessage(nil), c.Structure...)
	}
	return out
}

// ScreenplayJSON is the canonical serialization used to compare screenplays.
func ScreenplayJSON(elements []ScreenplayElement) string {
	if len(elements) == 0 {
		return "[]"
	}
	payload, err := json.Marshal(elements)
	if err != nil {
		return "[]"
	}
	return string(payload)
}

// CanonicalJSON re-encodes raw JSON so object key order and whitespace do not
// matter while array order still does. Invalid JSON is encoded as a string.
func CanonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return []byte("null")
	}
	return normalized
}

// Encode serializes content for storage columns.
func Encode(c Content) ([]byte, error) {
	return json.Marshal(c)
}

func Decode(raw []byte) (Content, error) {
	var c Content
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, err
	}
	return c, nil
}
