package app

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/diff"
)

type ConflictType string

const (
	ConflictHTML       ConflictType = "html"
	ConflictScreenplay ConflictType = "screenplay"
)

// Conflict is one field that differs between merge source and target. The
// concrete type is HTMLConflict or ScreenplayConflict.
type Conflict interface {
	Type() ConflictType
	conflict()
}

// HTMLConflict carries both prose versions and their word-level diff stats.
type HTMLConflict struct {
	Field       string     `json:"field"`
	SourceValue string     `json:"sourceValue"`
	TargetValue string     `json:"targetValue"`
	Stats       diff.Stats `json:"diffStats"`
}

func (HTMLConflict) Type() ConflictType { return ConflictHTML }
func (HTMLConflict) conflict()          {}

func (c HTMLConflict) MarshalJSON() ([]byte, error) {
	type plain HTMLConflict
	return json.Marshal(struct {
		Type ConflictType `json:"type"`
		plain
	}{ConflictHTML, plain(c)})
}

// ScreenplayConflict is a whole-field conflict; screenplays are not diffed
// element by element.
type ScreenplayConflict struct {
	Field       string                      `json:"field"`
	SourceValue []content.ScreenplayElement `json:"sourceValue"`
	TargetValue []content.ScreenplayElement `json:"targetValue"`
}

func (ScreenplayConflict) Type() ConflictType { return ConflictScreenplay }
func (ScreenplayConflict) conflict()          {}

func (c ScreenplayConflict) MarshalJSON() ([]byte, error) {
	type plain ScreenplayConflict
	return json.Marshal(struct {
		Type ConflictType `json:"type"`
		plain
	}{ConflictScreenplay, plain(c)})
}

// ClassifyConflicts compares the fields present on both sides. A field
// missing on either side is never a conflict.
func ClassifyConflicts(source, target content.Content) []Conflict {
	conflicts := make([]Conflict, 0, 2)

	if source.HasHTML() && target.HasHTML() {
		_, stats := diff.Compare(target.HTMLValue(), source.HTMLValue())
		if stats.TotalChanges > 0 {
			conflicts = append(conflicts, HTMLConflict{
				Field:       "html",
				SourceValue: source.HTMLValue(),
				TargetValue: target.HTMLValue(),
				Stats:       stats,
			})
		}
	}

	if source.HasScreenplay() && target.HasScreenplay() {
		if content.ScreenplayJSON(source.Screenplay) != content.ScreenplayJSON(target.Screenplay) {
			conflicts = append(conflicts, ScreenplayConflict{
				Field:       "screenplay",
				SourceValue: source.Clone().Screenplay,
				TargetValue: target.Clone().Screenplay,
			})
		}
	}
	return conflicts
}

func encodeConflicts(conflicts []Conflict) (json.RawMessage, error) {
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	raw, err := json.Marshal(conflicts)
	if err != nil {
		return nil, fmt.Errorf("encode conflicts: %w", err)
	}
	return raw, nil
}

func decodeConflicts(raw json.RawMessage) ([]Conflict, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Conflict{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}

	conflicts := make([]Conflict, 0, len(items))
	for _, item := range items {
		var tag struct {
			Type ConflictType `json:"type"`
		}
		if err := json.Unmarshal(item, &tag); err != nil {
			return nil, fmt.Errorf("decode conflict type: %w", err)
		}
		switch tag.Type {
		case ConflictHTML:
			var c HTMLConflict
			if err := json.Unmarshal(item, &c); err != nil {
				return nil, fmt.Errorf("decode html conflict: %w", err)
			}
			conflicts = append(conflicts, c)
		case ConflictScreenplay:
			var c ScreenplayConflict
			if err := json.Unmarshal(item, &c); err != nil {
				return nil, fmt.Errorf("decode screenplay conflict: %w", err)
			}
			conflicts = append(conflicts, c)
		default:
			return nil, fmt.Errorf("unknown conflict type %q", tag.Type)
		}
	}
	return conflicts, nil
}
