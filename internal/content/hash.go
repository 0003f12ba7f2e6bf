package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
)

// Hash is a content fingerprint used only for equality checks.
type Hash [sha256.Size]byte

var ErrInvalidHash = errors.New("invalid content hash")

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Short() string {
	return h.String()[:12]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func ParseHash(value string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(value)
	if err != nil || len(decoded) != len(h) {
		return Hash{}, ErrInvalidHash
	}
	copy(h[:], decoded)
	return h, nil
}

// Fields are the hash inputs. The outline is order-sensitive, anchor IDs are
// a set. SecondaryText carries the canonical screenplay when it sits next to
// HTML, so edits to either field change the hash.
type Fields struct {
	PrimaryText       string
	SecondaryText     string
	StructuralOutline json.RawMessage
	AnchorIDs         []string
}

type hashPayload struct {
	Text      string          `json:"t"`
	Secondary string          `json:"s,omitempty"`
	Outline   json.RawMessage `json:"o"`
	Anchors   []string        `json:"a"`
}

func ComputeHash(f Fields) Hash {
	payload, err := json.Marshal(hashPayload{
		Text:      f.PrimaryText,
		Secondary: f.SecondaryText,
		Outline:   CanonicalJSON(f.StructuralOutline),
		Anchors:   anchorSet(f.AnchorIDs),
	})
	if err != nil {
		// Every field is valid JSON by construction.
		panic("content: marshal hash payload: " + err.Error())
	}
	return sha256.Sum256(payload)
}

// FieldsOf selects the hash inputs of a content object. The primary text is
// the HTML when present and the canonical screenplay otherwise; content with
// both puts the screenplay in SecondaryText.
func FieldsOf(c Content) Fields {
	primary := c.HTMLValue()
	var secondary string
	switch {
	case c.HTML == nil && c.HasScreenplay():
		primary = ScreenplayJSON(c.Screenplay)
	case c.HasScreenplay():
		secondary = ScreenplayJSON(c.Screenplay)
	}
	return Fields{
		PrimaryText:       primary,
		SecondaryText:     secondary,
		StructuralOutline: c.Structure,
		AnchorIDs:         c.AnchorIDs,
	}
}

func HashOf(c Content) Hash {
	return ComputeHash(FieldsOf(c))
}

func anchorSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	out = append(out, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}
