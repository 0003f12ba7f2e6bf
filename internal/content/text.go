package content

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var sanitizer = newSanitizer()

func newSanitizer() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	// Annotation anchors and editor styling live on attributes.
	policy.AllowDataAttributes()
	policy.AllowAttrs("class", "id").Globally()
	return policy
}

// Sanitize strips scripts, event handlers and other unsafe markup from the
// HTML field. Screenplay elements are plain text and pass through unchanged.
func Sanitize(c Content) Content {
	out := c.Clone()
	if out.HTML != nil {
		clean := sanitizer.Sanitize(*out.HTML)
		out.HTML = &clean
	}
	return out
}

// PlainText extracts the visible text of an HTML fragment. Text from separate
// nodes is joined with spaces so adjacent blocks do not fuse into one word.
func PlainText(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			if isRawTextTag(tokenizer) {
				skip++
			}
		case html.EndTagToken:
			if isRawTextTag(tokenizer) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			b.Write(tokenizer.Text())
			b.WriteByte(' ')
		}
	}
}

func isRawTextTag(tokenizer *html.Tokenizer) bool {
	name, _ := tokenizer.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// WordCount is the server-side word count for a content object: the visible
// HTML text plus the text of every screenplay element.
func WordCount(c Content) int {
	total := 0
	if c.HTML != nil {
		total += CountWords(PlainText(*c.HTML))
	}
	for _, element := range c.Screenplay {
		total += CountWords(element.Content)
	}
	return total
}
