package domain

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// strict strips every tag; it is the plain-text view the filters match on.
var strict = bluemonday.StrictPolicy()

// ExtractText strips HTML tags and unescapes entities. Filters must never be
// applied to raw HTML.
func ExtractText(s string) string {
	if s == "" {
		return ""
	}
	return html.UnescapeString(strict.Sanitize(s))
}
