package email

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxSubjectLen is the longest subject transmitted, in runes.
const maxSubjectLen = 255

// bodyPolicy is the HTML whitelist applied to message bodies: basic
// inline and structural formatting, lists, tables, and images. URL
// schemes are restricted to http, https, data (images) and cid, the
// scheme inline images are referenced by.
var bodyPolicy = newBodyPolicy()

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"a", "b", "strong", "i", "em", "u", "s", "sub", "sup", "small",
		"p", "br", "hr", "div", "span", "blockquote", "pre", "code",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th",
		"img",
	)
	p.AllowAttrs("src", "alt", "title", "width", "height", "style", "class", "align").Globally()

	p.AllowStyles(
		"color", "background-color",
		"font-family", "font-size", "font-style", "font-weight",
		"text-align", "text-decoration", "vertical-align",
		"margin", "padding", "border",
		"width", "height", "line-height", "white-space",
	).Globally()

	p.AllowURLSchemes("http", "https", "cid")
	p.AllowDataURIImages()

	return p
}

// SanitizeSubject removes CR, LF and other C0/C1 control characters,
// truncates the result to 255 characters and trims surrounding
// whitespace. It is idempotent.
func SanitizeSubject(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	if runes := []rune(s); len(runes) > maxSubjectLen {
		s = string(runes[:maxSubjectLen])
	}

	return strings.TrimSpace(s)
}

// SanitizeBody applies the HTML whitelist to a message body.
func SanitizeBody(html string) string {
	return bodyPolicy.Sanitize(html)
}

// SanitizeFilename strips path separators and control characters from a
// declared file name. It is idempotent and may return an empty string;
// callers reject empty results.
func SanitizeFilename(n string) string {
	n = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, n)

	return strings.TrimSpace(n)
}
