// Package sanitize turns raw email bodies into clean, de-duplicated text
// suitable for language-model consumption. Sanitization is pure and never
// fails: malformed HTML degrades to a best-effort tag strip.
package sanitize

import (
	"html"
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
)

// Result holds the two sanitized renditions of one message body.
type Result struct {
	// CleanText is the full body with HTML converted to lightweight markup.
	// No content is dropped.
	CleanText string
	// ExtractedText is CleanText with trailing quoted replies and
	// signatures removed.
	ExtractedText string
	// Degraded is set when HTML parsing failed and the tag-strip fallback
	// produced CleanText. Callers log it; it is never an error.
	Degraded bool
}

// Sanitize produces the clean and extracted texts for a message body.
// HTML is preferred when present; otherwise the plain body is used as-is.
func Sanitize(bodyHTML, bodyPlain string) Result {
	var result Result

	switch {
	case strings.TrimSpace(bodyHTML) != "":
		text, err := html2text.FromString(bodyHTML, html2text.Options{TextOnly: false})
		if err != nil {
			result.CleanText = stripTags(bodyHTML)
			result.Degraded = true
		} else {
			result.CleanText = text
		}
	default:
		result.CleanText = normalizeNewlines(bodyPlain)
	}

	result.CleanText = strings.TrimRight(result.CleanText, " \t\n")
	result.ExtractedText = Extract(result.CleanText)
	return result
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// stripTags is the degraded path for HTML the parser rejects: discard
// script/style content, drop remaining tags, unescape entities.
func stripTags(raw string) string {
	text := scriptStyleRe.ReplaceAllString(raw, "")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = normalizeNewlines(text)
	return blankRunRe.ReplaceAllString(text, "\n\n")
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
