package sanitize

import (
	"regexp"
	"strings"
)

// boundaryPatterns mark the first line of quoted or duplicated trailing
// content. Everything from the first matching line onward is dropped from the
// extracted text. The set covers the common English attribution header, its
// French and German counterparts, the quote prefix, client-inserted
// separators, and the RFC 3676 signature delimiter. New locales belong here.
var boundaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^>`),
	regexp.MustCompile(`^On .{1,200}wrote:\s*$`),
	regexp.MustCompile(`^Le .{1,200}a écrit\s*:\s*$`),
	regexp.MustCompile(`^Am .{1,200}schrieb .{1,200}:\s*$`),
	regexp.MustCompile(`^-----\s?Original Message\s?-----\s*$`),
	regexp.MustCompile(`^-+\s?Forwarded message\s?-+\s*$`),
	regexp.MustCompile(`^_{10,}\s*$`),
	regexp.MustCompile(`^--\s*$`),
	regexp.MustCompile(`^Sent from my \S`),
}

// Extract removes trailing quoted replies and signatures from clean text.
// The scan is top-down; the first boundary line and everything after it are
// dropped. Applying Extract to its own output is a no-op because the
// boundary is removed along with the tail.
func Extract(cleanText string) string {
	lines := strings.Split(cleanText, "\n")

	cut := len(lines)
	for i, line := range lines {
		if isBoundary(line) {
			cut = i
			break
		}
	}

	extracted := strings.Join(lines[:cut], "\n")
	return strings.TrimRight(extracted, " \t\n")
}

func isBoundary(line string) bool {
	for _, pattern := range boundaryPatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}
