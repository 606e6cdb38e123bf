package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	spanOpenRe  = regexp.MustCompile(`(?i)^<\s*span\s+class\s*=\s*(?:"\s*(?:title-big|title-small)\s*"|'\s*(?:title-big|title-small)\s*')\s*>$`)
	spanCloseRe = regexp.MustCompile(`(?i)^<\s*/\s*span\s*>$`)
	brRe        = regexp.MustCompile(`(?i)^<\s*br\s*/?\s*>$`)
)

// SanitizeTitleHTML keeps title spans and line breaks and escapes every
// other tag and all text.
func SanitizeTitleHTML(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range tagRe.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		if start > last {
			b.WriteString(html.EscapeString(s[last:start]))
		}
		tag := s[start:end]
		if spanOpenRe.MatchString(tag) || spanCloseRe.MatchString(tag) || brRe.MatchString(tag) {
			b.WriteString(tag)
		} else {
			b.WriteString(html.EscapeString(tag))
		}
		last = end
	}
	if last < len(s) {
		b.WriteString(html.EscapeString(s[last:]))
	}
	return b.String()
}
