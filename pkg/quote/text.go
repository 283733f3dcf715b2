package quote

import (
	"regexp"
	"strings"
)

// atTokenRe matches rendered mentions: "@name", "@name(123456)" and the
// full-width bracket form. "@全体成员" is covered by the same pattern.
var atTokenRe = regexp.MustCompile(`@[^@\s（）()]+(?:[（(]\d{5,}[）)])?`)

// StripAtTokens removes mention text and collapses the whitespace left
// behind. Runs of spaces inside a line become one space; line breaks are
// kept so multi-line quotes survive.
func StripAtTokens(text string) string {
	if text == "" {
		return ""
	}
	text = atTokenRe.ReplaceAllString(text, "")

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
