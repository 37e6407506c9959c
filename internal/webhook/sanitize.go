// ABOUTME: Inbound message sanitization before the session core sees it
// ABOUTME: Unescapes HTML entities, strips tags, collapses whitespace, caps length

package webhook

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxBodyLength caps the message after sanitization. Concatenated SMS tops
// out at 1600 characters.
const maxBodyLength = 1600

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Sanitize normalizes a raw webhook body: HTML entities are unescaped, any
// markup is stripped, runs of whitespace collapse to one space, and the
// result is trimmed and length-capped.
func Sanitize(body string) string {
	s := html.UnescapeString(body)
	s = tagPattern.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxBodyLength {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character and feeds invalid UTF-8 downstream.
		cut := maxBodyLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
