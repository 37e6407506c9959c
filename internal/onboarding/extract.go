// ABOUTME: Lightweight pattern extraction of onboarding answers from free-form messages
// ABOUTME: Names, family members with ages, emails, and skip intent

package onboarding

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cbello1987/Fmla/internal/profile"
)

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bi['’]?m\s+([A-Za-z]+)`),
		regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z]+)`),
		regexp.MustCompile(`(?i)\bthis is\s+([A-Za-z]+)`),
		regexp.MustCompile(`^([A-Z][a-z]+)$`),
	}

	// Greetings and command words that look like a bare name but aren't.
	nonNames = map[string]bool{
		"hi": true, "hey": true, "hello": true, "yo": true, "sup": true,
		"thanks": true, "thank": true, "yes": true, "no": true, "ok": true,
		"okay": true, "skip": true, "help": true, "menu": true, "stop": true,
	}

	familyPairPattern = regexp.MustCompile(`([A-Z][a-z]+)[^\d]*?(\d{1,2})`)
	familyNamePattern = regexp.MustCompile(`\b([A-Z][a-z]+)\b`)

	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)

	skipWords = map[string]bool{
		"skip": true, "no": true, "none": true, "nope": true, "nah": true,
		"not now": true, "later": true,
	}
)

// ExtractName pulls a first name out of a message: "I'm Carlos",
// "my name is Maria", "this is John", or a bare capitalized word.
// Returns "" when nothing name-shaped is found.
func ExtractName(message string) string {
	message = strings.TrimSpace(message)
	for _, pat := range namePatterns {
		m := pat.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name == "" || nonNames[strings.ToLower(name)] {
			continue
		}
		return title(name)
	}
	return ""
}

// ExtractFamily pulls family members from a message. "I have Andy who's 8"
// yields name+age pairs; a bare list of names ("Emma and Jack") yields
// members without ages. A single capitalized word is not treated as a
// family list, since it is indistinguishable from a stray name.
func ExtractFamily(message string) []profile.Child {
	var members []profile.Child

	for _, m := range familyPairPattern.FindAllStringSubmatch(message, -1) {
		name := m[1]
		if nonNames[strings.ToLower(name)] {
			continue
		}
		age, err := strconv.Atoi(m[2])
		if err != nil || age <= 0 {
			members = append(members, profile.Child{Name: name})
			continue
		}
		members = append(members, profile.Child{Name: name, Age: &age})
	}
	if len(members) > 0 {
		return members
	}

	var names []string
	for _, m := range familyNamePattern.FindAllStringSubmatch(message, -1) {
		if !nonNames[strings.ToLower(m[1])] {
			names = append(names, m[1])
		}
	}
	if len(names) > 1 {
		for _, n := range names {
			members = append(members, profile.Child{Name: n})
		}
	}
	return members
}

// ExtractEmail returns the first email-shaped token in the message, or "".
func ExtractEmail(message string) string {
	return emailPattern.FindString(message)
}

// ValidEmail reports whether the whole string is an email address.
func ValidEmail(email string) bool {
	m := emailPattern.FindString(email)
	return m == strings.TrimSpace(email) && m != ""
}

// IsSkip reports whether the message opts out of the current step.
func IsSkip(message string) bool {
	return skipWords[strings.ToLower(strings.TrimSpace(message))]
}

// title upper-cases the first letter and lower-cases the rest.
func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
