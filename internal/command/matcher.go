// ABOUTME: Typo-tolerant classifier mapping free-form input to canonical commands
// ABOUTME: Exact symbol table first, then edit-distance ratio scoring with an explicit tie-break order

package command

import (
	"strings"
	"unicode"
)

// Command is one of the canonical commands the session core understands.
type Command string

const (
	Yes      Command = "yes"
	No       Command = "no"
	Confirm  Command = "confirm"
	Cancel   Command = "cancel"
	Menu     Command = "menu"
	Help     Command = "help"
	Settings Command = "settings"
	Delete   Command = "delete"
)

// DefaultThreshold is the pinned acceptance threshold: a fuzzy match is
// accepted only when its similarity score is strictly greater than this.
// Observed variants of the product used 0.72 and 0.75; 0.75 is the value
// this implementation commits to.
const DefaultThreshold = 0.75

// priority is the explicit tie-break order. When two commands score
// equally, the one earlier in this list wins. This is a declared contract,
// not an accident of map iteration.
var priority = []Command{Yes, No, Confirm, Cancel, Menu, Help, Settings, Delete}

// phrasings lists the known phrasings of each command. The first entry is
// the canonical phrase used in correction messages. The lists are disjoint
// so the tie-break order never has to arbitrate an exact phrase.
var phrasings = map[Command][]string{
	Yes:      {"yes", "y", "ye", "yse", "ys", "ok", "okay", "affirmative"},
	No:       {"no", "n", "nope", "nah", "not"},
	Confirm:  {"confirm", "cnofirm", "confrim", "accept"},
	Cancel:   {"cancel", "canel", "cnacel", "stop", "abort"},
	Menu:     {"menu", "memu", "menus", "men", "mneu", "mnu"},
	Help:     {"help", "hlep", "halp", "hep", "assist", "support", "?"},
	Settings: {"settings", "setting", "setings", "preferences"},
	Delete:   {"delete my data", "forget me", "erase my data", "delete everything"},
}

// symbolCommands maps shortcut symbols directly to commands with full
// confidence, skipping similarity scoring entirely.
var symbolCommands = map[string]Command{
	"👍": Yes,
	"❌": No,
}

// Result is the outcome of classifying one input. It is never persisted.
type Result struct {
	Input      string
	Command    Command // empty when Matched is false
	Matched    bool
	Confidence float64
	Correction string // "did you mean" text, set for accepted non-canonical input
}

// Matcher classifies free-form input against the command vocabulary.
// It is pure and side-effect-free; a zero threshold falls back to
// DefaultThreshold.
type Matcher struct {
	threshold float64
}

// NewMatcher creates a Matcher with the given acceptance threshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Match classifies raw input. The input is trimmed and lowercased, checked
// against the symbol table, then scored against every known phrasing of
// every command. A match below the threshold is reported with the best
// score for diagnostics but Matched false.
func (m *Matcher) Match(raw string) Result {
	input := strings.ToLower(strings.TrimSpace(raw))
	res := Result{Input: input}

	if input == "" {
		return res
	}

	if cmd, ok := symbolCommands[input]; ok {
		res.Command = cmd
		res.Matched = true
		res.Confidence = 1.0
		return res
	}

	var (
		bestCmd   Command
		bestScore float64
	)
	for _, cmd := range priority {
		for _, phrase := range phrasings[cmd] {
			// Strictly greater keeps the earlier command on ties.
			if score := similarity(input, phrase); score > bestScore {
				bestScore = score
				bestCmd = cmd
			}
		}
	}

	res.Confidence = bestScore
	if bestScore <= m.threshold {
		return res
	}

	res.Command = bestCmd
	res.Matched = true
	if canonical := phrasings[bestCmd][0]; input != canonical {
		res.Correction = "I think you meant '" + capitalize(canonical) + "'!"
	}
	return res
}

// similarity is a normalized edit-distance ratio in [0, 1]: identical
// strings score 1.0, completely different strings approach 0.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ar, br := []rune(a), []rune(b)
	longest := max(len(ar), len(br))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(ar, br))/float64(longest)
}

// levenshtein computes edit distance with a two-row DP.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
