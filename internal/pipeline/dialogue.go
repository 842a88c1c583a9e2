package pipeline

import (
	"regexp"
	"strings"
)

// Dialogue is one extracted speech line awaiting audio synthesis.
type Dialogue struct {
	Character string
	Emotion   string
	Text      string
}

// The narrative can mark speech in several conventions; all are supported
// and overlapping matches are deduplicated by spoken text. Precedence among
// the quote styles is not load-bearing.
var (
	// <dialogue character="NAME" emotion="EMOTION">text</dialogue>
	dialogueTagRe = regexp.MustCompile(`(?s)<dialogue\s+character="([^"]+)"(?:\s+emotion="([^"]+)")?>(.*?)</dialogue>`)

	// NAME: 「text」 (also full-width colon)
	cornerQuoteRe = regexp.MustCompile(`([A-Za-z\x{4e00}-\x{9fff}\x{3040}-\x{309f}\x{30a0}-\x{30ff}]+)[：:]\s*「([^」]+)」`)

	// NAME: “text”
	curlyQuoteRe = regexp.MustCompile(`([A-Za-z\x{4e00}-\x{9fff}]+)[：:]\s*“([^”]+)”`)

	// NAME: "text"
	plainQuoteRe = regexp.MustCompile(`([A-Za-z\x{4e00}-\x{9fff}]+)[：:]\s*"([^"]+)"`)
)

// ExtractDialogues pulls speaker-tagged lines out of narrative text. Lines
// with identical spoken text are returned once, first occurrence wins.
func ExtractDialogues(text string) []Dialogue {
	var out []Dialogue
	seen := make(map[string]bool)

	add := func(character, emotion, line string) {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			return
		}
		if emotion == "" {
			emotion = "neutral"
		}
		seen[line] = true
		out = append(out, Dialogue{Character: character, Emotion: emotion, Text: line})
	}

	for _, m := range dialogueTagRe.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2], m[3])
	}
	for _, re := range []*regexp.Regexp{cornerQuoteRe, curlyQuoteRe, plainQuoteRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			add(m[1], "", m[2])
		}
	}

	return out
}
