// Package macro implements the template placeholder language used in preset
// and character text. Expansion is a pure function over an explicit Context:
// it is total (never fails), leaves unknown macros verbatim, and is
// idempotent once no macros remain.
package macro

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// historyExcerptLimit caps the {{lastCharMessage}} / {{lastUserMessage}}
// substitutions.
const historyExcerptLimit = 500

// Context enumerates every input the macro vocabulary can draw from. A zero
// Context is valid: all substitutions resolve to empty strings and dynamic
// macros fall back to the wall clock and global random source.
type Context struct {
	CharName        string
	UserName        string
	Description     string
	Personality     string
	Scenario        string
	Persona         string
	SystemPrompt    string
	PostHistory     string
	CharVersion     string
	CharPersona     string // combined character block for {{character}}
	ExampleDialogue string
	LoreBefore      string // knowledge fragments positioned before the main prompt
	LoreAfter       string // knowledge fragments positioned after the main prompt
	LastCharMessage string
	LastUserMessage string

	// Now supplies the time for {{date}}/{{time}}/{{weekday}}; nil means
	// time.Now.
	Now func() time.Time

	// Rand supplies dice rolls and random choices; nil means the global
	// source.
	Rand *rand.Rand
}

var (
	trimRe   = regexp.MustCompile(`(?i)\s*\{\{trim\}\}\s*`)
	rollRe   = regexp.MustCompile(`(?i)\{\{roll:([^}]+)\}\}`)
	randomRe = regexp.MustCompile(`(?i)\{\{random:([^}]+)\}\}`)
	diceRe   = regexp.MustCompile(`^(\d*)[dD](\d+)([+-]\d+)?$`)
)

// Expand resolves the macro vocabulary in text against ctx. Resolution
// order: literal substitutions, {{trim}}, {{roll:...}}, {{random:...}}.
// Anything unrecognized stays verbatim.
func Expand(text string, ctx Context) string {
	if text == "" {
		return ""
	}

	now := time.Now()
	if ctx.Now != nil {
		now = ctx.Now()
	}

	charName := ctx.CharName
	if charName == "" {
		charName = "Assistant"
	}
	userName := ctx.UserName
	if userName == "" {
		userName = "User"
	}

	// Literal vocabulary, replaced case-insensitively. Aliases kept for
	// compatibility with existing character cards.
	replacements := []struct{ macro, value string }{
		{"{{char}}", charName},
		{"<BOT>", charName},
		{"{{user}}", userName},
		{"<USER>", userName},
		{"{{description}}", ctx.Description},
		{"{{personality}}", ctx.Personality},
		{"{{scenario}}", ctx.Scenario},
		{"{{persona}}", ctx.Persona},
		{"{{system}}", ctx.SystemPrompt},
		{"{{charPrompt}}", ctx.SystemPrompt},
		{"{{charJailbreak}}", ctx.PostHistory},
		{"{{charVersion}}", ctx.CharVersion},
		{"{{character}}", ctx.CharPersona},
		{"{{charCard}}", ctx.CharPersona},
		{"{{wiBefore}}", ctx.LoreBefore},
		{"{{loreBefore}}", ctx.LoreBefore},
		{"{{worldbook}}", ctx.LoreBefore},
		{"{{wiAfter}}", ctx.LoreAfter},
		{"{{loreAfter}}", ctx.LoreAfter},
		{"{{mesExamples}}", ctx.ExampleDialogue},
		{"{{mesExamplesRaw}}", ctx.ExampleDialogue},
		{"{{example_dialogue}}", ctx.ExampleDialogue},
		{"{{time}}", now.Format("15:04")},
		{"{{date}}", now.Format("2006-01-02")},
		{"{{weekday}}", now.Weekday().String()},
		{"{{isotime}}", now.Format(time.RFC3339)},
		{"{{newline}}", "\n"},
		{"{{noop}}", ""},
		{"{{lastCharMessage}}", truncate(ctx.LastCharMessage, historyExcerptLimit)},
		{"{{lastUserMessage}}", truncate(ctx.LastUserMessage, historyExcerptLimit)},
	}

	result := text
	for _, r := range replacements {
		result = replaceLiteral(result, r.macro, r.value)
	}

	result = trimRe.ReplaceAllString(result, "")

	result = rollRe.ReplaceAllStringFunc(result, func(m string) string {
		spec := rollRe.FindStringSubmatch(m)[1]
		if v, ok := rollDice(spec, ctx.Rand); ok {
			return strconv.Itoa(v)
		}
		return m // malformed: leave verbatim
	})

	result = randomRe.ReplaceAllStringFunc(result, func(m string) string {
		options := strings.Split(randomRe.FindStringSubmatch(m)[1], ",")
		if len(options) == 0 {
			return ""
		}
		return strings.TrimSpace(options[intn(ctx.Rand, len(options))])
	})

	// Collapse runs of blank lines left behind by empty substitutions.
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

// replaceLiteral substitutes every case-insensitive occurrence of macro.
func replaceLiteral(text, macro, value string) string {
	lowerText := strings.ToLower(text)
	lowerMacro := strings.ToLower(macro)

	var b strings.Builder
	for {
		idx := strings.Index(lowerText, lowerMacro)
		if idx < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:idx])
		b.WriteString(value)
		text = text[idx+len(macro):]
		lowerText = lowerText[idx+len(lowerMacro):]
	}
}

// rollDice evaluates an XdY+Z dice expression. X and the modifier are
// optional. Returns ok=false for anything that does not parse.
func rollDice(spec string, rng *rand.Rand) (int, bool) {
	m := diceRe.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return 0, false
	}

	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return 0, false
		}
		count = n
	}
	sides, err := strconv.Atoi(m[2])
	if err != nil || sides < 1 {
		return 0, false
	}
	modifier := 0
	if m[3] != "" {
		modifier, err = strconv.Atoi(m[3])
		if err != nil {
			return 0, false
		}
	}

	total := modifier
	for i := 0; i < count; i++ {
		total += intn(rng, sides) + 1
	}
	return total, true
}

func intn(rng *rand.Rand, n int) int {
	if rng != nil {
		return rng.Intn(n)
	}
	return rand.Intn(n)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
