// Package rewrite applies ordered, user-defined regex find/replace rules to
// generated text. Rules are scoped two ways: by pipeline stage (whose output
// they run on) and by target (text bound for the next prompt vs text shown
// to the user). Invalid patterns are skipped with a diagnostic; a bad rule
// never aborts processing.
package rewrite

import (
	"regexp"
	"strconv"
	"strings"

	"storyloom/internal/logging"
)

// Target distinguishes what the processed text is for.
type Target string

const (
	TargetDisplay Target = "display"
	TargetPrompt  Target = "prompt"
)

// Stage names a pipeline stage whose output a rule may apply to. The empty
// stage means plain chat text.
type Stage string

const (
	StageDirector      Stage = "director"
	StageWriter        Stage = "writer"
	StagePaintDirector Stage = "paint_director"
)

// Rule is one find/replace instruction. Flags follow the familiar script
// convention: g (global), i (case-insensitive), m (multiline), s (dot
// matches newline). The replacement may reference $0–$9 and {{match}}.
type Rule struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Find    string `json:"find" yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Order   int    `json:"order" yaml:"order"`

	// Stage applicability for pipeline output.
	RunOnDirector      bool `json:"run_on_director,omitempty" yaml:"run_on_director,omitempty"`
	RunOnWriter        bool `json:"run_on_writer,omitempty" yaml:"run_on_writer,omitempty"`
	RunOnPaintDirector bool `json:"run_on_paint_director,omitempty" yaml:"run_on_paint_director,omitempty"`

	// Role applicability for plain chat text.
	RunOnUserInput bool `json:"run_on_user_input,omitempty" yaml:"run_on_user_input,omitempty"`
	RunOnAIOutput  bool `json:"run_on_ai_output,omitempty" yaml:"run_on_ai_output,omitempty"`

	// Target applicability.
	AffectDisplay bool `json:"affect_display,omitempty" yaml:"affect_display,omitempty"`
	AffectPrompt  bool `json:"affect_prompt,omitempty" yaml:"affect_prompt,omitempty"`

	// Depth gates for plain chat text; MaxDepth < 0 means unbounded.
	MinDepth int `json:"min_depth,omitempty" yaml:"min_depth,omitempty"`
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

// Scope describes the text being processed.
type Scope struct {
	// Stage is set when processing pipeline stage output; empty for chat.
	Stage Stage
	// Target is display or prompt.
	Target Target
	// Role is the message author for plain chat text ("user"/"assistant").
	Role string
	// Depth is the message's offset from the end of history; 0 is newest.
	Depth int
}

// appliesTo reports whether the rule's scoping admits this text.
func (r *Rule) appliesTo(s Scope) bool {
	if s.Stage != "" {
		switch s.Stage {
		case StageDirector:
			if !r.RunOnDirector {
				return false
			}
		case StageWriter:
			if !r.RunOnWriter {
				return false
			}
		case StagePaintDirector:
			if !r.RunOnPaintDirector {
				return false
			}
		default:
			return false
		}
	} else {
		if s.Role == "user" && !r.RunOnUserInput {
			return false
		}
		if s.Role == "assistant" && !r.RunOnAIOutput {
			return false
		}
		if s.Depth < r.MinDepth {
			return false
		}
		if r.MaxDepth >= 0 && s.Depth > r.MaxDepth {
			return false
		}
	}

	switch s.Target {
	case TargetDisplay:
		return r.AffectDisplay
	case TargetPrompt:
		return r.AffectPrompt
	}
	return false
}

// RuleSet is an ordered collection of rules.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet keeps only enabled rules, sorted by Order with the incoming
// order preserved for ties.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		if r.Enabled {
			rs.rules = append(rs.rules, r)
		}
	}
	// Stable insertion sort: rule sets are small and user ordering matters.
	for i := 1; i < len(rs.rules); i++ {
		for j := i; j > 0 && rs.rules[j].Order < rs.rules[j-1].Order; j-- {
			rs.rules[j], rs.rules[j-1] = rs.rules[j-1], rs.rules[j]
		}
	}
	return rs
}

// Select returns the subset of rules with the given IDs, preserving the
// requested ID order. Unknown IDs are ignored.
func (rs *RuleSet) Select(ids []string) *RuleSet {
	if len(ids) == 0 {
		return rs
	}
	byID := make(map[string]Rule, len(rs.rules))
	for _, r := range rs.rules {
		byID[r.ID] = r
	}
	out := &RuleSet{}
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out.rules = append(out.rules, r)
		}
	}
	return out
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Apply runs every applicable rule over text, in order. Rules with invalid
// patterns are skipped with a diagnostic.
func (rs *RuleSet) Apply(text string, scope Scope) string {
	log := logging.L(logging.CategoryRewrite)
	result := text

	for i := range rs.rules {
		rule := &rs.rules[i]
		if !rule.appliesTo(scope) {
			continue
		}

		pattern := rule.Find
		var inline []string
		if strings.ContainsRune(rule.Flags, 'i') {
			inline = append(inline, "i")
		}
		if strings.ContainsRune(rule.Flags, 's') {
			inline = append(inline, "s")
		}
		if strings.ContainsRune(rule.Flags, 'm') {
			inline = append(inline, "m")
		}
		if len(inline) > 0 {
			pattern = "(?" + strings.Join(inline, "") + ")" + pattern
		}

		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warnw("skipping invalid rule", "rule", rule.Name, "error", err)
			continue
		}

		global := strings.ContainsRune(rule.Flags, 'g')
		result = replaceMatches(re, result, rule.Replace, global)
	}

	return result
}

// replaceMatches substitutes matches of re in text. The replacement string
// supports $0–$9 capture references and the {{match}} alias for the whole
// match. When global is false only the first match is replaced.
func replaceMatches(re *regexp.Regexp, text, replacement string, global bool) string {
	expand := func(groups []string) string {
		out := replacement
		out = strings.ReplaceAll(out, "{{match}}", groups[0])
		out = strings.ReplaceAll(out, "{{MATCH}}", groups[0])
		out = strings.ReplaceAll(out, "$0", groups[0])
		for i := 1; i < len(groups) && i < 10; i++ {
			out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), groups[i])
		}
		return out
	}

	if global {
		return re.ReplaceAllStringFunc(text, func(m string) string {
			groups := re.FindStringSubmatch(m)
			if groups == nil {
				return m
			}
			return expand(groups)
		})
	}

	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	groups := make([]string, re.NumSubexp()+1)
	for i := 0; i <= re.NumSubexp(); i++ {
		if loc[2*i] >= 0 {
			groups[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return text[:loc[0]] + expand(groups) + text[loc[1]:]
}
