// Package prompt assembles the final prompt text for a generation stage: it
// runs the activation engine over the worldbook, expands macros in the
// preset's template entries, and partitions the results around the
// conversation history.
package prompt

// Position controls where a template entry's expanded text lands relative
// to the conversation history.
type Position string

const (
	PositionNormal        Position = "normal"
	PositionBeforeMain    Position = "before_main"
	PositionAfterMain     Position = "after_main"
	PositionPostHistory   Position = "post_history"
	PositionJailbreak     Position = "jailbreak"
	PositionHistoryMarker Position = "history_marker"
)

// TemplateEntry is one ordered block of preset text. Depth is the ordering
// key within the preset, not a history offset. history_marker entries are
// anchors only and never contribute text.
type TemplateEntry struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Content   string   `json:"content" yaml:"content"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Depth     int      `json:"depth" yaml:"depth"`
	Position  Position `json:"position,omitempty" yaml:"position,omitempty"`
	Deletable bool     `json:"deletable,omitempty" yaml:"deletable,omitempty"`
}

// Preset is a named, ordered set of template entries plus the generation
// parameters for the LLM call it configures.
type Preset struct {
	ID      string          `json:"id" yaml:"id"`
	Name    string          `json:"name" yaml:"name"`
	Entries []TemplateEntry `json:"entries" yaml:"entries"`

	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`

	// RegexRuleIDs selects the rewrite rules that apply to output produced
	// under this preset; empty means all enabled rules.
	RegexRuleIDs []string `json:"regex_rule_ids,omitempty" yaml:"regex_rule_ids,omitempty"`
}
