// Package lore implements the worldbook model and the context-activation
// engine: scanning recent conversation text against keyword rules to decide
// which knowledge fragments enter the prompt.
package lore

// Position controls where an activated entry's content is placed relative
// to the main prompt.
type Position string

const (
	PositionBeforeMain Position = "before_main"
	PositionAfterMain  Position = "after_main"
	PositionAtDepth    Position = "at_depth"
)

// SelectiveLogic combines an entry's secondary keys with its primary match.
type SelectiveLogic string

const (
	LogicAnd SelectiveLogic = "and"
	LogicOr  SelectiveLogic = "or"
	LogicNot SelectiveLogic = "not"
)

// Entry is one knowledge fragment with its activation rules. Entries are
// read-only during a scan; the engine never mutates them.
type Entry struct {
	ID             string         `json:"id" yaml:"id"`
	Comment        string         `json:"comment,omitempty" yaml:"comment,omitempty"`
	Keys           []string       `json:"keys" yaml:"keys"`
	SecondaryKeys  []string       `json:"secondary_keys,omitempty" yaml:"secondary_keys,omitempty"`
	Logic          SelectiveLogic `json:"selective_logic,omitempty" yaml:"selective_logic,omitempty"`
	Content        string         `json:"content" yaml:"content"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Constant       bool           `json:"constant" yaml:"constant"`
	Order          int            `json:"order" yaml:"order"`
	Position       Position       `json:"position,omitempty" yaml:"position,omitempty"`
	Depth          int            `json:"depth,omitempty" yaml:"depth,omitempty"`
	Role           string         `json:"role,omitempty" yaml:"role,omitempty"`
	Recursive      bool           `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	InclusionGroup string         `json:"inclusion_group,omitempty" yaml:"inclusion_group,omitempty"`
	CaseSensitive  bool           `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	MatchWholeWord bool           `json:"match_whole_words,omitempty" yaml:"match_whole_words,omitempty"`
	Probability    int            `json:"probability,omitempty" yaml:"probability,omitempty"`
	UseProbability bool           `json:"use_probability,omitempty" yaml:"use_probability,omitempty"`
}

// Book is an ordered collection of entries plus the scan settings that
// govern keyword matching over conversation history.
type Book struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Entries           []*Entry `json:"entries" yaml:"entries"`
	ScanDepth         int      `json:"scan_depth" yaml:"scan_depth"`
	RecursiveScanning bool     `json:"recursive_scanning" yaml:"recursive_scanning"`
}

// Combine merges several books into one virtual book. The effective scan
// depth is the maximum of the constituents' depths; recursive scanning stays
// enabled only when every constituent enables it. Nil and empty books are
// ignored; combining nothing yields nil.
func Combine(books ...*Book) *Book {
	merged := &Book{
		ID:                "combined",
		Name:              "Combined Worldbooks",
		RecursiveScanning: true,
	}

	for _, b := range books {
		if b == nil {
			continue
		}
		if b.ScanDepth > merged.ScanDepth {
			merged.ScanDepth = b.ScanDepth
		}
		if !b.RecursiveScanning {
			merged.RecursiveScanning = false
		}
		for _, e := range b.Entries {
			if e != nil && e.Enabled {
				merged.Entries = append(merged.Entries, e)
			}
		}
	}

	if len(merged.Entries) == 0 {
		return nil
	}
	return merged
}
