package lore

import (
	"math/rand"
	"regexp"
	"sort"
	"strings"

	"storyloom/internal/chat"
	"storyloom/internal/logging"
)

// =============================================================================
// Context Activation Engine
// =============================================================================
//
// Scan decides which worldbook entries enter the prompt for one turn. The
// algorithm is a two-phase worklist:
//
//  1. Direct pass: constant entries activate unconditionally; keyed entries
//     activate when their keywords match the recent-history buffer.
//  2. Recursive pass: activated entries marked recursive have their own
//     content scanned against the remaining entries, up to a fixed depth
//     ceiling, so lore can chain without unbounded growth.
//
// Inclusion groups enforce mutual exclusivity: within a group only the entry
// with the lowest order survives, even when the loser was reached through
// recursion. The scan never mutates entry definitions.

// maxRecursionDepth bounds the recursive pass; chains longer than this are
// cut off to guarantee termination.
const maxRecursionDepth = 3

// Scanner runs activation scans. The zero value is not usable; construct
// with NewScanner.
type Scanner struct {
	rng *rand.Rand
}

// NewScanner returns a scanner using the global random source for
// probability draws.
func NewScanner() *Scanner {
	return &Scanner{}
}

// NewScannerWithRand returns a scanner with a fixed random source, for
// deterministic probability behavior under test.
func NewScannerWithRand(rng *rand.Rand) *Scanner {
	return &Scanner{rng: rng}
}

// workItem is one recursion source waiting to have its content scanned.
type workItem struct {
	entry *Entry
	level int
}

// Scan returns the activated entries for the given history, sorted ascending
// by order. A nil or empty book yields an empty result.
func (s *Scanner) Scan(book *Book, history []chat.Message) []*Entry {
	if book == nil || len(book.Entries) == 0 {
		return nil
	}

	log := logging.L(logging.CategoryActivation)

	buffer := scanBuffer(history, book.ScanDepth)

	active := make(map[string]*Entry)
	groupWinner := make(map[string]*Entry)
	var queue []workItem

	activate := func(e *Entry, via string) bool {
		if _, ok := active[e.ID]; ok {
			return false
		}
		if e.InclusionGroup != "" {
			if winner, ok := groupWinner[e.InclusionGroup]; ok {
				if e.Order >= winner.Order {
					log.Debugw("entry lost inclusion group",
						"entry", e.ID, "group", e.InclusionGroup, "winner", winner.ID)
					return false
				}
				// New entry outranks the current winner; evict it even if it
				// was activated through recursion.
				delete(active, winner.ID)
				log.Debugw("entry evicted from inclusion group",
					"entry", winner.ID, "group", e.InclusionGroup, "by", e.ID)
			}
			groupWinner[e.InclusionGroup] = e
		}
		active[e.ID] = e
		log.Debugw("entry activated", "entry", e.ID, "via", via)
		return true
	}

	// Direct pass over the history buffer.
	for _, e := range book.Entries {
		if e == nil || !e.Enabled {
			continue
		}
		if e.Constant {
			if activate(e, "constant") && e.Recursive {
				queue = append(queue, workItem{e, 0})
			}
			continue
		}
		if s.matches(e, buffer) {
			if activate(e, "keyword") && e.Recursive {
				queue = append(queue, workItem{e, 0})
			}
		}
	}

	// Recursive pass: each activated recursive entry contributes its own
	// content as an additional search buffer.
	if book.RecursiveScanning {
		for len(queue) > 0 {
			item := queue[0]
			queue = queue[1:]

			if item.level >= maxRecursionDepth {
				continue
			}
			// An evicted group loser no longer spreads activation.
			if _, ok := active[item.entry.ID]; !ok {
				continue
			}

			for _, other := range book.Entries {
				if other == nil || !other.Enabled || other.ID == item.entry.ID {
					continue
				}
				if _, ok := active[other.ID]; ok {
					continue
				}
				if s.matches(other, item.entry.Content) {
					if activate(other, "recursion") && other.Recursive {
						queue = append(queue, workItem{other, item.level + 1})
					}
				}
			}
		}
	}

	result := make([]*Entry, 0, len(active))
	for _, e := range active {
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Order < result[j].Order
	})

	log.Debugw("scan complete",
		"candidates", len(book.Entries), "activated", len(result), "buffer_len", len(buffer))

	return result
}

// scanBuffer concatenates the content of the last depth messages. A
// non-positive depth yields an empty buffer, which only constant entries
// can survive.
func scanBuffer(history []chat.Message, depth int) string {
	if depth <= 0 || len(history) == 0 {
		return ""
	}
	start := len(history) - depth
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, len(history)-start)
	for _, m := range history[start:] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

// matches reports whether the entry's keyword rules hold against the given
// text. An entry without primary keys never matches.
func (s *Scanner) matches(e *Entry, text string) bool {
	if len(e.Keys) == 0 {
		return false
	}

	if e.UseProbability && e.Probability < 100 {
		if s.roll() > e.Probability {
			return false
		}
	}

	primary := false
	for _, kw := range e.Keys {
		if kw != "" && keywordMatches(kw, text, e.CaseSensitive, e.MatchWholeWord) {
			primary = true
			break
		}
	}
	if !primary {
		return false
	}

	if len(e.SecondaryKeys) == 0 {
		return true
	}

	any := false
	all := true
	for _, kw := range e.SecondaryKeys {
		if kw == "" {
			continue
		}
		if keywordMatches(kw, text, e.CaseSensitive, e.MatchWholeWord) {
			any = true
		} else {
			all = false
		}
	}

	switch e.Logic {
	case LogicNot:
		return !any
	case LogicOr:
		return any
	default: // LogicAnd
		return all
	}
}

// roll returns a uniform draw in [1,100].
func (s *Scanner) roll() int {
	if s.rng != nil {
		return s.rng.Intn(100) + 1
	}
	return rand.Intn(100) + 1
}

// keywordMatches checks a single keyword against text, honoring case
// sensitivity and whole-word matching.
func keywordMatches(kw, text string, caseSensitive, wholeWord bool) bool {
	if wholeWord {
		pattern := `\b` + regexp.QuoteMeta(kw) + `\b`
		if !caseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}

	if caseSensitive {
		return strings.Contains(text, kw)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(kw))
}
