package prompt

import (
	"sort"
	"strings"

	"storyloom/internal/character"
	"storyloom/internal/chat"
	"storyloom/internal/logging"
	"storyloom/internal/lore"
	"storyloom/internal/macro"
)

// Assembler combines the activation engine, macro expander, and a preset's
// template entries into the final pre/post-history prompt text.
type Assembler struct {
	scanner *lore.Scanner
}

// NewAssembler creates an assembler with a default activation scanner.
func NewAssembler() *Assembler {
	return &Assembler{scanner: lore.NewScanner()}
}

// NewAssemblerWithScanner creates an assembler with a caller-supplied
// scanner, for deterministic probability behavior under test.
func NewAssemblerWithScanner(s *lore.Scanner) *Assembler {
	return &Assembler{scanner: s}
}

// Options carries the user-side identity fed to macro expansion.
type Options struct {
	UserName    string
	UserPersona string
}

// Result is the output of one assembly: the text blocks that bracket the
// conversation history plus entries to inject into the history itself.
type Result struct {
	PreHistory  string
	PostHistory string
	Injections  []chat.Injection
}

// SystemPrompt joins the pre and post blocks into a single system prompt,
// for stages that do not thread history between them.
func (r Result) SystemPrompt() string {
	switch {
	case r.PreHistory != "" && r.PostHistory != "":
		return r.PreHistory + "\n\n" + r.PostHistory
	case r.PreHistory != "":
		return r.PreHistory
	default:
		return r.PostHistory
	}
}

// Assemble builds the prompt text for one stage. It scans the worldbook
// against history, buckets activated entries by position, then expands each
// enabled template entry in ascending depth order. Entries whose expansion
// is empty are dropped; post_history and jailbreak entries route to the
// post-history block. A nil preset yields empty blocks, not an error.
func (a *Assembler) Assemble(
	card *character.Card,
	book *lore.Book,
	preset *Preset,
	history []chat.Message,
	opts Options,
) Result {
	log := logging.L(logging.CategoryPrompt)

	var beforeParts, afterParts []string
	var injections []chat.Injection

	for _, entry := range a.scanner.Scan(book, history) {
		if entry.Content == "" {
			continue
		}
		switch entry.Position {
		case lore.PositionAtDepth:
			injections = append(injections, chat.Injection{
				Content: entry.Content,
				Depth:   entry.Depth,
				Role:    injectionRole(entry.Role),
				Order:   entry.Order,
			})
		case lore.PositionAfterMain:
			afterParts = append(afterParts, entry.Content)
		default:
			beforeParts = append(beforeParts, entry.Content)
		}
	}

	sort.SliceStable(injections, func(i, j int) bool {
		if injections[i].Depth != injections[j].Depth {
			return injections[i].Depth < injections[j].Depth
		}
		return injections[i].Order < injections[j].Order
	})

	loreBefore := strings.Join(beforeParts, "\n\n")
	loreAfter := strings.Join(afterParts, "\n\n")

	mctx := buildMacroContext(card, history, opts, loreBefore, loreAfter)

	var preParts, postParts []string

	if preset != nil {
		entries := make([]TemplateEntry, len(preset.Entries))
		copy(entries, preset.Entries)
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Depth < entries[j].Depth
		})

		for _, entry := range entries {
			if !entry.Enabled || entry.Position == PositionHistoryMarker {
				continue
			}
			if entry.Content == "" {
				continue
			}

			expanded := macro.Expand(entry.Content, mctx)
			if strings.TrimSpace(expanded) == "" {
				log.Debugw("template entry empty after expansion", "entry", entry.Name)
				continue
			}

			if entry.Position == PositionPostHistory || entry.Position == PositionJailbreak {
				postParts = append(postParts, expanded)
			} else {
				preParts = append(preParts, expanded)
			}
		}
	}

	result := Result{
		PreHistory:  strings.Join(preParts, "\n\n"),
		PostHistory: strings.Join(postParts, "\n\n"),
		Injections:  injections,
	}

	log.Debugw("assembly complete",
		"pre_len", len(result.PreHistory),
		"post_len", len(result.PostHistory),
		"injections", len(injections))

	return result
}

// BuildStageMessages produces the full message list for an LLM call:
// pre-history system prompt, history with depth injections applied, the
// user turn, and the post-history block as a trailing system message.
func (a *Assembler) BuildStageMessages(
	card *character.Card,
	book *lore.Book,
	preset *Preset,
	history []chat.Message,
	userTurn string,
	opts Options,
) []chat.Message {
	res := a.Assemble(card, book, preset, history, opts)

	var messages []chat.Message
	if res.PreHistory != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: res.PreHistory})
	}
	messages = append(messages, chat.InjectAtDepth(history, res.Injections)...)
	if userTurn != "" {
		messages = append(messages, chat.Message{Role: chat.RoleUser, Content: userTurn})
	}
	if res.PostHistory != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: res.PostHistory})
	}
	return messages
}

// buildMacroContext fills the closed macro context from the character card,
// activated lore blocks, and recent history.
func buildMacroContext(
	card *character.Card,
	history []chat.Message,
	opts Options,
	loreBefore, loreAfter string,
) macro.Context {
	ctx := macro.Context{
		UserName:        opts.UserName,
		Persona:         opts.UserPersona,
		LoreBefore:      loreBefore,
		LoreAfter:       loreAfter,
		LastCharMessage: chat.LastByRole(history, chat.RoleAssistant),
		LastUserMessage: chat.LastByRole(history, chat.RoleUser),
	}

	if card != nil {
		ctx.CharName = card.Name
		ctx.Description = card.Description
		ctx.Personality = card.Personality
		ctx.Scenario = card.Scenario
		ctx.SystemPrompt = card.SystemPrompt
		ctx.PostHistory = card.PostHistoryInstructions
		ctx.CharVersion = card.Version
		ctx.CharPersona = card.Persona()
		ctx.ExampleDialogue = card.ExampleDialogue
	}

	return ctx
}

// injectionRole maps a worldbook role string onto a chat role, defaulting
// to system.
func injectionRole(role string) chat.Role {
	switch role {
	case string(chat.RoleUser):
		return chat.RoleUser
	case string(chat.RoleAssistant):
		return chat.RoleAssistant
	default:
		return chat.RoleSystem
	}
}

// EstimateTokens gives a rough token count for budget telemetry. Four
// characters per token is close enough for English prose.
func EstimateTokens(text string) int {
	return len(text) / 4
}
