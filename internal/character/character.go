// Package character models the character card that drives macro expansion
// and prompt assembly.
package character

import "strings"

// Card holds the fields of one character definition. All fields are plain
// text and may themselves contain macros.
type Card struct {
	ID                      string `json:"id" yaml:"id"`
	Name                    string `json:"name" yaml:"name"`
	Description             string `json:"description" yaml:"description"`
	Personality             string `json:"personality" yaml:"personality"`
	Scenario                string `json:"scenario" yaml:"scenario"`
	SystemPrompt            string `json:"system_prompt" yaml:"system_prompt"`
	PostHistoryInstructions string `json:"post_history_instructions" yaml:"post_history_instructions"`
	Version                 string `json:"version" yaml:"version"`
	ExampleDialogue         string `json:"example_dialogue" yaml:"example_dialogue"`
	FirstMessage            string `json:"first_message" yaml:"first_message"`
}

// DisplayName returns the card's name or "Assistant" when unset.
func (c *Card) DisplayName() string {
	if c == nil || c.Name == "" {
		return "Assistant"
	}
	return c.Name
}

// Persona renders the combined character block used by the {{character}}
// macro: name, description, and personality stacked into one fragment.
func (c *Card) Persona() string {
	if c == nil {
		return ""
	}
	var parts []string
	if c.Name != "" {
		parts = append(parts, "Character: "+c.Name)
	}
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	if c.Personality != "" {
		parts = append(parts, "Personality: "+c.Personality)
	}
	return strings.Join(parts, "\n")
}
