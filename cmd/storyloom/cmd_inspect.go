package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyloom/internal/chat"
	"storyloom/internal/lore"
	"storyloom/internal/macro"
)

var (
	scanWorldbooks []string
	expandCharPath string
	expandUserName string
)

// scanCmd shows which worldbook entries a message would activate, without
// calling any LLM. Useful for debugging keyword and recursion behavior.
var scanCmd = &cobra.Command{
	Use:   "scan [message]",
	Short: "Show worldbook entries activated by a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		book, err := loadBooks(scanWorldbooks)
		if err != nil {
			return err
		}
		if book == nil {
			fmt.Println("no enabled entries in the given worldbooks")
			return nil
		}

		history := []chat.Message{{Role: chat.RoleUser, Content: args[0]}}
		entries := lore.NewScanner().Scan(book, history)

		if len(entries) == 0 {
			fmt.Println("no entries activated")
			return nil
		}
		for _, e := range entries {
			label := e.Comment
			if label == "" {
				label = e.ID
			}
			fmt.Printf("%-30s position=%-12s order=%d\n", label, e.Position, e.Order)
		}
		return nil
	},
}

// expandCmd runs macro expansion over a text fragment against a character
// card, printing the result.
var expandCmd = &cobra.Command{
	Use:   "expand [text]",
	Short: "Expand macros in a text fragment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		card, err := loadCard(expandCharPath)
		if err != nil {
			return err
		}

		ctx := macro.Context{UserName: expandUserName}
		if card != nil {
			ctx.CharName = card.DisplayName()
			ctx.Description = card.Description
			ctx.Personality = card.Personality
			ctx.Scenario = card.Scenario
			ctx.SystemPrompt = card.SystemPrompt
			ctx.PostHistory = card.PostHistoryInstructions
			ctx.CharVersion = card.Version
			ctx.CharPersona = card.Persona()
			ctx.ExampleDialogue = card.ExampleDialogue
		}

		fmt.Println(macro.Expand(args[0], ctx))
		return nil
	},
}

func init() {
	scanCmd.Flags().StringSliceVarP(&scanWorldbooks, "worldbook", "w", nil, "worldbook YAML file (repeatable)")
	expandCmd.Flags().StringVarP(&expandCharPath, "character", "c", "", "character card YAML file")
	expandCmd.Flags().StringVarP(&expandUserName, "user", "u", "User", "user display name")
}
