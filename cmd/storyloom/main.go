// storyloom drives a multi-stage narrative generation pipeline from the
// command line: worldbook activation, macro expansion, prompt assembly, and
// a director/writer/paint-director/tts stage graph over streaming LLMs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"storyloom/internal/logging"
)

var (
	// Global flags
	verbose bool
	dataDir string
	apiKey  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "storyloom - staged narrative generation pipeline",
	Long: `storyloom turns a conversation turn into a narrative through a fixed
stage graph: a director outlines the scene, a writer and a paint director
consume the outline in parallel, and a tts pass voices the dialogue.

Characters, worldbooks, presets, and rewrite rules are YAML files; point
the run command at them and provide the user's message.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Init(verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", defaultDataDir(), "data directory for sessions and run logs")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(runsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storyloom"
	}
	return home + "/.storyloom"
}

func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	return os.Getenv("GEMINI_API_KEY")
}
